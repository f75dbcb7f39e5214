package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/domain"
)

type UnevaluatedStore interface {
	UnevaluatedReadings(ctx context.Context, receivedBefore time.Time, limit int) ([]domain.ReadingReceived, error)
}

// Reconciler republishes ReadingReceived for devices whose newest reading
// never got evaluated, e.g. because the publish after insert failed.
// Evaluation is idempotent, so a reading that was merely slow is harmless
// to publish twice.
type Reconciler struct {
	store  UnevaluatedStore
	events EventPublisher
	log    zerolog.Logger

	Grace time.Duration
	Batch int
	Now   func() time.Time
}

func NewReconciler(store UnevaluatedStore, events EventPublisher, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		events: events,
		log:    logger,
		Grace:  2 * time.Minute,
		Batch:  100,
		Now:    time.Now,
	}
}

// Sweep publishes one event per lagging device and returns how many went out.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	pending, err := r.store.UnevaluatedReadings(ctx, r.Now().Add(-r.Grace), r.Batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, ev := range pending {
		if err := r.events.PublishReadingReceived(ctx, ev); err != nil {
			return sent, err
		}
		sent++
		r.log.Info().Int64("device_id", ev.DeviceID).Int64("reading_id", ev.ReadingID).
			Time("recorded_at", ev.RecordedAt).Msg("republished unevaluated reading")
	}
	return sent, nil
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("reconcile sweep failed")
			}
		}
	}
}
