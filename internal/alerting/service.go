package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/domain"
	"github.com/envmon/envmon/internal/threshold"
)

// Notifier delivers alert events. Delivery failures are the notifier's
// concern; the call is fire-and-forget.
type Notifier interface {
	NotifyForAlert(ctx context.Context, alert domain.Alert, kind domain.EventKind)
}

// Store is the persistence the lifecycle needs. Lookups return an error
// wrapping domain.ErrNotFound when the row is missing.
type Store interface {
	CurrentConfiguration(ctx context.Context, deviceID int64) (*domain.DeviceConfiguration, error)
	Area(ctx context.Context, id int64) (*domain.Area, error)
	Alert(ctx context.Context, id string) (*domain.Alert, error)
	// WithDeviceLock runs fn in one transaction holding the device's lock,
	// so alert mutations for a device are single-writer.
	WithDeviceLock(ctx context.Context, deviceID int64, fn func(tx Tx, device *domain.Device) error) error
}

type Tx interface {
	// OpenAlert returns nil without error when the device has no open alert.
	OpenAlert(ctx context.Context, deviceID int64) (*domain.Alert, error)
	Alert(ctx context.Context, id string) (*domain.Alert, error)
	InsertAlert(ctx context.Context, a *domain.Alert) error
	UpdateAlert(ctx context.Context, a *domain.Alert) error
	MarkEvaluated(ctx context.Context, deviceID int64, at time.Time) error
}

type Service struct {
	store              Store
	notifier           Notifier
	log                zerolog.Logger
	defaultAckInterval time.Duration

	Now   func() time.Time
	NewID func() string
}

func NewService(store Store, notifier Notifier, logger zerolog.Logger, defaultAckInterval time.Duration) *Service {
	return &Service{
		store:              store,
		notifier:           notifier,
		log:                logger,
		defaultAckInterval: defaultAckInterval,
		Now:                func() time.Time { return time.Now().UTC() },
		NewID:              func() string { return uuid.New().String() },
	}
}

// EvaluateAndProcess applies one stored reading to the device's alert state.
// Business-rule gaps (unassigned device, no configuration) are logged and
// skipped; a returned error is an infrastructure failure worth retrying.
func (s *Service) EvaluateAndProcess(ctx context.Context, device domain.Device, reading domain.Reading) error {
	logger := s.log.With().
		Int64("device_id", device.ID).
		Int64("reading_id", reading.ID).
		Time("recorded_at", reading.RecordedAt).
		Logger()

	if device.AreaID == nil {
		logger.Debug().Msg("device has no area; skipping alert evaluation")
		return nil
	}

	cfg, err := s.store.CurrentConfiguration(ctx, device.ID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Msg("device has no current configuration; skipping alert evaluation")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	area, err := s.store.Area(ctx, *device.AreaID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Int64("area_id", *device.AreaID).Msg("device area missing; skipping alert evaluation")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load area: %w", err)
	}

	violations := threshold.Evaluate(reading, cfg)
	policy := Policy{
		AckNotifyInterval: area.AckNotifyInterval(s.defaultAckInterval),
		NotifyBackInRange: area.NotifyBackInRange,
	}

	var outcome Outcome
	err = s.store.WithDeviceLock(ctx, device.ID, func(tx Tx, locked *domain.Device) error {
		if locked.LastEvaluatedAt != nil && !reading.RecordedAt.After(*locked.LastEvaluatedAt) {
			logger.Debug().Time("last_evaluated_at", *locked.LastEvaluatedAt).Msg("reading not newer than last evaluation; skipping")
			return nil
		}

		open, err := tx.OpenAlert(ctx, device.ID)
		if err != nil {
			return fmt.Errorf("load open alert: %w", err)
		}

		outcome = Transition(open, violations, s.Now(), policy, s.NewID)
		switch {
		case outcome.Created:
			outcome.Alert.DeviceID = device.ID
			if err := tx.InsertAlert(ctx, outcome.Alert); err != nil {
				return fmt.Errorf("insert alert: %w", err)
			}
		case outcome.Changed:
			if err := tx.UpdateAlert(ctx, outcome.Alert); err != nil {
				return fmt.Errorf("update alert: %w", err)
			}
		}
		return tx.MarkEvaluated(ctx, device.ID, reading.RecordedAt)
	})
	if err != nil {
		return err
	}

	if outcome.Alert != nil {
		logger.Info().
			Str("alert_id", outcome.Alert.ID).
			Str("status", string(outcome.Alert.Status)).
			Str("severity", string(outcome.Alert.Severity)).
			Bool("created", outcome.Created).
			Int("notifications", len(outcome.Notify)).
			Msg("alert evaluated")
		s.notify(ctx, *outcome.Alert, outcome.Notify...)
	}
	return nil
}

// Acknowledge returns false without error when the alert is not active.
func (s *Service) Acknowledge(ctx context.Context, alertID, user, comment string) (bool, error) {
	return s.act(ctx, alertID, domain.EventAcknowledged, func(a domain.Alert, now time.Time) (domain.Alert, bool) {
		return Acknowledge(a, user, comment, now)
	})
}

// Resolve returns false without error when the alert is already closed.
func (s *Service) Resolve(ctx context.Context, alertID, user, comment string) (bool, error) {
	return s.act(ctx, alertID, domain.EventResolved, func(a domain.Alert, now time.Time) (domain.Alert, bool) {
		return Resolve(a, user, comment, now)
	})
}

func (s *Service) act(ctx context.Context, alertID string, kind domain.EventKind, apply func(domain.Alert, time.Time) (domain.Alert, bool)) (bool, error) {
	existing, err := s.store.Alert(ctx, alertID)
	if err != nil {
		return false, err
	}

	var (
		updated domain.Alert
		ok      bool
	)
	err = s.store.WithDeviceLock(ctx, existing.DeviceID, func(tx Tx, _ *domain.Device) error {
		current, err := tx.Alert(ctx, alertID)
		if err != nil {
			return err
		}
		updated, ok = apply(*current, s.Now())
		if !ok {
			return nil
		}
		return tx.UpdateAlert(ctx, &updated)
	})
	if err != nil || !ok {
		if err == nil {
			s.log.Info().Str("alert_id", alertID).Str("action", string(kind)).Msg("alert transition rejected")
		}
		return false, err
	}

	s.notify(ctx, updated, kind)
	return true, nil
}

func (s *Service) notify(ctx context.Context, a domain.Alert, kinds ...domain.EventKind) {
	if s.notifier == nil {
		return
	}
	for _, k := range kinds {
		s.notifier.NotifyForAlert(ctx, a, k)
	}
}
