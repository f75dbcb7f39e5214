package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/domain"
)

type EvaluationStore interface {
	Device(ctx context.Context, id int64) (*domain.Device, error)
	Reading(ctx context.Context, id int64) (*domain.Reading, error)
}

type AlertProcessor interface {
	EvaluateAndProcess(ctx context.Context, device domain.Device, reading domain.Reading) error
}

// AlertEvaluationHandler consumes ReadingReceived events. Missing rows are
// not retried; any other error is returned so the queue redelivers.
type AlertEvaluationHandler struct {
	store  EvaluationStore
	alerts AlertProcessor
	log    zerolog.Logger
}

func NewAlertEvaluationHandler(store EvaluationStore, alerts AlertProcessor, logger zerolog.Logger) *AlertEvaluationHandler {
	return &AlertEvaluationHandler{store: store, alerts: alerts, log: logger}
}

func (h *AlertEvaluationHandler) HandleReadingReceived(ctx context.Context, ev domain.ReadingReceived) error {
	logger := h.log.With().Int64("device_id", ev.DeviceID).Int64("reading_id", ev.ReadingID).Logger()

	device, err := h.store.Device(ctx, ev.DeviceID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Msg("device gone; dropping event")
		return nil
	}
	if err != nil {
		return err
	}

	reading, err := h.store.Reading(ctx, ev.ReadingID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Msg("reading gone; dropping event")
		return nil
	}
	if err != nil {
		return err
	}

	if err := h.alerts.EvaluateAndProcess(ctx, *device, *reading); err != nil {
		logger.Error().Err(err).Time("recorded_at", reading.RecordedAt).Msg("alert evaluation failed")
		return err
	}
	return nil
}
