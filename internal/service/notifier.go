package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/domain"
)

// LogNotifier only logs alert events. It is used when cloud delivery is off.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) NotifyForAlert(_ context.Context, a domain.Alert, kind domain.EventKind) {
	n.Log.Info().
		Str("alert_id", a.ID).
		Int64("device_id", a.DeviceID).
		Str("event", string(kind)).
		Str("severity", string(a.Severity)).
		Str("reason", a.Reason).
		Msg("alert notification")
}

type AlertPublisher interface {
	SendAlertEvent(ctx context.Context, device domain.Device, a domain.Alert, kind domain.EventKind) (string, error)
}

type NotificationRecorder interface {
	Record(ctx context.Context, n domain.AlertNotification) error
}

type DeviceLookup interface {
	Device(ctx context.Context, id int64) (*domain.Device, error)
}

// CloudNotifier publishes alert events to SNS and records every attempt in
// the notification log. Failures are logged, never returned.
type CloudNotifier struct {
	publisher AlertPublisher
	recorder  NotificationRecorder
	devices   DeviceLookup
	log       zerolog.Logger

	Now func() time.Time
}

func NewCloudNotifier(publisher AlertPublisher, recorder NotificationRecorder, devices DeviceLookup, logger zerolog.Logger) *CloudNotifier {
	return &CloudNotifier{
		publisher: publisher,
		recorder:  recorder,
		devices:   devices,
		log:       logger,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (n *CloudNotifier) NotifyForAlert(ctx context.Context, a domain.Alert, kind domain.EventKind) {
	logger := n.log.With().Str("alert_id", a.ID).Int64("device_id", a.DeviceID).Str("event", string(kind)).Logger()

	device := domain.Device{ID: a.DeviceID}
	if d, err := n.devices.Device(ctx, a.DeviceID); err == nil {
		device = *d
	} else {
		logger.Warn().Err(err).Msg("device lookup failed; notifying without device details")
	}

	record := domain.AlertNotification{
		ID:        uuid.New().String(),
		AlertID:   a.ID,
		DeviceID:  a.DeviceID,
		Channel:   "sns",
		EventKind: kind,
		SentAt:    n.Now(),
	}
	messageID, err := n.publisher.SendAlertEvent(ctx, device, a, kind)
	if err != nil {
		record.Error = err.Error()
		logger.Error().Err(err).Msg("alert notification failed")
	} else {
		record.Delivered = true
		logger.Info().Str("message_id", messageID).Msg("alert notification sent")
	}

	if n.recorder == nil {
		return
	}
	if err := n.recorder.Record(ctx, record); err != nil {
		logger.Error().Err(err).Msg("notification log write failed")
	}
}
