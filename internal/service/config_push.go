package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/domain"
	"github.com/envmon/envmon/internal/vendor"
)

type ConfigStore interface {
	CurrentConfiguration(ctx context.Context, deviceID int64) (*domain.DeviceConfiguration, error)
	ReplaceConfiguration(ctx context.Context, cfg *domain.DeviceConfiguration, at time.Time) error
	SetPendingConfigCommand(ctx context.Context, deviceID int64, command string) error
	SetConfigStatus(ctx context.Context, deviceID int64, status string) error
}

type ConfigPushResult struct {
	Configuration *domain.DeviceConfiguration
	// Command is empty when the vendor has no OTA configuration channel.
	Command string
}

// ConfigPushService supersedes device configurations and queues the vendor
// command that carries them to the device.
type ConfigPushService struct {
	store    ConfigStore
	registry *vendor.Registry
	log      zerolog.Logger

	Now func() time.Time
}

func NewConfigPushService(store ConfigStore, registry *vendor.Registry, logger zerolog.Logger) *ConfigPushService {
	return &ConfigPushService{
		store:    store,
		registry: registry,
		log:      logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Apply makes cfg the device's current configuration. The command is built
// first so a configuration the firmware would reject is never stored.
func (s *ConfigPushService) Apply(ctx context.Context, device domain.Device, cfg domain.DeviceConfiguration) (ConfigPushResult, error) {
	adapter, err := s.registry.Resolve(device.Vendor, device.Model)
	if err != nil {
		return ConfigPushResult{}, err
	}

	logger := s.log.With().Int64("device_id", device.ID).Str("vendor", adapter.Vendor()).Logger()

	command, err := adapter.BuildConfigCommand(vendor.ConfigRequestFrom(&cfg))
	switch {
	case errors.Is(err, vendor.ErrUnsupportedOperation):
		logger.Info().Err(err).Msg("vendor has no config channel; storing configuration only")
		command = ""
	case err != nil:
		return ConfigPushResult{}, fmt.Errorf("build config command: %w", err)
	}

	cfg.DeviceID = device.ID
	if err := s.store.ReplaceConfiguration(ctx, &cfg, s.Now()); err != nil {
		return ConfigPushResult{}, err
	}
	if command != "" {
		if err := s.store.SetPendingConfigCommand(ctx, device.ID, command); err != nil {
			return ConfigPushResult{}, err
		}
	}

	logger.Info().Int64("configuration_id", cfg.ID).Bool("command_queued", command != "").Msg("configuration replaced")
	return ConfigPushResult{Configuration: &cfg, Command: command}, nil
}

// PushResult is the outcome of one device-initiated push.
type PushResult struct {
	Batch      BatchResult
	ReceivedAt time.Time
	Ack        vendor.ConfigAck
	// Response is the body to send back, in the vendor's format.
	Response map[string]any
}

// PushService handles the vendor push endpoint: store the readings, record
// any config acknowledgement, and hand over a pending command.
type PushService struct {
	ingestion *ReadingIngestionService
	configs   ConfigStore
	registry  *vendor.Registry
	log       zerolog.Logger
}

func NewPushService(ingestion *ReadingIngestionService, configs ConfigStore, registry *vendor.Registry, logger zerolog.Logger) *PushService {
	return &PushService{ingestion: ingestion, configs: configs, registry: registry, log: logger}
}

func (s *PushService) Handle(ctx context.Context, device domain.Device, raw []byte) (PushResult, error) {
	adapter, err := s.registry.Resolve(device.Vendor, device.Model)
	if err != nil {
		return PushResult{}, err
	}

	batch, receivedAt, err := s.ingestion.Ingest(ctx, device, raw)
	if err != nil {
		return PushResult{}, err
	}
	res := PushResult{Batch: batch, ReceivedAt: receivedAt, Ack: adapter.ParseConfigAck(raw)}

	logger := s.log.With().Int64("device_id", device.ID).Str("vendor", adapter.Vendor()).Logger()

	pending := device.PendingConfigCommand != nil && *device.PendingConfigCommand != ""
	var command string
	switch {
	case res.Ack != vendor.AckNone && pending:
		if err := s.configs.SetConfigStatus(ctx, device.ID, string(res.Ack)); err != nil {
			return res, err
		}
		logger.Info().Str("config_status", string(res.Ack)).Msg("device reported config result")
	case pending && device.ConfigStatus == domain.ConfigStatusPending:
		command = *device.PendingConfigCommand
		if err := s.configs.SetConfigStatus(ctx, device.ID, domain.ConfigStatusSent); err != nil {
			return res, err
		}
		logger.Info().Msg("config command delivered")
	}

	rc := vendor.ResponseContext{DeviceCode: device.Code, Now: receivedAt}
	if cfg, err := s.configs.CurrentConfiguration(ctx, device.ID); err == nil {
		rc.SendingInterval = cfg.SendingInterval
	} else if !errors.Is(err, domain.ErrNotFound) {
		return res, err
	}
	res.Response = adapter.BuildSuccessResponse(command, rc)
	return res, nil
}
