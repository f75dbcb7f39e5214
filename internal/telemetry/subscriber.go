// Package telemetry carries vendor payloads over MQTT on the
// devices/{uid}/telemetry topics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/domain"
	"github.com/envmon/envmon/internal/service"
)

const (
	topicPrefix = "devices/"
	topicSuffix = "/telemetry"
)

var ErrBadTopic = errors.New("telemetry: unexpected topic")

// Topic returns the topic a device publishes its payloads on.
func Topic(uid string) string { return topicPrefix + uid + topicSuffix }

// DeviceUID extracts the device uid from a telemetry topic.
func DeviceUID(topic string) (string, error) {
	if !strings.HasPrefix(topic, topicPrefix) || !strings.HasSuffix(topic, topicSuffix) {
		return "", fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	uid := strings.TrimSuffix(strings.TrimPrefix(topic, topicPrefix), topicSuffix)
	if uid == "" || strings.Contains(uid, "/") {
		return "", fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	return uid, nil
}

type DeviceFinder interface {
	DeviceByUID(ctx context.Context, uid string) (*domain.Device, error)
}

type Ingestor interface {
	Ingest(ctx context.Context, device domain.Device, raw []byte) (service.BatchResult, time.Time, error)
}

// Subscriber feeds MQTT telemetry into the ingestion service.
type Subscriber struct {
	devices  DeviceFinder
	ingestor Ingestor
	log      zerolog.Logger
}

func NewSubscriber(devices DeviceFinder, ingestor Ingestor, logger zerolog.Logger) *Subscriber {
	return &Subscriber{devices: devices, ingestor: ingestor, log: logger}
}

// HandleMessage ingests one payload. MQTT has no reply channel, so the
// result is only reported through the returned error and the log.
func (s *Subscriber) HandleMessage(ctx context.Context, topic string, payload []byte) (service.BatchResult, error) {
	uid, err := DeviceUID(topic)
	if err != nil {
		return service.BatchResult{}, err
	}
	device, err := s.devices.DeviceByUID(ctx, uid)
	if err != nil {
		return service.BatchResult{}, fmt.Errorf("device %s: %w", uid, err)
	}
	res, _, err := s.ingestor.Ingest(ctx, *device, payload)
	if err != nil {
		return res, err
	}
	if res.Failed > 0 {
		s.log.Warn().Str("device_uid", uid).Int("stored", res.Success).Int("failed", res.Failed).
			Interface("errors", res.Errors).Msg("telemetry partially stored")
	}
	return res, nil
}

// Handler adapts HandleMessage to a paho callback bound to ctx.
func (s *Subscriber) Handler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		res, err := s.HandleMessage(ctx, msg.Topic(), msg.Payload())
		if err != nil {
			s.log.Error().Err(err).Str("topic", msg.Topic()).Msg("telemetry ingest failed")
			return
		}
		s.log.Debug().Str("topic", msg.Topic()).Int("stored", res.Success).Msg("telemetry ingested")
	}
}
