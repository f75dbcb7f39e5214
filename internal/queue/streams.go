// Package queue carries ReadingReceived events over Redis Streams with
// at-least-once delivery, bounded retry and a dead-letter stream.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/envmon/envmon/internal/domain"
)

const (
	fieldDeviceID   = "device_id"
	fieldReadingID  = "reading_id"
	fieldRecordedAt = "recorded_at"
)

type Publisher struct {
	client *redis.Client
	stream string
}

func NewPublisher(client *redis.Client, stream string) *Publisher {
	return &Publisher{client: client, stream: stream}
}

func (p *Publisher) PublishReadingReceived(ctx context.Context, ev domain.ReadingReceived) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: encode(ev),
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

func encode(ev domain.ReadingReceived) map[string]interface{} {
	return map[string]interface{}{
		fieldDeviceID:   strconv.FormatInt(ev.DeviceID, 10),
		fieldReadingID:  strconv.FormatInt(ev.ReadingID, 10),
		fieldRecordedAt: ev.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decode(values map[string]interface{}) (domain.ReadingReceived, error) {
	var ev domain.ReadingReceived
	str := func(k string) (string, error) {
		v, ok := values[k].(string)
		if !ok || v == "" {
			return "", fmt.Errorf("missing field %q", k)
		}
		return v, nil
	}

	s, err := str(fieldDeviceID)
	if err != nil {
		return ev, err
	}
	if ev.DeviceID, err = strconv.ParseInt(s, 10, 64); err != nil {
		return ev, fmt.Errorf("device_id: %w", err)
	}
	if s, err = str(fieldReadingID); err != nil {
		return ev, err
	}
	if ev.ReadingID, err = strconv.ParseInt(s, 10, 64); err != nil {
		return ev, fmt.Errorf("reading_id: %w", err)
	}
	if s, err = str(fieldRecordedAt); err != nil {
		return ev, err
	}
	if ev.RecordedAt, err = time.Parse(time.RFC3339Nano, s); err != nil {
		return ev, fmt.Errorf("recorded_at: %w", err)
	}
	return ev, nil
}

// EnsureGroup creates the consumer group, and the stream if needed. An
// existing group is not an error.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func isNil(err error) bool { return errors.Is(err, redis.Nil) }
