package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/config"
	"github.com/envmon/envmon/internal/domain"
)

// Handler processes one event. A returned error leaves the message pending
// so it is redelivered after the retry idle time.
type Handler interface {
	HandleReadingReceived(ctx context.Context, ev domain.ReadingReceived) error
}

type HandlerFunc func(ctx context.Context, ev domain.ReadingReceived) error

func (f HandlerFunc) HandleReadingReceived(ctx context.Context, ev domain.ReadingReceived) error {
	return f(ctx, ev)
}

type Consumer struct {
	client   *redis.Client
	settings config.Queue
	handler  Handler
	log      zerolog.Logger

	// BatchSize caps messages fetched per read and per reclaim scan.
	BatchSize int64
	// Block is how long a read waits for new messages. Negative disables blocking.
	Block time.Duration
}

func NewConsumer(client *redis.Client, settings config.Queue, handler Handler, logger zerolog.Logger) *Consumer {
	return &Consumer{
		client:    client,
		settings:  settings,
		handler:   handler,
		log:       logger.With().Str("stream", settings.Stream).Str("group", settings.Group).Logger(),
		BatchSize: 50,
		Block:     5 * time.Second,
	}
}

// Run consumes until ctx is cancelled, backing off while Redis is failing.
func (c *Consumer) Run(ctx context.Context) error {
	if err := EnsureGroup(ctx, c.client, c.settings.Stream, c.settings.Group); err != nil {
		return err
	}
	c.log.Info().Str("consumer", c.settings.Consumer).Msg("stream consumer started")

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Dur("backoff", backoff).Msg("stream poll failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

// Poll retries stale pending messages, then reads and handles one batch of
// new ones. It returns how many messages were handed to the handler.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	reclaimed, err := c.reclaim(ctx)
	if err != nil {
		return reclaimed, err
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.settings.Group,
		Consumer: c.settings.Consumer,
		Streams:  []string{c.settings.Stream, ">"},
		Count:    c.BatchSize,
		Block:    c.Block,
	}).Result()
	if isNil(err) {
		return reclaimed, nil
	}
	if err != nil {
		return reclaimed, fmt.Errorf("xreadgroup %s: %w", c.settings.Stream, err)
	}

	handled := reclaimed
	for _, s := range streams {
		for _, msg := range s.Messages {
			if c.handle(ctx, msg, 1) {
				handled++
			}
		}
	}
	return handled, nil
}

// reclaim claims messages that stayed pending past RetryIdle. Messages that
// already used up their attempts go to the dead-letter stream instead.
func (c *Consumer) reclaim(ctx context.Context) (int, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.settings.Stream,
		Group:  c.settings.Group,
		Start:  "-",
		End:    "+",
		Count:  c.BatchSize,
	}).Result()
	if isNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", c.settings.Stream, err)
	}

	handled := 0
	for _, p := range pending {
		if p.Idle < c.settings.RetryIdle {
			continue
		}
		msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.settings.Stream,
			Group:    c.settings.Group,
			Consumer: c.settings.Consumer,
			MinIdle:  c.settings.RetryIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil && !isNil(err) {
			return handled, fmt.Errorf("xclaim %s: %w", p.ID, err)
		}
		for _, msg := range msgs {
			if p.RetryCount >= c.settings.MaxAttempts {
				if err := c.deadLetter(ctx, msg, p.RetryCount, "max attempts exceeded"); err != nil {
					return handled, err
				}
				continue
			}
			if c.handle(ctx, msg, p.RetryCount+1) {
				handled++
			}
		}
	}
	return handled, nil
}

// handle reports whether the handler was invoked.
func (c *Consumer) handle(ctx context.Context, msg redis.XMessage, attempt int64) bool {
	logger := c.log.With().Str("message_id", msg.ID).Int64("attempt", attempt).Logger()

	ev, err := decode(msg.Values)
	if err != nil {
		logger.Error().Err(err).Msg("undecodable event")
		if err := c.deadLetter(ctx, msg, attempt, err.Error()); err != nil {
			logger.Error().Err(err).Msg("dead-letter failed")
		}
		return false
	}

	logger = logger.With().Int64("device_id", ev.DeviceID).Int64("reading_id", ev.ReadingID).Logger()
	if err := c.handler.HandleReadingReceived(ctx, ev); err != nil {
		logger.Error().Err(err).Msg("event handling failed; will retry")
		return true
	}
	if err := c.client.XAck(ctx, c.settings.Stream, c.settings.Group, msg.ID).Err(); err != nil {
		logger.Error().Err(err).Msg("xack failed")
	}
	return true
}

func (c *Consumer) deadLetter(ctx context.Context, msg redis.XMessage, attempts int64, reason string) error {
	values := make(map[string]interface{}, len(msg.Values)+3)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["source_id"] = msg.ID
	values["attempts"] = attempts
	values["reason"] = reason

	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: c.settings.DeadLetterStream, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", c.settings.DeadLetterStream, err)
	}
	if err := c.client.XAck(ctx, c.settings.Stream, c.settings.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", msg.ID, err)
	}
	c.log.Error().
		Bool("permanent_failure", true).
		Str("message_id", msg.ID).
		Int64("attempts", attempts).
		Str("reason", reason).
		Msg("event moved to dead-letter stream")
	return nil
}
