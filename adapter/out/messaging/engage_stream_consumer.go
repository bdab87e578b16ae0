package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Delivery is one stream entry handed to a Sink.
type Delivery struct {
	Stream   string
	ID       string
	Data     []byte
	Attempts int64
}

// Sink receives deliveries. Returning false leaves the entry pending for a later reclaim.
// A sink acknowledges through Consumer.Ack or Consumer.DeadLetter once it is done.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) bool
}

// Consumer reads a stream through a consumer group and reclaims entries left pending
// by crashed or failing workers.
type Consumer struct {
	client   *redis.Client
	group    string
	consumer string
	stream   string
	log      zerolog.Logger

	batchSize            int64
	block                time.Duration
	pendingCheckInterval time.Duration
	pendingIdleTime      time.Duration
	maxRetries           int64
}

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Group    string
	Consumer string
	Stream   string
	Logger   zerolog.Logger

	BatchSize            int
	PendingCheckInterval time.Duration
	PendingIdleTime      time.Duration
	MaxRetries           int
}

func NewConsumer(client *redis.Client, cfg *ConsumerConfig) *Consumer {
	c := &Consumer{
		client:               client,
		group:                cfg.Group,
		consumer:             cfg.Consumer,
		stream:               cfg.Stream,
		log:                  cfg.Logger.With().Str("component", "stream_consumer").Logger(),
		batchSize:            int64(cfg.BatchSize),
		block:                5 * time.Second,
		pendingCheckInterval: cfg.PendingCheckInterval,
		pendingIdleTime:      cfg.PendingIdleTime,
		maxRetries:           int64(cfg.MaxRetries),
	}
	if c.stream == "" {
		c.stream = StreamInbound
	}
	if c.batchSize <= 0 {
		c.batchSize = 10
	}
	if c.pendingCheckInterval <= 0 {
		c.pendingCheckInterval = 30 * time.Second
	}
	if c.pendingIdleTime <= 0 {
		c.pendingIdleTime = 2 * time.Minute
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	return c
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, sink Sink) error {
	c.log.Info().
		Str("group", c.group).
		Str("consumer", c.consumer).
		Str("stream", c.stream).
		Msg("starting consumer")

	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	go c.reclaimLoop(ctx, sink)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    c.batchSize,
			Block:    c.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("error reading from stream")
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				c.deliver(ctx, sink, s.Stream, msg, 1)
			}
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, sink Sink, stream string, msg redis.XMessage, attempts int64) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		c.log.Warn().Str("id", msg.ID).Msg("entry has no data field")
		if err := c.DeadLetter(ctx, stream, msg.ID, "missing data field"); err != nil {
			c.log.Error().Err(err).Str("id", msg.ID).Msg("error dead-lettering entry")
		}
		return
	}
	if !sink.Deliver(ctx, Delivery{Stream: stream, ID: msg.ID, Data: []byte(data), Attempts: attempts}) {
		c.log.Warn().Str("id", msg.ID).Msg("sink rejected entry, leaving it pending")
	}
}

// Ack removes an entry from the group's pending list.
func (c *Consumer) Ack(ctx context.Context, stream, id string) error {
	return c.client.XAck(ctx, stream, c.group, id).Err()
}

// DeadLetter copies an entry to the dead letter stream and acknowledges it.
func (c *Consumer) DeadLetter(ctx context.Context, stream, id, reason string) error {
	entries, err := c.client.XRange(ctx, stream, id, id).Result()
	if err != nil {
		return fmt.Errorf("failed to read entry for DLQ: %w", err)
	}

	values := map[string]any{
		"original_stream": stream,
		"original_id":     id,
		"reason":          reason,
		"failed_at":       time.Now().UTC().Format(time.RFC3339),
		"consumer":        c.consumer,
	}
	if len(entries) > 0 {
		for k, v := range entries[0].Values {
			values["original_"+k] = v
		}
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: dlqPrefix + stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("failed to add entry to DLQ: %w", err)
	}
	c.log.Warn().Str("stream", stream).Str("id", id).Str("reason", reason).Msg("entry moved to DLQ")
	return c.Ack(ctx, stream, id)
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// =============================================================================
// Pending reclaim
// =============================================================================

func (c *Consumer) reclaimLoop(ctx context.Context, sink Sink) {
	ticker := time.NewTicker(c.pendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaim(ctx, sink)
		}
	}
}

func (c *Consumer) reclaim(ctx context.Context, sink Sink) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Idle:   c.pendingIdleTime,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Error().Err(err).Msg("error listing pending entries")
		}
		return
	}

	for _, p := range pending {
		if p.RetryCount >= c.maxRetries {
			if err := c.DeadLetter(ctx, c.stream, p.ID, "max retries exceeded"); err != nil {
				c.log.Error().Err(err).Str("id", p.ID).Msg("error dead-lettering entry")
			}
			continue
		}

		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.pendingIdleTime,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			c.log.Error().Err(err).Str("id", p.ID).Msg("error claiming entry")
			continue
		}
		for _, msg := range claimed {
			c.log.Info().Str("id", msg.ID).Int64("retries", p.RetryCount).Msg("redelivering pending entry")
			c.deliver(ctx, sink, c.stream, msg, p.RetryCount+1)
		}
	}
}
