// Package messaging provides Redis Streams adapters for async inbound ingestion.
package messaging

import (
	"context"
	"fmt"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Stream names
const (
	StreamInbound = "engage:inbound"

	// dead letters land on dlqPrefix + stream
	dlqPrefix = "dlq:"
)

// Envelope is the payload stored in the stream's data field.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Job types carried by Envelope.Type.
const (
	JobInbound = "inbound.process"
)

// RedisProducer implements out.InboundPublisher using Redis Streams.
type RedisProducer struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisProducer creates a producer for stream. An empty stream uses StreamInbound.
func NewRedisProducer(client *redis.Client, stream string) *RedisProducer {
	if stream == "" {
		stream = StreamInbound
	}
	return &RedisProducer{client: client, stream: stream, maxLen: 100000}
}

// PublishInbound queues an inbound message and returns its stream entry id.
func (p *RedisProducer) PublishInbound(ctx context.Context, msg *domain.InboundMessage) (string, error) {
	return p.publish(ctx, JobInbound, msg)
}

func (p *RedisProducer) publish(ctx context.Context, jobType string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	data, err := json.Marshal(Envelope{Type: jobType, Payload: raw, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"data": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", p.stream, err)
	}
	return id, nil
}

// Backlog reports the stream length.
func (p *RedisProducer) Backlog(ctx context.Context) (int64, error) {
	return p.client.XLen(ctx, p.stream).Result()
}

var _ out.InboundPublisher = (*RedisProducer)(nil)
