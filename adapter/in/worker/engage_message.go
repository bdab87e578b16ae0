package worker

import (
	"time"

	"engage_server/adapter/out/messaging"

	"github.com/goccy/go-json"
)

// JobType represents the type of a job.
type JobType = string

const (
	JobInbound JobType = messaging.JobInbound
)

// Message is one unit of work taken off the inbound stream.
type Message struct {
	ID        string          `json:"id"`
	Stream    string          `json:"stream"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int64           `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

// FromDelivery decodes a stream entry into a Message.
func FromDelivery(d messaging.Delivery) (*Message, error) {
	var env messaging.Envelope
	if err := json.Unmarshal(d.Data, &env); err != nil {
		return nil, err
	}
	return &Message{
		ID:        d.ID,
		Stream:    d.Stream,
		Type:      env.Type,
		Payload:   env.Payload,
		Attempts:  d.Attempts,
		CreatedAt: env.CreatedAt,
	}, nil
}

// ParsePayload decodes the message payload into T.
func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
