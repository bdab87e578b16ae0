package out

import (
	"context"
	"time"

	"engage_server/core/domain"
)

// =============================================================================
// Telephony
// =============================================================================

// DialRequest asks the telephony collaborator to place a call.
type DialRequest struct {
	TenantID    string `json:"tenant_id"`
	ItemID      string `json:"item_id"`
	LeadID      string `json:"lead_id"`
	To          string `json:"to"`
	Persona     string `json:"persona"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// DialResult carries the collaborator's opaque call identifier.
type DialResult struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// Telephony places outbound calls. The engine never owns call execution.
type Telephony interface {
	Dial(ctx context.Context, req *DialRequest) (*DialResult, error)
}

// =============================================================================
// Events
// =============================================================================

// Event is a structured domain event.
type Event struct {
	Name     string         `json:"name"`
	TenantID string         `json:"tenant_id,omitempty"`
	LeadID   string         `json:"lead_id,omitempty"`
	Level    string         `json:"level"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

// Event names
const (
	EventLabelsDetected   = "labels.detected"
	EventLabelsApplied    = "labels.applied"
	EventLeadMissing      = "lead.missing"
	EventConfigMissing    = "config.missing"
	EventScoreComputed    = "score.computed"
	EventScoreCacheHit    = "score.cache_hit"
	EventScoreCacheError  = "score.cache_error"
	EventItemEnqueued     = "queue.item_enqueued"
	EventItemClaimed      = "queue.item_claimed"
	EventItemCompleted    = "queue.item_completed"
	EventItemRescheduled  = "queue.item_rescheduled"
	EventItemSkipped      = "queue.item_skipped"
	EventItemDialed       = "queue.item_dialed"
	EventClaimLost        = "queue.claim_lost"
	EventItemReleased     = "queue.item_released"
	EventSessionConflict  = "queue.session_conflict"
	EventSessionStarted   = "queue.session_started"
	EventSessionStopped   = "queue.session_stopped"
	EventThreadResolved   = "thread.resolved"
	EventThreadPending    = "thread.pending"
	EventSnapshotCaptured = "snapshot.captured"
	EventSnapshotDropped  = "snapshot.dropped"
	EventInboundDuplicate = "inbound.duplicate"
	EventInboundProcessed = "inbound.processed"
	EventBatchItemFailed  = "batch.item_failed"
)

// Event levels
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// EventSink receives domain events. Emit must not block the caller on slow I/O.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// =============================================================================
// Inbound ingestion
// =============================================================================

// InboundPublisher hands an inbound message to the async pipeline.
type InboundPublisher interface {
	PublishInbound(ctx context.Context, msg *domain.InboundMessage) (string, error)
}
