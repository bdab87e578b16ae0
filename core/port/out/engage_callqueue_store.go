package out

import (
	"context"

	"engage_server/core/domain"
)

// MutateFunc edits an item in place. Returning an error aborts the write.
type MutateFunc func(item *domain.CallQueueItem) error

// CallQueueStore persists call queue items and assistant sessions in per-tenant namespaces.
// Implementations must make Mutate an atomic read-modify-write: fn sees the latest committed
// version and the write only lands if nobody else committed in between.
type CallQueueStore interface {
	Insert(ctx context.Context, item *domain.CallQueueItem) error
	Get(ctx context.Context, tenantID, itemID string) (*domain.CallQueueItem, error)
	List(ctx context.Context, tenantID string) ([]*domain.CallQueueItem, error)
	Mutate(ctx context.Context, tenantID, itemID string, fn MutateFunc) (*domain.CallQueueItem, error)
	Delete(ctx context.Context, tenantID string, itemIDs ...string) (int, error)

	GetAssistant(ctx context.Context, tenantID string, persona domain.Persona) (*domain.AssistantState, error)
	// SaveAssistant commits only while the stored session still carries state.Version
	// (0: no session stored yet), then bumps state.Version. A lost race is ErrConflict.
	SaveAssistant(ctx context.Context, state *domain.AssistantState) error
	DeleteAssistant(ctx context.Context, tenantID string, persona domain.Persona) error
	ListAssistants(ctx context.Context, tenantID string) ([]*domain.AssistantState, error)
}
