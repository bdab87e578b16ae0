package out

import (
	"context"
	"errors"
	"time"

	"engage_server/core/domain"
)

// Sentinel errors returned by every store backend.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// LeadRepository reads leads and applies the engine's label/score writes.
type LeadRepository interface {
	Get(ctx context.Context, tenantID, leadID string) (*domain.Lead, error)
	GetMany(ctx context.Context, tenantID string, leadIDs []string) (map[string]*domain.Lead, error)
	Upsert(ctx context.Context, lead *domain.Lead) error

	// ApplyLabels unions labels into the lead, adds delta to its score clamped to [0,100]
	// and sets the suppression flag when suppress is true, all in one atomic write.
	ApplyLabels(ctx context.Context, tenantID, leadID string, labels []domain.CanonicalLabel, delta int, suppress bool) (*domain.Lead, error)
}

// SignalRepository is the append-only signal log.
type SignalRepository interface {
	Append(ctx context.Context, signals ...*domain.Signal) error
	ListByLead(ctx context.Context, tenantID, leadID string) ([]*domain.Signal, error)
}

// ScoreCache holds computed scores. Freshness is decided by the caller.
type ScoreCache interface {
	Get(ctx context.Context, tenantID, leadID string) (*domain.LeadScore, bool, error)
	Set(ctx context.Context, score *domain.LeadScore) error
	Delete(ctx context.Context, tenantID, leadID string) error
}

// ThreadRepository is the conversation-thread collaborator.
type ThreadRepository interface {
	Get(ctx context.Context, tenantID, threadID string) (*domain.Thread, error)
	ListOpenByLead(ctx context.Context, tenantID, leadID string) ([]*domain.Thread, error)

	// MergeUpdate merges patch into the thread metadata and sets status, atomically.
	MergeUpdate(ctx context.Context, tenantID, threadID string, status domain.ThreadStatus, patch map[string]any) error
}

// SnapshotRepository stores feature snapshots.
type SnapshotRepository interface {
	Insert(ctx context.Context, snap *domain.FeatureSnapshot) error

	// LabelOutcome sets the outcome on the lead's unlabeled snapshots and returns how many changed.
	LabelOutcome(ctx context.Context, tenantID, leadID string, outcome domain.SnapshotOutcome, at time.Time) (int, error)
	ListByLead(ctx context.Context, tenantID, leadID string) ([]*domain.FeatureSnapshot, error)
	ListLabeled(ctx context.Context, tenantID string, filter domain.SnapshotFilter) ([]*domain.FeatureSnapshot, error)
}

// ReplayGuard remembers processed message fingerprints.
type ReplayGuard interface {
	// FirstSeen records key and reports whether it was new.
	FirstSeen(ctx context.Context, tenantID, key string, ttl time.Duration) (bool, error)

	// Release forgets key so a message that failed before any write can be retried.
	Release(ctx context.Context, tenantID, key string) error
}
