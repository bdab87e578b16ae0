package in

import (
	"context"
	"time"

	"engage_server/core/domain"
	"engage_server/core/service/callqueue"
	"engage_server/core/service/scoring"
	"engage_server/core/service/thread"
)

// CallQueueService defines the tenant-scoped call queue surface
type CallQueueService interface {
	// === Enqueue ===
	Enqueue(ctx context.Context, tenantID string, req *callqueue.EnqueueRequest) (*callqueue.EnqueueOutcome, error)
	EnqueueBatch(ctx context.Context, tenantID string, reqs []*callqueue.EnqueueRequest) (*callqueue.ImportResult, error)

	// === Queries ===
	List(ctx context.Context, tenantID string, filter domain.ItemFilter) ([]*domain.CallQueueItem, int, error)
	Get(ctx context.Context, tenantID, itemID string) (*domain.CallQueueItem, error)
	Stats(ctx context.Context, tenantID string) (*domain.QueueStats, error)
	Peek(ctx context.Context, tenantID, persona, lane string) (*domain.CallQueueItem, error)

	// === Assistant Sessions ===
	GetAssistant(ctx context.Context, tenantID, persona string) (*callqueue.SessionView, error)
	ListAssistants(ctx context.Context, tenantID string) ([]*domain.AssistantState, error)
	StartAssistant(ctx context.Context, tenantID, persona, lane string) (*callqueue.SessionView, error)
	StopAssistant(ctx context.Context, tenantID, persona string) (*callqueue.SessionView, error)
	Advance(ctx context.Context, tenantID, persona string, req *callqueue.AdvanceRequest) (*callqueue.SessionView, error)
	SwitchLane(ctx context.Context, tenantID, persona, lane string) (*callqueue.SessionView, error)
	ResetAssistant(ctx context.Context, tenantID, persona string) error

	// === Single Item Controls ===
	ClaimNext(ctx context.Context, tenantID, persona, lane string) (*domain.CallQueueItem, error)
	ClaimItem(ctx context.Context, tenantID, itemID string) (*domain.CallQueueItem, error)
	Complete(ctx context.Context, tenantID, itemID string, req *callqueue.CompleteRequest) (*domain.CallQueueItem, error)
	Reschedule(ctx context.Context, tenantID, itemID string, req *callqueue.RescheduleRequest) (*domain.CallQueueItem, error)
	Skip(ctx context.Context, tenantID, itemID, reason string) (*domain.CallQueueItem, error)

	// === Telephony ===
	Dial(ctx context.Context, tenantID, itemID string) (*domain.CallQueueItem, error)
	HandleCallStatus(ctx context.Context, tenantID string, upd *callqueue.CallStatusUpdate) (*domain.CallQueueItem, error)

	// === Removal ===
	Remove(ctx context.Context, tenantID string, itemIDs ...string) (int, error)
	RemoveByLead(ctx context.Context, tenantID, leadID string) (int, error)
	ClearCompleted(ctx context.Context, tenantID string) (int, error)
	ClearPersona(ctx context.Context, tenantID, persona string) (int, error)
}

// InboundService processes messages received from leads
type InboundService interface {
	Process(ctx context.Context, msg *domain.InboundMessage) (*domain.InboundResult, error)
}

// LabelService applies canonical labels to leads
type LabelService interface {
	Apply(ctx context.Context, tenantID, leadID string, labels []domain.CanonicalLabel) (*domain.ApplyResult, error)
}

// ScoringService computes advisory lead scores
type ScoringService interface {
	Compute(in domain.ScoreInput) (*domain.LeadScore, error)
	GetScore(ctx context.Context, tenantID, leadID string) (*domain.LeadScore, error)
	ComputeScores(ctx context.Context, tenantID string, leadIDs []string) ([]*domain.LeadScore, []scoring.ScoreFailure)
	Invalidate(ctx context.Context, tenantID, leadID string) error
	Engine() *scoring.Engine
}

// ThreadService resolves conversation threads from captured contact data
type ThreadService interface {
	EvaluateByID(ctx context.Context, tenantID, threadID string, extra domain.CapturedData) (*domain.ThreadResolution, error)
	EvaluateMany(ctx context.Context, tenantID string, threadIDs []string) (*thread.BatchResolution, error)
}

// SnapshotService records and exports feature snapshots
type SnapshotService interface {
	CapturePreSend(ctx context.Context, tenantID, leadID string, sctx domain.SnapshotContext, touchNumber int) *domain.FeatureSnapshot
	CapturePostReply(ctx context.Context, tenantID, leadID, replyIntent string, sctx domain.SnapshotContext) *domain.FeatureSnapshot
	CaptureStateChange(ctx context.Context, tenantID, leadID, from, to string, sctx domain.SnapshotContext) *domain.FeatureSnapshot
	CaptureMilestone(ctx context.Context, tenantID, leadID, campaignID string, block int, metrics map[string]float64) *domain.FeatureSnapshot
	CaptureManual(ctx context.Context, tenantID, leadID, reason string) *domain.FeatureSnapshot
	LabelOutcome(ctx context.Context, tenantID, leadID string, outcome domain.SnapshotOutcome, at *time.Time) (int, error)
	LeadSnapshots(ctx context.Context, tenantID, leadID string) ([]*domain.FeatureSnapshot, error)
	LabeledSnapshots(ctx context.Context, tenantID string, filter domain.SnapshotFilter) ([]*domain.FeatureSnapshot, error)
}
