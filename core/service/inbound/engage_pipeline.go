// Package inbound runs one received message through labeling, scoring, thread
// resolution, queue eligibility and snapshot capture.
package inbound

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"engage_server/core/domain"
	"engage_server/core/port/out"
	"engage_server/core/service/callqueue"
	"engage_server/core/service/labeling"
	"engage_server/core/service/thread"
	"engage_server/pkg/apperr"
	"engage_server/pkg/logger"
)

// =============================================================================
// Collaborators
// =============================================================================

type LabelApplier interface {
	Apply(ctx context.Context, tenantID, leadID string, labels []domain.CanonicalLabel) (*domain.ApplyResult, error)
}

type ScoreInvalidator interface {
	Invalidate(ctx context.Context, tenantID, leadID string) error
}

type ThreadResolver interface {
	EvaluateByID(ctx context.Context, tenantID, threadID string, extra domain.CapturedData) (*domain.ThreadResolution, error)
	ResolveOpenForLead(ctx context.Context, tenantID, leadID string, captured domain.CapturedData) ([]*domain.ThreadResolution, error)
}

type EligibilityEvaluator interface {
	Evaluate(ctx context.Context, lead *domain.Lead, fresh []domain.CanonicalLabel) *domain.Eligibility
}

type Enqueuer interface {
	Enqueue(ctx context.Context, tenantID string, req *callqueue.EnqueueRequest) (*callqueue.EnqueueOutcome, error)
}

type SnapshotRecorder interface {
	CapturePostReply(ctx context.Context, tenantID, leadID, replyIntent string, sctx domain.SnapshotContext) *domain.FeatureSnapshot
}

// Config carries the pipeline switches.
type Config struct {
	AutoEnqueue    bool
	EnqueuePersona string
	EnqueueLane    string
	ReplayTTL      time.Duration
}

type Deps struct {
	Leads       out.LeadRepository
	Signals     out.SignalRepository
	Guard       out.ReplayGuard
	Applicator  LabelApplier
	Scores      ScoreInvalidator
	Threads     ThreadResolver // optional
	Eligibility EligibilityEvaluator
	Queue       Enqueuer         // optional, required for auto-enqueue
	Snapshots   SnapshotRecorder // optional
	Events      out.EventSink
	Config      Config
	Now         func() time.Time
}

type Pipeline struct {
	Deps
}

func NewPipeline(deps Deps) *Pipeline {
	if deps.Events == nil {
		deps.Events = out.NopSink{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.ReplayTTL <= 0 {
		deps.Config.ReplayTTL = 24 * time.Hour
	}
	return &Pipeline{Deps: deps}
}

// =============================================================================
// Process
// =============================================================================

// Process handles one inbound message. A message seen before returns a result
// marked duplicate and changes nothing.
func (p *Pipeline) Process(ctx context.Context, msg *domain.InboundMessage) (*domain.InboundResult, error) {
	if err := p.validate(msg); err != nil {
		return nil, err
	}
	ctx = logger.WithTenantID(ctx, msg.TenantID)
	ctx = logger.WithLeadID(ctx, msg.LeadID)
	log := logger.WithContext(ctx)

	res := &domain.InboundResult{MessageID: msg.MessageID, LeadID: msg.LeadID}

	fp := Fingerprint(msg)
	if p.Guard != nil {
		first, err := p.Guard.FirstSeen(ctx, msg.TenantID, fp, p.Config.ReplayTTL)
		if err != nil {
			return nil, apperr.Transient("replay guard", err)
		}
		if !first {
			res.Duplicate = true
			p.emit(ctx, out.EventInboundDuplicate, out.LevelInfo, msg, map[string]any{"message_id": msg.MessageID})
			return res, nil
		}
	}

	lead, err := p.Leads.Get(ctx, msg.TenantID, msg.LeadID)
	if err != nil && !errors.Is(err, out.ErrNotFound) {
		p.release(ctx, msg.TenantID, fp)
		return nil, apperr.Persistence("load lead", err)
	}

	det := labeling.Detect(labeling.DetectInput{
		Text:         msg.Body,
		SenderPhone:  msg.From,
		LeadHasPhone: lead != nil && lead.HasMobile(),
	})
	res.Detection = det
	p.emit(ctx, out.EventLabelsDetected, out.LevelInfo, msg, map[string]any{"labels": domain.LabelStrings(det.Labels)})

	// Signals go first: their ids derive from the fingerprint, so a retry after any
	// failure below re-appends the same rows and the store keeps one copy.
	signals := signalsFor(msg, det, fp)
	if len(signals) > 0 {
		if err := p.Signals.Append(ctx, signals...); err != nil {
			p.release(ctx, msg.TenantID, fp)
			return nil, apperr.Persistence("append signals", err)
		}
		for _, s := range signals {
			res.Signals = append(res.Signals, s.Type)
		}
	}

	applied, err := p.Applicator.Apply(ctx, msg.TenantID, msg.LeadID, det.Labels)
	if err != nil {
		p.release(ctx, msg.TenantID, fp)
		return nil, err
	}
	res.Apply = applied

	if err := p.Scores.Invalidate(ctx, msg.TenantID, msg.LeadID); err != nil {
		log.WithError(err).Warn("[inbound] score invalidation failed")
	}

	// Reload so eligibility and thread resolution see the labels just written.
	if applied.Applied {
		if fresh, err := p.Leads.Get(ctx, msg.TenantID, msg.LeadID); err == nil {
			lead = fresh
		}
	}

	captured := domain.CapturedData{Email: det.CapturedEmail, Phone: det.CapturedPhone}
	res.Thread = p.resolveThread(ctx, msg, captured)

	if lead == nil {
		res.Eligibility = &domain.Eligibility{LeadID: msg.LeadID, Reason: domain.ReasonLeadNotFound}
	} else {
		res.Eligibility = p.Eligibility.Evaluate(ctx, lead, det.Labels)
		if res.Eligibility.Eligible && p.Config.AutoEnqueue {
			res.EnqueuedID = p.enqueue(ctx, lead, res.Eligibility)
		}
	}

	if p.Snapshots != nil {
		sctx := domain.SnapshotContext{CampaignID: msg.CampaignID}
		if lead != nil {
			score := lead.Score
			sctx.LeadScore = &score
		}
		p.Snapshots.CapturePostReply(ctx, msg.TenantID, msg.LeadID, string(domain.HighestPriorityLabel(det.Labels)), sctx)
	}

	p.emit(ctx, out.EventInboundProcessed, out.LevelInfo, msg, map[string]any{
		"labels":   domain.LabelStrings(det.Labels),
		"eligible": res.Eligibility.Eligible,
		"reason":   res.Eligibility.Reason,
	})
	return res, nil
}

func (p *Pipeline) validate(msg *domain.InboundMessage) error {
	if msg == nil {
		return apperr.Validation("message body is required")
	}
	if strings.TrimSpace(msg.TenantID) == "" {
		return apperr.TenantRequired()
	}
	if strings.TrimSpace(msg.LeadID) == "" {
		return apperr.MissingField("lead_id")
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.Now()
	}
	return nil
}

// Fingerprint identifies a message for replay detection. The upstream message id is
// used when present, otherwise the body and receive time.
func Fingerprint(msg *domain.InboundMessage) string {
	var b strings.Builder
	b.WriteString(msg.TenantID)
	b.WriteByte(0)
	b.WriteString(msg.LeadID)
	b.WriteByte(0)
	if msg.MessageID != "" {
		b.WriteString(msg.MessageID)
	} else {
		b.WriteString(msg.Body)
		b.WriteByte(0)
		b.WriteString(msg.ReceivedAt.UTC().Format(time.RFC3339Nano))
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// labelSignals maps detected labels onto the signal log.
var labelSignals = []struct {
	label  domain.CanonicalLabel
	signal domain.SignalType
}{
	{domain.LabelOptedOut, domain.SignalOptedOut},
	{domain.LabelDoNotContact, domain.SignalDoNotContact},
	{domain.LabelEmailCaptured, domain.SignalEmailProvided},
	{domain.LabelWantsCall, domain.SignalCallRequested},
	{domain.LabelQuestionAsked, domain.SignalQuestionAsked},
	{domain.LabelHighIntent, domain.SignalInterested},
}

// signalsFor derives the message's signals. Ids are stable per fingerprint and type.
func signalsFor(msg *domain.InboundMessage, det *domain.Detection, fp string) []*domain.Signal {
	var types []domain.SignalType
	if !isNoiseOnly(det.Labels) {
		types = append(types, domain.SignalReplied)
	}
	for _, m := range labelSignals {
		if domain.HasLabel(det.Labels, m.label) {
			types = append(types, m.signal)
		}
	}
	if det.HasProfanity {
		types = append(types, domain.SignalProfanityDetected)
	}

	signals := make([]*domain.Signal, 0, len(types))
	for _, t := range types {
		s := &domain.Signal{
			ID:         "sig_" + fp + "_" + strings.ToLower(string(t)),
			TenantID:   msg.TenantID,
			LeadID:     msg.LeadID,
			Type:       t,
			Confidence: 1,
			Timestamp:  msg.ReceivedAt,
		}
		switch t {
		case domain.SignalEmailProvided:
			s.Value = det.CapturedEmail
		case domain.SignalReplied:
			s.Value = msg.MessageID
		}
		signals = append(signals, s)
	}
	return signals
}

func isNoiseOnly(labels []domain.CanonicalLabel) bool {
	for _, l := range labels {
		if l != domain.LabelNoise {
			return false
		}
	}
	return true
}

// resolveThread evaluates the message's thread, or every open thread of the lead when
// the message carries none and contact data arrived. Failures are reported on the
// resolution and never fail the message.
func (p *Pipeline) resolveThread(ctx context.Context, msg *domain.InboundMessage, captured domain.CapturedData) *domain.ThreadResolution {
	if p.Threads == nil {
		return nil
	}
	if msg.ThreadID != "" {
		res, err := p.Threads.EvaluateByID(ctx, msg.TenantID, msg.ThreadID, captured)
		if err != nil {
			logger.WithContext(ctx).WithError(err).Warn("[inbound] thread %s resolution failed", msg.ThreadID)
			return &domain.ThreadResolution{ThreadID: msg.ThreadID, Error: err.Error()}
		}
		return res
	}
	if !captured.HasEmail() && !captured.HasPhone() {
		return nil
	}
	results, err := p.Threads.ResolveOpenForLead(ctx, msg.TenantID, msg.LeadID, captured)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Warn("[inbound] open thread resolution failed")
	}
	for _, r := range results {
		if r.Resolved {
			return r
		}
	}
	return nil
}

func (p *Pipeline) enqueue(ctx context.Context, lead *domain.Lead, el *domain.Eligibility) string {
	if p.Queue == nil {
		return ""
	}
	priority := el.Priority
	outcome, err := p.Queue.Enqueue(ctx, lead.TenantID, &callqueue.EnqueueRequest{
		LeadID:       lead.ID,
		Persona:      p.Config.EnqueuePersona,
		Lane:         p.Config.EnqueueLane,
		BasePriority: &priority,
		Tags:         []string{el.Reason},
		Notes:        "auto-enqueued: " + el.Reason,
	})
	if err != nil {
		logger.WithContext(ctx).WithError(err).Warn("[inbound] auto-enqueue failed")
		return ""
	}
	if !outcome.Created {
		return ""
	}
	return outcome.Item.ID
}

// release drops the replay mark when processing failed before the applicator wrote
// anything. Later failures keep the mark so a retry cannot apply the score delta twice.
func (p *Pipeline) release(ctx context.Context, tenantID, fp string) {
	if p.Guard == nil {
		return
	}
	if err := p.Guard.Release(ctx, tenantID, fp); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("[inbound] replay guard release failed")
	}
}

func (p *Pipeline) emit(ctx context.Context, name, level string, msg *domain.InboundMessage, fields map[string]any) {
	p.Events.Emit(ctx, out.Event{
		Name:     name,
		TenantID: msg.TenantID,
		LeadID:   msg.LeadID,
		Level:    level,
		Fields:   fields,
		At:       p.Now(),
	})
}

var (
	_ ThreadResolver       = (*thread.Resolver)(nil)
	_ EligibilityEvaluator = (*labeling.EligibilityEvaluator)(nil)
	_ LabelApplier         = (*labeling.Applicator)(nil)
	_ Enqueuer             = (*callqueue.Service)(nil)
)
