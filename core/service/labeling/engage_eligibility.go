package labeling

import (
	"context"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"
)

// QueueConfig holds the call queue eligibility tunables.
type QueueConfig struct {
	GoldLabelPriority *int
	GreenTagPriority  *int
	PriorityThreshold *int
}

// EligibilityEvaluator decides whether a lead belongs in the call queue.
type EligibilityEvaluator struct {
	cfg    QueueConfig
	events out.EventSink
	now    func() time.Time
}

func NewEligibilityEvaluator(cfg QueueConfig, events out.EventSink) *EligibilityEvaluator {
	if events == nil {
		events = out.NopSink{}
	}
	return &EligibilityEvaluator{cfg: cfg, events: events, now: time.Now}
}

// Evaluate applies the eligibility rules in order. fresh holds labels detected but
// possibly not yet persisted on the lead.
func (e *EligibilityEvaluator) Evaluate(ctx context.Context, lead *domain.Lead, fresh []domain.CanonicalLabel) *domain.Eligibility {
	res := &domain.Eligibility{LeadID: lead.ID}
	labels := domain.MergeLabels(lead.Labels, fresh)

	if lead.Suppressed || domain.HasHardStop(labels) {
		res.Reason = domain.ReasonOptedOutOrDNC
		return res
	}

	hasMobile := domain.HasLabel(labels, domain.LabelMobileCaptured) || len(domain.DigitsOnly(lead.Phone)) >= 10
	if !hasMobile {
		res.Reason = domain.ReasonNoMobile
		return res
	}

	switch {
	case domain.HasLabel(labels, domain.LabelGold, domain.LabelContactVerified):
		return e.withPriority(ctx, lead, res, domain.ReasonGoldLabel, e.cfg.GoldLabelPriority,
			"CALL_QUEUE_GOLD_LABEL_PRIORITY", domain.ReasonGoldPriorityNotSet)
	case domain.HasLabel(labels, domain.LabelWantsCall):
		return e.withPriority(ctx, lead, res, domain.ReasonWantsCall, e.cfg.GoldLabelPriority,
			"CALL_QUEUE_GOLD_LABEL_PRIORITY", domain.ReasonGoldPriorityNotSet)
	case domain.HasLabel(labels, domain.LabelHighIntent, domain.LabelResponded, domain.LabelNeedsFollowUp):
		return e.withPriority(ctx, lead, res, domain.ReasonHighIntentOrResponded, e.cfg.GreenTagPriority,
			"CALL_QUEUE_GREEN_TAG_PRIORITY", domain.ReasonGreenPriorityNotSet)
	}

	if e.cfg.PriorityThreshold == nil {
		e.missing(ctx, lead, "CALL_QUEUE_PRIORITY_THRESHOLD")
	} else if lead.Score >= *e.cfg.PriorityThreshold {
		return e.withPriority(ctx, lead, res, domain.ReasonScoreThreshold, e.cfg.GreenTagPriority,
			"CALL_QUEUE_GREEN_TAG_PRIORITY", domain.ReasonGreenPriorityNotSet)
	}

	res.Reason = domain.ReasonNoQualifyingSignal
	return res
}

func (e *EligibilityEvaluator) withPriority(ctx context.Context, lead *domain.Lead, res *domain.Eligibility, reason string, priority *int, key, unsetReason string) *domain.Eligibility {
	if priority == nil {
		e.missing(ctx, lead, key)
		res.Reason = unsetReason
		return res
	}
	res.Eligible = true
	res.Reason = reason
	res.Priority = *priority
	return res
}

func (e *EligibilityEvaluator) missing(ctx context.Context, lead *domain.Lead, key string) {
	e.events.Emit(ctx, out.Event{
		Name:     out.EventConfigMissing,
		TenantID: lead.TenantID,
		LeadID:   lead.ID,
		Level:    out.LevelWarn,
		Fields:   map[string]any{"key": key},
		At:       e.now(),
	})
}
