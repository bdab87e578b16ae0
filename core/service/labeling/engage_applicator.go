package labeling

import (
	"context"
	"errors"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"
	"engage_server/pkg/apperr"
)

// Weights are the per-label score deltas. A nil weight contributes nothing.
type Weights struct {
	EmailCaptured   *int
	MobileCaptured  *int
	ContactVerified *int
	WantsCall       *int
	QuestionAsked   *int
	HighIntent      *int
	InboundResponse *int
}

type weightEntry struct {
	label  domain.CanonicalLabel
	key    string
	weight *int
}

func (w Weights) entries() []weightEntry {
	return []weightEntry{
		{domain.LabelEmailCaptured, "WEIGHT_EMAIL_CAPTURED", w.EmailCaptured},
		{domain.LabelMobileCaptured, "WEIGHT_MOBILE_CAPTURED", w.MobileCaptured},
		{domain.LabelContactVerified, "WEIGHT_CONTACT_VERIFIED", w.ContactVerified},
		{domain.LabelWantsCall, "WEIGHT_WANTS_CALL", w.WantsCall},
		{domain.LabelQuestionAsked, "WEIGHT_QUESTION_ASKED", w.QuestionAsked},
		{domain.LabelHighIntent, "WEIGHT_HIGH_INTENT", w.HighIntent},
		{domain.LabelResponded, "WEIGHT_INBOUND_RESPONSE", w.InboundResponse},
	}
}

// ScoreDelta sums the configured weight of every label present, once per label.
// It also returns the keys of weights that applied to a present label but were unset.
func (w Weights) ScoreDelta(labels []domain.CanonicalLabel) (int, []string) {
	delta := 0
	var missing []string
	for _, e := range w.entries() {
		if !domain.HasLabel(labels, e.label) {
			continue
		}
		if e.weight == nil {
			missing = append(missing, e.key)
			continue
		}
		delta += *e.weight
	}
	return delta, missing
}

// =============================================================================
// Applicator
// =============================================================================

// Applicator merges detected labels into a lead and moves its score.
type Applicator struct {
	leads   out.LeadRepository
	events  out.EventSink
	weights Weights
	now     func() time.Time
}

func NewApplicator(leads out.LeadRepository, events out.EventSink, weights Weights) *Applicator {
	if events == nil {
		events = out.NopSink{}
	}
	return &Applicator{leads: leads, events: events, weights: weights, now: time.Now}
}

// Apply unions labels into the lead and adds the weighted delta in one atomic write.
// A missing lead is logged and reported as not applied; it never fails the caller.
func (a *Applicator) Apply(ctx context.Context, tenantID, leadID string, labels []domain.CanonicalLabel) (*domain.ApplyResult, error) {
	if tenantID == "" {
		return nil, apperr.TenantRequired()
	}
	if leadID == "" {
		return nil, apperr.MissingField("leadId")
	}

	labels = domain.DedupeLabels(labels)
	result := &domain.ApplyResult{LeadID: leadID, Labels: labels}
	if len(labels) == 0 {
		return result, nil
	}

	delta, missing := a.weights.ScoreDelta(labels)
	for _, key := range missing {
		a.events.Emit(ctx, out.Event{
			Name:     out.EventConfigMissing,
			TenantID: tenantID,
			LeadID:   leadID,
			Level:    out.LevelWarn,
			Fields:   map[string]any{"key": key},
			At:       a.now(),
		})
	}

	suppress := domain.HasHardStop(labels)
	lead, err := a.leads.ApplyLabels(ctx, tenantID, leadID, labels, delta, suppress)
	if errors.Is(err, out.ErrNotFound) {
		a.events.Emit(ctx, out.Event{
			Name:     out.EventLeadMissing,
			TenantID: tenantID,
			LeadID:   leadID,
			Level:    out.LevelWarn,
			Fields:   map[string]any{"labels": domain.LabelStrings(labels)},
			At:       a.now(),
		})
		return result, nil
	}
	if err != nil {
		return nil, apperr.Persistence("apply labels", err)
	}

	result.Applied = true
	result.Labels = lead.Labels
	result.ScoreDelta = delta
	result.Score = lead.Score
	result.Suppressed = lead.IsSuppressed()

	a.events.Emit(ctx, out.Event{
		Name:     out.EventLabelsApplied,
		TenantID: tenantID,
		LeadID:   leadID,
		Level:    out.LevelInfo,
		Fields: map[string]any{
			"labels":     domain.LabelStrings(labels),
			"delta":      delta,
			"score":      lead.Score,
			"suppressed": result.Suppressed,
		},
		At: a.now(),
	})
	return result, nil
}
