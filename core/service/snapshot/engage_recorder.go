// Package snapshot records point-in-time lead feature vectors for offline training.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"
	"engage_server/pkg/apperr"
	"engage_server/pkg/logger"
)

const idPrefix = "mfs"

// IDSource issues snapshot ids. pkg/snowflake.Generator satisfies it.
type IDSource interface {
	NextWithPrefix(prefix string) (string, error)
}

type Deps struct {
	Repo    out.SnapshotRepository
	Signals out.SignalRepository // used when a capture does not supply history
	Leads   out.LeadRepository   // optional, fills has_email/has_phone
	Events  out.EventSink
	IDs     IDSource
	Now     func() time.Time
}

type Recorder struct {
	repo    out.SnapshotRepository
	signals out.SignalRepository
	leads   out.LeadRepository
	events  out.EventSink
	ids     IDSource
	now     func() time.Time
}

func NewRecorder(deps Deps) *Recorder {
	r := &Recorder{
		repo:    deps.Repo,
		signals: deps.Signals,
		leads:   deps.Leads,
		events:  deps.Events,
		ids:     deps.IDs,
		now:     deps.Now,
	}
	if r.events == nil {
		r.events = out.NopSink{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// CaptureRequest describes one capture. Signals may be nil, in which case the
// lead's history is loaded.
type CaptureRequest struct {
	TenantID string
	LeadID   string
	Trigger  domain.SnapshotTrigger
	Signals  []*domain.Signal
	Context  domain.SnapshotContext
}

// =============================================================================
// Capture
// =============================================================================

// Capture records a snapshot. Failures are logged and reported as a dropped event;
// the caller always gets a nil error path and a nil snapshot on failure.
func (r *Recorder) Capture(ctx context.Context, req CaptureRequest) *domain.FeatureSnapshot {
	snap, err := r.capture(ctx, req)
	if err != nil {
		logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"lead_id": req.LeadID,
			"trigger": string(req.Trigger),
		}).Warn("[snapshot] capture dropped")
		r.events.Emit(ctx, out.Event{
			Name:     out.EventSnapshotDropped,
			TenantID: req.TenantID,
			LeadID:   req.LeadID,
			Level:    out.LevelWarn,
			Fields:   map[string]any{"trigger": string(req.Trigger), "error": err.Error()},
			At:       r.now(),
		})
		return nil
	}
	r.events.Emit(ctx, out.Event{
		Name:     out.EventSnapshotCaptured,
		TenantID: req.TenantID,
		LeadID:   req.LeadID,
		Level:    out.LevelInfo,
		Fields:   map[string]any{"trigger": string(req.Trigger), "snapshot_id": snap.ID},
		At:       snap.CapturedAt,
	})
	return snap
}

func (r *Recorder) capture(ctx context.Context, req CaptureRequest) (snap *domain.FeatureSnapshot, err error) {
	defer func() {
		if p := recover(); p != nil {
			snap, err = nil, fmt.Errorf("snapshot capture panicked: %v", p)
		}
	}()

	if req.TenantID == "" || req.LeadID == "" {
		return nil, errors.New("tenant and lead are required")
	}
	trigger, ok := domain.ParseSnapshotTrigger(string(req.Trigger))
	if !ok {
		return nil, fmt.Errorf("unknown trigger %q", req.Trigger)
	}

	history := req.Signals
	if history == nil && r.signals != nil {
		if history, err = r.signals.ListByLead(ctx, req.TenantID, req.LeadID); err != nil {
			return nil, fmt.Errorf("load signals: %w", err)
		}
	}
	var lead *domain.Lead
	if r.leads != nil {
		lead, err = r.leads.Get(ctx, req.TenantID, req.LeadID)
		if err != nil && !errors.Is(err, out.ErrNotFound) {
			return nil, fmt.Errorf("load lead: %w", err)
		}
	}

	now := r.now()
	id, err := r.ids.NextWithPrefix(idPrefix)
	if err != nil {
		return nil, fmt.Errorf("snapshot id: %w", err)
	}
	snap = &domain.FeatureSnapshot{
		ID:         id,
		TenantID:   req.TenantID,
		LeadID:     req.LeadID,
		Trigger:    trigger,
		Features:   ExtractFeatures(history, lead, req.Context, now),
		CapturedAt: now,
	}
	if err := r.repo.Insert(ctx, snap); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	return snap, nil
}

// CapturePreSend runs before an outbound message. touchNumber overrides the touch count when positive.
func (r *Recorder) CapturePreSend(ctx context.Context, tenantID, leadID string, sctx domain.SnapshotContext, touchNumber int) *domain.FeatureSnapshot {
	if touchNumber > 0 {
		sctx.Extra = withExtra(sctx.Extra, "touch_number", touchNumber)
	}
	return r.Capture(ctx, CaptureRequest{TenantID: tenantID, LeadID: leadID, Trigger: domain.TriggerPreSend, Context: sctx})
}

func (r *Recorder) CapturePostReply(ctx context.Context, tenantID, leadID, replyIntent string, sctx domain.SnapshotContext) *domain.FeatureSnapshot {
	if replyIntent != "" {
		sctx.Extra = withExtra(sctx.Extra, "reply_intent", replyIntent)
	}
	return r.Capture(ctx, CaptureRequest{TenantID: tenantID, LeadID: leadID, Trigger: domain.TriggerPostReply, Context: sctx})
}

func (r *Recorder) CaptureStateChange(ctx context.Context, tenantID, leadID, from, to string, sctx domain.SnapshotContext) *domain.FeatureSnapshot {
	sctx.Extra = withExtra(sctx.Extra, "current_state", to)
	sctx.Extra = withExtra(sctx.Extra, "previous_states", []string{from})
	sctx.Extra = withExtra(sctx.Extra, "state_transition", from+" → "+to)
	return r.Capture(ctx, CaptureRequest{TenantID: tenantID, LeadID: leadID, Trigger: domain.TriggerStateChange, Context: sctx})
}

func (r *Recorder) CaptureMilestone(ctx context.Context, tenantID, leadID, campaignID string, block int, metrics map[string]float64) *domain.FeatureSnapshot {
	sctx := domain.SnapshotContext{CampaignID: campaignID, CampaignBlock: strconv.Itoa(block)}
	for k, v := range metrics {
		sctx.Extra = withExtra(sctx.Extra, k, v)
	}
	return r.Capture(ctx, CaptureRequest{TenantID: tenantID, LeadID: leadID, Trigger: domain.TriggerMilestone, Context: sctx})
}

func (r *Recorder) CaptureManual(ctx context.Context, tenantID, leadID, reason string) *domain.FeatureSnapshot {
	var sctx domain.SnapshotContext
	if reason != "" {
		sctx.Extra = withExtra(nil, "capture_reason", reason)
	}
	return r.Capture(ctx, CaptureRequest{TenantID: tenantID, LeadID: leadID, Trigger: domain.TriggerManual, Context: sctx})
}

func withExtra(extra map[string]any, k string, v any) map[string]any {
	if extra == nil {
		extra = map[string]any{}
	}
	extra[k] = v
	return extra
}

// =============================================================================
// Outcomes and reads
// =============================================================================

// LabelOutcome sets the ground-truth outcome on the lead's unlabeled snapshots.
func (r *Recorder) LabelOutcome(ctx context.Context, tenantID, leadID string, outcome domain.SnapshotOutcome, at *time.Time) (int, error) {
	if tenantID == "" {
		return 0, apperr.TenantRequired()
	}
	if _, ok := domain.ParseSnapshotOutcome(string(outcome)); !ok {
		return 0, apperr.InvalidField("outcome", "unknown outcome "+strconv.Quote(string(outcome)))
	}
	when := r.now()
	if at != nil {
		when = *at
	}
	n, err := r.repo.LabelOutcome(ctx, tenantID, leadID, outcome, when)
	if err != nil {
		return 0, apperr.Persistence("label snapshots", err)
	}
	return n, nil
}

// LeadSnapshots returns a lead's snapshots newest first.
func (r *Recorder) LeadSnapshots(ctx context.Context, tenantID, leadID string) ([]*domain.FeatureSnapshot, error) {
	if tenantID == "" {
		return nil, apperr.TenantRequired()
	}
	snaps, err := r.repo.ListByLead(ctx, tenantID, leadID)
	if err != nil {
		return nil, apperr.Persistence("list snapshots", err)
	}
	return snaps, nil
}

// LabeledSnapshots exports labeled snapshots for training.
func (r *Recorder) LabeledSnapshots(ctx context.Context, tenantID string, filter domain.SnapshotFilter) ([]*domain.FeatureSnapshot, error) {
	if tenantID == "" {
		return nil, apperr.TenantRequired()
	}
	snaps, err := r.repo.ListLabeled(ctx, tenantID, filter)
	if err != nil {
		return nil, apperr.Persistence("list labeled snapshots", err)
	}
	return snaps, nil
}

// =============================================================================
// Features
// =============================================================================

// ExtractFeatures builds the feature vector for a history at now. It is pure.
func ExtractFeatures(history []*domain.Signal, lead *domain.Lead, sctx domain.SnapshotContext, now time.Time) domain.FeatureVector {
	counts := domain.CountSignals(history)
	fv := domain.FeatureVector{
		SignalCounts:  counts,
		TotalTouches:  counts[domain.SignalContacted],
		HasEmail:      counts[domain.SignalEmailProvided] > 0,
		CampaignID:    sctx.CampaignID,
		CampaignBlock: sctx.CampaignBlock,
		TemplateUsed:  sctx.TemplateUsed,
		LeadScore:     sctx.LeadScore,
		Extra:         sctx.Extra,
	}

	if s := domain.FirstSignalOf(history, domain.SignalContacted); s != nil {
		fv.DaysSinceFirstContact = roundedSince(now, s.Timestamp, 24*time.Hour)
	}
	if s := domain.LastSignalOf(history, domain.SignalContacted); s != nil {
		fv.DaysSinceLastContact = roundedSince(now, s.Timestamp, 24*time.Hour)
	}
	if s := domain.LastSignalOf(history, domain.SignalReplied); s != nil {
		fv.DaysSinceLastReply = roundedSince(now, s.Timestamp, 24*time.Hour)
	}
	if len(history) > 0 {
		fv.HoursSinceLastSignal = roundedSince(now, domain.LatestSignalTime(history), time.Hour)
	}

	if contacted := counts[domain.SignalContacted]; contacted > 0 {
		fv.ReplyRate = float64(counts[domain.SignalReplied]) / float64(contacted)
	}
	if replied := counts[domain.SignalReplied]; replied > 0 {
		fv.PositiveReplyRate = float64(counts[domain.SignalPositiveResponse]) / float64(replied)
	}

	if lead != nil {
		fv.HasEmail = fv.HasEmail || lead.Email != ""
		fv.HasPhone = lead.HasMobile()
		if lead.TouchCount > fv.TotalTouches {
			fv.TotalTouches = lead.TouchCount
		}
		if fv.CampaignID == "" {
			fv.CampaignID = lead.CampaignID
		}
	}
	if tn, ok := sctx.Extra["touch_number"].(int); ok && tn > 0 {
		fv.TotalTouches = tn
	}
	return fv
}

func roundedSince(now, then time.Time, unit time.Duration) *float64 {
	v := math.Round(float64(now.Sub(then)) / float64(unit))
	return &v
}
