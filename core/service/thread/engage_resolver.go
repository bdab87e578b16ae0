// Package thread closes conversation threads once the datum they asked for arrives.
package thread

import (
	"context"
	"errors"
	"regexp"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"
	"engage_server/core/service/common"
	"engage_server/pkg/apperr"
)

var (
	emailRequestPattern = regexp.MustCompile(`(?i)\be-?mail\b`)
	phoneRequestPattern = regexp.MustCompile(`(?i)\b(phone|number|cell|mobile|reach you)\b`)
)

// Skip reasons
const (
	ReasonDisabled         = "auto_resolve_disabled"
	ReasonNothingRequested = "nothing_requested"
	ReasonAlreadyResolved  = "already_resolved"
	ReasonAwaitingData     = "awaiting_requested_data"
)

// DetectRequestedData classifies what an outbound message asked the lead for.
func DetectRequestedData(lastOutbound string) domain.RequestedData {
	email := emailRequestPattern.MatchString(lastOutbound)
	phone := phoneRequestPattern.MatchString(lastOutbound)
	switch {
	case email && phone:
		return domain.RequestedBoth
	case email:
		return domain.RequestedEmail
	case phone:
		return domain.RequestedPhone
	}
	return domain.RequestedNone
}

// DataSatisfiesRequest reports whether captured holds exactly what was requested.
func DataSatisfiesRequest(requested domain.RequestedData, captured domain.CapturedData) bool {
	switch requested {
	case domain.RequestedEmail:
		return captured.HasEmail()
	case domain.RequestedPhone:
		return captured.HasPhone()
	case domain.RequestedBoth:
		return captured.HasEmail() && captured.HasPhone()
	}
	return false
}

// MissingData lists the requested pieces captured does not hold.
func MissingData(requested domain.RequestedData, captured domain.CapturedData) []string {
	var missing []string
	if (requested == domain.RequestedEmail || requested == domain.RequestedBoth) && !captured.HasEmail() {
		missing = append(missing, "email")
	}
	if (requested == domain.RequestedPhone || requested == domain.RequestedBoth) && !captured.HasPhone() {
		missing = append(missing, "phone")
	}
	return missing
}

// CapturedFromLead reads captured data off a lead. Only values backed by a capture
// label count, so a phone that was on file before the conversation never closes a thread.
func CapturedFromLead(lead *domain.Lead) domain.CapturedData {
	var c domain.CapturedData
	if lead == nil {
		return c
	}
	if lead.Email != "" && domain.HasLabel(lead.Labels, domain.LabelEmailCaptured) {
		c.Email = lead.Email
	}
	if lead.Phone != "" && domain.HasLabel(lead.Labels, domain.LabelMobileCaptured) {
		c.Phone = lead.Phone
	}
	return c
}

// MergeCaptured prefers values in a over b.
func MergeCaptured(a, b domain.CapturedData) domain.CapturedData {
	if a.Email == "" {
		a.Email = b.Email
	}
	if a.Phone == "" {
		a.Phone = b.Phone
	}
	return a
}

// =============================================================================
// Resolver
// =============================================================================

type Config struct {
	AutoResolve bool
	Concurrency int
}

type Resolver struct {
	threads out.ThreadRepository
	leads   out.LeadRepository
	events  out.EventSink
	cfg     Config
	now     func() time.Time
}

func NewResolver(threads out.ThreadRepository, leads out.LeadRepository, events out.EventSink, cfg Config) *Resolver {
	if events == nil {
		events = out.NopSink{}
	}
	return &Resolver{threads: threads, leads: leads, events: events, cfg: cfg, now: time.Now}
}

// WithClock replaces the resolver's time source.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Evaluate resolves th when captured satisfies what its last outbound message asked for.
func (r *Resolver) Evaluate(ctx context.Context, th *domain.Thread, captured domain.CapturedData) (*domain.ThreadResolution, error) {
	requested := DetectRequestedData(th.LastOutboundText)
	res := &domain.ThreadResolution{ThreadID: th.ID, Requested: requested}

	switch {
	case !r.cfg.AutoResolve:
		res.Skipped, res.Reason = true, ReasonDisabled
		return res, nil
	case requested == domain.RequestedNone:
		res.Skipped, res.Reason = true, ReasonNothingRequested
		return res, nil
	case th.Status == domain.ThreadResolved:
		res.Skipped, res.Reason = true, ReasonAlreadyResolved
		return res, nil
	}

	if !DataSatisfiesRequest(requested, captured) {
		res.Reason = ReasonAwaitingData
		res.Missing = MissingData(requested, captured)
		r.emit(ctx, out.EventThreadPending, th, map[string]any{
			"requested": string(requested),
			"missing":   res.Missing,
		})
		return res, nil
	}

	now := r.now()
	patch := map[string]any{
		domain.MetaAutoResolved:     true,
		domain.MetaResolutionReason: "requested_" + string(requested) + "_received",
		domain.MetaRequestedData:    string(requested),
		domain.MetaResolvedAt:       now.UTC().Format(time.RFC3339),
	}
	if captured.HasEmail() {
		patch[domain.MetaCapturedEmail] = captured.Email
	}
	if captured.HasPhone() {
		patch[domain.MetaCapturedPhone] = captured.Phone
	}

	if err := r.threads.MergeUpdate(ctx, th.TenantID, th.ID, domain.ThreadResolved, patch); err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return nil, apperr.NotFound("thread")
		}
		return nil, apperr.Persistence("resolve thread", err)
	}

	res.Resolved = true
	res.Reason = patch[domain.MetaResolutionReason].(string)
	r.emit(ctx, out.EventThreadResolved, th, map[string]any{"requested": string(requested)})
	return res, nil
}

// EvaluateByID loads a thread and its lead and evaluates it with the lead's captured data.
func (r *Resolver) EvaluateByID(ctx context.Context, tenantID, threadID string, extra domain.CapturedData) (*domain.ThreadResolution, error) {
	if tenantID == "" {
		return nil, apperr.TenantRequired()
	}
	th, err := r.threads.Get(ctx, tenantID, threadID)
	if errors.Is(err, out.ErrNotFound) {
		return nil, apperr.NotFound("thread")
	}
	if err != nil {
		return nil, apperr.Persistence("load thread", err)
	}

	captured := extra
	if r.leads != nil && th.LeadID != "" {
		lead, err := r.leads.Get(ctx, tenantID, th.LeadID)
		switch {
		case err == nil:
			captured = MergeCaptured(extra, CapturedFromLead(lead))
		case !errors.Is(err, out.ErrNotFound):
			return nil, apperr.Persistence("load lead", err)
		}
	}
	return r.Evaluate(ctx, th, captured)
}

// BatchResolution aggregates a batch run.
type BatchResolution struct {
	Results  []*domain.ThreadResolution `json:"results"`
	Resolved int                        `json:"resolved"`
	Failed   int                        `json:"failed"`
}

// EvaluateMany evaluates threads concurrently. A failing thread is reported on its own result.
func (r *Resolver) EvaluateMany(ctx context.Context, tenantID string, threadIDs []string) (*BatchResolution, error) {
	if tenantID == "" {
		return nil, apperr.TenantRequired()
	}
	results := common.RunBatch(ctx, threadIDs, r.cfg.Concurrency, func(ctx context.Context, id string) (*domain.ThreadResolution, error) {
		return r.EvaluateByID(ctx, tenantID, id, domain.CapturedData{})
	})

	batch := &BatchResolution{Results: make([]*domain.ThreadResolution, 0, len(results))}
	for _, res := range results {
		if res.Err != nil {
			batch.Failed++
			batch.Results = append(batch.Results, &domain.ThreadResolution{
				ThreadID: res.Input,
				Error:    apperr.AsAppError(res.Err).Message,
			})
			r.events.Emit(ctx, out.Event{
				Name:     out.EventBatchItemFailed,
				TenantID: tenantID,
				Level:    out.LevelWarn,
				Fields:   map[string]any{"op": "thread_resolution", "thread_id": res.Input, "error": res.Err.Error()},
				At:       r.now(),
			})
			continue
		}
		if res.Value.Resolved {
			batch.Resolved++
		}
		batch.Results = append(batch.Results, res.Value)
	}
	return batch, nil
}

// ResolveOpenForLead evaluates every open thread of a lead against freshly captured data.
// A failing thread is reported on its own result and does not stop the rest; the
// returned error joins every per-thread failure.
func (r *Resolver) ResolveOpenForLead(ctx context.Context, tenantID, leadID string, captured domain.CapturedData) ([]*domain.ThreadResolution, error) {
	if !r.cfg.AutoResolve {
		return nil, nil
	}
	threads, err := r.threads.ListOpenByLead(ctx, tenantID, leadID)
	if err != nil {
		return nil, apperr.Persistence("list threads", err)
	}
	var (
		results []*domain.ThreadResolution
		errs    []error
	)
	for _, th := range threads {
		res, err := r.Evaluate(ctx, th, captured)
		if err != nil {
			errs = append(errs, err)
			results = append(results, &domain.ThreadResolution{
				ThreadID: th.ID,
				Error:    apperr.AsAppError(err).Message,
			})
			r.events.Emit(ctx, out.Event{
				Name:     out.EventBatchItemFailed,
				TenantID: tenantID,
				LeadID:   leadID,
				Level:    out.LevelWarn,
				Fields:   map[string]any{"op": "thread_resolution", "thread_id": th.ID, "error": err.Error()},
				At:       r.now(),
			})
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (r *Resolver) emit(ctx context.Context, name string, th *domain.Thread, fields map[string]any) {
	fields["thread_id"] = th.ID
	r.events.Emit(ctx, out.Event{
		Name:     name,
		TenantID: th.TenantID,
		LeadID:   th.LeadID,
		Level:    out.LevelInfo,
		Fields:   fields,
		At:       r.now(),
	})
}
