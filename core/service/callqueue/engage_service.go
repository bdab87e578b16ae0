// Package callqueue schedules outbound calls per tenant and hands them to persona assistants.
package callqueue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"
	"engage_server/core/service/common"
	"engage_server/pkg/apperr"
)

// IDSource issues item ids. pkg/snowflake.Generator satisfies it.
type IDSource interface {
	Next() (string, error)
}

type Config struct {
	Concurrency int
	CallbackURL string
}

type Deps struct {
	Store     out.CallQueueStore
	Leads     out.LeadRepository // optional, enables suppression checks and lead enrichment
	Telephony out.Telephony      // optional
	Events    out.EventSink
	IDs       IDSource
	Config    Config
	Now       func() time.Time
}

type Service struct {
	store  out.CallQueueStore
	leads  out.LeadRepository
	phone  out.Telephony
	events out.EventSink
	ids    IDSource
	cfg    Config
	now    func() time.Time
}

func NewService(deps Deps) *Service {
	s := &Service{
		store:  deps.Store,
		leads:  deps.Leads,
		phone:  deps.Telephony,
		events: deps.Events,
		ids:    deps.IDs,
		cfg:    deps.Config,
		now:    deps.Now,
	}
	if s.events == nil {
		s.events = out.NopSink{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// =============================================================================
// Validation
// =============================================================================

// ResolvePersonaLane validates a persona and lane pair. An empty lane selects the
// persona's default; a lane outside the allow-list is rejected.
func ResolvePersonaLane(persona, lane string) (domain.Persona, domain.CampaignLane, error) {
	p, ok := domain.ParsePersona(persona)
	if !ok {
		return "", "", apperr.InvalidPersona(persona)
	}
	if strings.TrimSpace(lane) == "" {
		return p, p.DefaultLane(), nil
	}
	l := domain.ParseLane(lane)
	if !p.AllowsLane(l) {
		return "", "", apperr.InvalidLane(string(p), lane).WithDetail("allowed", p.Lanes())
	}
	return p, l, nil
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return apperr.TenantRequired()
	}
	return nil
}

// =============================================================================
// Enqueue
// =============================================================================

type EnqueueRequest struct {
	LeadID       string         `json:"lead_id"`
	LeadName     string         `json:"lead_name"`
	Phone        string         `json:"phone"`
	Persona      string         `json:"persona"`
	Lane         string         `json:"campaign_lane"`
	BasePriority *int           `json:"base_priority"`
	Tags         []string       `json:"tags"`
	ScheduledAt  *time.Time     `json:"scheduled_at"`
	Notes        string         `json:"notes"`
	Metadata     map[string]any `json:"metadata"`
}

// Skip reasons reported by enqueue.
const (
	SkipSuppressed = "suppressed"
	SkipDuplicate  = "duplicate"
)

// EnqueueOutcome reports whether a request created an item. Suppressed leads and open
// duplicates are skipped, not failed.
type EnqueueOutcome struct {
	Item    *domain.CallQueueItem `json:"item,omitempty"`
	Created bool                  `json:"created"`
	Skipped string                `json:"skipped,omitempty"`
}

func (s *Service) Enqueue(ctx context.Context, tenantID string, req *EnqueueRequest) (*EnqueueOutcome, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	persona, lane, err := ResolvePersonaLane(req.Persona, req.Lane)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.LeadID) == "" {
		return nil, apperr.MissingField("lead_id")
	}
	base := domain.DefaultBasePriority
	if req.BasePriority != nil {
		if *req.BasePriority <= 0 {
			return nil, apperr.InvalidField("base_priority", "must be positive")
		}
		base = *req.BasePriority
	}

	now := s.now()
	item := &domain.CallQueueItem{
		TenantID:     tenantID,
		LeadID:       req.LeadID,
		LeadName:     req.LeadName,
		Phone:        req.Phone,
		Persona:      persona,
		Lane:         lane,
		Status:       domain.ItemPending,
		BasePriority: base,
		Tags:         normalizeTags(req.Tags),
		ScheduledAt:  now,
		Notes:        req.Notes,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.ScheduledAt != nil {
		item.ScheduledAt = *req.ScheduledAt
	}

	if s.leads != nil {
		lead, err := s.leads.Get(ctx, tenantID, req.LeadID)
		switch {
		case err == nil:
			if lead.IsSuppressed() {
				s.emit(ctx, out.EventItemSkipped, out.LevelInfo, tenantID, req.LeadID, map[string]any{"reason": SkipSuppressed})
				return &EnqueueOutcome{Skipped: SkipSuppressed}, nil
			}
			enrich(item, lead)
		case !errors.Is(err, out.ErrNotFound):
			return nil, apperr.Persistence("load lead", err)
		}
	}

	existing, err := s.store.List(ctx, tenantID)
	if err != nil {
		return nil, apperr.Persistence("list queue", err)
	}
	for _, it := range existing {
		if it.LeadID == item.LeadID && it.Persona == persona && it.Lane == lane && it.Status.IsOpen() {
			return &EnqueueOutcome{Item: it, Skipped: SkipDuplicate}, nil
		}
	}

	if item.ID, err = s.ids.Next(); err != nil {
		return nil, apperr.InternalWithError(err)
	}
	if err := s.store.Insert(ctx, item); err != nil {
		if errors.Is(err, out.ErrConflict) {
			return nil, apperr.Conflict("queue item already exists")
		}
		return nil, apperr.Persistence("insert queue item", err)
	}

	s.emit(ctx, out.EventItemEnqueued, out.LevelInfo, tenantID, item.LeadID, map[string]any{
		"item_id":            item.ID,
		"persona":            string(persona),
		"lane":               string(lane),
		"effective_priority": item.EffectivePriority(),
	})
	return &EnqueueOutcome{Item: item, Created: true}, nil
}

// enrich fills contact fields from the lead and tags the item with its labels so the
// priority tier follows the lead's highest label.
func enrich(item *domain.CallQueueItem, lead *domain.Lead) {
	if item.LeadName == "" {
		item.LeadName = lead.Name
	}
	if item.Phone == "" {
		item.Phone = lead.Phone
	}
	for _, l := range domain.LabelStrings(lead.Labels) {
		item.Tags = appendTag(item.Tags, strings.ToLower(l))
	}
}

func normalizeTags(tags []string) []string {
	var res []string
	for _, t := range tags {
		res = appendTag(res, strings.ToLower(strings.TrimSpace(t)))
	}
	return res
}

func appendTag(tags []string, tag string) []string {
	if tag == "" {
		return tags
	}
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

// ImportError names one request that failed during bulk import.
type ImportError struct {
	Index  int    `json:"index"`
	LeadID string `json:"lead_id"`
	Error  string `json:"error"`
}

type ImportResult struct {
	Created  int               `json:"created"`
	Skipped  int               `json:"skipped"`
	Failed   int               `json:"failed"`
	Outcomes []*EnqueueOutcome `json:"outcomes"`
	Errors   []ImportError     `json:"errors,omitempty"`
}

// EnqueueBatch enqueues many requests with bounded concurrency. Repeats of the same
// (lead, persona, lane) inside one batch are skipped as duplicates before any write.
func (s *Service) EnqueueBatch(ctx context.Context, tenantID string, reqs []*EnqueueRequest) (*ImportResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	type indexed struct {
		idx int
		req *EnqueueRequest
	}
	res := &ImportResult{Outcomes: make([]*EnqueueOutcome, len(reqs))}
	seen := make(map[string]bool, len(reqs))
	var work []indexed
	for i, r := range reqs {
		key := r.LeadID + "|" + strings.ToLower(r.Persona) + "|" + strings.ToLower(r.Lane)
		if p, l, err := ResolvePersonaLane(r.Persona, r.Lane); err == nil {
			key = r.LeadID + "|" + string(p) + "|" + string(l)
		}
		if r.LeadID != "" && seen[key] {
			res.Outcomes[i] = &EnqueueOutcome{Skipped: SkipDuplicate}
			res.Skipped++
			continue
		}
		seen[key] = true
		work = append(work, indexed{idx: i, req: r})
	}

	results := common.RunBatch(ctx, work, s.cfg.Concurrency, func(ctx context.Context, w indexed) (*EnqueueOutcome, error) {
		return s.Enqueue(ctx, tenantID, w.req)
	})
	for _, r := range results {
		if r.Err != nil {
			res.Failed++
			res.Errors = append(res.Errors, ImportError{
				Index:  r.Input.idx,
				LeadID: r.Input.req.LeadID,
				Error:  apperr.AsAppError(r.Err).Message,
			})
			s.emit(ctx, out.EventBatchItemFailed, out.LevelWarn, tenantID, r.Input.req.LeadID, map[string]any{
				"op":    "enqueue",
				"error": r.Err.Error(),
			})
			continue
		}
		res.Outcomes[r.Input.idx] = r.Value
		if r.Value.Created {
			res.Created++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

// =============================================================================
// Queries
// =============================================================================

// List returns matching items in dispatch order along with the unpaged total.
func (s *Service) List(ctx context.Context, tenantID string, filter domain.ItemFilter) ([]*domain.CallQueueItem, int, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, 0, err
	}
	if filter.DueOnly && filter.Now.IsZero() {
		filter.Now = s.now()
	}
	items, err := s.store.List(ctx, tenantID)
	if err != nil {
		return nil, 0, apperr.Persistence("list queue", err)
	}

	matched := make([]*domain.CallQueueItem, 0, len(items))
	for _, it := range items {
		if filter.Matches(it) {
			matched = append(matched, it)
		}
	}
	sortItems(matched)

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*domain.CallQueueItem{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *Service) Get(ctx context.Context, tenantID, itemID string) (*domain.CallQueueItem, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	item, err := s.store.Get(ctx, tenantID, itemID)
	if err != nil {
		return nil, storeErr("queue item", err)
	}
	return item, nil
}

func (s *Service) Stats(ctx context.Context, tenantID string) (*domain.QueueStats, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	items, err := s.store.List(ctx, tenantID)
	if err != nil {
		return nil, apperr.Persistence("list queue", err)
	}
	assistants, err := s.store.ListAssistants(ctx, tenantID)
	if err != nil {
		return nil, apperr.Persistence("list assistants", err)
	}

	now := s.now()
	stats := &domain.QueueStats{
		Total:     len(items),
		ByStatus:  map[domain.ItemStatus]int{},
		ByPersona: map[domain.Persona]int{},
		ByLane:    map[domain.CampaignLane]int{},
	}
	for _, it := range items {
		stats.ByStatus[it.Status]++
		stats.ByPersona[it.Persona]++
		stats.ByLane[it.Lane]++
		if it.Status == domain.ItemPending && it.IsDue(now) {
			stats.DueNow++
		}
	}
	for _, a := range assistants {
		if a.Active {
			stats.ActiveAssistants++
		}
	}
	return stats, nil
}

func sortItems(items []*domain.CallQueueItem) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Before(items[j]) })
}

// storeErr maps store sentinels onto the error taxonomy.
func storeErr(resource string, err error) error {
	switch {
	case errors.Is(err, out.ErrNotFound):
		return apperr.NotFound(resource)
	case errors.Is(err, out.ErrConflict):
		return apperr.Conflict(resource + " was modified concurrently")
	case apperr.IsAppError(err):
		return err
	}
	return apperr.Persistence(resource, err)
}

func (s *Service) emit(ctx context.Context, name, level, tenantID, leadID string, fields map[string]any) {
	s.events.Emit(ctx, out.Event{
		Name:     name,
		TenantID: tenantID,
		LeadID:   leadID,
		Level:    level,
		Fields:   fields,
		At:       s.now(),
	})
}
