package callqueue

import (
	"context"
	"errors"

	"engage_server/core/domain"
	"engage_server/core/port/out"
	"engage_server/pkg/apperr"
)

var (
	errNotPending = errors.New("item is no longer pending")
	errNotDue     = errors.New("item is not due")
)

// =============================================================================
// Claiming
// =============================================================================

// Peek returns the next eligible item for the persona and lane without claiming it.
func (s *Service) Peek(ctx context.Context, tenantID, persona, lane string) (*domain.CallQueueItem, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	p, l, err := ResolvePersonaLane(persona, lane)
	if err != nil {
		return nil, err
	}
	candidates, err := s.candidates(ctx, tenantID, p, l)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0], nil
}

// ClaimNext atomically moves the best eligible item to in_progress. It returns nil
// when nothing is eligible. Items whose lead has become suppressed are skipped on the way.
func (s *Service) ClaimNext(ctx context.Context, tenantID, persona, lane string) (*domain.CallQueueItem, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	p, l, err := ResolvePersonaLane(persona, lane)
	if err != nil {
		return nil, err
	}
	return s.claimNext(ctx, tenantID, p, l)
}

func (s *Service) claimNext(ctx context.Context, tenantID string, persona domain.Persona, lane domain.CampaignLane) (*domain.CallQueueItem, error) {
	candidates, err := s.candidates(ctx, tenantID, persona, lane)
	if err != nil {
		return nil, err
	}
	suppressed, err := s.suppressedLeads(ctx, tenantID, candidates)
	if err != nil {
		return nil, err
	}

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if suppressed[cand.LeadID] {
			s.skipSuppressed(ctx, cand)
			continue
		}
		item, err := s.claim(ctx, tenantID, cand.ID)
		if errors.Is(err, errNotPending) || errors.Is(err, errNotDue) || errors.Is(err, out.ErrNotFound) {
			s.emit(ctx, out.EventClaimLost, out.LevelInfo, tenantID, cand.LeadID, map[string]any{"item_id": cand.ID})
			continue
		}
		if err != nil {
			return nil, storeErr("queue item", err)
		}
		return item, nil
	}
	return nil, nil
}

// ClaimItem claims one specific item. It fails with a conflict when the item is not pending.
func (s *Service) ClaimItem(ctx context.Context, tenantID, itemID string) (*domain.CallQueueItem, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	item, err := s.claim(ctx, tenantID, itemID)
	switch {
	case errors.Is(err, errNotPending):
		return nil, apperr.Conflict("queue item is not pending")
	case errors.Is(err, errNotDue):
		return nil, apperr.Conflict("queue item is not due yet")
	case err != nil:
		return nil, storeErr("queue item", err)
	}
	return item, nil
}

// claim is the conditional pending -> in_progress transition.
func (s *Service) claim(ctx context.Context, tenantID, itemID string) (*domain.CallQueueItem, error) {
	now := s.now()
	item, err := s.store.Mutate(ctx, tenantID, itemID, func(it *domain.CallQueueItem) error {
		if it.Status != domain.ItemPending {
			return errNotPending
		}
		if !it.IsDue(now) {
			return errNotDue
		}
		it.Status = domain.ItemInProgress
		it.Attempts++
		it.StartedAt = &now
		it.CompletedAt = nil
		it.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, out.EventItemClaimed, out.LevelInfo, tenantID, item.LeadID, map[string]any{
		"item_id": item.ID,
		"persona": string(item.Persona),
		"lane":    string(item.Lane),
	})
	return item, nil
}

// candidates are pending, due items for the persona and lane in dispatch order.
func (s *Service) candidates(ctx context.Context, tenantID string, persona domain.Persona, lane domain.CampaignLane) ([]*domain.CallQueueItem, error) {
	items, _, err := s.List(ctx, tenantID, domain.ItemFilter{
		Persona: persona,
		Lane:    lane,
		Status:  domain.ItemPending,
		DueOnly: true,
		Now:     s.now(),
	})
	return items, err
}

func (s *Service) suppressedLeads(ctx context.Context, tenantID string, items []*domain.CallQueueItem) (map[string]bool, error) {
	res := map[string]bool{}
	if s.leads == nil || len(items) == 0 {
		return res, nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.LeadID)
	}
	leads, err := s.leads.GetMany(ctx, tenantID, ids)
	if err != nil {
		return nil, apperr.Persistence("load leads", err)
	}
	for id, l := range leads {
		if l.IsSuppressed() {
			res[id] = true
		}
	}
	return res, nil
}

func (s *Service) skipSuppressed(ctx context.Context, cand *domain.CallQueueItem) {
	now := s.now()
	_, err := s.store.Mutate(ctx, cand.TenantID, cand.ID, func(it *domain.CallQueueItem) error {
		if it.Status != domain.ItemPending {
			return errNotPending
		}
		it.Status = domain.ItemSkipped
		it.Outcome = SkipSuppressed
		it.CompletedAt = &now
		it.UpdatedAt = now
		return nil
	})
	if err != nil {
		return
	}
	s.emit(ctx, out.EventItemSkipped, out.LevelInfo, cand.TenantID, cand.LeadID, map[string]any{
		"item_id": cand.ID,
		"reason":  SkipSuppressed,
	})
}

// =============================================================================
// Assistant sessions
// =============================================================================

// SessionView is an assistant session together with the item it is working.
type SessionView struct {
	State   *domain.AssistantState `json:"state"`
	Current *domain.CallQueueItem  `json:"current_item,omitempty"`
}

func (s *Service) GetAssistant(ctx context.Context, tenantID, persona string) (*SessionView, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	p, ok := domain.ParsePersona(persona)
	if !ok {
		return nil, apperr.InvalidPersona(persona)
	}
	state, err := s.store.GetAssistant(ctx, tenantID, p)
	if err != nil {
		return nil, storeErr("assistant session", err)
	}
	view := &SessionView{State: state}
	if state.CurrentItemID != "" {
		if item, err := s.store.Get(ctx, tenantID, state.CurrentItemID); err == nil {
			view.Current = item
		}
	}
	return view, nil
}

func (s *Service) ListAssistants(ctx context.Context, tenantID string) ([]*domain.AssistantState, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	states, err := s.store.ListAssistants(ctx, tenantID)
	if err != nil {
		return nil, apperr.Persistence("list assistants", err)
	}
	return states, nil
}

// StartAssistant activates the persona's session on a lane and claims its first item.
// Restarting an active session switches lanes and keeps its counters.
func (s *Service) StartAssistant(ctx context.Context, tenantID, persona, lane string) (*SessionView, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	p, l, err := ResolvePersonaLane(persona, lane)
	if err != nil {
		return nil, err
	}

	state, err := s.loadOrNewState(ctx, tenantID, p)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !state.Active {
		state.Counters = domain.AssistantCounters{}
		state.StartedAt = &now
	}
	state.Active = true
	var stale string
	if state.Lane != l && state.CurrentItemID != "" {
		stale = state.CurrentItemID
		state.ClearCurrent()
	}
	state.Lane = l

	view := &SessionView{State: state}
	if state.CurrentItemID != "" {
		if cur, err := s.store.Get(ctx, tenantID, state.CurrentItemID); err == nil && cur.Status == domain.ItemInProgress {
			view.Current = cur
		} else {
			state.ClearCurrent()
		}
	}
	var claimed *domain.CallQueueItem
	if view.Current == nil {
		if claimed, err = s.claimInto(ctx, state); err != nil {
			return nil, err
		}
		view.Current = claimed
	}
	if err := s.commit(ctx, state, claimed); err != nil {
		return nil, err
	}
	s.release(ctx, tenantID, stale)
	s.emit(ctx, out.EventSessionStarted, out.LevelInfo, tenantID, state.CurrentLeadID, map[string]any{
		"persona": string(p),
		"lane":    string(l),
	})
	return view, nil
}

// StopAssistant deactivates the session. A current item with no call in flight goes
// back to pending; a placed call cannot be recalled, so its item stays in progress.
func (s *Service) StopAssistant(ctx context.Context, tenantID, persona string) (*SessionView, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	p, ok := domain.ParsePersona(persona)
	if !ok {
		return nil, apperr.InvalidPersona(persona)
	}
	state, err := s.store.GetAssistant(ctx, tenantID, p)
	if err != nil {
		return nil, storeErr("assistant session", err)
	}

	stale := state.CurrentItemID
	state.Active = false
	state.ClearCurrent()
	if err := s.commit(ctx, state, nil); err != nil {
		return nil, err
	}
	s.release(ctx, tenantID, stale)
	s.emit(ctx, out.EventSessionStopped, out.LevelInfo, tenantID, "", map[string]any{
		"persona":   string(p),
		"completed": state.Counters.Completed,
	})
	return &SessionView{State: state}, nil
}

type AdvanceRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// Advance records the outcome of the current item and claims the next eligible one.
// Two advances racing on one session both finish the same current item; the one
// whose session write loses hands its claimed item back and reports a conflict.
func (s *Service) Advance(ctx context.Context, tenantID, persona string, req *AdvanceRequest) (*SessionView, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	p, ok := domain.ParsePersona(persona)
	if !ok {
		return nil, apperr.InvalidPersona(persona)
	}
	outcome := domain.ItemCompleted
	if req != nil && req.Status != "" {
		st, ok := domain.ParseItemStatus(req.Status)
		if !ok || !st.IsTerminal() {
			return nil, apperr.InvalidField("status", "must be a terminal status")
		}
		outcome = st
	}

	state, err := s.store.GetAssistant(ctx, tenantID, p)
	if err != nil {
		return nil, storeErr("assistant session", err)
	}
	if !state.Active {
		return nil, apperr.Conflict("assistant session is not active")
	}

	if state.CurrentItemID != "" {
		notes := ""
		if req != nil {
			notes = req.Notes
		}
		final, err := s.finish(ctx, tenantID, state.CurrentItemID, outcome, notes)
		switch {
		case err == nil:
			countOutcome(&state.Counters, final.Status)
		case errors.Is(err, out.ErrNotFound):
		default:
			return nil, storeErr("queue item", err)
		}
		state.ClearCurrent()
	}

	next, err := s.claimInto(ctx, state)
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, state, next); err != nil {
		return nil, err
	}
	return &SessionView{State: state, Current: next}, nil
}

// SwitchLane moves an active session to another lane of the same persona and re-claims.
func (s *Service) SwitchLane(ctx context.Context, tenantID, persona, lane string) (*SessionView, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	p, l, err := ResolvePersonaLane(persona, lane)
	if err != nil {
		return nil, err
	}
	state, err := s.store.GetAssistant(ctx, tenantID, p)
	if err != nil {
		return nil, storeErr("assistant session", err)
	}
	if !state.Active {
		return nil, apperr.Conflict("assistant session is not active")
	}
	if state.Lane == l {
		return s.GetAssistant(ctx, tenantID, string(p))
	}

	stale := state.CurrentItemID
	state.ClearCurrent()
	state.Lane = l

	next, err := s.claimInto(ctx, state)
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, state, next); err != nil {
		return nil, err
	}
	s.release(ctx, tenantID, stale)
	return &SessionView{State: state, Current: next}, nil
}

// ResetAssistant removes the session record entirely.
func (s *Service) ResetAssistant(ctx context.Context, tenantID, persona string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	p, ok := domain.ParsePersona(persona)
	if !ok {
		return apperr.InvalidPersona(persona)
	}
	if err := s.store.DeleteAssistant(ctx, tenantID, p); err != nil {
		return storeErr("assistant session", err)
	}
	return nil
}

func (s *Service) claimInto(ctx context.Context, state *domain.AssistantState) (*domain.CallQueueItem, error) {
	next, err := s.claimNext(ctx, state.TenantID, state.Persona, state.Lane)
	if err != nil {
		return nil, err
	}
	if next != nil {
		state.CurrentItemID = next.ID
		state.CurrentLeadID = next.LeadID
		state.Counters.Claimed++
	}
	return next, nil
}

// commit saves the session. When another writer got there first, the item claimed
// for this attempt goes back to pending so no in-progress item is left without a session.
func (s *Service) commit(ctx context.Context, state *domain.AssistantState, claimed *domain.CallQueueItem) error {
	err := s.saveState(ctx, state)
	if err == nil {
		return nil
	}
	if claimed != nil {
		s.release(ctx, state.TenantID, claimed.ID)
	}
	return err
}

// release returns an in-progress item to pending unless a call was placed for it.
// Failures are reported as events; the item can still be finished or rescheduled.
func (s *Service) release(ctx context.Context, tenantID, itemID string) {
	if itemID == "" {
		return
	}
	now := s.now()
	item, err := s.store.Mutate(ctx, tenantID, itemID, func(it *domain.CallQueueItem) error {
		if it.Status != domain.ItemInProgress || it.CallID != "" {
			return errNotPending
		}
		it.Status = domain.ItemPending
		it.StartedAt = nil
		it.UpdatedAt = now
		return nil
	})
	switch {
	case err == nil:
		s.emit(ctx, out.EventItemReleased, out.LevelInfo, tenantID, item.LeadID, map[string]any{"item_id": itemID})
	case errors.Is(err, errNotPending), errors.Is(err, out.ErrNotFound):
	default:
		s.emit(ctx, out.EventItemReleased, out.LevelError, tenantID, "", map[string]any{
			"item_id": itemID,
			"error":   err.Error(),
		})
	}
}

func (s *Service) loadOrNewState(ctx context.Context, tenantID string, p domain.Persona) (*domain.AssistantState, error) {
	state, err := s.store.GetAssistant(ctx, tenantID, p)
	if errors.Is(err, out.ErrNotFound) {
		return &domain.AssistantState{TenantID: tenantID, Persona: p}, nil
	}
	if err != nil {
		return nil, storeErr("assistant session", err)
	}
	return state, nil
}

func (s *Service) saveState(ctx context.Context, state *domain.AssistantState) error {
	state.UpdatedAt = s.now()
	err := s.store.SaveAssistant(ctx, state)
	if errors.Is(err, out.ErrConflict) {
		s.emit(ctx, out.EventSessionConflict, out.LevelWarn, state.TenantID, "", map[string]any{
			"persona": string(state.Persona),
		})
		return apperr.Conflict("assistant session changed concurrently, retry")
	}
	if err != nil {
		return apperr.Persistence("save assistant session", err)
	}
	return nil
}

func countOutcome(c *domain.AssistantCounters, st domain.ItemStatus) {
	switch st {
	case domain.ItemCompleted:
		c.Completed++
	case domain.ItemSkipped:
		c.Skipped++
	case domain.ItemFailed, domain.ItemNoAnswer:
		c.Failed++
	}
}
