package callqueue

import (
	"context"
	"errors"
	"strings"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"
	"engage_server/pkg/apperr"
)

var errIllegalTransition = errors.New("illegal status transition")

// =============================================================================
// Item lifecycle
// =============================================================================

type CompleteRequest struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome"`
	Notes   string `json:"notes"`
}

// Complete moves an in-progress item to a terminal status.
func (s *Service) Complete(ctx context.Context, tenantID, itemID string, req *CompleteRequest) (*domain.CallQueueItem, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	status := domain.ItemCompleted
	var outcome, notes string
	if req != nil {
		if req.Status != "" {
			st, ok := domain.ParseItemStatus(req.Status)
			if !ok || !st.IsTerminal() {
				return nil, apperr.InvalidField("status", "must be a terminal status")
			}
			status = st
		}
		outcome, notes = req.Outcome, req.Notes
	}

	now := s.now()
	item, err := s.store.Mutate(ctx, tenantID, itemID, func(it *domain.CallQueueItem) error {
		if !it.Status.CanTransition(status) {
			return errIllegalTransition
		}
		applyTerminal(it, status, outcome, notes, now)
		return nil
	})
	if errors.Is(err, errIllegalTransition) {
		return nil, apperr.Conflict("queue item cannot move to " + string(status))
	}
	if err != nil {
		return nil, storeErr("queue item", err)
	}
	s.emitCompleted(ctx, item)
	return item, nil
}

// finish completes an assistant's current item. An item a status callback already
// finalised is returned unchanged so the session counts its real outcome.
func (s *Service) finish(ctx context.Context, tenantID, itemID string, status domain.ItemStatus, notes string) (*domain.CallQueueItem, error) {
	now := s.now()
	changed := false
	item, err := s.store.Mutate(ctx, tenantID, itemID, func(it *domain.CallQueueItem) error {
		changed = false
		if it.Status.IsTerminal() {
			if notes != "" {
				it.Notes = joinNotes(it.Notes, notes)
			}
			return nil
		}
		if !it.Status.CanTransition(status) {
			return errIllegalTransition
		}
		applyTerminal(it, status, "", notes, now)
		changed = true
		return nil
	})
	if errors.Is(err, errIllegalTransition) {
		return nil, apperr.Conflict("queue item cannot move to " + string(status))
	}
	if err != nil {
		return nil, err
	}
	if changed {
		s.emitCompleted(ctx, item)
	}
	return item, nil
}

func applyTerminal(it *domain.CallQueueItem, status domain.ItemStatus, outcome, notes string, now time.Time) {
	it.Status = status
	if outcome == "" {
		outcome = string(status)
	}
	it.Outcome = outcome
	it.Notes = joinNotes(it.Notes, notes)
	it.CompletedAt = &now
	it.UpdatedAt = now
}

func joinNotes(existing, add string) string {
	add = strings.TrimSpace(add)
	switch {
	case add == "":
		return existing
	case existing == "":
		return add
	}
	return existing + "\n" + add
}

type RescheduleRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
	Delay       string     `json:"delay"`
	Notes       string     `json:"notes"`
}

// Reschedule returns a terminal item to pending with a new due time, or moves the due
// time of a pending one. An in-progress item belongs to a worker and must be finished first.
func (s *Service) Reschedule(ctx context.Context, tenantID, itemID string, req *RescheduleRequest) (*domain.CallQueueItem, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	now := s.now()
	at := now
	if req != nil {
		switch {
		case req.ScheduledAt != nil:
			at = *req.ScheduledAt
		case req.Delay != "":
			d, err := time.ParseDuration(req.Delay)
			if err != nil || d < 0 {
				return nil, apperr.InvalidField("delay", "must be a non-negative duration")
			}
			at = now.Add(d)
		}
	}

	item, err := s.store.Mutate(ctx, tenantID, itemID, func(it *domain.CallQueueItem) error {
		if it.Status != domain.ItemPending && !it.Status.IsTerminal() {
			return errIllegalTransition
		}
		it.Status = domain.ItemPending
		it.ScheduledAt = at
		it.CallID = ""
		it.CallStatus = ""
		it.Outcome = ""
		it.StartedAt = nil
		it.CompletedAt = nil
		if req != nil {
			it.Notes = joinNotes(it.Notes, req.Notes)
		}
		it.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errIllegalTransition) {
		return nil, apperr.Conflict("queue item cannot be rescheduled")
	}
	if err != nil {
		return nil, storeErr("queue item", err)
	}
	s.emit(ctx, out.EventItemRescheduled, out.LevelInfo, tenantID, item.LeadID, map[string]any{
		"item_id":      item.ID,
		"scheduled_at": at,
	})
	return item, nil
}

// Skip marks a pending or in-progress item skipped.
func (s *Service) Skip(ctx context.Context, tenantID, itemID, reason string) (*domain.CallQueueItem, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual"
	}
	now := s.now()
	item, err := s.store.Mutate(ctx, tenantID, itemID, func(it *domain.CallQueueItem) error {
		if !it.Status.CanTransition(domain.ItemSkipped) {
			return errIllegalTransition
		}
		applyTerminal(it, domain.ItemSkipped, reason, "", now)
		return nil
	})
	if errors.Is(err, errIllegalTransition) {
		return nil, apperr.Conflict("queue item cannot be skipped")
	}
	if err != nil {
		return nil, storeErr("queue item", err)
	}
	s.emit(ctx, out.EventItemSkipped, out.LevelInfo, tenantID, item.LeadID, map[string]any{
		"item_id": item.ID,
		"reason":  reason,
	})
	return item, nil
}

// =============================================================================
// Telephony
// =============================================================================

// Dial asks the telephony collaborator to call the item's lead. A pending item is
// claimed first and released again if the call cannot be placed. Only the returned
// call id is recorded; retry belongs to the caller.
func (s *Service) Dial(ctx context.Context, tenantID, itemID string) (*domain.CallQueueItem, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if s.phone == nil {
		return nil, apperr.Transient("telephony", errors.New("telephony is not configured"))
	}
	item, err := s.store.Get(ctx, tenantID, itemID)
	if err != nil {
		return nil, storeErr("queue item", err)
	}
	if domain.NormalizePhone(item.Phone) == "" {
		return nil, apperr.InvalidField("phone", "queue item has no dialable phone number")
	}
	claimed := false
	switch {
	case item.Status == domain.ItemPending:
		if item, err = s.ClaimItem(ctx, tenantID, itemID); err != nil {
			return nil, err
		}
		claimed = true
	case item.Status != domain.ItemInProgress:
		return nil, apperr.Conflict("queue item is not dialable in status " + string(item.Status))
	case item.CallID != "":
		return nil, apperr.Conflict("a call is already in flight for this item")
	}

	res, err := s.phone.Dial(ctx, &out.DialRequest{
		TenantID:    tenantID,
		ItemID:      item.ID,
		LeadID:      item.LeadID,
		To:          item.Phone,
		Persona:     string(item.Persona),
		CallbackURL: s.cfg.CallbackURL,
	})
	if err != nil {
		if claimed {
			s.release(ctx, tenantID, item.ID)
		}
		if apperr.IsAppError(err) {
			return nil, err
		}
		return nil, apperr.Transient("telephony", err)
	}

	now := s.now()
	item, err = s.store.Mutate(ctx, tenantID, itemID, func(it *domain.CallQueueItem) error {
		it.CallID = res.CallID
		it.CallStatus = res.Status
		it.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, storeErr("queue item", err)
	}
	s.emit(ctx, out.EventItemDialed, out.LevelInfo, tenantID, item.LeadID, map[string]any{
		"item_id": item.ID,
		"call_id": res.CallID,
	})
	return item, nil
}

// CallStatusUpdate is a telephony status callback.
type CallStatusUpdate struct {
	ItemID string `json:"item_id"`
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// HandleCallStatus records a callback. Terminal call statuses finalise an in-progress item.
func (s *Service) HandleCallStatus(ctx context.Context, tenantID string, upd *CallStatusUpdate) (*domain.CallQueueItem, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if upd.Status == "" {
		return nil, apperr.MissingField("status")
	}
	itemID := upd.ItemID
	if itemID == "" {
		if upd.CallID == "" {
			return nil, apperr.MissingField("call_id")
		}
		items, err := s.store.List(ctx, tenantID)
		if err != nil {
			return nil, apperr.Persistence("list queue", err)
		}
		for _, it := range items {
			if it.CallID == upd.CallID {
				itemID = it.ID
				break
			}
		}
		if itemID == "" {
			return nil, apperr.NotFound("queue item")
		}
	}

	now := s.now()
	finalised := false
	item, err := s.store.Mutate(ctx, tenantID, itemID, func(it *domain.CallQueueItem) error {
		finalised = false
		if upd.CallID != "" && it.CallID != "" && it.CallID != upd.CallID {
			return errIllegalTransition
		}
		it.CallStatus = upd.Status
		it.UpdatedAt = now
		if st, ok := domain.CallOutcome(upd.Status); ok && it.Status == domain.ItemInProgress {
			applyTerminal(it, st, strings.ToLower(upd.Status), "", now)
			finalised = true
		}
		return nil
	})
	if errors.Is(err, errIllegalTransition) {
		return nil, apperr.Conflict("call id does not match the queue item")
	}
	if err != nil {
		return nil, storeErr("queue item", err)
	}
	if finalised {
		s.emitCompleted(ctx, item)
	}
	return item, nil
}

// =============================================================================
// Removal
// =============================================================================

func (s *Service) Remove(ctx context.Context, tenantID string, itemIDs ...string) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	n, err := s.store.Delete(ctx, tenantID, itemIDs...)
	if err != nil {
		return 0, apperr.Persistence("delete queue items", err)
	}
	return n, nil
}

// RemoveByLead deletes every item for a lead.
func (s *Service) RemoveByLead(ctx context.Context, tenantID, leadID string) (int, error) {
	return s.removeWhere(ctx, tenantID, func(it *domain.CallQueueItem) bool { return it.LeadID == leadID })
}

// ClearCompleted deletes items in a terminal status.
func (s *Service) ClearCompleted(ctx context.Context, tenantID string) (int, error) {
	return s.removeWhere(ctx, tenantID, func(it *domain.CallQueueItem) bool { return it.Status.IsTerminal() })
}

// ClearPersona deletes a persona's items except those with a call in progress.
func (s *Service) ClearPersona(ctx context.Context, tenantID, persona string) (int, error) {
	p, ok := domain.ParsePersona(persona)
	if !ok {
		return 0, apperr.InvalidPersona(persona)
	}
	return s.removeWhere(ctx, tenantID, func(it *domain.CallQueueItem) bool {
		return it.Persona == p && it.Status != domain.ItemInProgress
	})
}

func (s *Service) removeWhere(ctx context.Context, tenantID string, match func(*domain.CallQueueItem) bool) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	items, err := s.store.List(ctx, tenantID)
	if err != nil {
		return 0, apperr.Persistence("list queue", err)
	}
	var ids []string
	for _, it := range items {
		if match(it) {
			ids = append(ids, it.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return s.Remove(ctx, tenantID, ids...)
}

func (s *Service) emitCompleted(ctx context.Context, item *domain.CallQueueItem) {
	s.emit(ctx, out.EventItemCompleted, out.LevelInfo, item.TenantID, item.LeadID, map[string]any{
		"item_id": item.ID,
		"status":  string(item.Status),
		"outcome": item.Outcome,
	})
}
