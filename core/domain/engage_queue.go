package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Personas & Lanes
// =============================================================================

type Persona string

const (
	PersonaGianna  Persona = "gianna"
	PersonaCathy   Persona = "cathy"
	PersonaSabrina Persona = "sabrina"
)

type CampaignLane string

const (
	LaneInitial         CampaignLane = "initial"
	LaneRetarget        CampaignLane = "retarget"
	LaneFollowUp        CampaignLane = "follow_up"
	LaneNurture         CampaignLane = "nurture"
	LaneNudger          CampaignLane = "nudger"
	LaneBookAppointment CampaignLane = "book_appointment"
)

var personaLanes = map[Persona][]CampaignLane{
	PersonaGianna:  {LaneInitial, LaneRetarget, LaneFollowUp, LaneNurture},
	PersonaCathy:   {LaneNudger, LaneRetarget},
	PersonaSabrina: {LaneFollowUp, LaneBookAppointment},
}

// Personas returns every known persona in a stable order.
func Personas() []Persona {
	return []Persona{PersonaGianna, PersonaCathy, PersonaSabrina}
}

func ParsePersona(s string) (Persona, bool) {
	p := Persona(strings.ToLower(strings.TrimSpace(s)))
	_, ok := personaLanes[p]
	return p, ok
}

// Lanes returns the persona's allow-list.
func (p Persona) Lanes() []CampaignLane {
	return append([]CampaignLane(nil), personaLanes[p]...)
}

// DefaultLane is the first lane in the persona's allow-list.
func (p Persona) DefaultLane() CampaignLane {
	if lanes := personaLanes[p]; len(lanes) > 0 {
		return lanes[0]
	}
	return ""
}

// AllowsLane reports whether the lane is in the persona's allow-list.
func (p Persona) AllowsLane(lane CampaignLane) bool {
	for _, l := range personaLanes[p] {
		if l == lane {
			return true
		}
	}
	return false
}

func ParseLane(s string) CampaignLane {
	return CampaignLane(strings.ToLower(strings.TrimSpace(s)))
}

// =============================================================================
// Item Status
// =============================================================================

type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemNoAnswer   ItemStatus = "no_answer"
	ItemSkipped    ItemStatus = "skipped"
)

func ParseItemStatus(s string) (ItemStatus, bool) {
	st := ItemStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case ItemPending, ItemInProgress, ItemCompleted, ItemFailed, ItemNoAnswer, ItemSkipped:
		return st, true
	}
	return "", false
}

func (s ItemStatus) IsTerminal() bool {
	switch s {
	case ItemCompleted, ItemFailed, ItemNoAnswer, ItemSkipped:
		return true
	}
	return false
}

// IsOpen reports whether the item still occupies a slot in the queue.
func (s ItemStatus) IsOpen() bool {
	return s == ItemPending || s == ItemInProgress
}

// CanTransition enforces pending -> in_progress -> terminal, terminal|pending -> pending (reschedule),
// and pending -> skipped (suppression or manual skip).
func (s ItemStatus) CanTransition(to ItemStatus) bool {
	switch {
	case s == ItemPending:
		return to == ItemInProgress || to == ItemSkipped || to == ItemPending
	case s == ItemInProgress:
		return to.IsTerminal() || to == ItemPending
	case s.IsTerminal():
		return to == ItemPending
	}
	return false
}

// =============================================================================
// Tier
// =============================================================================

type PriorityTier string

const (
	TierGreen    PriorityTier = "green"
	TierGold     PriorityTier = "gold"
	TierStandard PriorityTier = "standard"
)

var (
	greenTags = []string{"responded", "green", "high_intent", "wants_call"}
	goldTags  = []string{"gold", "gold_label", "contact_verified", "high_contactability"}
)

// TierFor picks the highest tier any tag qualifies for. Matching is case-insensitive.
func TierFor(tags []string) PriorityTier {
	gold := false
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if containsString(greenTags, t) {
			return TierGreen
		}
		if containsString(goldTags, t) {
			gold = true
		}
	}
	if gold {
		return TierGold
	}
	return TierStandard
}

func (t PriorityTier) Multiplier() int {
	switch t {
	case TierGreen:
		return 3
	case TierGold:
		return 2
	}
	return 1
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Queue Item
// =============================================================================

const DefaultBasePriority = 5

// CallQueueItem is one scheduled outreach attempt owned by a tenant.
type CallQueueItem struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	LeadID       string         `json:"lead_id"`
	LeadName     string         `json:"lead_name,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Persona      Persona        `json:"persona"`
	Lane         CampaignLane   `json:"campaign_lane"`
	Status       ItemStatus     `json:"status"`
	BasePriority int            `json:"base_priority"`
	Tags         []string       `json:"tags,omitempty"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	Attempts     int            `json:"attempts"`
	Outcome      string         `json:"outcome,omitempty"`
	Notes        string         `json:"notes,omitempty"`
	CallID       string         `json:"call_id,omitempty"`
	CallStatus   string         `json:"call_status,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

func (i *CallQueueItem) Tier() PriorityTier {
	return TierFor(i.Tags)
}

// EffectivePriority is basePriority scaled by the tier multiplier.
func (i *CallQueueItem) EffectivePriority() int {
	return i.BasePriority * i.Tier().Multiplier()
}

// IsDue reports whether the item may be selected at now.
func (i *CallQueueItem) IsDue(now time.Time) bool {
	return !i.ScheduledAt.After(now)
}

// Before is the total dispatch order: effective priority desc, scheduledAt asc,
// createdAt asc, then id.
func (i *CallQueueItem) Before(o *CallQueueItem) bool {
	if a, b := i.EffectivePriority(), o.EffectivePriority(); a != b {
		return a > b
	}
	if !i.ScheduledAt.Equal(o.ScheduledAt) {
		return i.ScheduledAt.Before(o.ScheduledAt)
	}
	if !i.CreatedAt.Equal(o.CreatedAt) {
		return i.CreatedAt.Before(o.CreatedAt)
	}
	if len(i.ID) != len(o.ID) {
		return len(i.ID) < len(o.ID)
	}
	return i.ID < o.ID
}

func (i *CallQueueItem) Clone() *CallQueueItem {
	if i == nil {
		return nil
	}
	c := *i
	c.Tags = append([]string(nil), i.Tags...)
	if i.Metadata != nil {
		c.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	if i.StartedAt != nil {
		t := *i.StartedAt
		c.StartedAt = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ItemFilter narrows List. Zero values match everything.
type ItemFilter struct {
	Persona Persona
	Lane    CampaignLane
	Status  ItemStatus
	LeadID  string
	DueOnly bool
	Now     time.Time
	Limit   int
	Offset  int
}

func (f *ItemFilter) Matches(i *CallQueueItem) bool {
	if f.Persona != "" && i.Persona != f.Persona {
		return false
	}
	if f.Lane != "" && i.Lane != f.Lane {
		return false
	}
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	if f.LeadID != "" && i.LeadID != f.LeadID {
		return false
	}
	if f.DueOnly && !i.IsDue(f.Now) {
		return false
	}
	return true
}

// =============================================================================
// Assistant Session
// =============================================================================

type AssistantCounters struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// AssistantState is the per (tenant, persona) dispatch session.
type AssistantState struct {
	TenantID      string            `json:"tenant_id"`
	Persona       Persona           `json:"persona"`
	Active        bool              `json:"active"`
	Lane          CampaignLane      `json:"campaign_lane"`
	CurrentItemID string            `json:"current_item_id,omitempty"`
	CurrentLeadID string            `json:"current_lead_id,omitempty"`
	Counters      AssistantCounters `json:"counters"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Version       int64             `json:"version"`
}

func (s *AssistantState) ClearCurrent() {
	s.CurrentItemID = ""
	s.CurrentLeadID = ""
}

// QueueStats summarises a tenant's queue.
type QueueStats struct {
	Total            int                  `json:"total"`
	ByStatus         map[ItemStatus]int   `json:"by_status"`
	ByPersona        map[Persona]int      `json:"by_persona"`
	ByLane           map[CampaignLane]int `json:"by_lane"`
	DueNow           int                  `json:"due_now"`
	ActiveAssistants int                  `json:"active_assistants"`
}

// CallOutcome maps a telephony status callback to an item status.
// Non-terminal call statuses return false.
func CallOutcome(callStatus string) (ItemStatus, bool) {
	switch strings.ToLower(strings.ReplaceAll(callStatus, "_", "-")) {
	case "completed":
		return ItemCompleted, true
	case "no-answer", "busy":
		return ItemNoAnswer, true
	case "failed", "canceled", "cancelled":
		return ItemFailed, true
	}
	return "", false
}
