package domain

import "time"

// Eligibility reasons
const (
	ReasonOptedOutOrDNC         = "opted_out_or_dnc"
	ReasonNoMobile              = "no_mobile"
	ReasonGoldLabel             = "gold_label"
	ReasonWantsCall             = "wants_call"
	ReasonHighIntentOrResponded = "high_intent_or_responded"
	ReasonScoreThreshold        = "score_threshold"
	ReasonNoQualifyingSignal    = "no_qualifying_signal"
	ReasonGoldPriorityNotSet    = "config_gold_priority_not_set"
	ReasonGreenPriorityNotSet   = "config_green_priority_not_set"
	ReasonLeadNotFound          = "lead_not_found"
)

// Eligibility is whether a lead should enter the call queue and at what priority.
type Eligibility struct {
	LeadID   string `json:"lead_id"`
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
	Priority int    `json:"priority,omitempty"`
}

// Detection is the label detector's output for one message.
type Detection struct {
	Labels         []CanonicalLabel `json:"labels"`
	CapturedEmail  string           `json:"captured_email,omitempty"`
	CapturedPhone  string           `json:"captured_phone,omitempty"`
	HasProfanity   bool             `json:"has_profanity,omitempty"`
	ShortCircuited bool             `json:"short_circuited,omitempty"`
}

// ApplyResult reports what the applicator changed.
type ApplyResult struct {
	LeadID     string           `json:"lead_id"`
	Applied    bool             `json:"applied"`
	Labels     []CanonicalLabel `json:"labels"`
	ScoreDelta int              `json:"score_delta"`
	Score      int              `json:"score"`
	Suppressed bool             `json:"suppressed"`
}

// InboundMessage is one message received from a lead.
type InboundMessage struct {
	MessageID  string    `json:"message_id,omitempty"`
	TenantID   string    `json:"tenant_id"`
	LeadID     string    `json:"lead_id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	From       string    `json:"from,omitempty"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
	CampaignID string    `json:"campaign_id,omitempty"`
}

// InboundResult is the full outcome of processing one inbound message.
type InboundResult struct {
	MessageID   string            `json:"message_id,omitempty"`
	LeadID      string            `json:"lead_id"`
	Duplicate   bool              `json:"duplicate"`
	Detection   *Detection        `json:"detection,omitempty"`
	Apply       *ApplyResult      `json:"apply,omitempty"`
	Signals     []SignalType      `json:"signals,omitempty"`
	Thread      *ThreadResolution `json:"thread,omitempty"`
	Eligibility *Eligibility      `json:"eligibility,omitempty"`
	EnqueuedID  string            `json:"enqueued_item_id,omitempty"`
}
