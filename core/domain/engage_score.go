package domain

import "time"

// Recommendation is the advisory next action for a lead.
type Recommendation string

const (
	RecommendCallNow      Recommendation = "call_now"
	RecommendQueueForCall Recommendation = "queue_for_call"
	RecommendSendSMS      Recommendation = "send_sms"
	RecommendSendEmail    Recommendation = "send_email"
	RecommendWait         Recommendation = "wait"
	RecommendArchive      Recommendation = "archive"
	RecommendDoNotContact Recommendation = "do_not_contact"
)

// ScoreFactors holds the five bounded factor values before weighting.
type ScoreFactors struct {
	Recency      int `json:"recency" yaml:"recency"`
	Engagement   int `json:"engagement" yaml:"engagement"`
	Intent       int `json:"intent" yaml:"intent"`
	Timing       int `json:"timing" yaml:"timing"`
	TouchHistory int `json:"touch_history" yaml:"touch_history"`
}

// Factor upper bounds. Weights default to the same values.
const (
	MaxRecency      = 25
	MaxEngagement   = 25
	MaxIntent       = 25
	MaxTiming       = 15
	MaxTouchHistory = 10
)

// LeadScore is the advisory output of the scoring engine. Score is always within [0,100].
type LeadScore struct {
	TenantID       string         `json:"tenant_id"`
	LeadID         string         `json:"lead_id"`
	Score          int            `json:"score"`
	Factors        ScoreFactors   `json:"factors"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     int            `json:"confidence"`
	Reasoning      string         `json:"reasoning"`

	SignalCounts   map[SignalType]int `json:"signal_counts"`
	TouchCount     int                `json:"touch_count"`
	LastActivityAt *time.Time         `json:"last_activity_at,omitempty"`
	LastReplyAt    *time.Time         `json:"last_reply_at,omitempty"`
	HasReplied     bool               `json:"has_replied"`
	HasHighIntent  bool               `json:"has_high_intent"`
	IsSuppressed   bool               `json:"is_suppressed"`
	ShouldPivot    bool               `json:"should_pivot"`
	PivotReason    string             `json:"pivot_reason,omitempty"`

	ComputedAt time.Time `json:"computed_at"`
}

// ScoreInput is everything the engine needs for one lead.
type ScoreInput struct {
	TenantID    string
	LeadID      string
	Signals     []*Signal
	Labels      []CanonicalLabel
	Suppressed  bool
	TouchCount  int
	LastTouchAt *time.Time
}
