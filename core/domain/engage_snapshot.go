package domain

import (
	"strings"
	"time"
)

type SnapshotTrigger string

const (
	TriggerPreSend     SnapshotTrigger = "pre_send"
	TriggerPostReply   SnapshotTrigger = "post_reply"
	TriggerStateChange SnapshotTrigger = "state_change"
	TriggerMilestone   SnapshotTrigger = "milestone"
	TriggerManual      SnapshotTrigger = "manual"
)

func ParseSnapshotTrigger(s string) (SnapshotTrigger, bool) {
	t := SnapshotTrigger(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TriggerPreSend, TriggerPostReply, TriggerStateChange, TriggerMilestone, TriggerManual:
		return t, true
	}
	return "", false
}

type SnapshotOutcome string

const (
	OutcomeConverted   SnapshotOutcome = "converted"
	OutcomeResponded   SnapshotOutcome = "responded"
	OutcomeNoResponse  SnapshotOutcome = "no_response"
	OutcomeOptedOut    SnapshotOutcome = "opted_out"
	OutcomeChurned     SnapshotOutcome = "churned"
	OutcomeWrongNumber SnapshotOutcome = "wrong_number"
)

func ParseSnapshotOutcome(s string) (SnapshotOutcome, bool) {
	o := SnapshotOutcome(strings.ToLower(strings.TrimSpace(s)))
	switch o {
	case OutcomeConverted, OutcomeResponded, OutcomeNoResponse, OutcomeOptedOut, OutcomeChurned, OutcomeWrongNumber:
		return o, true
	}
	return "", false
}

// FeatureVector is the point-in-time feature set captured for offline training.
type FeatureVector struct {
	SignalCounts          map[SignalType]int `json:"signal_counts" bson:"signal_counts"`
	DaysSinceFirstContact *float64           `json:"days_since_first_contact,omitempty" bson:"days_since_first_contact,omitempty"`
	DaysSinceLastContact  *float64           `json:"days_since_last_contact,omitempty" bson:"days_since_last_contact,omitempty"`
	DaysSinceLastReply    *float64           `json:"days_since_last_reply,omitempty" bson:"days_since_last_reply,omitempty"`
	HoursSinceLastSignal  *float64           `json:"hours_since_last_signal,omitempty" bson:"hours_since_last_signal,omitempty"`
	ReplyRate             float64            `json:"reply_rate" bson:"reply_rate"`
	PositiveReplyRate     float64            `json:"positive_reply_rate" bson:"positive_reply_rate"`
	TotalTouches          int                `json:"total_touches" bson:"total_touches"`
	HasEmail              bool               `json:"has_email" bson:"has_email"`
	HasPhone              bool               `json:"has_phone" bson:"has_phone"`
	CampaignID            string             `json:"campaign_id,omitempty" bson:"campaign_id,omitempty"`
	CampaignBlock         string             `json:"campaign_block,omitempty" bson:"campaign_block,omitempty"`
	TemplateUsed          string             `json:"template_used,omitempty" bson:"template_used,omitempty"`
	LeadScore             *int               `json:"lead_score,omitempty" bson:"lead_score,omitempty"`
	Extra                 map[string]any     `json:"extra,omitempty" bson:"extra,omitempty"`
}

// FeatureSnapshot is append-only; only Outcome and LabeledAt are ever filled in later.
type FeatureSnapshot struct {
	ID         string           `json:"id" bson:"_id"`
	TenantID   string           `json:"tenant_id" bson:"tenant_id"`
	LeadID     string           `json:"lead_id" bson:"lead_id"`
	Trigger    SnapshotTrigger  `json:"trigger" bson:"trigger"`
	Features   FeatureVector    `json:"features" bson:"features"`
	Outcome    *SnapshotOutcome `json:"outcome,omitempty" bson:"outcome,omitempty"`
	CapturedAt time.Time        `json:"captured_at" bson:"captured_at"`
	LabeledAt  *time.Time       `json:"labeled_at,omitempty" bson:"labeled_at,omitempty"`
}

// SnapshotContext is caller-supplied campaign context for a capture.
type SnapshotContext struct {
	CampaignID    string
	CampaignBlock string
	TemplateUsed  string
	LeadScore     *int
	Extra         map[string]any
}

// SnapshotFilter selects labeled snapshots for training export.
type SnapshotFilter struct {
	Trigger SnapshotTrigger
	Outcome SnapshotOutcome
	Since   time.Time
	Limit   int
}
