package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SignalType is the closed set of events recorded against a lead.
type SignalType string

const (
	SignalContacted        SignalType = "CONTACTED"
	SignalReplied          SignalType = "REPLIED"
	SignalPositiveResponse SignalType = "POSITIVE_RESPONSE"
	SignalNegativeResponse SignalType = "NEGATIVE_RESPONSE"
	SignalQuestionAsked    SignalType = "QUESTION_ASKED"

	SignalEmailProvided      SignalType = "EMAIL_PROVIDED"
	SignalInterested         SignalType = "INTERESTED"
	SignalHotLead            SignalType = "HOT_LEAD"
	SignalValuationRequested SignalType = "VALUATION_REQUESTED"
	SignalCallRequested      SignalType = "CALL_REQUESTED"
	SignalMeetingRequested   SignalType = "MEETING_REQUESTED"

	SignalAppointmentScheduled SignalType = "APPOINTMENT_SCHEDULED"
	SignalAppointmentConfirmed SignalType = "APPOINTMENT_CONFIRMED"
	SignalAppointmentCompleted SignalType = "APPOINTMENT_COMPLETED"
	SignalAppointmentCancelled SignalType = "APPOINTMENT_CANCELLED"
	SignalAppointmentNoShow    SignalType = "APPOINTMENT_NO_SHOW"

	SignalOptedOut          SignalType = "OPTED_OUT"
	SignalWrongNumber       SignalType = "WRONG_NUMBER"
	SignalDoNotContact      SignalType = "DO_NOT_CONTACT"
	SignalProfanityDetected SignalType = "PROFANITY_DETECTED"

	SignalEscalated   SignalType = "ESCALATED"
	SignalArchived    SignalType = "ARCHIVED"
	SignalReactivated SignalType = "REACTIVATED"

	SignalNoResponse24H SignalType = "NO_RESPONSE_24H"
	SignalNoResponse72H SignalType = "NO_RESPONSE_72H"
	SignalNoResponse7D  SignalType = "NO_RESPONSE_7D"
	SignalNoResponse14D SignalType = "NO_RESPONSE_14D"
	SignalNoResponse30D SignalType = "NO_RESPONSE_30D"
)

var knownSignals = map[SignalType]struct{}{
	SignalContacted: {}, SignalReplied: {}, SignalPositiveResponse: {}, SignalNegativeResponse: {},
	SignalQuestionAsked: {}, SignalEmailProvided: {}, SignalInterested: {}, SignalHotLead: {},
	SignalValuationRequested: {}, SignalCallRequested: {}, SignalMeetingRequested: {},
	SignalAppointmentScheduled: {}, SignalAppointmentConfirmed: {}, SignalAppointmentCompleted: {},
	SignalAppointmentCancelled: {}, SignalAppointmentNoShow: {},
	SignalOptedOut: {}, SignalWrongNumber: {}, SignalDoNotContact: {}, SignalProfanityDetected: {},
	SignalEscalated: {}, SignalArchived: {}, SignalReactivated: {},
	SignalNoResponse24H: {}, SignalNoResponse72H: {}, SignalNoResponse7D: {}, SignalNoResponse14D: {},
	SignalNoResponse30D: {},
}

// SuppressionSignals end all outreach for a lead.
var SuppressionSignals = []SignalType{SignalOptedOut, SignalWrongNumber, SignalDoNotContact}

// HighIntentWeights are the intent-factor weights per high-intent signal type.
var HighIntentWeights = map[SignalType]int{
	SignalEmailProvided:        30,
	SignalCallRequested:        25,
	SignalMeetingRequested:     25,
	SignalValuationRequested:   20,
	SignalHotLead:              20,
	SignalInterested:           15,
	SignalAppointmentScheduled: 35,
}

// HighIntentSignals lists HighIntentWeights keys in a stable order.
var HighIntentSignals = []SignalType{
	SignalEmailProvided,
	SignalCallRequested,
	SignalMeetingRequested,
	SignalValuationRequested,
	SignalHotLead,
	SignalInterested,
	SignalAppointmentScheduled,
}

func ParseSignalType(s string) (SignalType, error) {
	t := SignalType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := knownSignals[t]; !ok {
		return "", fmt.Errorf("unknown signal type %q", s)
	}
	return t, nil
}

func (t SignalType) Valid() bool {
	_, ok := knownSignals[t]
	return ok
}

func (t SignalType) IsSuppression() bool {
	for _, s := range SuppressionSignals {
		if s == t {
			return true
		}
	}
	return false
}

// Signal is an immutable, append-only record of a detected event.
type Signal struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	LeadID     string     `json:"lead_id"`
	Type       SignalType `json:"type"`
	Confidence float64    `json:"confidence"`
	Value      string     `json:"value,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

var (
	ErrSignalLeadMissing  = errors.New("signal: lead id is required")
	ErrSignalTimeMissing  = errors.New("signal: timestamp is required")
	ErrSignalConfidence   = errors.New("signal: confidence must be within [0,1]")
	ErrSignalTypeUnknown  = errors.New("signal: unknown type")
	ErrSignalTenantAbsent = errors.New("signal: tenant id is required")
)

// Validate checks a signal received from outside the engine.
func (s *Signal) Validate() error {
	switch {
	case s.TenantID == "":
		return ErrSignalTenantAbsent
	case s.LeadID == "":
		return ErrSignalLeadMissing
	case !s.Type.Valid():
		return fmt.Errorf("%w: %q", ErrSignalTypeUnknown, s.Type)
	case s.Confidence < 0 || s.Confidence > 1:
		return ErrSignalConfidence
	case s.Timestamp.IsZero():
		return ErrSignalTimeMissing
	}
	return nil
}

// CountSignals tallies signals by type.
func CountSignals(signals []*Signal) map[SignalType]int {
	counts := make(map[SignalType]int)
	for _, s := range signals {
		counts[s.Type]++
	}
	return counts
}

// LatestSignalTime returns the newest timestamp, or the zero time for an empty history.
func LatestSignalTime(signals []*Signal) time.Time {
	var latest time.Time
	for _, s := range signals {
		if s.Timestamp.After(latest) {
			latest = s.Timestamp
		}
	}
	return latest
}

// FirstSignalOf returns the earliest signal of type t.
func FirstSignalOf(signals []*Signal, t SignalType) *Signal {
	var first *Signal
	for _, s := range signals {
		if s.Type == t && (first == nil || s.Timestamp.Before(first.Timestamp)) {
			first = s
		}
	}
	return first
}

// LastSignalOf returns the latest signal of any of the given types.
func LastSignalOf(signals []*Signal, types ...SignalType) *Signal {
	var last *Signal
	for _, s := range signals {
		match := false
		for _, t := range types {
			if s.Type == t {
				match = true
				break
			}
		}
		if match && (last == nil || s.Timestamp.After(last.Timestamp)) {
			last = s
		}
	}
	return last
}
