package domain

import "time"

// RequestedData is what an outbound message asked the lead for.
type RequestedData string

const (
	RequestedNone  RequestedData = "none"
	RequestedEmail RequestedData = "email"
	RequestedPhone RequestedData = "phone"
	RequestedBoth  RequestedData = "both"
)

// Thread metadata keys written on auto-resolution.
const (
	MetaAutoResolved     = "auto_resolved"
	MetaResolutionReason = "resolution_reason"
	MetaRequestedData    = "requested_data"
	MetaCapturedEmail    = "captured_email"
	MetaCapturedPhone    = "captured_phone"
	MetaResolvedAt       = "resolved_at"
)

type ThreadStatus string

const (
	ThreadOpen     ThreadStatus = "open"
	ThreadResolved ThreadStatus = "resolved"
)

// Thread is a conversation with a lead, owned by the messaging workflow.
type Thread struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	LeadID           string         `json:"lead_id"`
	Status           ThreadStatus   `json:"status"`
	LastOutboundText string         `json:"last_outbound_text,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// CapturedData is what the lead has supplied so far.
type CapturedData struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

func (c CapturedData) HasEmail() bool { return c.Email != "" }
func (c CapturedData) HasPhone() bool { return c.Phone != "" }

// ThreadResolution is the outcome of evaluating one thread.
type ThreadResolution struct {
	ThreadID  string        `json:"thread_id"`
	Requested RequestedData `json:"requested"`
	Resolved  bool          `json:"resolved"`
	Skipped   bool          `json:"skipped,omitempty"`
	Reason    string        `json:"reason"`
	Missing   []string      `json:"missing,omitempty"`
	Error     string        `json:"error,omitempty"`
}
