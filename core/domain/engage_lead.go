package domain

import (
	"strings"
	"time"
	"unicode"
)

// Lead is a prospect owned by the business workflow. The engine mutates only
// its labels, score and suppression flag.
type Lead struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	Name        string           `json:"name,omitempty"`
	Company     string           `json:"company,omitempty"`
	Phone       string           `json:"phone,omitempty"`
	Email       string           `json:"email,omitempty"`
	CampaignID  string           `json:"campaign_id,omitempty"`
	Labels      []CanonicalLabel `json:"labels"`
	Score       int              `json:"score"`
	Suppressed  bool             `json:"suppressed"`
	TouchCount  int              `json:"touch_count"`
	LastTouchAt *time.Time       `json:"last_touch_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// IsSuppressed reports whether outreach to the lead is permanently stopped.
func (l *Lead) IsSuppressed() bool {
	return l.Suppressed || HasHardStop(l.Labels)
}

// HasMobile reports whether a callable number is known for the lead.
func (l *Lead) HasMobile() bool {
	return HasLabel(l.Labels, LabelMobileCaptured) || len(DigitsOnly(l.Phone)) >= 10
}

// Clone returns a deep copy safe to hand across goroutines.
func (l *Lead) Clone() *Lead {
	if l == nil {
		return nil
	}
	c := *l
	c.Labels = append([]CanonicalLabel(nil), l.Labels...)
	if l.LastTouchAt != nil {
		t := *l.LastTouchAt
		c.LastTouchAt = &t
	}
	return &c
}

// ClampScore keeps a score inside [0,100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// DigitsOnly strips everything but ASCII digits.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < unicode.MaxASCII && unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone returns the trailing ten digits of a phone number, or all digits when shorter.
func NormalizePhone(s string) string {
	d := DigitsOnly(s)
	if len(d) > 10 {
		return d[len(d)-10:]
	}
	return d
}
