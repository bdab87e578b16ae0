// Package labeling turns inbound message text into canonical labels and writes them to leads.
package labeling

import (
	"regexp"
	"strings"

	"engage_server/core/domain"
)

// =============================================================================
// Patterns
// =============================================================================

var (
	optOutPatterns = compileAll(
		`\bSTOP\b`,
		`\bUNSUBSCRIBE\b`,
		`\bCANCEL\b`,
		`\bEND\b`,
		`\bQUIT\b`,
		`\bOPTOUT\b`,
		`\bOPT[\s-]?OUT\b`,
		`\bREMOVE\s+ME\b`,
	)

	doNotContactPatterns = compileAll(
		`\bWRONG\s+(NUMBER|PERSON)\b`,
		`\bDON'?T\s+TEXT\b`,
		`\bSTOP\s+TEXTING\b`,
		`\bNOT\s+INTERESTED\b`,
		`\bLEAVE\s+ME\s+ALONE\b`,
		`\bWHO\s+IS\s+THIS\b`,
	)

	wantsCallPatterns = compileAll(
		`\bCALL\s+ME\b`,
		`\bGIVE\s+ME\s+A\s+CALL\b`,
		`\bRING\s+ME\b`,
		`\bPLEASE\s+CALL\b`,
		`\bCAN\s+YOU\s+CALL\b`,
		`\bI'?D\s+LIKE\s+A\s+CALL\b`,
		`\bCOULD\s+YOU\s+CALL\b`,
	)

	needsHelpPatterns = compileAll(
		`\bHELP\b`,
		`\bASSIST(ANCE)?\b`,
		`\bSUPPORT\b`,
		`\bI\s+NEED\b`,
	)

	highIntentPatterns = compileAll(
		`\b(YES|YEP|YEAH|SURE|ABSOLUTELY)\b.*\b(INTERESTED|INFO|MORE|CALL|DETAILS)\b`,
		`\bINTERESTED\b`,
		`\bTELL\s+ME\s+MORE\b`,
		`\bSEND\s+INFO\b`,
		`\bSIGN\s+ME\s+UP\b`,
		`\bI'?M\s+IN\b`,
		`\bSCHEDULE\b`,
		`\bBOOK\b`,
		`\bAPPOINTMENT\b`,
	)

	noisePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^[^a-zA-Z0-9]+$`),
		regexp.MustCompile(`^.{1,2}$`),
		regexp.MustCompile(`(?i)^(LOL|LMAO|OK|K|Y|N|HMM|UH|UM)$`),
	}

	profanityPattern = regexp.MustCompile(`(?i)\b(fuck|shit|ass|damn|bitch|crap)\b`)
	emailPattern     = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern     = regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?[2-9]\d{2}\)?[-.\s]?\d{3}[-.\s]?\d{4}`)
)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// =============================================================================
// Detector
// =============================================================================

// DetectInput is one message to classify.
type DetectInput struct {
	Text        string
	SenderPhone string

	// LeadHasPhone marks a callable number already on file, so an email alone verifies contact.
	LeadHasPhone bool
}

// Detect classifies text into canonical labels. It is pure and never fails;
// a message with nothing recognisable yields an empty label set.
func Detect(in DetectInput) *domain.Detection {
	body := strings.TrimSpace(in.Text)
	if body == "" {
		return &domain.Detection{Labels: []domain.CanonicalLabel{domain.LabelNoise}, ShortCircuited: true}
	}

	// Hard stops end classification.
	if matchAny(optOutPatterns, body) {
		return &domain.Detection{Labels: []domain.CanonicalLabel{domain.LabelOptedOut}, ShortCircuited: true}
	}
	if matchAny(doNotContactPatterns, body) {
		return &domain.Detection{Labels: []domain.CanonicalLabel{domain.LabelDoNotContact}, ShortCircuited: true}
	}
	if matchAny(noisePatterns, body) {
		return &domain.Detection{Labels: []domain.CanonicalLabel{domain.LabelNoise}, ShortCircuited: true}
	}

	det := &domain.Detection{}
	labels := make([]domain.CanonicalLabel, 0, 8)

	if profanityPattern.MatchString(body) {
		det.HasProfanity = true
		labels = append(labels, domain.LabelNoise)
	}

	// Data capture
	if email := ExtractEmail(body); email != "" {
		det.CapturedEmail = email
		labels = append(labels, domain.LabelEmailCaptured, domain.LabelInboundData)
	}
	if phone := ExtractPhone(body); phone != "" && phone != domain.NormalizePhone(in.SenderPhone) {
		det.CapturedPhone = phone
		labels = append(labels, domain.LabelMobileCaptured, domain.LabelInboundData)
	}
	if det.CapturedEmail != "" && (det.CapturedPhone != "" || in.LeadHasPhone) {
		labels = append(labels, domain.LabelContactVerified, domain.LabelGold, domain.LabelHighContactability)
	}

	// Intent families are independent of each other.
	if matchAny(wantsCallPatterns, body) {
		labels = append(labels, domain.LabelWantsCall)
	}
	if matchAny(needsHelpPatterns, body) {
		labels = append(labels, domain.LabelNeedsHelp)
	}
	if strings.Contains(body, "?") {
		labels = append(labels, domain.LabelQuestionAsked)
	}
	if matchAny(highIntentPatterns, body) {
		labels = append(labels, domain.LabelHighIntent, domain.LabelResponded, domain.LabelNeedsFollowUp)
	}

	det.Labels = domain.DedupeLabels(labels)
	return det
}

// ExtractEmail returns the first email address in text, lower-cased.
func ExtractEmail(text string) string {
	return strings.ToLower(emailPattern.FindString(text))
}

// ExtractPhone returns the first phone number in text as ten digits, or "".
func ExtractPhone(text string) string {
	m := phonePattern.FindString(text)
	if m == "" {
		return ""
	}
	d := domain.NormalizePhone(m)
	if len(d) != 10 {
		return ""
	}
	return d
}
