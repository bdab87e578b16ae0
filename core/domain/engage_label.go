package domain

import (
	"fmt"
	"strings"
)

// CanonicalLabel is the closed set of classification outcomes attached to a lead.
type CanonicalLabel string

const (
	// Hard-stop
	LabelOptedOut     CanonicalLabel = "OPTED_OUT"
	LabelDoNotContact CanonicalLabel = "DO_NOT_CONTACT"

	// Data-capture
	LabelEmailCaptured   CanonicalLabel = "EMAIL_CAPTURED"
	LabelMobileCaptured  CanonicalLabel = "MOBILE_CAPTURED"
	LabelContactVerified CanonicalLabel = "CONTACT_VERIFIED"
	LabelGold            CanonicalLabel = "GOLD_LABEL"

	// Intent
	LabelWantsCall     CanonicalLabel = "WANTS_CALL"
	LabelNeedsHelp     CanonicalLabel = "NEEDS_HELP"
	LabelQuestionAsked CanonicalLabel = "QUESTION_ASKED"
	LabelHighIntent    CanonicalLabel = "HIGH_INTENT"

	// Execution
	LabelResponded          CanonicalLabel = "RESPONDED"
	LabelNeedsFollowUp      CanonicalLabel = "NEEDS_FOLLOW_UP"
	LabelHighContactability CanonicalLabel = "HIGH_CONTACTABILITY"

	// Housekeeping
	LabelInboundData CanonicalLabel = "INBOUND_DATA"
	LabelNoise       CanonicalLabel = "NOISE"
)

// LabelCategory partitions canonical labels.
type LabelCategory string

const (
	CategoryHardStop     LabelCategory = "hard_stop"
	CategoryDataCapture  LabelCategory = "data_capture"
	CategoryIntent       LabelCategory = "intent"
	CategoryExecution    LabelCategory = "execution"
	CategoryHousekeeping LabelCategory = "housekeeping"
)

var labelCategories = map[CanonicalLabel]LabelCategory{
	LabelOptedOut:           CategoryHardStop,
	LabelDoNotContact:       CategoryHardStop,
	LabelEmailCaptured:      CategoryDataCapture,
	LabelMobileCaptured:     CategoryDataCapture,
	LabelContactVerified:    CategoryDataCapture,
	LabelGold:               CategoryDataCapture,
	LabelWantsCall:          CategoryIntent,
	LabelNeedsHelp:          CategoryIntent,
	LabelQuestionAsked:      CategoryIntent,
	LabelHighIntent:         CategoryIntent,
	LabelResponded:          CategoryExecution,
	LabelNeedsFollowUp:      CategoryExecution,
	LabelHighContactability: CategoryExecution,
	LabelInboundData:        CategoryHousekeeping,
	LabelNoise:              CategoryHousekeeping,
}

// labelRank orders labels for HighestPriorityLabel. Labels absent here rank last.
var labelRank = []CanonicalLabel{
	LabelOptedOut,
	LabelDoNotContact,
	LabelGold,
	LabelContactVerified,
	LabelWantsCall,
	LabelHighIntent,
	LabelEmailCaptured,
	LabelMobileCaptured,
	LabelQuestionAsked,
	LabelNeedsHelp,
	LabelResponded,
	LabelNoise,
}

// ParseLabel validates a label name at the system boundary.
func ParseLabel(s string) (CanonicalLabel, error) {
	l := CanonicalLabel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := labelCategories[l]; !ok {
		return "", fmt.Errorf("unknown label %q", s)
	}
	return l, nil
}

// ParseLabels validates every name, failing on the first unknown one.
func ParseLabels(names []string) ([]CanonicalLabel, error) {
	out := make([]CanonicalLabel, 0, len(names))
	for _, n := range names {
		l, err := ParseLabel(n)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (l CanonicalLabel) Valid() bool {
	_, ok := labelCategories[l]
	return ok
}

func (l CanonicalLabel) Category() LabelCategory {
	return labelCategories[l]
}

func (l CanonicalLabel) IsHardStop() bool {
	return l.Category() == CategoryHardStop
}

// =============================================================================
// Label sets
// =============================================================================

// HasLabel reports whether labels contains any of want.
func HasLabel(labels []CanonicalLabel, want ...CanonicalLabel) bool {
	for _, l := range labels {
		for _, w := range want {
			if l == w {
				return true
			}
		}
	}
	return false
}

// HasHardStop reports whether any label suppresses outreach.
func HasHardStop(labels []CanonicalLabel) bool {
	for _, l := range labels {
		if l.IsHardStop() {
			return true
		}
	}
	return false
}

// MergeLabels returns the ordered union of existing and incoming.
// Existing order is preserved; new labels are appended in incoming order.
func MergeLabels(existing, incoming []CanonicalLabel) []CanonicalLabel {
	seen := make(map[CanonicalLabel]struct{}, len(existing)+len(incoming))
	out := make([]CanonicalLabel, 0, len(existing)+len(incoming))
	for _, set := range [][]CanonicalLabel{existing, incoming} {
		for _, l := range set {
			if _, dup := seen[l]; dup {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}

// DedupeLabels removes repeats while keeping first-seen order.
func DedupeLabels(labels []CanonicalLabel) []CanonicalLabel {
	return MergeLabels(nil, labels)
}

// HighestPriorityLabel returns the top-ranked label present, or "" for an empty set.
func HighestPriorityLabel(labels []CanonicalLabel) CanonicalLabel {
	for _, ranked := range labelRank {
		if HasLabel(labels, ranked) {
			return ranked
		}
	}
	if len(labels) > 0 {
		return labels[0]
	}
	return ""
}

// LabelStrings converts labels for storage drivers that speak []string.
func LabelStrings(labels []CanonicalLabel) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = string(l)
	}
	return out
}

// LabelsFromStrings converts stored names, dropping any no longer in the vocabulary.
func LabelsFromStrings(names []string) []CanonicalLabel {
	out := make([]CanonicalLabel, 0, len(names))
	for _, n := range names {
		if l := CanonicalLabel(n); l.Valid() {
			out = append(out, l)
		}
	}
	return out
}
