// Package scoring computes advisory lead scores and next-action recommendations.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"engage_server/core/domain"
)

// =============================================================================
// Configuration
// =============================================================================

type Weights struct {
	Recency      float64
	Engagement   float64
	Intent       float64
	Timing       float64
	TouchHistory float64
}

type Thresholds struct {
	CallNow      int
	QueueForCall int
	SendSMS      int
	Archive      int
}

type Config struct {
	Weights               Weights
	Thresholds            Thresholds
	RecencyHalfLife       time.Duration
	MaxTouches            int
	MinTimeBetweenTouches time.Duration
	Location              *time.Location
}

func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Recency:      domain.MaxRecency,
			Engagement:   domain.MaxEngagement,
			Intent:       domain.MaxIntent,
			Timing:       domain.MaxTiming,
			TouchHistory: domain.MaxTouchHistory,
		},
		Thresholds:            Thresholds{CallNow: 80, QueueForCall: 60, SendSMS: 40, Archive: 20},
		RecencyHalfLife:       48 * time.Hour,
		MaxTouches:            5,
		MinTimeBetweenTouches: 24 * time.Hour,
		Location:              time.UTC,
	}
}

// =============================================================================
// Engine
// =============================================================================

// Engine is the pure scoring function. It does no I/O.
type Engine struct {
	cfg Config
	now func() time.Time
}

func NewEngine(cfg Config) *Engine {
	return NewEngineWithClock(cfg, time.Now)
}

func NewEngineWithClock(cfg Config, now func() time.Time) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = DefaultConfig().RecencyHalfLife
	}
	return &Engine{cfg: cfg, now: now}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Compute scores one lead from its signal history.
func (e *Engine) Compute(in domain.ScoreInput) *domain.LeadScore {
	now := e.now()
	counts := domain.CountSignals(in.Signals)

	if reason, ok := suppressionReason(in); ok {
		return e.suppressed(in, reason, counts, now)
	}

	lastActivity := latest(in.Signals)
	lastReply := domain.LastSignalOf(in.Signals, domain.SignalReplied, domain.SignalPositiveResponse,
		domain.SignalNegativeResponse, domain.SignalQuestionAsked)
	hasReplied := counts[domain.SignalReplied] > 0 || counts[domain.SignalPositiveResponse] > 0
	hasHighIntent := false
	for _, t := range domain.HighIntentSignals {
		if counts[t] > 0 {
			hasHighIntent = true
			break
		}
	}

	factors := domain.ScoreFactors{
		Recency:      e.recency(lastActivity, now),
		Engagement:   engagement(counts),
		Intent:       intent(counts),
		Timing:       e.timing(now),
		TouchHistory: e.touchHistory(in.TouchCount, in.LastTouchAt, now),
	}

	w := e.cfg.Weights
	raw := float64(factors.Recency)*(w.Recency/domain.MaxRecency) +
		float64(factors.Engagement)*(w.Engagement/domain.MaxEngagement) +
		float64(factors.Intent)*(w.Intent/domain.MaxIntent) +
		float64(factors.Timing)*(w.Timing/domain.MaxTiming) +
		float64(factors.TouchHistory)*(w.TouchHistory/domain.MaxTouchHistory)
	score := domain.ClampScore(int(math.Round(raw)))

	rec, pivot, pivotReason := e.recommend(score, hasReplied, hasHighIntent, in.TouchCount, in.LastTouchAt, now)

	res := &domain.LeadScore{
		TenantID:       in.TenantID,
		LeadID:         in.LeadID,
		Score:          score,
		Factors:        factors,
		Recommendation: rec,
		Confidence:     confidence(len(in.Signals)),
		SignalCounts:   counts,
		TouchCount:     in.TouchCount,
		HasReplied:     hasReplied,
		HasHighIntent:  hasHighIntent,
		ShouldPivot:    pivot,
		PivotReason:    pivotReason,
		ComputedAt:     now,
	}
	if lastActivity != nil {
		res.LastActivityAt = &lastActivity.Timestamp
	}
	if lastReply != nil {
		res.LastReplyAt = &lastReply.Timestamp
	}
	res.Reasoning = reasoning(res)
	return res
}

func suppressionReason(in domain.ScoreInput) (string, bool) {
	for _, s := range in.Signals {
		if s.Type.IsSuppression() {
			return string(s.Type), true
		}
	}
	for _, l := range in.Labels {
		if l.IsHardStop() {
			return string(l), true
		}
	}
	if in.Suppressed {
		return "SUPPRESSED", true
	}
	return "", false
}

func (e *Engine) suppressed(in domain.ScoreInput, reason string, counts map[domain.SignalType]int, now time.Time) *domain.LeadScore {
	res := &domain.LeadScore{
		TenantID:       in.TenantID,
		LeadID:         in.LeadID,
		Recommendation: domain.RecommendDoNotContact,
		Confidence:     100,
		Reasoning:      "Lead is suppressed: " + reason,
		SignalCounts:   counts,
		IsSuppressed:   true,
		ShouldPivot:    true,
		PivotReason:    "Suppressed: " + reason,
		ComputedAt:     now,
	}
	if s := latest(in.Signals); s != nil {
		res.LastActivityAt = &s.Timestamp
	}
	return res
}

func latest(signals []*domain.Signal) *domain.Signal {
	var last *domain.Signal
	for _, s := range signals {
		if last == nil || s.Timestamp.After(last.Timestamp) {
			last = s
		}
	}
	return last
}

// =============================================================================
// Factors
// =============================================================================

// recency decays from 25 with the configured half-life.
func (e *Engine) recency(last *domain.Signal, now time.Time) int {
	if last == nil {
		return 0
	}
	hours := now.Sub(last.Timestamp).Hours()
	if hours < 0 {
		hours = 0
	}
	decay := math.Pow(0.5, hours/e.cfg.RecencyHalfLife.Hours())
	return int(math.Round(domain.MaxRecency * decay))
}

func engagement(counts map[domain.SignalType]int) int {
	score := 0
	if counts[domain.SignalReplied] > 0 {
		score += 10
	}
	if counts[domain.SignalPositiveResponse] > 0 {
		score += 8
	}
	if counts[domain.SignalQuestionAsked] > 0 {
		score += 5
	}
	if counts[domain.SignalNegativeResponse] > 0 {
		score -= 5
	}
	if counts[domain.SignalNoResponse7D] > 0 {
		score -= 5
	}
	if counts[domain.SignalNoResponse30D] > 0 {
		score -= 10
	}
	return clamp(score, 0, domain.MaxEngagement)
}

// intent sums high-intent weights, counting each type at most twice.
func intent(counts map[domain.SignalType]int) int {
	sum := 0
	for _, t := range domain.HighIntentSignals {
		n := counts[t]
		if n > 2 {
			n = 2
		}
		sum += domain.HighIntentWeights[t] * n
	}
	return clamp(int(math.Round(float64(sum)/3)), 0, domain.MaxIntent)
}

func (e *Engine) timing(now time.Time) int {
	local := now.In(e.cfg.Location)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return 5
	}
	h := local.Hour()
	switch {
	case h >= 9 && h < 17:
		return domain.MaxTiming
	case (h >= 7 && h < 9) || (h >= 17 && h < 19):
		return 10
	}
	return 3
}

func (e *Engine) touchHistory(touches int, lastTouch *time.Time, now time.Time) int {
	if touches <= 0 {
		return domain.MaxTouchHistory
	}
	if touches >= e.cfg.MaxTouches {
		return 0
	}
	score := domain.MaxTouchHistory - touches*2
	if e.tooSoon(lastTouch, now) {
		score -= 5
	}
	return clamp(score, 0, domain.MaxTouchHistory)
}

func (e *Engine) tooSoon(lastTouch *time.Time, now time.Time) bool {
	return lastTouch != nil && now.Sub(*lastTouch) < e.cfg.MinTimeBetweenTouches
}

func confidence(signals int) int {
	c := 50 + signals*5
	if c > 100 {
		return 100
	}
	return c
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// =============================================================================
// Recommendation
// =============================================================================

// recommend walks the rule list; the first matching rule wins.
func (e *Engine) recommend(score int, replied, highIntent bool, touches int, lastTouch *time.Time, now time.Time) (domain.Recommendation, bool, string) {
	th := e.cfg.Thresholds

	if e.tooSoon(lastTouch, now) && !highIntent {
		return domain.RecommendWait, false, ""
	}
	if highIntent {
		if score >= th.CallNow {
			return domain.RecommendCallNow, true, "High-intent signal detected"
		}
		return domain.RecommendQueueForCall, true, "Lead showed interest"
	}
	if replied && score >= th.QueueForCall {
		return domain.RecommendQueueForCall, true, "Lead engaged via SMS"
	}
	if touches >= e.cfg.MaxTouches {
		if score >= th.Archive {
			return domain.RecommendSendEmail, true, "SMS exhausted - pivot to email"
		}
		return domain.RecommendArchive, true, fmt.Sprintf("No response after %d touches", e.cfg.MaxTouches)
	}

	switch {
	case score >= th.CallNow:
		return domain.RecommendCallNow, true, "High lead score"
	case score >= th.QueueForCall:
		return domain.RecommendQueueForCall, false, ""
	case score >= th.SendSMS:
		return domain.RecommendSendSMS, false, ""
	case score >= th.Archive:
		return domain.RecommendSendSMS, false, ""
	}
	return domain.RecommendArchive, true, "Low engagement score"
}

func reasoning(s *domain.LeadScore) string {
	parts := make([]string, 0, 6)
	switch {
	case s.Score >= 80:
		parts = append(parts, "High-priority lead")
	case s.Score >= 60:
		parts = append(parts, "Good engagement")
	case s.Score >= 40:
		parts = append(parts, "Moderate interest")
	default:
		parts = append(parts, "Low engagement")
	}
	if s.HasHighIntent {
		parts = append(parts, "showed high intent")
	}
	if s.HasReplied {
		parts = append(parts, "has replied")
	}
	if s.Factors.Recency >= 20 {
		parts = append(parts, "recently active")
	}
	if s.TouchCount >= 4 {
		parts = append(parts, fmt.Sprintf("%d touches sent", s.TouchCount))
	}

	switch s.Recommendation {
	case domain.RecommendCallNow:
		parts = append(parts, "→ Call immediately")
	case domain.RecommendQueueForCall:
		parts = append(parts, "→ Add to call queue")
	case domain.RecommendSendSMS:
		parts = append(parts, fmt.Sprintf("→ Send touch %d", s.TouchCount+1))
	case domain.RecommendSendEmail:
		parts = append(parts, "→ Pivot to email")
	case domain.RecommendWait:
		parts = append(parts, "→ Wait before next touch")
	case domain.RecommendArchive:
		parts = append(parts, "→ Archive (cold bucket)")
	case domain.RecommendDoNotContact:
		parts = append(parts, "→ DNC")
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// Filters
// =============================================================================

// FilterHighPriority keeps non-pivoting scores at or above threshold, best first.
func FilterHighPriority(scores []*domain.LeadScore, threshold int) []*domain.LeadScore {
	var res []*domain.LeadScore
	for _, s := range scores {
		if s.Score >= threshold && !s.ShouldPivot {
			res = append(res, s)
		}
	}
	sortByScore(res)
	return res
}

// FilterForSMS keeps leads due another SMS touch, best first.
func (e *Engine) FilterForSMS(scores []*domain.LeadScore) []*domain.LeadScore {
	var res []*domain.LeadScore
	for _, s := range scores {
		if s.Recommendation == domain.RecommendSendSMS && !s.ShouldPivot && s.TouchCount < e.cfg.MaxTouches {
			res = append(res, s)
		}
	}
	sortByScore(res)
	return res
}

// FilterToPivot keeps leads whose channel or state should change.
func FilterToPivot(scores []*domain.LeadScore) []*domain.LeadScore {
	var res []*domain.LeadScore
	for _, s := range scores {
		if s.ShouldPivot {
			res = append(res, s)
		}
	}
	return res
}

func sortByScore(scores []*domain.LeadScore) {
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
}
