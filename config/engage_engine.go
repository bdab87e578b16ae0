package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EngineConfig holds the engine tunables. A nil pointer means the value was never
// supplied and the feature that needs it is skipped.
type EngineConfig struct {
	// Label weights (score delta per label present)
	WeightEmailCaptured   *int `env:"WEIGHT_EMAIL_CAPTURED"`
	WeightMobileCaptured  *int `env:"WEIGHT_MOBILE_CAPTURED"`
	WeightContactVerified *int `env:"WEIGHT_CONTACT_VERIFIED"`
	WeightWantsCall       *int `env:"WEIGHT_WANTS_CALL"`
	WeightQuestionAsked   *int `env:"WEIGHT_QUESTION_ASKED"`
	WeightHighIntent      *int `env:"WEIGHT_HIGH_INTENT"`
	WeightInboundResponse *int `env:"WEIGHT_INBOUND_RESPONSE"`

	// Call queue eligibility
	GoldLabelPriority *int `env:"CALL_QUEUE_GOLD_LABEL_PRIORITY"`
	GreenTagPriority  *int `env:"CALL_QUEUE_GREEN_TAG_PRIORITY"`
	PriorityThreshold *int `env:"CALL_QUEUE_PRIORITY_THRESHOLD"`

	// Scoring
	ScoringWeightRecency      *float64 `env:"SCORING_WEIGHT_RECENCY"`
	ScoringWeightEngagement   *float64 `env:"SCORING_WEIGHT_ENGAGEMENT"`
	ScoringWeightIntent       *float64 `env:"SCORING_WEIGHT_INTENT"`
	ScoringWeightTiming       *float64 `env:"SCORING_WEIGHT_TIMING"`
	ScoringWeightTouchHistory *float64 `env:"SCORING_WEIGHT_TOUCH_HISTORY"`
	ThresholdCallNow          *int     `env:"SCORING_THRESHOLD_CALL_NOW"`
	ThresholdQueueForCall     *int     `env:"SCORING_THRESHOLD_QUEUE_FOR_CALL"`
	ThresholdSendSMS          *int     `env:"SCORING_THRESHOLD_SEND_SMS"`
	ThresholdArchive          *int     `env:"SCORING_THRESHOLD_ARCHIVE"`
	RecencyHalfLifeHours      *float64 `env:"SCORING_RECENCY_HALF_LIFE_HOURS"`
	MaxTouches                *int     `env:"SCORING_MAX_TOUCHES"`
	MinHoursBetweenTouches    *float64 `env:"SCORING_MIN_HOURS_BETWEEN_TOUCHES"`
	Timezone                  string   `env:"SCORING_TIMEZONE"`
	ScoringProfilePath        string   `env:"SCORING_PROFILE_PATH"`

	ScoreCacheTTL time.Duration `env:"SCORE_CACHE_TTL" envDefault:"5m"`

	// Feature flags
	AutoResolveThreads  bool   `env:"AUTO_RESOLVE_THREADS" envDefault:"false"`
	AutoEnqueueEligible bool   `env:"AUTO_ENQUEUE_ELIGIBLE" envDefault:"false"`
	AutoEnqueuePersona  string `env:"AUTO_ENQUEUE_PERSONA" envDefault:"gianna"`
	AutoEnqueueLane     string `env:"AUTO_ENQUEUE_LANE" envDefault:"initial"`

	// Batches and ingestion
	BatchConcurrency int           `env:"BATCH_CONCURRENCY" envDefault:"8"`
	ReplayGuardTTL   time.Duration `env:"REPLAY_GUARD_TTL" envDefault:"24h"`
}

// ScoringProfile is the optional YAML file of scoring tunables.
//
//	weights: {recency: 25, engagement: 25, intent: 25, timing: 15, touch_history: 10}
//	thresholds: {call_now: 80, queue_for_call: 60, send_sms: 40, archive: 20}
//	recency_half_life_hours: 48
//	max_touches: 5
//	min_hours_between_touches: 24
//	timezone: America/New_York
type ScoringProfile struct {
	Weights struct {
		Recency      *float64 `yaml:"recency"`
		Engagement   *float64 `yaml:"engagement"`
		Intent       *float64 `yaml:"intent"`
		Timing       *float64 `yaml:"timing"`
		TouchHistory *float64 `yaml:"touch_history"`
	} `yaml:"weights"`
	Thresholds struct {
		CallNow      *int `yaml:"call_now"`
		QueueForCall *int `yaml:"queue_for_call"`
		SendSMS      *int `yaml:"send_sms"`
		Archive      *int `yaml:"archive"`
	} `yaml:"thresholds"`
	RecencyHalfLifeHours   *float64 `yaml:"recency_half_life_hours"`
	MaxTouches             *int     `yaml:"max_touches"`
	MinHoursBetweenTouches *float64 `yaml:"min_hours_between_touches"`
	Timezone               string   `yaml:"timezone"`
}

// LoadEngine parses the engine tunables from the environment and fills the scoring
// fields still unset from the profile file, when one is configured.
func LoadEngine() (*EngineConfig, error) {
	var cfg EngineConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse engine env: %w", err)
	}
	if cfg.ScoringProfilePath != "" {
		profile, err := LoadScoringProfile(cfg.ScoringProfilePath)
		if err != nil {
			return nil, err
		}
		cfg.ApplyProfile(profile)
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("SCORING_TIMEZONE: %w", err)
		}
	}
	return &cfg, nil
}

func LoadScoringProfile(path string) (*ScoringProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scoring profile: %w", err)
	}
	var p ScoringProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse scoring profile %s: %w", path, err)
	}
	return &p, nil
}

// ApplyProfile copies profile values into fields the environment left unset.
func (c *EngineConfig) ApplyProfile(p *ScoringProfile) {
	if p == nil {
		return
	}
	fillFloat(&c.ScoringWeightRecency, p.Weights.Recency)
	fillFloat(&c.ScoringWeightEngagement, p.Weights.Engagement)
	fillFloat(&c.ScoringWeightIntent, p.Weights.Intent)
	fillFloat(&c.ScoringWeightTiming, p.Weights.Timing)
	fillFloat(&c.ScoringWeightTouchHistory, p.Weights.TouchHistory)
	fillInt(&c.ThresholdCallNow, p.Thresholds.CallNow)
	fillInt(&c.ThresholdQueueForCall, p.Thresholds.QueueForCall)
	fillInt(&c.ThresholdSendSMS, p.Thresholds.SendSMS)
	fillInt(&c.ThresholdArchive, p.Thresholds.Archive)
	fillFloat(&c.RecencyHalfLifeHours, p.RecencyHalfLifeHours)
	fillInt(&c.MaxTouches, p.MaxTouches)
	fillFloat(&c.MinHoursBetweenTouches, p.MinHoursBetweenTouches)
	if c.Timezone == "" {
		c.Timezone = p.Timezone
	}
}

func fillInt(dst **int, src *int) {
	if *dst == nil && src != nil {
		v := *src
		*dst = &v
	}
}

func fillFloat(dst **float64, src *float64) {
	if *dst == nil && src != nil {
		v := *src
		*dst = &v
	}
}

// MissingKeys lists the nullable tunables that are unset, by environment name.
func (c *EngineConfig) MissingKeys() []string {
	var missing []string
	check := func(key string, unset bool) {
		if unset {
			missing = append(missing, key)
		}
	}
	check("WEIGHT_EMAIL_CAPTURED", c.WeightEmailCaptured == nil)
	check("WEIGHT_MOBILE_CAPTURED", c.WeightMobileCaptured == nil)
	check("WEIGHT_CONTACT_VERIFIED", c.WeightContactVerified == nil)
	check("WEIGHT_WANTS_CALL", c.WeightWantsCall == nil)
	check("WEIGHT_QUESTION_ASKED", c.WeightQuestionAsked == nil)
	check("WEIGHT_HIGH_INTENT", c.WeightHighIntent == nil)
	check("WEIGHT_INBOUND_RESPONSE", c.WeightInboundResponse == nil)
	check("CALL_QUEUE_GOLD_LABEL_PRIORITY", c.GoldLabelPriority == nil)
	check("CALL_QUEUE_GREEN_TAG_PRIORITY", c.GreenTagPriority == nil)
	check("CALL_QUEUE_PRIORITY_THRESHOLD", c.PriorityThreshold == nil)
	return missing
}
