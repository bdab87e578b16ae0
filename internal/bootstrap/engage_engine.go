package bootstrap

import (
	"time"

	"engage_server/config"
	"engage_server/core/service/labeling"
	"engage_server/core/service/scoring"
)

// scoringConfig overlays the configured tunables on the engine defaults.
func scoringConfig(e *config.EngineConfig) scoring.Config {
	cfg := scoring.DefaultConfig()
	if e == nil {
		return cfg
	}

	setFloat(&cfg.Weights.Recency, e.ScoringWeightRecency)
	setFloat(&cfg.Weights.Engagement, e.ScoringWeightEngagement)
	setFloat(&cfg.Weights.Intent, e.ScoringWeightIntent)
	setFloat(&cfg.Weights.Timing, e.ScoringWeightTiming)
	setFloat(&cfg.Weights.TouchHistory, e.ScoringWeightTouchHistory)

	setInt(&cfg.Thresholds.CallNow, e.ThresholdCallNow)
	setInt(&cfg.Thresholds.QueueForCall, e.ThresholdQueueForCall)
	setInt(&cfg.Thresholds.SendSMS, e.ThresholdSendSMS)
	setInt(&cfg.Thresholds.Archive, e.ThresholdArchive)
	setInt(&cfg.MaxTouches, e.MaxTouches)

	if e.RecencyHalfLifeHours != nil {
		cfg.RecencyHalfLife = hours(*e.RecencyHalfLifeHours)
	}
	if e.MinHoursBetweenTouches != nil {
		cfg.MinTimeBetweenTouches = hours(*e.MinHoursBetweenTouches)
	}
	// LoadEngine already validated the zone name.
	if e.Timezone != "" {
		if loc, err := time.LoadLocation(e.Timezone); err == nil {
			cfg.Location = loc
		}
	}
	return cfg
}

func labelWeights(e *config.EngineConfig) labeling.Weights {
	if e == nil {
		return labeling.Weights{}
	}
	return labeling.Weights{
		EmailCaptured:   e.WeightEmailCaptured,
		MobileCaptured:  e.WeightMobileCaptured,
		ContactVerified: e.WeightContactVerified,
		WantsCall:       e.WeightWantsCall,
		QuestionAsked:   e.WeightQuestionAsked,
		HighIntent:      e.WeightHighIntent,
		InboundResponse: e.WeightInboundResponse,
	}
}

func queueConfig(e *config.EngineConfig) labeling.QueueConfig {
	if e == nil {
		return labeling.QueueConfig{}
	}
	return labeling.QueueConfig{
		GoldLabelPriority: e.GoldLabelPriority,
		GreenTagPriority:  e.GreenTagPriority,
		PriorityThreshold: e.PriorityThreshold,
	}
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}
