package scoring

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"engage_server/core/domain"
	"engage_server/core/port/out"
	"engage_server/core/service/common"
	"engage_server/pkg/apperr"
)

// Service scores stored leads with a freshness-checked cache in front of the engine.
type Service struct {
	engine      *Engine
	leads       out.LeadRepository
	signals     out.SignalRepository
	cache       out.ScoreCache
	events      out.EventSink
	concurrency int
	flight      singleflight.Group
}

type ServiceDeps struct {
	Engine      *Engine
	Leads       out.LeadRepository
	Signals     out.SignalRepository
	Cache       out.ScoreCache // optional
	Events      out.EventSink
	Concurrency int
}

func NewService(deps ServiceDeps) *Service {
	events := deps.Events
	if events == nil {
		events = out.NopSink{}
	}
	return &Service{
		engine:      deps.Engine,
		leads:       deps.Leads,
		signals:     deps.Signals,
		cache:       deps.Cache,
		events:      events,
		concurrency: deps.Concurrency,
	}
}

func (s *Service) Engine() *Engine {
	return s.engine
}

// Compute scores a caller-supplied history without touching storage.
func (s *Service) Compute(in domain.ScoreInput) (*domain.LeadScore, error) {
	signals := make([]*domain.Signal, 0, len(in.Signals))
	for _, sig := range in.Signals {
		cp := *sig
		if cp.TenantID == "" {
			cp.TenantID = in.TenantID
		}
		if cp.LeadID == "" {
			cp.LeadID = in.LeadID
		}
		if err := cp.Validate(); err != nil {
			return nil, apperr.Validation(err.Error())
		}
		signals = append(signals, &cp)
	}
	in.Signals = signals
	return s.engine.Compute(in), nil
}

// GetScore returns the cached score while no signal is newer than it, otherwise recomputes.
func (s *Service) GetScore(ctx context.Context, tenantID, leadID string) (*domain.LeadScore, error) {
	if tenantID == "" {
		return nil, apperr.TenantRequired()
	}
	v, err, _ := s.flight.Do(tenantID+"/"+leadID, func() (any, error) {
		return s.getScore(ctx, tenantID, leadID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.LeadScore), nil
}

func (s *Service) getScore(ctx context.Context, tenantID, leadID string) (*domain.LeadScore, error) {
	lead, err := s.leads.Get(ctx, tenantID, leadID)
	if errors.Is(err, out.ErrNotFound) {
		return nil, apperr.NotFound("lead")
	}
	if err != nil {
		return nil, apperr.Persistence("load lead", err)
	}
	history, err := s.signals.ListByLead(ctx, tenantID, leadID)
	if err != nil {
		return nil, apperr.Persistence("load signals", err)
	}

	// Suppression carries no signal of its own, so a cached score cannot be trusted for it.
	if !lead.IsSuppressed() {
		if cached := s.cached(ctx, tenantID, leadID); cached != nil && fresh(cached, history) {
			s.emit(ctx, out.EventScoreCacheHit, out.LevelInfo, tenantID, leadID, nil)
			return cached, nil
		}
	}

	score := s.engine.Compute(scoreInput(lead, history))
	if s.cache != nil {
		if err := s.cache.Set(ctx, score); err != nil {
			s.emit(ctx, out.EventScoreCacheError, out.LevelWarn, tenantID, leadID, map[string]any{"error": err.Error()})
		}
	}
	s.emit(ctx, out.EventScoreComputed, out.LevelInfo, tenantID, leadID, map[string]any{
		"score":          score.Score,
		"recommendation": string(score.Recommendation),
	})
	return score, nil
}

func (s *Service) cached(ctx context.Context, tenantID, leadID string) *domain.LeadScore {
	if s.cache == nil {
		return nil
	}
	score, ok, err := s.cache.Get(ctx, tenantID, leadID)
	if err != nil {
		s.emit(ctx, out.EventScoreCacheError, out.LevelWarn, tenantID, leadID, map[string]any{"error": err.Error()})
		return nil
	}
	if !ok {
		return nil
	}
	return score
}

// fresh reports whether no signal in history is newer than the cached computation.
func fresh(cached *domain.LeadScore, history []*domain.Signal) bool {
	return !domain.LatestSignalTime(history).After(cached.ComputedAt)
}

// scoreInput derives touch data from the lead, falling back to CONTACTED signals.
func scoreInput(lead *domain.Lead, history []*domain.Signal) domain.ScoreInput {
	in := domain.ScoreInput{
		TenantID:    lead.TenantID,
		LeadID:      lead.ID,
		Signals:     history,
		Labels:      lead.Labels,
		Suppressed:  lead.Suppressed,
		TouchCount:  lead.TouchCount,
		LastTouchAt: lead.LastTouchAt,
	}
	if in.TouchCount == 0 {
		in.TouchCount = domain.CountSignals(history)[domain.SignalContacted]
	}
	if in.LastTouchAt == nil {
		if last := domain.LastSignalOf(history, domain.SignalContacted); last != nil {
			t := last.Timestamp
			in.LastTouchAt = &t
		}
	}
	return in
}

// ScoreFailure names one lead the batch could not score.
type ScoreFailure struct {
	LeadID string `json:"lead_id"`
	Error  string `json:"error"`
}

// ComputeScores scores many leads with bounded concurrency. Failures are reported per lead.
func (s *Service) ComputeScores(ctx context.Context, tenantID string, leadIDs []string) ([]*domain.LeadScore, []ScoreFailure) {
	results := common.RunBatch(ctx, leadIDs, s.concurrency, func(ctx context.Context, id string) (*domain.LeadScore, error) {
		return s.GetScore(ctx, tenantID, id)
	})

	scores := make([]*domain.LeadScore, 0, len(results))
	var failures []ScoreFailure
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, ScoreFailure{LeadID: r.Input, Error: apperr.AsAppError(r.Err).Message})
			s.emit(ctx, out.EventBatchItemFailed, out.LevelWarn, tenantID, r.Input, map[string]any{
				"op":    "score",
				"error": r.Err.Error(),
			})
			continue
		}
		scores = append(scores, r.Value)
	}
	return scores, failures
}

// Invalidate drops the cached score for a lead.
func (s *Service) Invalidate(ctx context.Context, tenantID, leadID string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Delete(ctx, tenantID, leadID); err != nil {
		s.emit(ctx, out.EventScoreCacheError, out.LevelWarn, tenantID, leadID, map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

func (s *Service) emit(ctx context.Context, name, level, tenantID, leadID string, fields map[string]any) {
	s.events.Emit(ctx, out.Event{
		Name:     name,
		TenantID: tenantID,
		LeadID:   leadID,
		Level:    level,
		Fields:   fields,
		At:       time.Now(),
	})
}
