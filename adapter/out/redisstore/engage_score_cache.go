package redisstore

import (
	"context"
	"fmt"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"
	"engage_server/pkg/cache"
)

// ScoreCache stores computed scores as JSON with a TTL ceiling.
// Freshness against new signals is checked by the scoring service.
type ScoreCache struct {
	c   *cache.RedisCache
	ttl time.Duration
}

func NewScoreCache(c *cache.RedisCache, ttl time.Duration) *ScoreCache {
	return &ScoreCache{c: c, ttl: ttl}
}

func scoreKey(tenantID, leadID string) string {
	return cache.TenantKey(tenantID, "score", leadID)
}

func (s *ScoreCache) Get(ctx context.Context, tenantID, leadID string) (*domain.LeadScore, bool, error) {
	var score domain.LeadScore
	found, err := s.c.GetJSON(ctx, scoreKey(tenantID, leadID), &score)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached score: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return &score, true, nil
}

func (s *ScoreCache) Set(ctx context.Context, score *domain.LeadScore) error {
	return s.c.SetJSON(ctx, scoreKey(score.TenantID, score.LeadID), score, s.ttl)
}

func (s *ScoreCache) Delete(ctx context.Context, tenantID, leadID string) error {
	return s.c.Delete(ctx, scoreKey(tenantID, leadID))
}

// ReplayGuard remembers inbound fingerprints with SET NX.
type ReplayGuard struct {
	c *cache.RedisCache
}

func NewReplayGuard(c *cache.RedisCache) *ReplayGuard {
	return &ReplayGuard{c: c}
}

func (g *ReplayGuard) FirstSeen(ctx context.Context, tenantID, key string, ttl time.Duration) (bool, error) {
	return g.c.SetNX(ctx, replayKey(tenantID, key), 1, ttl)
}

func (g *ReplayGuard) Release(ctx context.Context, tenantID, key string) error {
	return g.c.Delete(ctx, replayKey(tenantID, key))
}

func replayKey(tenantID, key string) string {
	return cache.TenantKey(tenantID, "inbound", key)
}

var (
	_ out.ScoreCache  = (*ScoreCache)(nil)
	_ out.ReplayGuard = (*ReplayGuard)(nil)
)
