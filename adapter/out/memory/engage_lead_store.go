// Package memory provides in-process store backends. They back the memory store mode
// and double as fixtures in service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"
)

func key(tenantID, id string) string {
	return tenantID + "\x00" + id
}

// =============================================================================
// Leads
// =============================================================================

type LeadStore struct {
	mu    sync.RWMutex
	leads map[string]*domain.Lead
	now   func() time.Time
}

func NewLeadStore() *LeadStore {
	return &LeadStore{leads: make(map[string]*domain.Lead), now: time.Now}
}

func (s *LeadStore) Get(_ context.Context, tenantID, leadID string) (*domain.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leads[key(tenantID, leadID)]
	if !ok {
		return nil, out.ErrNotFound
	}
	return l.Clone(), nil
}

func (s *LeadStore) GetMany(_ context.Context, tenantID string, leadIDs []string) (map[string]*domain.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make(map[string]*domain.Lead, len(leadIDs))
	for _, id := range leadIDs {
		if l, ok := s.leads[key(tenantID, id)]; ok {
			res[id] = l.Clone()
		}
	}
	return res, nil
}

func (s *LeadStore) Upsert(_ context.Context, lead *domain.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := lead.Clone()
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Score = domain.ClampScore(c.Score)
	s.leads[key(lead.TenantID, lead.ID)] = c
	return nil
}

func (s *LeadStore) ApplyLabels(_ context.Context, tenantID, leadID string, labels []domain.CanonicalLabel, delta int, suppress bool) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[key(tenantID, leadID)]
	if !ok {
		return nil, out.ErrNotFound
	}
	l.Labels = domain.MergeLabels(l.Labels, labels)
	l.Suppressed = l.Suppressed || suppress
	if l.Suppressed {
		l.Score = 0
	} else {
		l.Score = domain.ClampScore(l.Score + delta)
	}
	l.UpdatedAt = s.now()
	return l.Clone(), nil
}

// =============================================================================
// Signals
// =============================================================================

type SignalStore struct {
	mu      sync.RWMutex
	signals map[string][]*domain.Signal
	seen    map[string]struct{}
}

func NewSignalStore() *SignalStore {
	return &SignalStore{signals: make(map[string][]*domain.Signal), seen: make(map[string]struct{})}
}

// Append records signals. Re-appending an existing id is a no-op.
func (s *SignalStore) Append(_ context.Context, signals ...*domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range signals {
		if sig.ID != "" {
			id := key(sig.TenantID, sig.ID)
			if _, dup := s.seen[id]; dup {
				continue
			}
			s.seen[id] = struct{}{}
		}
		cp := *sig
		k := key(sig.TenantID, sig.LeadID)
		s.signals[k] = append(s.signals[k], &cp)
	}
	return nil
}

// ListByLead returns the lead's signals oldest first.
func (s *SignalStore) ListByLead(_ context.Context, tenantID, leadID string) ([]*domain.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.signals[key(tenantID, leadID)]
	res := make([]*domain.Signal, 0, len(src))
	for _, sig := range src {
		cp := *sig
		res = append(res, &cp)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp.Before(res[j].Timestamp) })
	return res, nil
}

// =============================================================================
// Score cache
// =============================================================================

type cachedScore struct {
	score     *domain.LeadScore
	expiresAt time.Time
}

// ScoreCache keeps scores until their TTL ceiling. A zero TTL keeps them forever.
type ScoreCache struct {
	mu     sync.Mutex
	scores map[string]cachedScore
	ttl    time.Duration
	now    func() time.Time
}

func NewScoreCache(ttl time.Duration) *ScoreCache {
	return &ScoreCache{scores: make(map[string]cachedScore), ttl: ttl, now: time.Now}
}

func (c *ScoreCache) Get(_ context.Context, tenantID, leadID string) (*domain.LeadScore, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(tenantID, leadID)
	e, ok := c.scores[k]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		delete(c.scores, k)
		return nil, false, nil
	}
	cp := *e.score
	return &cp, true, nil
}

func (c *ScoreCache) Set(_ context.Context, score *domain.LeadScore) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *score
	e := cachedScore{score: &cp}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.scores[key(score.TenantID, score.LeadID)] = e
	return nil
}

func (c *ScoreCache) Delete(_ context.Context, tenantID, leadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scores, key(tenantID, leadID))
	return nil
}

// =============================================================================
// Replay guard
// =============================================================================

type ReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

func (g *ReplayGuard) FirstSeen(_ context.Context, tenantID, k string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	full := key(tenantID, k)
	if exp, ok := g.seen[full]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	g.seen[full] = exp
	return true, nil
}

func (g *ReplayGuard) Release(_ context.Context, tenantID, k string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, key(tenantID, k))
	return nil
}

var (
	_ out.LeadRepository   = (*LeadStore)(nil)
	_ out.SignalRepository = (*SignalStore)(nil)
	_ out.ScoreCache       = (*ScoreCache)(nil)
	_ out.ReplayGuard      = (*ReplayGuard)(nil)
)
