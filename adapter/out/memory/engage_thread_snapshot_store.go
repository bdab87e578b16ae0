package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"
)

// =============================================================================
// Threads
// =============================================================================

type ThreadStore struct {
	mu      sync.RWMutex
	threads map[string]*domain.Thread
	now     func() time.Time
}

func NewThreadStore() *ThreadStore {
	return &ThreadStore{threads: make(map[string]*domain.Thread), now: time.Now}
}

func cloneThread(th *domain.Thread) *domain.Thread {
	c := *th
	if th.Metadata != nil {
		c.Metadata = make(map[string]any, len(th.Metadata))
		for k, v := range th.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Put stores a thread as-is. The messaging workflow owns threads; this is its write path.
func (s *ThreadStore) Put(_ context.Context, th *domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneThread(th)
	if c.Status == "" {
		c.Status = domain.ThreadOpen
	}
	s.threads[key(th.TenantID, th.ID)] = c
	return nil
}

func (s *ThreadStore) Get(_ context.Context, tenantID, threadID string) (*domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[key(tenantID, threadID)]
	if !ok {
		return nil, out.ErrNotFound
	}
	return cloneThread(th), nil
}

func (s *ThreadStore) ListOpenByLead(_ context.Context, tenantID, leadID string) ([]*domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*domain.Thread
	for _, th := range s.threads {
		if th.TenantID == tenantID && th.LeadID == leadID && th.Status == domain.ThreadOpen {
			res = append(res, cloneThread(th))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *ThreadStore) MergeUpdate(_ context.Context, tenantID, threadID string, status domain.ThreadStatus, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[key(tenantID, threadID)]
	if !ok {
		return out.ErrNotFound
	}
	if th.Metadata == nil {
		th.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		th.Metadata[k] = v
	}
	if status != "" {
		th.Status = status
	}
	th.UpdatedAt = s.now()
	return nil
}

// =============================================================================
// Snapshots
// =============================================================================

type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots []*domain.FeatureSnapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

func cloneSnapshot(s *domain.FeatureSnapshot) *domain.FeatureSnapshot {
	c := *s
	if s.Outcome != nil {
		o := *s.Outcome
		c.Outcome = &o
	}
	if s.LabeledAt != nil {
		t := *s.LabeledAt
		c.LabeledAt = &t
	}
	return &c
}

func (s *SnapshotStore) Insert(_ context.Context, snap *domain.FeatureSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, cloneSnapshot(snap))
	return nil
}

func (s *SnapshotStore) LabelOutcome(_ context.Context, tenantID, leadID string, outcome domain.SnapshotOutcome, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, snap := range s.snapshots {
		if snap.TenantID != tenantID || snap.LeadID != leadID || snap.Outcome != nil {
			continue
		}
		o := outcome
		t := at
		snap.Outcome = &o
		snap.LabeledAt = &t
		n++
	}
	return n, nil
}

// ListByLead returns the lead's snapshots newest first.
func (s *SnapshotStore) ListByLead(_ context.Context, tenantID, leadID string) ([]*domain.FeatureSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*domain.FeatureSnapshot
	for _, snap := range s.snapshots {
		if snap.TenantID == tenantID && snap.LeadID == leadID {
			res = append(res, cloneSnapshot(snap))
		}
	}
	sortNewestFirst(res)
	return res, nil
}

func (s *SnapshotStore) ListLabeled(_ context.Context, tenantID string, filter domain.SnapshotFilter) ([]*domain.FeatureSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []*domain.FeatureSnapshot
	for _, snap := range s.snapshots {
		switch {
		case snap.TenantID != tenantID, snap.Outcome == nil:
			continue
		case filter.Trigger != "" && snap.Trigger != filter.Trigger:
			continue
		case filter.Outcome != "" && *snap.Outcome != filter.Outcome:
			continue
		case !filter.Since.IsZero() && snap.CapturedAt.Before(filter.Since):
			continue
		}
		res = append(res, cloneSnapshot(snap))
	}
	sortNewestFirst(res)
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

func sortNewestFirst(snaps []*domain.FeatureSnapshot) {
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].CapturedAt.After(snaps[j].CapturedAt) })
}

var (
	_ out.ThreadRepository   = (*ThreadStore)(nil)
	_ out.SnapshotRepository = (*SnapshotStore)(nil)
)
