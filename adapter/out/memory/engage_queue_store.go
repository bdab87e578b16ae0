package memory

import (
	"context"
	"sort"
	"sync"

	"engage_server/core/domain"
	"engage_server/core/port/out"
)

// CallQueueStore keeps items and assistant sessions under one lock, which makes
// every Mutate a serialised read-modify-write.
type CallQueueStore struct {
	mu         sync.Mutex
	items      map[string]map[string]*domain.CallQueueItem
	assistants map[string]map[domain.Persona]*domain.AssistantState
}

func NewCallQueueStore() *CallQueueStore {
	return &CallQueueStore{
		items:      make(map[string]map[string]*domain.CallQueueItem),
		assistants: make(map[string]map[domain.Persona]*domain.AssistantState),
	}
}

func (s *CallQueueStore) Insert(_ context.Context, item *domain.CallQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant := s.items[item.TenantID]
	if tenant == nil {
		tenant = make(map[string]*domain.CallQueueItem)
		s.items[item.TenantID] = tenant
	}
	if _, exists := tenant[item.ID]; exists {
		return out.ErrConflict
	}
	c := item.Clone()
	c.Version = 1
	item.Version = 1
	tenant[item.ID] = c
	return nil
}

func (s *CallQueueStore) Get(_ context.Context, tenantID, itemID string) (*domain.CallQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[tenantID][itemID]
	if !ok {
		return nil, out.ErrNotFound
	}
	return it.Clone(), nil
}

func (s *CallQueueStore) List(_ context.Context, tenantID string) ([]*domain.CallQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*domain.CallQueueItem, 0, len(s.items[tenantID]))
	for _, it := range s.items[tenantID] {
		res = append(res, it.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *CallQueueStore) Mutate(_ context.Context, tenantID, itemID string, fn out.MutateFunc) (*domain.CallQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[tenantID][itemID]
	if !ok {
		return nil, out.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID, next.TenantID = cur.ID, cur.TenantID
	next.Version = cur.Version + 1
	s.items[tenantID][itemID] = next
	return next.Clone(), nil
}

func (s *CallQueueStore) Delete(_ context.Context, tenantID string, itemIDs ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range itemIDs {
		if _, ok := s.items[tenantID][id]; ok {
			delete(s.items[tenantID], id)
			n++
		}
	}
	return n, nil
}

func (s *CallQueueStore) GetAssistant(_ context.Context, tenantID string, persona domain.Persona) (*domain.AssistantState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.assistants[tenantID][persona]
	if !ok {
		return nil, out.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *CallQueueStore) SaveAssistant(_ context.Context, state *domain.AssistantState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant := s.assistants[state.TenantID]
	if tenant == nil {
		tenant = make(map[domain.Persona]*domain.AssistantState)
		s.assistants[state.TenantID] = tenant
	}
	var stored int64
	if cur, ok := tenant[state.Persona]; ok {
		stored = cur.Version
	}
	if stored != state.Version {
		return out.ErrConflict
	}
	cp := *state
	cp.Version++
	tenant[state.Persona] = &cp
	state.Version = cp.Version
	return nil
}

func (s *CallQueueStore) DeleteAssistant(_ context.Context, tenantID string, persona domain.Persona) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assistants[tenantID][persona]; !ok {
		return out.ErrNotFound
	}
	delete(s.assistants[tenantID], persona)
	return nil
}

func (s *CallQueueStore) ListAssistants(_ context.Context, tenantID string) ([]*domain.AssistantState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*domain.AssistantState, 0, len(s.assistants[tenantID]))
	for _, p := range domain.Personas() {
		if st, ok := s.assistants[tenantID][p]; ok {
			cp := *st
			res = append(res, &cp)
		}
	}
	return res, nil
}

var _ out.CallQueueStore = (*CallQueueStore)(nil)
