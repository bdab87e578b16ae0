// Package redisstore keeps the call queue, score cache and replay guard in Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"engage_server/core/domain"
	"engage_server/core/port/out"
	"engage_server/pkg/cache"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// maxCASAttempts bounds the retries of one Mutate under contention.
const maxCASAttempts = 8

// casScript writes ARGV[3] only while the stored record still carries version ARGV[2].
// Items and assistant sessions both go through it.
// Returns -1 when the item is gone and 0 when someone else committed first.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
	return -1
end
local ok, decoded = pcall(cjson.decode, cur)
if not ok then
	return redis.error_reply('corrupt item ' .. ARGV[1])
end
if tonumber(decoded['version'] or 0) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// CallQueueStore keeps one hash of items and one hash of assistant sessions per tenant.
type CallQueueStore struct {
	rdb *redis.Client
}

func NewCallQueueStore(c *cache.RedisCache) *CallQueueStore {
	return &CallQueueStore{rdb: c.Client()}
}

func itemsKey(tenantID string) string      { return cache.TenantKey(tenantID, "queue", "items") }
func assistantsKey(tenantID string) string { return cache.TenantKey(tenantID, "queue", "assistants") }

func (s *CallQueueStore) Insert(ctx context.Context, item *domain.CallQueueItem) error {
	c := item.Clone()
	c.Version = 1
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode item: %w", err)
	}
	created, err := s.rdb.HSetNX(ctx, itemsKey(item.TenantID), item.ID, data).Result()
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	if !created {
		return out.ErrConflict
	}
	item.Version = 1
	return nil
}

func (s *CallQueueStore) Get(ctx context.Context, tenantID, itemID string) (*domain.CallQueueItem, error) {
	data, err := s.rdb.HGet(ctx, itemsKey(tenantID), itemID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, out.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return decodeItem(data)
}

func (s *CallQueueStore) List(ctx context.Context, tenantID string) ([]*domain.CallQueueItem, error) {
	vals, err := s.rdb.HVals(ctx, itemsKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	items := make([]*domain.CallQueueItem, 0, len(vals))
	for _, v := range vals {
		it, err := decodeItem([]byte(v))
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// Mutate reads the item, applies fn and commits through casScript. A lost race
// re-reads and re-applies fn against the newer version.
func (s *CallQueueStore) Mutate(ctx context.Context, tenantID, itemID string, fn out.MutateFunc) (*domain.CallQueueItem, error) {
	key := itemsKey(tenantID)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.Get(ctx, tenantID, itemID)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.ID, next.TenantID = cur.ID, cur.TenantID
		next.Version = cur.Version + 1

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("failed to encode item: %w", err)
		}
		res, err := casScript.Run(ctx, s.rdb, []string{key}, itemID, cur.Version, data).Int()
		if err != nil {
			return nil, fmt.Errorf("failed to commit item: %w", err)
		}
		switch res {
		case 1:
			return next, nil
		case -1:
			return nil, out.ErrNotFound
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, out.ErrConflict
}

func (s *CallQueueStore) Delete(ctx context.Context, tenantID string, itemIDs ...string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	n, err := s.rdb.HDel(ctx, itemsKey(tenantID), itemIDs...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete items: %w", err)
	}
	return int(n), nil
}

// =============================================================================
// Assistant sessions
// =============================================================================

func (s *CallQueueStore) GetAssistant(ctx context.Context, tenantID string, persona domain.Persona) (*domain.AssistantState, error) {
	data, err := s.rdb.HGet(ctx, assistantsKey(tenantID), string(persona)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, out.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assistant: %w", err)
	}
	var st domain.AssistantState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode assistant: %w", err)
	}
	return &st, nil
}

// SaveAssistant creates the session with HSETNX at version 0 and otherwise commits
// through casScript. A session deleted in between counts as a lost race.
func (s *CallQueueStore) SaveAssistant(ctx context.Context, state *domain.AssistantState) error {
	next := *state
	next.Version = state.Version + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to encode assistant: %w", err)
	}
	key := assistantsKey(state.TenantID)

	if state.Version == 0 {
		created, err := s.rdb.HSetNX(ctx, key, string(state.Persona), data).Result()
		if err != nil {
			return fmt.Errorf("failed to save assistant: %w", err)
		}
		if !created {
			return out.ErrConflict
		}
		state.Version = next.Version
		return nil
	}

	res, err := casScript.Run(ctx, s.rdb, []string{key}, string(state.Persona), state.Version, data).Int()
	if err != nil {
		return fmt.Errorf("failed to save assistant: %w", err)
	}
	if res != 1 {
		return out.ErrConflict
	}
	state.Version = next.Version
	return nil
}

func (s *CallQueueStore) DeleteAssistant(ctx context.Context, tenantID string, persona domain.Persona) error {
	n, err := s.rdb.HDel(ctx, assistantsKey(tenantID), string(persona)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete assistant: %w", err)
	}
	if n == 0 {
		return out.ErrNotFound
	}
	return nil
}

func (s *CallQueueStore) ListAssistants(ctx context.Context, tenantID string) ([]*domain.AssistantState, error) {
	raw, err := s.rdb.HGetAll(ctx, assistantsKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list assistants: %w", err)
	}
	res := make([]*domain.AssistantState, 0, len(raw))
	for _, p := range domain.Personas() {
		v, ok := raw[string(p)]
		if !ok {
			continue
		}
		var st domain.AssistantState
		if err := json.Unmarshal([]byte(v), &st); err != nil {
			return nil, fmt.Errorf("failed to decode assistant: %w", err)
		}
		res = append(res, &st)
	}
	return res, nil
}

// Ping checks Redis connectivity.
func (s *CallQueueStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func decodeItem(data []byte) (*domain.CallQueueItem, error) {
	var it domain.CallQueueItem
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}
	return &it, nil
}

var _ out.CallQueueStore = (*CallQueueStore)(nil)
