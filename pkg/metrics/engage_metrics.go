// Package metrics holds in-process counters and latency windows for the engine.
package metrics

import (
	"database/sql"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Registry is a concurrency-safe set of named counters and latency trackers.
type Registry struct {
	counters sync.Map // name -> *int64
	mu       sync.Mutex
	latency  map[string]*latencyTracker
	window   int
}

// NewRegistry creates a registry keeping window latency samples per name.
func NewRegistry(window int) *Registry {
	if window <= 0 {
		window = 1000
	}
	return &Registry{latency: make(map[string]*latencyTracker), window: window}
}

// Inc adds one to the named counter.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Add adds delta to the named counter.
func (r *Registry) Add(name string, delta int64) {
	v, _ := r.counters.LoadOrStore(name, new(int64))
	atomic.AddInt64(v.(*int64), delta)
}

// Count returns the current value of a counter.
func (r *Registry) Count(name string) int64 {
	v, ok := r.counters.Load(name)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}

// Observe records a duration sample under name.
func (r *Registry) Observe(name string, d time.Duration) {
	r.mu.Lock()
	lt, ok := r.latency[name]
	if !ok {
		lt = newLatencyTracker(r.window)
		r.latency[name] = lt
	}
	r.mu.Unlock()
	lt.record(d)
}

// Snapshot returns counter values and latency summaries.
func (r *Registry) Snapshot() map[string]any {
	counters := make(map[string]int64)
	r.counters.Range(func(k, v any) bool {
		counters[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})

	r.mu.Lock()
	names := make([]string, 0, len(r.latency))
	for name := range r.latency {
		names = append(names, name)
	}
	r.mu.Unlock()

	latency := make(map[string]map[string]any, len(names))
	for _, name := range names {
		r.mu.Lock()
		lt := r.latency[name]
		r.mu.Unlock()
		latency[name] = lt.stats().toMap()
	}

	return map[string]any{"counters": counters, "latency": latency}
}

// =============================================================================
// Latency window
// =============================================================================

// latencyTracker keeps the most recent samples and reports percentiles.
type latencyTracker struct {
	mu         sync.Mutex
	samples    []int64 // microseconds
	maxSamples int
}

func newLatencyTracker(windowSize int) *latencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{samples: make([]int64, 0, windowSize), maxSamples: windowSize}
}

func (lt *latencyTracker) record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) >= lt.maxSamples {
		drop := lt.maxSamples / 10
		if drop < 1 {
			drop = 1
		}
		lt.samples = append(lt.samples[:0], lt.samples[drop:]...)
	}
	lt.samples = append(lt.samples, d.Microseconds())
}

// LatencyStats summarises a latency window.
type LatencyStats struct {
	Count int
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
}

func (lt *latencyTracker) stats() LatencyStats {
	lt.mu.Lock()
	sorted := make([]int64, len(lt.samples))
	copy(sorted, lt.samples)
	lt.mu.Unlock()

	if len(sorted) == 0 {
		return LatencyStats{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	pick := func(p float64) time.Duration {
		return time.Duration(sorted[int(float64(len(sorted)-1)*p)]) * time.Microsecond
	}
	return LatencyStats{
		Count: len(sorted),
		Avg:   time.Duration(sum/int64(len(sorted))) * time.Microsecond,
		P50:   pick(0.50),
		P95:   pick(0.95),
		P99:   pick(0.99),
		Max:   time.Duration(sorted[len(sorted)-1]) * time.Microsecond,
	}
}

func (s LatencyStats) toMap() map[string]any {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return map[string]any{
		"count":  s.Count,
		"avg_ms": ms(s.Avg),
		"p50_ms": ms(s.P50),
		"p95_ms": ms(s.P95),
		"p99_ms": ms(s.P99),
		"max_ms": ms(s.Max),
	}
}

// DBStats flattens database/sql pool statistics for the readiness endpoint.
func DBStats(db *sql.DB) map[string]any {
	if db == nil {
		return nil
	}
	s := db.Stats()
	return map[string]any{
		"open":          s.OpenConnections,
		"in_use":        s.InUse,
		"idle":          s.Idle,
		"wait_count":    s.WaitCount,
		"wait_duration": s.WaitDuration.String(),
	}
}
