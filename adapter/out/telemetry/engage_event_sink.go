// Package telemetry turns domain events into structured log lines and counters.
package telemetry

import (
	"context"
	"sync"

	"engage_server/core/port/out"
	"engage_server/pkg/logger"
	"engage_server/pkg/metrics"

	"github.com/rs/zerolog"
)

// LogSink writes every event as one zerolog line and counts it by name.
type LogSink struct {
	log   zerolog.Logger
	stats *metrics.Registry
}

func NewLogSink(log zerolog.Logger, stats *metrics.Registry) *LogSink {
	if stats == nil {
		stats = metrics.NewRegistry(0)
	}
	return &LogSink{
		log:   log.With().Str("component", "events").Logger(),
		stats: stats,
	}
}

func (s *LogSink) Emit(ctx context.Context, ev out.Event) {
	s.stats.Inc("events." + ev.Name)

	var e *zerolog.Event
	switch ev.Level {
	case out.LevelError:
		e = s.log.Error()
	case out.LevelWarn:
		e = s.log.Warn()
	default:
		e = s.log.Info()
	}

	e = e.Str("event", ev.Name)
	if ev.TenantID != "" {
		e = e.Str("tenant_id", ev.TenantID)
	}
	if ev.LeadID != "" {
		e = e.Str("lead_id", ev.LeadID)
	}
	if rid := logger.RequestIDFrom(ctx); rid != "" {
		e = e.Str("request_id", rid)
	}
	if len(ev.Fields) > 0 {
		e = e.Fields(ev.Fields)
	}
	if !ev.At.IsZero() {
		e = e.Time("at", ev.At)
	}
	e.Msg(ev.Name)
}

// Stats returns the counter registry backing the sink.
func (s *LogSink) Stats() *metrics.Registry {
	return s.stats
}

// Fanout emits to several sinks in order.
type Fanout []out.EventSink

func (f Fanout) Emit(ctx context.Context, ev out.Event) {
	for _, s := range f {
		s.Emit(ctx, ev)
	}
}

// Recorder keeps events in memory. Used by the dev event feed and by tests.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	events []out.Event
}

// NewRecorder keeps at most limit events, dropping the oldest. limit <= 0 keeps all.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Emit(_ context.Context, ev out.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append(r.events[:0:0], r.events[len(r.events)-r.limit:]...)
	}
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []out.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]out.Event(nil), r.events...)
}

// Named returns recorded events with the given name.
func (r *Recorder) Named(name string) []out.Event {
	var res []out.Event
	for _, ev := range r.Events() {
		if ev.Name == name {
			res = append(res, ev)
		}
	}
	return res
}

var (
	_ out.EventSink = (*LogSink)(nil)
	_ out.EventSink = Fanout(nil)
	_ out.EventSink = (*Recorder)(nil)
)
