package inbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"engage_server/adapter/out/memory"
	"engage_server/core/domain"
	"engage_server/core/port/out"
	"engage_server/core/service/callqueue"
	"engage_server/core/service/labeling"
	"engage_server/core/service/snapshot"
	"engage_server/core/service/thread"
	"engage_server/pkg/apperr"
)

var testNow = time.Date(2026, 5, 12, 15, 0, 0, 0, time.UTC)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) Next() (string, error) {
	return fmt.Sprintf("%06d", s.n.Add(1)), nil
}

func (s *seqIDs) NextWithPrefix(prefix string) (string, error) {
	id, _ := s.Next()
	return prefix + "_" + id, nil
}

type countingInvalidator struct {
	mu    sync.Mutex
	leads []string
}

func (c *countingInvalidator) Invalidate(_ context.Context, _, leadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leads = append(c.leads, leadID)
	return nil
}

type brokenGuard struct{}

func (brokenGuard) FirstSeen(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func (brokenGuard) Release(context.Context, string, string) error { return nil }

type fixture struct {
	leads     *memory.LeadStore
	signals   *memory.SignalStore
	threads   *memory.ThreadStore
	queue     *memory.CallQueueStore
	snapshots *memory.SnapshotStore
	scores    *countingInvalidator
	pipeline  *Pipeline
}

func intp(v int) *int { return &v }

func newFixture(t *testing.T, autoEnqueue bool) *fixture {
	t.Helper()
	f := &fixture{
		leads:     memory.NewLeadStore(),
		signals:   memory.NewSignalStore(),
		threads:   memory.NewThreadStore(),
		queue:     memory.NewCallQueueStore(),
		snapshots: memory.NewSnapshotStore(),
		scores:    &countingInvalidator{},
	}
	now := func() time.Time { return testNow }
	ids := &seqIDs{}

	weights := labeling.Weights{
		EmailCaptured:   intp(10),
		ContactVerified: intp(20),
		WantsCall:       intp(15),
	}
	eligibility := labeling.NewEligibilityEvaluator(labeling.QueueConfig{
		GoldLabelPriority: intp(9),
		GreenTagPriority:  intp(7),
		PriorityThreshold: intp(70),
	}, nil)

	f.pipeline = NewPipeline(Deps{
		Leads:       f.leads,
		Signals:     f.signals,
		Guard:       memory.NewReplayGuard(),
		Applicator:  labeling.NewApplicator(f.leads, nil, weights),
		Scores:      f.scores,
		Threads:     thread.NewResolver(f.threads, f.leads, nil, thread.Config{AutoResolve: true}).WithClock(now),
		Eligibility: eligibility,
		Queue: callqueue.NewService(callqueue.Deps{
			Store: f.queue,
			Leads: f.leads,
			IDs:   ids,
			Now:   now,
		}),
		Snapshots: snapshot.NewRecorder(snapshot.Deps{
			Repo:    f.snapshots,
			Signals: f.signals,
			Leads:   f.leads,
			IDs:     ids,
			Now:     now,
		}),
		Config: Config{
			AutoEnqueue:    autoEnqueue,
			EnqueuePersona: "gianna",
			EnqueueLane:    "initial",
		},
		Now: now,
	})

	ctx := context.Background()
	if err := f.leads.Upsert(ctx, &domain.Lead{ID: "lead-1", TenantID: "t1", Name: "Dana", Phone: "(555) 201-3344"}); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestProcessOptOut(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	res, err := f.pipeline.Process(ctx, &domain.InboundMessage{
		MessageID: "m-1", TenantID: "t1", LeadID: "lead-1", Body: "STOP", From: "5552013344",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if got := domain.LabelStrings(res.Detection.Labels); len(got) != 1 || got[0] != "OPTED_OUT" {
		t.Errorf("labels = %v, want [OPTED_OUT]", got)
	}
	if !res.Apply.Suppressed {
		t.Error("lead should be suppressed")
	}
	if res.Eligibility.Eligible || res.Eligibility.Reason != domain.ReasonOptedOutOrDNC {
		t.Errorf("eligibility = %+v", res.Eligibility)
	}
	if res.EnqueuedID != "" {
		t.Errorf("suppressed lead was enqueued as %s", res.EnqueuedID)
	}

	history, _ := f.signals.ListByLead(ctx, "t1", "lead-1")
	counts := domain.CountSignals(history)
	if counts[domain.SignalOptedOut] != 1 || counts[domain.SignalReplied] != 1 {
		t.Errorf("signals = %v", counts)
	}

	snaps, _ := f.snapshots.ListByLead(ctx, "t1", "lead-1")
	if len(snaps) != 1 || snaps[0].Trigger != domain.TriggerPostReply {
		t.Fatalf("snapshots = %+v", snaps)
	}
	if got := snaps[0].Features.Extra["reply_intent"]; got != "OPTED_OUT" {
		t.Errorf("reply intent = %v", got)
	}
}

func TestProcessEmailCaptureAndCallRequest(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_ = f.threads.Put(ctx, &domain.Thread{
		ID: "th-1", TenantID: "t1", LeadID: "lead-1", Status: domain.ThreadOpen,
		LastOutboundText: "What email should I send the valuation to?",
	})

	res, err := f.pipeline.Process(ctx, &domain.InboundMessage{
		MessageID: "m-2", TenantID: "t1", LeadID: "lead-1", ThreadID: "th-1",
		Body: "my email is a@b.com, call me please", From: "5552013344",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	labels := res.Detection.Labels
	for _, want := range []domain.CanonicalLabel{domain.LabelEmailCaptured, domain.LabelWantsCall, domain.LabelContactVerified, domain.LabelGold} {
		if !domain.HasLabel(labels, want) {
			t.Errorf("labels %v missing %s", labels, want)
		}
	}
	if res.Apply.ScoreDelta != 45 || res.Apply.Score != 45 {
		t.Errorf("score delta/score = %d/%d, want 45/45", res.Apply.ScoreDelta, res.Apply.Score)
	}
	if res.Eligibility.Reason != domain.ReasonGoldLabel || res.Eligibility.Priority != 9 {
		t.Errorf("eligibility = %+v", res.Eligibility)
	}
	if res.Thread == nil || !res.Thread.Resolved {
		t.Fatalf("thread = %+v, want resolved", res.Thread)
	}
	th, _ := f.threads.Get(ctx, "t1", "th-1")
	if th.Metadata[domain.MetaCapturedEmail] != "a@b.com" {
		t.Errorf("thread metadata = %v", th.Metadata)
	}

	if res.EnqueuedID == "" {
		t.Fatal("eligible lead was not auto-enqueued")
	}
	item, err := f.queue.Get(ctx, "t1", res.EnqueuedID)
	if err != nil {
		t.Fatal(err)
	}
	if item.BasePriority != 9 || item.Persona != domain.PersonaGianna || item.Lane != domain.LaneInitial {
		t.Errorf("item = %+v", item)
	}

	if len(f.scores.leads) != 1 {
		t.Errorf("score invalidations = %d, want 1", len(f.scores.leads))
	}
}

func TestProcessReplayIsIgnored(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	msg := func() *domain.InboundMessage {
		return &domain.InboundMessage{MessageID: "m-3", TenantID: "t1", LeadID: "lead-1", Body: "call me at a@b.com"}
	}

	first, err := f.pipeline.Process(ctx, msg())
	if err != nil || first.Duplicate {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := f.pipeline.Process(ctx, msg())
	if err != nil || !second.Duplicate {
		t.Fatalf("second = %+v, %v; want duplicate", second, err)
	}

	lead, _ := f.leads.Get(ctx, "t1", "lead-1")
	if lead.Score != first.Apply.Score {
		t.Errorf("score moved on replay: %d -> %d", first.Apply.Score, lead.Score)
	}
	history, _ := f.signals.ListByLead(ctx, "t1", "lead-1")
	if got := domain.CountSignals(history)[domain.SignalReplied]; got != 1 {
		t.Errorf("REPLIED signals = %d, want 1", got)
	}
}

func TestFingerprint(t *testing.T) {
	at := testNow
	a := &domain.InboundMessage{TenantID: "t1", LeadID: "l1", Body: "hi there", ReceivedAt: at}
	b := &domain.InboundMessage{TenantID: "t1", LeadID: "l1", Body: "hi there", ReceivedAt: at.Add(time.Second)}
	c := &domain.InboundMessage{TenantID: "t2", LeadID: "l1", Body: "hi there", ReceivedAt: at}

	if Fingerprint(a) == Fingerprint(b) || Fingerprint(a) == Fingerprint(c) {
		t.Error("distinct messages share a fingerprint")
	}
	if Fingerprint(a) != Fingerprint(&domain.InboundMessage{TenantID: "t1", LeadID: "l1", Body: "hi there", ReceivedAt: at}) {
		t.Error("fingerprint is not stable")
	}
	withID := &domain.InboundMessage{MessageID: "x", TenantID: "t1", LeadID: "l1", Body: "one"}
	sameID := &domain.InboundMessage{MessageID: "x", TenantID: "t1", LeadID: "l1", Body: "two"}
	if Fingerprint(withID) != Fingerprint(sameID) {
		t.Error("message id should dominate the fingerprint")
	}
}

func TestProcessErrors(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tests := []struct {
		name string
		msg  *domain.InboundMessage
		code string
	}{
		{"missing tenant", &domain.InboundMessage{LeadID: "lead-1", Body: "hi"}, apperr.CodeTenantRequired},
		{"missing lead", &domain.InboundMessage{TenantID: "t1", Body: "hi"}, apperr.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.pipeline.Process(ctx, tt.msg); !apperr.IsCode(err, tt.code) {
				t.Errorf("err = %v, want %s", err, tt.code)
			}
		})
	}

	t.Run("replay guard down", func(t *testing.T) {
		f.pipeline.Guard = brokenGuard{}
		defer func() { f.pipeline.Guard = memory.NewReplayGuard() }()
		_, err := f.pipeline.Process(ctx, &domain.InboundMessage{TenantID: "t1", LeadID: "lead-1", Body: "hello"})
		if !apperr.IsCode(err, apperr.CodeTransient) {
			t.Errorf("err = %v, want transient", err)
		}
	})
}

func TestProcessUnknownLead(t *testing.T) {
	f := newFixture(t, true)
	events := &recordingSink{}
	f.pipeline.Events = events

	res, err := f.pipeline.Process(context.Background(), &domain.InboundMessage{
		TenantID: "t1", LeadID: "ghost", Body: "interested, tell me more",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Apply.Applied {
		t.Error("labels applied to a missing lead")
	}
	if res.Eligibility.Reason != domain.ReasonLeadNotFound || res.EnqueuedID != "" {
		t.Errorf("eligibility = %+v enqueued = %q", res.Eligibility, res.EnqueuedID)
	}
	if events.count(out.EventInboundProcessed) != 1 {
		t.Error("processed event not emitted")
	}
}

type recordingSink struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingSink) Emit(_ context.Context, ev out.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, ev.Name)
}

func (r *recordingSink) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.names {
		if got == name {
			n++
		}
	}
	return n
}

type flakyLeads struct {
	*memory.LeadStore
	failures atomic.Int32
}

func (f *flakyLeads) ApplyLabels(ctx context.Context, tenantID, leadID string, labels []domain.CanonicalLabel, delta int, suppress bool) (*domain.Lead, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return f.LeadStore.ApplyLabels(ctx, tenantID, leadID, labels, delta, suppress)
}

func TestProcessRetryAfterApplyFailure(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	flaky := &flakyLeads{LeadStore: f.leads}
	flaky.failures.Store(1)
	f.pipeline.Applicator = labeling.NewApplicator(flaky, nil, labeling.Weights{EmailCaptured: intp(10)})

	msg := func() *domain.InboundMessage {
		return &domain.InboundMessage{MessageID: "m-9", TenantID: "t1", LeadID: "lead-1", Body: "reach me at a@b.com"}
	}
	if _, err := f.pipeline.Process(ctx, msg()); err == nil {
		t.Fatal("first attempt should fail")
	}

	res, err := f.pipeline.Process(ctx, msg())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Duplicate {
		t.Fatal("retry after a failed write was treated as a duplicate")
	}
	if res.Apply.Score != 10 {
		t.Errorf("score = %d, want 10", res.Apply.Score)
	}
}

type flakySignals struct {
	*memory.SignalStore
	failures atomic.Int32
}

func (f *flakySignals) Append(ctx context.Context, signals ...*domain.Signal) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return f.SignalStore.Append(ctx, signals...)
}

func TestProcessRetryKeepsSignalsExactlyOnce(t *testing.T) {
	msg := func() *domain.InboundMessage {
		return &domain.InboundMessage{MessageID: "m-11", TenantID: "t1", LeadID: "lead-1", Body: "call me, a@b.com"}
	}

	t.Run("signal write fails", func(t *testing.T) {
		f := newFixture(t, false)
		ctx := context.Background()
		flaky := &flakySignals{SignalStore: f.signals}
		flaky.failures.Store(1)
		f.pipeline.Signals = flaky

		_, err := f.pipeline.Process(ctx, msg())
		if !apperr.IsCode(err, apperr.CodePersistence) {
			t.Fatalf("first attempt err = %v, want persistence", err)
		}
		if lead, _ := f.leads.Get(ctx, "t1", "lead-1"); len(lead.Labels) != 0 || lead.Score != 0 {
			t.Fatalf("lead changed by a failed message: %+v", lead)
		}

		res, err := f.pipeline.Process(ctx, msg())
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if res.Duplicate {
			t.Fatal("retry after a failed signal write was treated as a duplicate")
		}
		history, _ := f.signals.ListByLead(ctx, "t1", "lead-1")
		counts := domain.CountSignals(history)
		if counts[domain.SignalReplied] != 1 || counts[domain.SignalCallRequested] != 1 {
			t.Errorf("signals = %v, want one REPLIED and one CALL_REQUESTED", counts)
		}
	})

	t.Run("apply fails after signals landed", func(t *testing.T) {
		f := newFixture(t, false)
		ctx := context.Background()
		leads := &flakyLeads{LeadStore: f.leads}
		leads.failures.Store(1)
		f.pipeline.Applicator = labeling.NewApplicator(leads, nil, labeling.Weights{EmailCaptured: intp(10), WantsCall: intp(15)})

		if _, err := f.pipeline.Process(ctx, msg()); err == nil {
			t.Fatal("first attempt should fail")
		}
		if _, err := f.pipeline.Process(ctx, msg()); err != nil {
			t.Fatalf("retry: %v", err)
		}
		history, _ := f.signals.ListByLead(ctx, "t1", "lead-1")
		if got := domain.CountSignals(history)[domain.SignalReplied]; got != 1 {
			t.Errorf("REPLIED signals = %d, want 1", got)
		}
	})
}
