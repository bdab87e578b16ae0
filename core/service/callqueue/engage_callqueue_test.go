package callqueue

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
	"engage_server/pkg/apperr"
)

// =============================================================================
// Fixtures
// =============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) Next() (string, error) {
	return fmt.Sprintf("item-%06d", s.n.Add(1)), nil
}

type fakeTelephony struct {
	mu    sync.Mutex
	calls []*out.DialRequest
	err   error
}

func (f *fakeTelephony) Dial(_ context.Context, req *out.DialRequest) (*out.DialResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, req)
	return &out.DialResult{CallID: fmt.Sprintf("CA%d", len(f.calls)), Status: "queued"}, nil
}

type fixture struct {
	svc   *Service
	store *memory.CallQueueStore
	leads *memory.LeadStore
	phone *fakeTelephony
	clock *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewCallQueueStore(),
		leads: memory.NewLeadStore(),
		phone: &fakeTelephony{},
		clock: &clock{now: time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(Deps{
		Store:     f.store,
		Leads:     f.leads,
		Telephony: f.phone,
		IDs:       &seqIDs{},
		Config:    Config{Concurrency: 4, CallbackURL: "https://engage.test/callbacks"},
		Now:       f.clock.Now,
	})
	return f
}

func (f *fixture) lead(t *testing.T, tenant, id string, labels ...domain.CanonicalLabel) {
	t.Helper()
	err := f.leads.Upsert(context.Background(), &domain.Lead{
		ID: id, TenantID: tenant, Name: "Lead " + id, Phone: "+1 (555) 010-" + fmt.Sprintf("%04d", len(id)), Labels: labels,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) enqueue(t *testing.T, tenant string, req *EnqueueRequest) *domain.CallQueueItem {
	t.Helper()
	res, err := f.svc.Enqueue(context.Background(), tenant, req)
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", req.LeadID, err)
	}
	if !res.Created {
		t.Fatalf("Enqueue(%s) skipped: %s", req.LeadID, res.Skipped)
	}
	return res.Item
}

func intPtr(v int) *int { return &v }

// =============================================================================
// Validation
// =============================================================================

func TestResolvePersonaLane(t *testing.T) {
	tests := []struct {
		persona, lane string
		wantLane      domain.CampaignLane
		wantCode      string
	}{
		{"gianna", "", domain.LaneInitial, ""},
		{"Gianna", "Nurture", domain.LaneNurture, ""},
		{"cathy", "nudger", domain.LaneNudger, ""},
		{"cathy", "initial", "", apperr.CodeInvalidLane},
		{"sabrina", "book_appointment", domain.LaneBookAppointment, ""},
		{"sabrina", "retarget", "", apperr.CodeInvalidLane},
		{"bob", "initial", "", apperr.CodeInvalidPersona},
	}
	for _, tt := range tests {
		t.Run(tt.persona+"/"+tt.lane, func(t *testing.T) {
			_, lane, err := ResolvePersonaLane(tt.persona, tt.lane)
			if tt.wantCode != "" {
				if !apperr.IsCode(err, tt.wantCode) {
					t.Fatalf("err = %v, want %s", err, tt.wantCode)
				}
				if tt.wantCode == apperr.CodeInvalidLane && apperr.AsAppError(err).Details["allowed"] == nil {
					t.Error("invalid lane error does not list the allowed lanes")
				}
				return
			}
			if err != nil || lane != tt.wantLane {
				t.Errorf("lane = %s, err = %v, want %s", lane, err, tt.wantLane)
			}
		})
	}
}

// =============================================================================
// Enqueue
// =============================================================================

func TestEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("tags follow lead labels", func(t *testing.T) {
		f := newFixture(t)
		f.lead(t, "t1", "l1", domain.LabelGold)
		item := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "l1", Persona: "gianna"})

		if item.Lane != domain.LaneInitial || item.Status != domain.ItemPending {
			t.Errorf("lane=%s status=%s", item.Lane, item.Status)
		}
		if item.Tier() != domain.TierGold || item.EffectivePriority() != 10 {
			t.Errorf("tier=%s priority=%d, want gold/10", item.Tier(), item.EffectivePriority())
		}
		if item.LeadName != "Lead l1" || item.Phone == "" {
			t.Errorf("lead fields not copied: %+v", item)
		}
	})

	t.Run("suppressed lead is skipped", func(t *testing.T) {
		f := newFixture(t)
		f.lead(t, "t1", "l1", domain.LabelOptedOut)
		res, err := f.svc.Enqueue(ctx, "t1", &EnqueueRequest{LeadID: "l1", Persona: "gianna"})
		if err != nil || res.Created || res.Skipped != SkipSuppressed {
			t.Fatalf("res = %+v, err = %v", res, err)
		}
	})

	t.Run("open duplicate is skipped", func(t *testing.T) {
		f := newFixture(t)
		first := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "l1", Persona: "gianna", Lane: "initial"})
		res, err := f.svc.Enqueue(ctx, "t1", &EnqueueRequest{LeadID: "l1", Persona: "gianna", Lane: "initial"})
		if err != nil || res.Created || res.Skipped != SkipDuplicate || res.Item.ID != first.ID {
			t.Fatalf("res = %+v, err = %v", res, err)
		}
		// Another lane is a separate slot.
		f.enqueue(t, "t1", &EnqueueRequest{LeadID: "l1", Persona: "gianna", Lane: "nurture"})
	})

	t.Run("rejections", func(t *testing.T) {
		f := newFixture(t)
		cases := []struct {
			tenant string
			req    *EnqueueRequest
			code   string
		}{
			{"", &EnqueueRequest{LeadID: "l1", Persona: "gianna"}, apperr.CodeTenantRequired},
			{"t1", &EnqueueRequest{LeadID: "l1", Persona: "cathy", Lane: "initial"}, apperr.CodeInvalidLane},
			{"t1", &EnqueueRequest{LeadID: "l1", Persona: "zed"}, apperr.CodeInvalidPersona},
			{"t1", &EnqueueRequest{Persona: "gianna"}, apperr.CodeValidation},
			{"t1", &EnqueueRequest{LeadID: "l1", Persona: "gianna", BasePriority: intPtr(0)}, apperr.CodeValidation},
		}
		for _, c := range cases {
			if _, err := f.svc.Enqueue(ctx, c.tenant, c.req); !apperr.IsCode(err, c.code) {
				t.Errorf("Enqueue(%+v) err = %v, want %s", c.req, err, c.code)
			}
		}
	})

	t.Run("tenant isolation", func(t *testing.T) {
		f := newFixture(t)
		f.enqueue(t, "t1", &EnqueueRequest{LeadID: "l1", Persona: "gianna"})

		items, total, err := f.svc.List(ctx, "t2", domain.ItemFilter{})
		if err != nil || total != 0 || len(items) != 0 {
			t.Errorf("t2 sees %d items", total)
		}
		if next, _ := f.svc.ClaimNext(ctx, "t2", "gianna", "initial"); next != nil {
			t.Error("t2 claimed a t1 item")
		}
	})
}

func TestEnqueueBatch(t *testing.T) {
	f := newFixture(t)
	f.lead(t, "t1", "dnc", domain.LabelDoNotContact)

	reqs := []*EnqueueRequest{
		{LeadID: "a", Persona: "gianna"},
		{LeadID: "b", Persona: "cathy", Lane: "nudger"},
		{LeadID: "a", Persona: "gianna"},
		{LeadID: "dnc", Persona: "gianna"},
		{LeadID: "c", Persona: "cathy", Lane: "book_appointment"},
	}
	res, err := f.svc.EnqueueBatch(context.Background(), "t1", reqs)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 2 || res.Skipped != 2 || res.Failed != 1 {
		t.Errorf("created=%d skipped=%d failed=%d, want 2/2/1", res.Created, res.Skipped, res.Failed)
	}
	if len(res.Errors) != 1 || res.Errors[0].Index != 4 {
		t.Errorf("errors = %+v", res.Errors)
	}
}

// =============================================================================
// Ordering and claiming
// =============================================================================

func TestEnqueueBatchResolvesDefaultLane(t *testing.T) {
	f := newFixture(t)
	reqs := []*EnqueueRequest{
		{LeadID: "a", Persona: "gianna"},
		{LeadID: "a", Persona: "Gianna", Lane: "initial"},
	}
	res, err := f.svc.EnqueueBatch(context.Background(), "t1", reqs)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 || res.Skipped != 1 {
		t.Errorf("created=%d skipped=%d, want 1/1", res.Created, res.Skipped)
	}
	if res.Outcomes[1] == nil || res.Outcomes[1].Skipped != SkipDuplicate {
		t.Errorf("second outcome = %+v, want in-batch duplicate", res.Outcomes[1])
	}
}

func TestClaimOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	green := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "green", Persona: "gianna", BasePriority: intPtr(10), Tags: []string{"RESPONDED"}})
	f.clock.Advance(time.Second)
	plain := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "plain", Persona: "gianna", BasePriority: intPtr(15)})
	f.clock.Advance(time.Second)
	plainLater := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "plain2", Persona: "gianna", BasePriority: intPtr(15)})
	future := f.clock.Now().Add(time.Hour)
	f.enqueue(t, "t1", &EnqueueRequest{LeadID: "future", Persona: "gianna", BasePriority: intPtr(100), ScheduledAt: &future})

	want := []string{green.ID, plain.ID, plainLater.ID}
	for i, id := range want {
		got, err := f.svc.ClaimNext(ctx, "t1", "gianna", "initial")
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.ID != id {
			t.Fatalf("claim %d = %v, want %s", i, got, id)
		}
		if got.Status != domain.ItemInProgress || got.Attempts != 1 {
			t.Errorf("claimed item status=%s attempts=%d", got.Status, got.Attempts)
		}
	}
	if got, _ := f.svc.ClaimNext(ctx, "t1", "gianna", "initial"); got != nil {
		t.Errorf("claimed %s before it was due", got.LeadID)
	}
}

func TestClaimIsAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const items, workers = 5, 32
	for i := 0; i < items; i++ {
		f.enqueue(t, "t1", &EnqueueRequest{LeadID: fmt.Sprintf("l%d", i), Persona: "cathy", Lane: "nudger"})
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := f.svc.ClaimNext(ctx, "t1", "cathy", "nudger")
			if err != nil {
				t.Error(err)
				return
			}
			if item != nil {
				mu.Lock()
				claimed[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != items {
		t.Errorf("claimed %d distinct items, want %d", len(claimed), items)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("item %s claimed %d times", id, n)
		}
	}
}

func TestClaimSkipsNewlySuppressedLead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lead(t, "t1", "l1")
	f.lead(t, "t1", "l2")
	first := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "l1", Persona: "gianna", BasePriority: intPtr(9)})
	second := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "l2", Persona: "gianna"})

	if _, err := f.leads.ApplyLabels(ctx, "t1", "l1", []domain.CanonicalLabel{domain.LabelOptedOut}, 0, true); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.ClaimNext(ctx, "t1", "gianna", "")
	if err != nil || got == nil || got.ID != second.ID {
		t.Fatalf("claimed %v, %v; want %s", got, err, second.ID)
	}
	skipped, _ := f.svc.Get(ctx, "t1", first.ID)
	if skipped.Status != domain.ItemSkipped || skipped.Outcome != SkipSuppressed {
		t.Errorf("suppressed item = %s/%s", skipped.Status, skipped.Outcome)
	}
}

func TestClaimItemConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "l1", Persona: "gianna"})

	if _, err := f.svc.ClaimItem(ctx, "t1", item.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ClaimItem(ctx, "t1", item.ID); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("second claim err = %v, want conflict", err)
	}
	if _, err := f.svc.ClaimItem(ctx, "t1", "missing"); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("missing item err = %v", err)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestItemLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "l1", Persona: "sabrina"})

	if _, err := f.svc.Complete(ctx, "t1", item.ID, nil); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("completing a pending item err = %v, want conflict", err)
	}
	if _, err := f.svc.ClaimItem(ctx, "t1", item.ID); err != nil {
		t.Fatal(err)
	}
	done, err := f.svc.Complete(ctx, "t1", item.ID, &CompleteRequest{Status: "no_answer", Notes: "rang out"})
	if err != nil || done.Status != domain.ItemNoAnswer || done.CompletedAt == nil {
		t.Fatalf("Complete = %+v, %v", done, err)
	}

	at := f.clock.Now().Add(2 * time.Hour)
	again, err := f.svc.Reschedule(ctx, "t1", item.ID, &RescheduleRequest{ScheduledAt: &at})
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != domain.ItemPending || !again.ScheduledAt.Equal(at) || again.CompletedAt != nil {
		t.Errorf("rescheduled = %+v", again)
	}
	if again.Notes != "rang out" {
		t.Errorf("notes = %q", again.Notes)
	}

	if _, err := f.svc.Reschedule(ctx, "t1", item.ID, &RescheduleRequest{Delay: "-1h"}); !apperr.IsCode(err, apperr.CodeValidation) {
		t.Errorf("negative delay err = %v", err)
	}
}

func TestDialAndCallbacks(t *testing.T) {
	tests := []struct {
		status string
		want   domain.ItemStatus
	}{
		{"completed", domain.ItemCompleted},
		{"no-answer", domain.ItemNoAnswer},
		{"busy", domain.ItemNoAnswer},
		{"failed", domain.ItemFailed},
		{"ringing", domain.ItemInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			item := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "l1", Persona: "gianna", Phone: "555-010-2000"})

			dialed, err := f.svc.Dial(ctx, "t1", item.ID)
			if err != nil {
				t.Fatal(err)
			}
			if dialed.Status != domain.ItemInProgress || dialed.CallID != "CA1" {
				t.Fatalf("dialed = %+v", dialed)
			}
			if f.phone.calls[0].CallbackURL == "" || f.phone.calls[0].To != "555-010-2000" {
				t.Errorf("dial request = %+v", f.phone.calls[0])
			}

			got, err := f.svc.HandleCallStatus(ctx, "t1", &CallStatusUpdate{CallID: "CA1", Status: tt.status})
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != tt.want || got.CallStatus != tt.status {
				t.Errorf("status = %s/%s, want %s", got.Status, got.CallStatus, tt.want)
			}
		})
	}
}

func TestDialFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "l1", Persona: "gianna", Phone: "5550102000"})

	f.phone.err = errors.New("carrier unreachable")
	if _, err := f.svc.Dial(ctx, "t1", item.ID); !apperr.IsCode(err, apperr.CodeTransient) {
		t.Errorf("err = %v, want transient", err)
	}
	f.phone.err = nil
	if _, err := f.svc.Dial(ctx, "t1", item.ID); err != nil {
		t.Fatalf("retry dial: %v", err)
	}
	if _, err := f.svc.Dial(ctx, "t1", item.ID); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("double dial err = %v, want conflict", err)
	}
	if _, err := f.svc.HandleCallStatus(ctx, "t1", &CallStatusUpdate{ItemID: item.ID, CallID: "other", Status: "completed"}); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("mismatched call id err = %v", err)
	}
}

func TestDialDoesNotStrandItems(t *testing.T) {
	t.Run("no phone", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		item := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "unknown", Persona: "gianna"})

		if _, err := f.svc.Dial(ctx, "t1", item.ID); !apperr.IsCode(err, apperr.CodeValidation) {
			t.Fatalf("err = %v, want validation", err)
		}
		got, _ := f.svc.Get(ctx, "t1", item.ID)
		if got.Status != domain.ItemPending || got.Attempts != 0 {
			t.Errorf("item = %s attempts=%d, want untouched pending", got.Status, got.Attempts)
		}
	})

	t.Run("collaborator failure", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		item := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "l1", Persona: "gianna", Phone: "5550102000"})
		f.phone.err = errors.New("carrier unreachable")

		if _, err := f.svc.Dial(ctx, "t1", item.ID); !apperr.IsCode(err, apperr.CodeTransient) {
			t.Fatalf("err = %v, want transient", err)
		}
		got, _ := f.svc.Get(ctx, "t1", item.ID)
		if got.Status != domain.ItemPending || got.CallID != "" {
			t.Errorf("item = %s call=%q, want pending without call", got.Status, got.CallID)
		}
		next, err := f.svc.ClaimNext(ctx, "t1", "gianna", "")
		if err != nil || next == nil || next.ID != item.ID {
			t.Errorf("released item not claimable: %v, %v", next, err)
		}
	})

	t.Run("session item stays with the session", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		item := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "l1", Persona: "gianna", Phone: "5550102000"})
		if _, err := f.svc.StartAssistant(ctx, "t1", "gianna", ""); err != nil {
			t.Fatal(err)
		}
		f.phone.err = errors.New("carrier unreachable")

		if _, err := f.svc.Dial(ctx, "t1", item.ID); err == nil {
			t.Fatal("expected dial error")
		}
		if got, _ := f.svc.Get(ctx, "t1", item.ID); got.Status != domain.ItemInProgress {
			t.Errorf("session item = %s, want in_progress", got.Status)
		}
	})
}

// =============================================================================
// Assistant sessions
// =============================================================================

func TestAssistantSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "a", Persona: "gianna", BasePriority: intPtr(8)})
	b := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "b", Persona: "gianna"})
	r := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "r", Persona: "gianna", Lane: "retarget"})

	view, err := f.svc.StartAssistant(ctx, "t1", "gianna", "initial")
	if err != nil {
		t.Fatal(err)
	}
	if view.Current == nil || view.Current.ID != a.ID || !view.State.Active {
		t.Fatalf("start = %+v", view)
	}

	view, err = f.svc.Advance(ctx, "t1", "gianna", &AdvanceRequest{Notes: "booked"})
	if err != nil {
		t.Fatal(err)
	}
	if view.Current == nil || view.Current.ID != b.ID {
		t.Fatalf("advance claimed %v, want %s", view.Current, b.ID)
	}
	if done, _ := f.svc.Get(ctx, "t1", a.ID); done.Status != domain.ItemCompleted || done.Notes != "booked" {
		t.Errorf("first item = %s %q", done.Status, done.Notes)
	}

	view, err = f.svc.SwitchLane(ctx, "t1", "gianna", "retarget")
	if err != nil {
		t.Fatal(err)
	}
	if view.Current == nil || view.Current.ID != r.ID || view.State.Lane != domain.LaneRetarget {
		t.Fatalf("switch = %+v", view)
	}
	if released, _ := f.svc.Get(ctx, "t1", b.ID); released.Status != domain.ItemPending {
		t.Errorf("switching lanes left %s in %s", b.ID, released.Status)
	}
	if _, err := f.svc.SwitchLane(ctx, "t1", "gianna", "nudger"); !apperr.IsCode(err, apperr.CodeInvalidLane) {
		t.Errorf("disallowed lane err = %v", err)
	}

	// A placed call cannot be recalled: stopping keeps the item in progress.
	if _, err := f.svc.Dial(ctx, "t1", r.ID); err != nil {
		t.Fatal(err)
	}
	view, err = f.svc.StopAssistant(ctx, "t1", "gianna")
	if err != nil {
		t.Fatal(err)
	}
	if view.State.Active || view.State.CurrentItemID != "" {
		t.Errorf("stopped state = %+v", view.State)
	}
	if inFlight, _ := f.svc.Get(ctx, "t1", r.ID); inFlight.Status != domain.ItemInProgress {
		t.Errorf("in-flight item = %s, want in_progress", inFlight.Status)
	}
	c := view.State.Counters
	if c.Claimed != 3 || c.Completed != 1 {
		t.Errorf("counters = %+v", c)
	}

	if _, err := f.svc.Advance(ctx, "t1", "gianna", nil); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("advance on stopped session err = %v", err)
	}
}

func TestRescheduleRejectsInProgressItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "a", Persona: "gianna", BasePriority: intPtr(9)})
	b := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "b", Persona: "gianna"})

	if _, err := f.svc.StartAssistant(ctx, "t1", "gianna", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Reschedule(ctx, "t1", a.ID, &RescheduleRequest{Delay: "1h"}); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Fatalf("reschedule of current item err = %v, want conflict", err)
	}

	// Pending items may still have their due time moved.
	if _, err := f.svc.Reschedule(ctx, "t1", b.ID, &RescheduleRequest{Delay: "0s"}); err != nil {
		t.Fatalf("reschedule pending: %v", err)
	}

	view, err := f.svc.Advance(ctx, "t1", "gianna", nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if view.Current == nil || view.Current.ID != b.ID {
		t.Errorf("advance claimed %v, want %s", view.Current, b.ID)
	}
}

// slowSessions widens the window between reading and saving a session.
type slowSessions struct {
	*memory.CallQueueStore
	delay time.Duration
}

func (s *slowSessions) GetAssistant(ctx context.Context, tenantID string, persona domain.Persona) (*domain.AssistantState, error) {
	st, err := s.CallQueueStore.GetAssistant(ctx, tenantID, persona)
	time.Sleep(s.delay)
	return st, err
}

func TestConcurrentAdvanceLeavesNoOrphans(t *testing.T) {
	f := newFixture(t)
	store := &slowSessions{CallQueueStore: f.store, delay: 5 * time.Millisecond}
	f.svc = NewService(Deps{
		Store:  store,
		Leads:  f.leads,
		IDs:    &seqIDs{},
		Config: Config{Concurrency: 4},
		Now:    f.clock.Now,
	})
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		f.enqueue(t, "t1", &EnqueueRequest{LeadID: fmt.Sprintf("lead-%d", i), Persona: "gianna"})
	}
	if _, err := f.svc.StartAssistant(ctx, "t1", "gianna", ""); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Advance(ctx, "t1", "gianna", nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !apperr.IsCode(err, apperr.CodeConflict) {
			t.Errorf("advance err = %v, want success or conflict", err)
		}
	}

	state, err := f.store.GetAssistant(ctx, "t1", domain.PersonaGianna)
	if err != nil {
		t.Fatal(err)
	}
	items, _ := f.store.List(ctx, "t1")
	var inProgress []string
	for _, it := range items {
		if it.Status == domain.ItemInProgress {
			inProgress = append(inProgress, it.ID)
		}
	}
	if len(inProgress) != 1 || inProgress[0] != state.CurrentItemID {
		t.Errorf("in progress = %v, session current = %q", inProgress, state.CurrentItemID)
	}
}

func TestStopReleasesUndialedItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "a", Persona: "sabrina"})

	if _, err := f.svc.StartAssistant(ctx, "t1", "sabrina", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.StopAssistant(ctx, "t1", "sabrina"); err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.Get(ctx, "t1", item.ID)
	if got.Status != domain.ItemPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestAdvanceCountsCallbackOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "a", Persona: "cathy", Lane: "nudger", Phone: "5550102000"})

	if _, err := f.svc.StartAssistant(ctx, "t1", "cathy", "nudger"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Dial(ctx, "t1", item.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.HandleCallStatus(ctx, "t1", &CallStatusUpdate{ItemID: item.ID, Status: "busy"}); err != nil {
		t.Fatal(err)
	}
	view, err := f.svc.Advance(ctx, "t1", "cathy", nil)
	if err != nil {
		t.Fatal(err)
	}
	if view.State.Counters.Failed != 1 || view.State.Counters.Completed != 0 || view.Current != nil {
		t.Errorf("view = %+v counters = %+v", view, view.State.Counters)
	}
}

// =============================================================================
// Housekeeping
// =============================================================================

func TestStatsAndClearing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.enqueue(t, "t1", &EnqueueRequest{LeadID: "a", Persona: "gianna"})
	f.enqueue(t, "t1", &EnqueueRequest{LeadID: "b", Persona: "cathy", Lane: "nudger"})
	later := f.clock.Now().Add(time.Hour)
	f.enqueue(t, "t1", &EnqueueRequest{LeadID: "b", Persona: "sabrina", ScheduledAt: &later})

	if _, err := f.svc.ClaimItem(ctx, "t1", a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Complete(ctx, "t1", a.ID, nil); err != nil {
		t.Fatal(err)
	}

	stats, err := f.svc.Stats(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.ByStatus[domain.ItemCompleted] != 1 || stats.DueNow != 1 || stats.ByPersona[domain.PersonaCathy] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if n, _ := f.svc.ClearCompleted(ctx, "t1"); n != 1 {
		t.Errorf("ClearCompleted = %d", n)
	}
	if n, _ := f.svc.RemoveByLead(ctx, "t1", "b"); n != 2 {
		t.Errorf("RemoveByLead = %d", n)
	}
	if _, err := f.svc.ClearPersona(ctx, "t1", "nobody"); !apperr.IsCode(err, apperr.CodeInvalidPersona) {
		t.Errorf("ClearPersona err = %v", err)
	}
}
