package thread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"engage_server/core/domain"
	"engage_server/core/port/out"
	"engage_server/pkg/apperr"
)

type fakeThreads struct {
	mu      sync.Mutex
	threads map[string]*domain.Thread
	failOn  string
	updates int
}

func newFakeThreads(threads ...*domain.Thread) *fakeThreads {
	f := &fakeThreads{threads: map[string]*domain.Thread{}}
	for _, th := range threads {
		f.threads[th.TenantID+"/"+th.ID] = th
	}
	return f
}

func (f *fakeThreads) Get(_ context.Context, tenantID, threadID string) (*domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[tenantID+"/"+threadID]
	if !ok {
		return nil, out.ErrNotFound
	}
	cp := *th
	return &cp, nil
}

func (f *fakeThreads) ListOpenByLead(_ context.Context, tenantID, leadID string) ([]*domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []*domain.Thread
	for _, th := range f.threads {
		if th.TenantID == tenantID && th.LeadID == leadID && th.Status == domain.ThreadOpen {
			cp := *th
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (f *fakeThreads) MergeUpdate(_ context.Context, tenantID, threadID string, status domain.ThreadStatus, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if threadID == f.failOn {
		return errors.New("db down")
	}
	th, ok := f.threads[tenantID+"/"+threadID]
	if !ok {
		return out.ErrNotFound
	}
	if th.Metadata == nil {
		th.Metadata = map[string]any{}
	}
	for k, v := range patch {
		th.Metadata[k] = v
	}
	th.Status = status
	f.updates++
	return nil
}

type fakeLeads struct {
	leads map[string]*domain.Lead
}

func (f *fakeLeads) Get(_ context.Context, tenantID, leadID string) (*domain.Lead, error) {
	l, ok := f.leads[tenantID+"/"+leadID]
	if !ok {
		return nil, out.ErrNotFound
	}
	return l.Clone(), nil
}

func (f *fakeLeads) GetMany(context.Context, string, []string) (map[string]*domain.Lead, error) {
	return nil, nil
}

func (f *fakeLeads) Upsert(context.Context, *domain.Lead) error { return nil }

func (f *fakeLeads) ApplyLabels(context.Context, string, string, []domain.CanonicalLabel, int, bool) (*domain.Lead, error) {
	return nil, nil
}

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestDetectRequestedData(t *testing.T) {
	tests := []struct {
		text string
		want domain.RequestedData
	}{
		{"What's the best email to send the valuation to?", domain.RequestedEmail},
		{"Can you share your e-mail?", domain.RequestedEmail},
		{"What's the best number to reach you at?", domain.RequestedPhone},
		{"Is this your cell?", domain.RequestedPhone},
		{"Send me your email and mobile please", domain.RequestedBoth},
		{"Thanks for getting back to me!", domain.RequestedNone},
		{"", domain.RequestedNone},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := DetectRequestedData(tt.text); got != tt.want {
				t.Errorf("DetectRequestedData(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

func TestDataSatisfiesRequest(t *testing.T) {
	email := domain.CapturedData{Email: "a@b.co"}
	phone := domain.CapturedData{Phone: "5551234567"}
	both := domain.CapturedData{Email: "a@b.co", Phone: "5551234567"}

	tests := []struct {
		name      string
		requested domain.RequestedData
		captured  domain.CapturedData
		want      bool
	}{
		{"email with email", domain.RequestedEmail, email, true},
		{"email with phone only", domain.RequestedEmail, phone, false},
		{"phone with phone", domain.RequestedPhone, phone, true},
		{"both with email only", domain.RequestedBoth, email, false},
		{"both with both", domain.RequestedBoth, both, true},
		{"none never satisfied", domain.RequestedNone, both, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DataSatisfiesRequest(tt.requested, tt.captured); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled is a no-op", func(t *testing.T) {
		threads := newFakeThreads(&domain.Thread{ID: "th1", TenantID: "t1", Status: domain.ThreadOpen, LastOutboundText: "best email?"})
		r := NewResolver(threads, nil, nil, Config{AutoResolve: false})
		th, _ := threads.Get(ctx, "t1", "th1")

		res, err := r.Evaluate(ctx, th, domain.CapturedData{Email: "a@b.co"})
		if err != nil || !res.Skipped || res.Reason != ReasonDisabled {
			t.Fatalf("res = %+v, err = %v", res, err)
		}
		if threads.updates != 0 {
			t.Error("disabled resolver wrote to the thread")
		}
	})

	t.Run("nothing requested is a no-op", func(t *testing.T) {
		threads := newFakeThreads(&domain.Thread{ID: "th1", TenantID: "t1", Status: domain.ThreadOpen, LastOutboundText: "Thanks!"})
		r := NewResolver(threads, nil, nil, Config{AutoResolve: true})
		th, _ := threads.Get(ctx, "t1", "th1")

		res, _ := r.Evaluate(ctx, th, domain.CapturedData{Email: "a@b.co"})
		if !res.Skipped || res.Reason != ReasonNothingRequested || threads.updates != 0 {
			t.Fatalf("res = %+v, updates = %d", res, threads.updates)
		}
	})

	t.Run("satisfied resolves with metadata", func(t *testing.T) {
		threads := newFakeThreads(&domain.Thread{ID: "th1", TenantID: "t1", LeadID: "l1", Status: domain.ThreadOpen, LastOutboundText: "What's your email?"})
		r := NewResolver(threads, nil, nil, Config{AutoResolve: true}).WithClock(func() time.Time { return fixedNow })
		th, _ := threads.Get(ctx, "t1", "th1")

		res, err := r.Evaluate(ctx, th, domain.CapturedData{Email: "john@x.com"})
		if err != nil || !res.Resolved {
			t.Fatalf("res = %+v, err = %v", res, err)
		}
		stored, _ := threads.Get(ctx, "t1", "th1")
		if stored.Status != domain.ThreadResolved {
			t.Errorf("status = %s", stored.Status)
		}
		md := stored.Metadata
		if md[domain.MetaAutoResolved] != true || md[domain.MetaRequestedData] != "email" || md[domain.MetaCapturedEmail] != "john@x.com" {
			t.Errorf("metadata = %v", md)
		}
		if md[domain.MetaResolvedAt] != "2026-05-01T12:00:00Z" {
			t.Errorf("resolved_at = %v", md[domain.MetaResolvedAt])
		}
	})

	t.Run("unrelated data leaves the thread open", func(t *testing.T) {
		threads := newFakeThreads(&domain.Thread{ID: "th1", TenantID: "t1", Status: domain.ThreadOpen, LastOutboundText: "Send your email and best number"})
		r := NewResolver(threads, nil, nil, Config{AutoResolve: true})
		th, _ := threads.Get(ctx, "t1", "th1")

		res, _ := r.Evaluate(ctx, th, domain.CapturedData{Email: "a@b.co"})
		if res.Resolved || len(res.Missing) != 1 || res.Missing[0] != "phone" {
			t.Fatalf("res = %+v", res)
		}
		if threads.updates != 0 {
			t.Error("partial data should not resolve")
		}
	})
}

func TestEvaluateByIDUsesCaptureLabels(t *testing.T) {
	ctx := context.Background()
	threads := newFakeThreads(
		&domain.Thread{ID: "th1", TenantID: "t1", LeadID: "l1", Status: domain.ThreadOpen, LastOutboundText: "what's your cell?"},
		&domain.Thread{ID: "th2", TenantID: "t1", LeadID: "l2", Status: domain.ThreadOpen, LastOutboundText: "what's your cell?"},
	)
	leads := &fakeLeads{leads: map[string]*domain.Lead{
		// Phone on file without a capture label.
		"t1/l1": {ID: "l1", TenantID: "t1", Phone: "5551234567"},
		"t1/l2": {ID: "l2", TenantID: "t1", Phone: "5559876543", Labels: []domain.CanonicalLabel{domain.LabelMobileCaptured}},
	}}
	r := NewResolver(threads, leads, nil, Config{AutoResolve: true})

	res, err := r.EvaluateByID(ctx, "t1", "th1", domain.CapturedData{})
	if err != nil || res.Resolved {
		t.Errorf("th1 = %+v, %v; a pre-existing phone must not resolve", res, err)
	}
	res, err = r.EvaluateByID(ctx, "t1", "th2", domain.CapturedData{})
	if err != nil || !res.Resolved {
		t.Errorf("th2 = %+v, %v", res, err)
	}

	if _, err := r.EvaluateByID(ctx, "t2", "th1", domain.CapturedData{}); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("cross-tenant err = %v", err)
	}
}

func TestEvaluateManyIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	var threads []*domain.Thread
	for _, id := range []string{"a", "b", "c", "d"} {
		threads = append(threads, &domain.Thread{ID: id, TenantID: "t1", LeadID: "l1", Status: domain.ThreadOpen, LastOutboundText: "your email?"})
	}
	repo := newFakeThreads(threads...)
	repo.failOn = "c"
	leads := &fakeLeads{leads: map[string]*domain.Lead{
		"t1/l1": {ID: "l1", TenantID: "t1", Email: "x@y.com", Labels: []domain.CanonicalLabel{domain.LabelEmailCaptured}},
	}}
	r := NewResolver(repo, leads, nil, Config{AutoResolve: true, Concurrency: 2})

	batch, err := r.EvaluateMany(ctx, "t1", []string{"a", "b", "c", "d", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if batch.Resolved != 3 || batch.Failed != 2 {
		t.Errorf("resolved=%d failed=%d, want 3/2", batch.Resolved, batch.Failed)
	}
	if len(batch.Results) != 5 || batch.Results[2].ThreadID != "c" || batch.Results[2].Error == "" {
		t.Errorf("results = %+v", batch.Results)
	}
}

func TestResolveOpenForLead(t *testing.T) {
	ctx := context.Background()
	repo := newFakeThreads(
		&domain.Thread{ID: "a", TenantID: "t1", LeadID: "l1", Status: domain.ThreadOpen, LastOutboundText: "email?"},
		&domain.Thread{ID: "b", TenantID: "t1", LeadID: "l1", Status: domain.ThreadResolved, LastOutboundText: "email?"},
		&domain.Thread{ID: "c", TenantID: "t1", LeadID: "l2", Status: domain.ThreadOpen, LastOutboundText: "email?"},
	)
	r := NewResolver(repo, nil, nil, Config{AutoResolve: true})

	res, err := r.ResolveOpenForLead(ctx, "t1", "l1", domain.CapturedData{Email: "a@b.co"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || !res[0].Resolved || res[0].ThreadID != "a" {
		t.Errorf("res = %+v", res)
	}
}

func TestResolveOpenForLeadIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	repo := newFakeThreads(
		&domain.Thread{ID: "a", TenantID: "t1", LeadID: "l1", Status: domain.ThreadOpen, LastOutboundText: "email?"},
		&domain.Thread{ID: "b", TenantID: "t1", LeadID: "l1", Status: domain.ThreadOpen, LastOutboundText: "email?"},
		&domain.Thread{ID: "c", TenantID: "t1", LeadID: "l1", Status: domain.ThreadOpen, LastOutboundText: "email?"},
	)
	repo.failOn = "b"
	r := NewResolver(repo, nil, nil, Config{AutoResolve: true})

	res, err := r.ResolveOpenForLead(ctx, "t1", "l1", domain.CapturedData{Email: "a@b.co"})
	if err == nil {
		t.Error("expected the failing thread to surface in the error")
	}
	if len(res) != 3 {
		t.Fatalf("results = %d, want 3", len(res))
	}
	resolved := 0
	for _, r := range res {
		switch {
		case r.ThreadID == "b":
			if r.Resolved || r.Error == "" {
				t.Errorf("failing thread result = %+v", r)
			}
		case r.Resolved:
			resolved++
		}
	}
	if resolved != 2 {
		t.Errorf("resolved = %d, want 2 despite the failure", resolved)
	}
	for _, id := range []string{"a", "c"} {
		th, _ := repo.Get(ctx, "t1", id)
		if th.Status != domain.ThreadResolved {
			t.Errorf("thread %s status = %s", id, th.Status)
		}
	}
}
