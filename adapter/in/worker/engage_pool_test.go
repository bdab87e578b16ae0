package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"engage_server/adapter/out/messaging"
	"engage_server/core/domain"
	"engage_server/pkg/apperr"
	"engage_server/pkg/metrics"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

type recordingAcker struct {
	mu    sync.Mutex
	acked []string
	dead  map[string]string
}

func (a *recordingAcker) Ack(_ context.Context, _, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, id)
	return nil
}

func (a *recordingAcker) DeadLetter(_ context.Context, _, id, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dead == nil {
		a.dead = make(map[string]string)
	}
	a.dead[id] = reason
	return nil
}

func (a *recordingAcker) settled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked) + len(a.dead)
}

// scriptedInbound fails messages by lead id.
type scriptedInbound struct {
	mu    sync.Mutex
	seen  []string
	fails map[string]error
}

func (s *scriptedInbound) Process(_ context.Context, msg *domain.InboundMessage) (*domain.InboundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, msg.LeadID)
	if err := s.fails[msg.LeadID]; err != nil {
		return nil, err
	}
	return &domain.InboundResult{LeadID: msg.LeadID}, nil
}

func delivery(t *testing.T, id, jobType string, payload any) messaging.Delivery {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(messaging.Envelope{Type: jobType, Payload: raw, CreatedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	return messaging.Delivery{Stream: messaging.StreamInbound, ID: id, Data: data, Attempts: 1}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPoolSettlesEntries(t *testing.T) {
	svc := &scriptedInbound{fails: map[string]error{
		"bad":   apperr.MissingField("lead_id"),
		"flaky": apperr.Transient("redis", errors.New("timeout")),
	}}
	acker := &recordingAcker{}
	stats := metrics.NewRegistry(10)
	p := NewPool(NewHandler(NewInboundProcessor(svc)), acker, &PoolConfig{Workers: 2, BatchSize: 1}, stats, zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	ctx := context.Background()
	deliveries := []messaging.Delivery{
		delivery(t, "1-0", JobInbound, domain.InboundMessage{TenantID: "t1", LeadID: "ok", Body: "hi"}),
		delivery(t, "2-0", JobInbound, domain.InboundMessage{TenantID: "t1", LeadID: "bad"}),
		delivery(t, "3-0", JobInbound, domain.InboundMessage{TenantID: "t1", LeadID: "flaky", Body: "hi"}),
		delivery(t, "4-0", "unknown.job", map[string]string{}),
		{Stream: messaging.StreamInbound, ID: "5-0", Data: []byte("not json")},
	}
	for _, d := range deliveries {
		if !p.Deliver(ctx, d) {
			t.Fatalf("delivery %s rejected", d.ID)
		}
	}

	// The flaky entry is neither acked nor dead-lettered.
	waitFor(t, func() bool { return acker.settled() == 4 && stats.Count("worker.failed") == 1 })

	acker.mu.Lock()
	defer acker.mu.Unlock()
	if len(acker.acked) != 1 || acker.acked[0] != "1-0" {
		t.Errorf("acked = %v, want [1-0]", acker.acked)
	}
	for _, id := range []string{"2-0", "4-0", "5-0"} {
		if _, ok := acker.dead[id]; !ok {
			t.Errorf("%s was not dead-lettered (dead = %v)", id, acker.dead)
		}
	}
	if _, ok := acker.dead["3-0"]; ok {
		t.Error("retryable failure was dead-lettered")
	}
}

func TestPoolRejectsWhenStopped(t *testing.T) {
	p := NewPool(NewHandler(NewInboundProcessor(&scriptedInbound{})), &recordingAcker{}, nil, nil, zerolog.Nop())
	if p.Deliver(context.Background(), delivery(t, "1-0", JobInbound, domain.InboundMessage{})) {
		t.Error("unstarted pool accepted a delivery")
	}
}

func TestFromDelivery(t *testing.T) {
	d := delivery(t, "9-1", JobInbound, domain.InboundMessage{TenantID: "t1", LeadID: "l1", Body: "yes"})
	msg, err := FromDelivery(d)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "9-1" || msg.Type != JobInbound || msg.Attempts != 1 {
		t.Errorf("msg = %+v", msg)
	}
	in, err := ParsePayload[domain.InboundMessage](msg)
	if err != nil {
		t.Fatal(err)
	}
	if in.LeadID != "l1" || in.Body != "yes" {
		t.Errorf("payload = %+v", in)
	}
}
