package common

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunBatchIsolatesFailures(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6}
	results := RunBatch(context.Background(), items, 2, func(_ context.Context, n int) (int, error) {
		if n == 3 {
			return 0, errors.New("boom")
		}
		if n == 5 {
			panic("bad item")
		}
		return n * 10, nil
	})

	if len(results) != len(items) {
		t.Fatalf("got %d results, want %d", len(results), len(items))
	}
	for i, r := range results {
		if r.Input != items[i] {
			t.Errorf("result %d input = %d, order not preserved", i, r.Input)
		}
		switch r.Input {
		case 3, 5:
			if r.Err == nil {
				t.Errorf("item %d should carry an error", r.Input)
			}
		default:
			if r.Err != nil || r.Value != r.Input*10 {
				t.Errorf("item %d = %d, %v", r.Input, r.Value, r.Err)
			}
		}
	}
	if got := CountFailures(results); got != 2 {
		t.Errorf("CountFailures = %d, want 2", got)
	}
}

func TestRunBatchRespectsLimit(t *testing.T) {
	var inFlight, peak int32
	items := make([]int, 20)

	RunBatch(context.Background(), items, 3, func(_ context.Context, _ int) (struct{}, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return struct{}{}, nil
	})

	if peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
}

func TestRunBatchCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := RunBatch(ctx, []string{"a", "b"}, 1, func(_ context.Context, s string) (string, error) {
		return s, nil
	})
	for _, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("item %s err = %v, want context.Canceled", r.Input, r.Err)
		}
	}
}
