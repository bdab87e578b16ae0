package resilience

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

var errUpstream = errors.New("upstream down")

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	cb := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 3, Timeout: time.Hour}, nil)

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (any, error) { return nil, errUpstream })
		if !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	called := false
	_, err := cb.Execute(func() (any, error) { called = true; return nil, nil })
	if called {
		t.Error("open breaker ran the request")
	}
	if !IsOpen(err) {
		t.Errorf("IsOpen(%v) = false", err)
	}
}

func TestBreakerIgnoresSuccessfulErrors(t *testing.T) {
	errRejected := errors.New("rejected")
	cb := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 2, Timeout: time.Hour},
		func(err error) bool { return err == nil || errors.Is(err, errRejected) })

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (any, error) { return nil, fmt.Errorf("call %d: %w", i, errRejected) })
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestIsOpen(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{gobreaker.ErrOpenState, true},
		{fmt.Errorf("dial: %w", gobreaker.ErrTooManyRequests), true},
		{errUpstream, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsOpen(tt.err); got != tt.want {
			t.Errorf("IsOpen(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
