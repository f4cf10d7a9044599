package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock, transitions *[]State) *CircuitBreaker {
	cb := NewCircuitBreaker(Settings{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
		OnStateChange: func(_ string, _ State, to State) {
			*transitions = append(*transitions, to)
		},
	})
	cb.now = clock.now
	return cb
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var transitions []State
	cb := newTestBreaker(clock, &transitions)

	fail := func() error { return errBoom }
	succeed := func() error { return nil }

	if err := cb.Execute(fail); !errors.Is(err, errBoom) {
		t.Fatalf("first failure: got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("one failure should not trip, state %s", cb.State())
	}
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected OPEN after two failures, got %s", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitBreakerOpen) || called {
		t.Fatalf("open breaker must reject without calling, err=%v called=%v", err, called)
	}

	clock.advance(11 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after timeout, got %s", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected CLOSED after successful probe, got %s", cb.State())
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var transitions []State
	cb := newTestBreaker(clock, &transitions)

	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return errBoom })
	clock.advance(11 * time.Second)

	if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe should run and fail, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("failed probe should reopen, got %s", cb.State())
	}
}

func TestCircuitBreakerPanicCountsAsFailure(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var transitions []State
	cb := newTestBreaker(clock, &transitions)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = cb.Execute(func() error { panic("relay exploded") })
	}()

	if got := cb.Counts().ConsecutiveFailures; got != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", got)
	}
}
