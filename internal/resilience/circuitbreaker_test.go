package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// transitionLog records OnStateChange calls.
type transitionLog struct {
	mu  sync.Mutex
	got []string
}

func (l *transitionLog) record(_ string, from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, from.String()+"->"+to.String())
}

func (l *transitionLog) Transitions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}

func newTestBreaker(clock *fakeClock, log *transitionLog) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "gemini",
		MaxFailures:   3,
		ResetTimeout:  time.Minute,
		HalfOpenMax:   2,
		Neutral:       func(err error) bool { return errors.Is(err, context.Canceled) },
		OnStateChange: log.record,
		Now:           clock.Now,
	})
}

func fail(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(func() error { return errTest })
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.cfg.MaxFailures != 5 {
		t.Errorf("MaxFailures = %d, want 5", cb.cfg.MaxFailures)
	}
	if cb.cfg.ResetTimeout != 30*time.Second {
		t.Errorf("ResetTimeout = %v, want 30s", cb.cfg.ResetTimeout)
	}
	if cb.cfg.HalfOpenMax != 3 {
		t.Errorf("HalfOpenMax = %d, want 3", cb.cfg.HalfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
	if cb.Name() != "test" {
		t.Errorf("Name = %q, want test", cb.Name())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	log := &transitionLog{}
	cb := newTestBreaker(newFakeClock(), log)

	fail(cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after 2 failures, want closed", cb.State())
	}
	fail(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after 3 failures, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while the breaker was open")
	}
	if got := log.Transitions(); len(got) != 1 || got[0] != "closed->open" {
		t.Errorf("transitions = %v, want [closed->open]", got)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb := newTestBreaker(newFakeClock(), &transitionLog{})

	// 2 failures, then a success: should not open.
	fail(cb, 2)
	_ = cb.Execute(func() error { return nil })
	fail(cb, 2)

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_NeutralErrorsAreNotCounted(t *testing.T) {
	t.Parallel()

	cb := newTestBreaker(newFakeClock(), &transitionLog{})
	for range 10 {
		err := cb.Execute(func() error { return context.Canceled })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := newTestBreaker(clock, &transitionLog{})
	fail(cb, 3)

	clock.Advance(59 * time.Second)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v before timeout, want open", cb.State())
	}
	clock.Advance(time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v after timeout, want half-open", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenClosesAfterProbes(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	log := &transitionLog{}
	cb := newTestBreaker(clock, log)
	fail(cb, 3)
	clock.Advance(time.Minute)

	for i := range 2 {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	got := log.Transitions()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := newTestBreaker(clock, &transitionLog{})
	fail(cb, 3)
	clock.Advance(time.Minute)

	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	// The timeout restarts from the failed probe.
	clock.Advance(30 * time.Second)
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_NeutralProbeReturnsSlot(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cb := newTestBreaker(clock, &transitionLog{})
	fail(cb, 3)
	clock.Advance(time.Minute)

	for range 5 {
		_ = cb.Execute(func() error { return context.Canceled })
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	for i := range 2 {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	log := &transitionLog{}
	cb := newTestBreaker(newFakeClock(), log)
	fail(cb, 3)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute after Reset: %v", err)
	}
	got := log.Transitions()
	if len(got) != 2 || got[1] != "open->closed" {
		t.Errorf("transitions = %v", got)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
