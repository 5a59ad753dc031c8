package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock, maxFailures, halfOpenMax int) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: time.Minute,
		HalfOpenMax:  halfOpenMax,
		Now:          clock.Now,
	})
}

func fail(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(func() error { return errTest })
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 1 {
		t.Errorf("defaults = %d failures, %v reset, %d probes; want 5, 30s, 1",
			cb.cfg.MaxFailures, cb.cfg.ResetTimeout, cb.cfg.HalfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Opens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 3, 1)

	fail(cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", cb.State())
	}
	fail(cb, 1)
	snap := cb.Snapshot()
	if snap.State != StateOpen || snap.Failures != 3 {
		t.Fatalf("snapshot = %+v, want open with 3 failures", snap)
	}
	if want := clock.Now().Add(time.Minute); !snap.RetryAt.Equal(want) {
		t.Errorf("RetryAt = %v, want %v", snap.RetryAt, want)
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("Execute on open breaker = %v (called %v), want ErrCircuitOpen without calling", err, called)
	}
}

func TestCircuitBreaker_SuccessResetsRun(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 3, 1)
	fail(cb, 2)
	_ = cb.Execute(func() error { return nil })
	fail(cb, 2)
	if got := cb.Snapshot(); got.State != StateClosed || got.Failures != 2 {
		t.Errorf("snapshot = %+v, want closed with a run of 2", got)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	tests := []struct {
		name        string
		halfOpenMax int
		probes      []error
		want        State
	}{
		{"single probe closes", 1, []error{nil}, StateClosed},
		{"needs two probes", 2, []error{nil}, StateHalfOpen},
		{"two probes close", 2, []error{nil, nil}, StateClosed},
		{"failed probe reopens", 2, []error{nil, errTest}, StateOpen},
		{"cancelled probe is neutral", 1, []error{context.Canceled}, StateHalfOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			cb := newTestBreaker(clock, 1, tt.halfOpenMax)
			fail(cb, 1)
			clock.Advance(time.Minute)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state after reset timeout = %v, want half-open", cb.State())
			}
			for i, perr := range tt.probes {
				if err := cb.Execute(func() error { return perr }); !errors.Is(err, perr) {
					t.Fatalf("probe %d: Execute = %v, want %v", i, err, perr)
				}
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1, 1)
	fail(cb, 1)
	clock.Advance(time.Minute)

	done, err := cb.Allow()
	if err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if _, err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second concurrent probe = %v, want ErrCircuitOpen", err)
	}
	done(nil)
	done(errTest) // ignored
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 1, 1)
	fail(cb, 1)
	cb.Reset()
	if got := cb.Snapshot(); got.State != StateClosed || got.Failures != 0 {
		t.Errorf("snapshot after Reset = %+v, want closed with no failures", got)
	}
}

func TestCircuitBreaker_IsFailure(t *testing.T) {
	tests := []struct {
		name      string
		isFailure func(error) bool
		err       error
		wantOpen  bool
	}{
		{"default counts errors", nil, errTest, true},
		{"default ignores cancellation", nil, fmt.Errorf("tts: %w", context.Canceled), false},
		{"default counts deadline", nil, context.DeadlineExceeded, true},
		{"custom ignores", func(err error) bool { return !errors.Is(err, errTest) }, errTest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, IsFailure: tt.isFailure})
			_ = cb.Execute(func() error { return tt.err })
			if got := cb.State() == StateOpen; got != tt.wantOpen {
				t.Errorf("open = %v, want %v", got, tt.wantOpen)
			}
		})
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	clock := newFakeClock()
	var got []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "piper",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          clock.Now,
		OnStateChange: func(name string, from, to State) {
			got = append(got, fmt.Sprintf("%s:%v->%v", name, from, to))
		},
	})

	fail(cb, 1)
	clock.Advance(time.Second)
	_ = cb.Execute(func() error { return nil })

	want := []string{"piper:closed->open", "piper:open->half-open", "piper:half-open->closed"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
