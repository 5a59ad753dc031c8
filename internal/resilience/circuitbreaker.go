// Package resilience keeps a turn alive when a provider fails: every STT,
// LLM and TTS backend sits behind its own circuit breaker, and a
// [FallbackGroup] walks the configured chain until one answers.
//
// Cancellation is never a provider failure. A reply cut short by barge-in
// or shutdown neither trips a breaker nor moves on to the next provider.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen
	// StateHalfOpen admits one probe call at a time.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take the
// defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels log lines and OnStateChange calls.
	Name string

	// MaxFailures consecutive failures open the breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker rejects calls. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax successful probes close a half-open breaker. Default 1.
	HalfOpenMax int

	// IsFailure selects the errors that count against the breaker. The
	// default counts everything except context cancellation.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	Logger *slog.Logger

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	State State
	// Failures is the current run of consecutive failures.
	Failures int
	// RetryAt is when an open breaker admits its next probe; zero otherwise.
	RetryAt time.Time
}

// CircuitBreaker is a closed/open/half-open breaker. It is safe for
// concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probing   bool
	successes int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{cfg: cfg, log: log.With("breaker", cfg.Name)}
}

// Allow asks for permission to make one call. On success the caller must
// report the outcome through done exactly once; later calls are ignored.
func (cb *CircuitBreaker) Allow() (done func(error), err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && !cb.cfg.Now().Before(cb.openedAt.Add(cb.cfg.ResetTimeout)) {
		cb.state, cb.successes = StateHalfOpen, 0
	}
	probe := false
	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.probing, probe = true, true
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)

	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.record(err, probe) })
	}, nil
}

// Execute runs fn when the breaker allows it and records the result.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

func (cb *CircuitBreaker) record(err error, probe bool) {
	cb.mu.Lock()
	from := cb.state
	if probe {
		cb.probing = false
	}
	switch {
	case err == nil:
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.HalfOpenMax {
				cb.state = StateClosed
			}
		}
	case cb.cfg.IsFailure(err):
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.state, cb.openedAt = StateOpen, cb.cfg.Now()
		}
	}
	to, failures := cb.state, cb.failures
	cb.mu.Unlock()

	if from != to {
		if to == StateOpen {
			cb.log.Warn("circuit breaker opened", "consecutive_failures", failures, "err", err)
		} else {
			cb.log.Info("circuit breaker closed")
		}
	}
	cb.notify(from, to)
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports half-open; the switch itself happens on the next Allow.
func (cb *CircuitBreaker) State() State {
	return cb.Snapshot().State
}

// Snapshot returns the breaker's state and failure count.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := BreakerSnapshot{State: cb.state, Failures: cb.failures}
	if cb.state == StateOpen {
		s.RetryAt = cb.openedAt.Add(cb.cfg.ResetTimeout)
		if !cb.cfg.Now().Before(s.RetryAt) {
			s.State, s.RetryAt = StateHalfOpen, time.Time{}
		}
	}
	return s
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state, cb.failures, cb.successes, cb.probing = StateClosed, 0, 0, false
	cb.mu.Unlock()
	if from != StateClosed {
		cb.log.Info("circuit breaker reset")
	}
	cb.notify(from, StateClosed)
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
