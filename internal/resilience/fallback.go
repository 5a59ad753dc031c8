package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or
// was skipped by its breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker; Name is set
	// per entry.
	CircuitBreaker CircuitBreakerConfig

	// AttemptTimeout bounds each provider attempt. An attempt that runs out
	// of time counts as a failure and the next entry is tried. Zero leaves
	// attempts bounded only by the caller's context.
	AttemptTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// EntryStatus reports one provider of a group.
type EntryStatus struct {
	Name  string `json:"name"`
	State State  `json:"-"`
	// Breaker is State as text.
	Breaker  string     `json:"breaker"`
	Failures int        `json:"failures"`
	RetryAt  *time.Time `json:"retry_at,omitempty"`
}

// FallbackGroup is an ordered chain of interchangeable providers, each with
// its own breaker. Entries must be added before the group is shared; after
// that it is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg, log: cfg.Logger}
	if fg.log == nil {
		fg.log = slog.Default()
	}
	if fg.cfg.CircuitBreaker.Logger == nil {
		fg.cfg.CircuitBreaker.Logger = fg.log
	}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry to the chain.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{name: name, value: fallback, breaker: NewCircuitBreaker(cb)})
}

// Primary returns the first entry.
func (fg *FallbackGroup[T]) Primary() T {
	return fg.entries[0].value
}

// Status lists every entry with its breaker state.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, len(fg.entries))
	for i, e := range fg.entries {
		snap := e.breaker.Snapshot()
		out[i] = EntryStatus{Name: e.name, State: snap.State, Breaker: snap.State.String(), Failures: snap.Failures}
		if !snap.RetryAt.IsZero() {
			retry := snap.RetryAt
			out[i].RetryAt = &retry
		}
	}
	return out
}

// Execute runs fn against each entry in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// ExecuteWithResult runs fn against each entry in order and returns the
// first successful result. fn receives the attempt context, which carries
// the group's AttemptTimeout and is cancelled when fn returns. Entries with
// an open breaker are skipped. The walk stops as soon as ctx is done and
// returns that error unwrapped; otherwise exhausting the chain returns
// [ErrAllFailed] wrapping the last error.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	var lastErr error
	for i := range fg.entries {
		e := &fg.entries[i]
		done, err := e.breaker.Allow()
		if err != nil {
			fg.log.Debug("provider skipped, circuit open", "provider", e.name)
			lastErr = fmt.Errorf("%s: %w", e.name, err)
			continue
		}

		res, err := attempt(ctx, fg.cfg.AttemptTimeout, e.value, fn)
		if err != nil && ctx.Err() != nil {
			// The caller gave up: release the breaker without a verdict.
			done(context.Canceled)
			return zero, err
		}
		done(err)
		if err == nil {
			if i > 0 {
				fg.log.Info("provider fallback served request", "provider", e.name, "position", i)
			}
			return res, nil
		}
		fg.log.Warn("provider failed, trying next", "provider", e.name, "err", err)
		lastErr = fmt.Errorf("%s: %w", e.name, err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func attempt[T, R any](ctx context.Context, timeout time.Duration, v T, fn func(context.Context, T) (R, error)) (R, error) {
	if timeout <= 0 {
		return fn(ctx, v)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx, v)
}
