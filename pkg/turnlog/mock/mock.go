// Package mock provides a configurable test double for [turnlog.Store].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hark/pkg/turnlog"
)

// Store records appended turns and returns configured errors.
type Store struct {
	mu sync.Mutex

	// AppendErr is returned by Append when non-nil; the turn is still
	// recorded.
	AppendErr error

	// FindResult is returned by Find. When nil the recorded turns are
	// returned newest first.
	FindResult []turnlog.Turn

	// FindErr is returned by Find when non-nil.
	FindErr error

	turns      []turnlog.Turn
	queries    []turnlog.Query
	closeCalls int
}

var _ turnlog.Store = (*Store)(nil)

// Append implements [turnlog.Store].
func (s *Store) Append(_ context.Context, t turnlog.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
	return s.AppendErr
}

// Find implements [turnlog.Store].
func (s *Store) Find(_ context.Context, q turnlog.Query) ([]turnlog.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	if s.FindResult != nil {
		return s.FindResult, nil
	}
	out := make([]turnlog.Turn, 0, len(s.turns))
	for i := len(s.turns) - 1; i >= 0; i-- {
		out = append(out, s.turns[i])
	}
	return out, nil
}

// Close implements [turnlog.Store].
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

// Turns returns every appended turn in order.
func (s *Store) Turns() []turnlog.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]turnlog.Turn(nil), s.turns...)
}

// Queries returns every query passed to Find in order.
func (s *Store) Queries() []turnlog.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]turnlog.Query(nil), s.queries...)
}

// CloseCalls returns how many times Close was called.
func (s *Store) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
