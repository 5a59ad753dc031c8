package turnlog

import (
	"context"
	"strings"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a bounded in-process Store. Once Capacity turns are held
// the oldest are evicted.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	turns    []Turn
}

// NewMemoryStore returns a store holding at most capacity turns. A capacity
// ≤ 0 means 1000.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{capacity: capacity}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.turns) == m.capacity {
		copy(m.turns, m.turns[1:])
		m.turns = m.turns[:len(m.turns)-1]
	}
	m.turns = append(m.turns, t)
	return nil
}

// Find implements Store. Text matching is a case-insensitive substring test.
func (m *MemoryStore) Find(_ context.Context, q Query) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	needle := strings.ToLower(q.Text)
	out := []Turn{}
	for i := len(m.turns) - 1; i >= 0; i-- {
		t := m.turns[i]
		if q.SessionID != "" && t.SessionID != q.SessionID {
			continue
		}
		if !q.Since.IsZero() && t.At.Before(q.Since) {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(t.UserText), needle) &&
			!strings.Contains(strings.ToLower(t.Reply), needle) {
			continue
		}
		out = append(out, t)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
