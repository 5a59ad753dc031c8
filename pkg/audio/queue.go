package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Source is the consumer side of a capture queue. The endpointer and the
// barge-in classifier read frames through it.
type Source interface {
	// Next waits up to timeout for a frame. ok is false when the timeout
	// elapsed without a frame. The error is non-nil only when ctx is done.
	Next(ctx context.Context, timeout time.Duration) (f Frame, ok bool, err error)

	// TryNext returns a queued frame without waiting.
	TryNext() (Frame, bool)

	// Drain discards every queued frame and returns how many were dropped.
	Drain() int
}

var _ Source = (*FrameQueue)(nil)

// FrameQueue is a bounded frame buffer between a capture callback and its
// consumers. Push never blocks: when the queue is full the oldest frame is
// discarded to make room for the newest one.
type FrameQueue struct {
	ch chan Frame

	// pushMu serialises producers so that drop-oldest followed by the
	// retried send is atomic with respect to other pushes.
	pushMu  sync.Mutex
	pushed  atomic.Uint64
	dropped atomic.Uint64
	onDrop  func()
}

// QueueOption configures a [FrameQueue].
type QueueOption func(*FrameQueue)

// WithDropHook registers fn to be called once for every frame discarded on
// overflow. fn runs on the producer goroutine and must not block.
func WithDropHook(fn func()) QueueOption {
	return func(q *FrameQueue) { q.onDrop = fn }
}

// NewFrameQueue returns a queue holding at most capacity frames.
// A capacity below 1 is treated as 1.
func NewFrameQueue(capacity int, opts ...QueueOption) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &FrameQueue{ch: make(chan Frame, capacity)}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Push enqueues f, evicting the oldest frame if the queue is full.
// It is safe to call from a real-time device callback.
func (q *FrameQueue) Push(f Frame) {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	q.pushed.Add(1)
	for {
		select {
		case q.ch <- f:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			if q.onDrop != nil {
				q.onDrop()
			}
		default:
			// A consumer emptied a slot between the two selects; retry.
		}
	}
}

// Next implements [Source].
func (q *FrameQueue) Next(ctx context.Context, timeout time.Duration) (Frame, bool, error) {
	select {
	case f := <-q.ch:
		return f, true, nil
	default:
	}
	if timeout <= 0 {
		return Frame{}, false, ctx.Err()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-q.ch:
		return f, true, nil
	case <-timer.C:
		return Frame{}, false, nil
	case <-ctx.Done():
		return Frame{}, false, ctx.Err()
	}
}

// TryNext implements [Source].
func (q *FrameQueue) TryNext() (Frame, bool) {
	select {
	case f := <-q.ch:
		return f, true
	default:
		return Frame{}, false
	}
}

// Drain implements [Source].
func (q *FrameQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of frames currently queued.
func (q *FrameQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int { return cap(q.ch) }

// Pushed returns the total number of frames offered to the queue.
func (q *FrameQueue) Pushed() uint64 { return q.pushed.Load() }

// Dropped returns the total number of frames evicted on overflow.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }
