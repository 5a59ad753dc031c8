// Package mock provides in-memory implementations of [audio.Player] and
// [audio.Capture] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts and arguments, and expose fields that control the
// returned values.
//
// Typical usage:
//
//	player := &mock.Player{PlayDelay: 50 * time.Millisecond}
//	_ = player.Play(ctx, clip)
//	clips := player.Played()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/hark/pkg/audio"
)

// ─── Player ──────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Zero means 16000.
	Rate int

	// PlayDelay is how long each Play call "plays" before returning. When
	// RealTime is true the delay is the clip duration instead.
	PlayDelay time.Duration

	// RealTime makes Play take as long as the clip's duration.
	RealTime bool

	// PlayErr, when non-nil, is returned by every Play call without playing.
	PlayErr error

	// OnPlay, if set, is called at the start of every Play call.
	OnPlay func(audio.Clip)

	played      []audio.Clip
	truncated   int
	active      int
	maxActive   int
	closeCalled int
}

var _ audio.Player = (*Player)(nil)

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, c audio.Clip) error {
	p.mu.Lock()
	onPlay := p.OnPlay
	playErr := p.PlayErr
	delay := p.PlayDelay
	if p.RealTime {
		delay = c.Duration()
	}
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if onPlay != nil {
		onPlay(c)
	}
	if playErr != nil {
		return playErr
	}

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			p.mu.Lock()
			p.truncated++
			p.mu.Unlock()
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		p.mu.Lock()
		p.truncated++
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	p.played = append(p.played, c)
	p.mu.Unlock()
	return nil
}

// SampleRate implements [audio.Player].
func (p *Player) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Rate == 0 {
		return 16000
	}
	return p.Rate
}

// Close implements [audio.Player].
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalled++
	return nil
}

// Played returns a copy of every clip played to completion, in order.
func (p *Player) Played() []audio.Clip {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.Clip(nil), p.played...)
}

// Truncated returns how many Play calls were cut short by cancellation.
func (p *Player) Truncated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.truncated
}

// MaxConcurrent returns the highest number of Play calls observed in flight
// at the same time.
func (p *Player) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

// CloseCalls returns how many times Close was called.
func (p *Player) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalled
}

// Reset clears recorded calls.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = nil
	p.truncated = 0
	p.maxActive = 0
}

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture]. Frames listed in
// Frames are pushed into the queue when Start is called.
type Capture struct {
	mu sync.Mutex

	// Frames are pushed synchronously by Start.
	Frames []audio.Frame

	// StartErr is returned by Start.
	StartErr error

	// CloseErr is returned by Close.
	CloseErr error

	queue       *audio.FrameQueue
	startCalls  int
	closeCalled int
}

var _ audio.Capture = (*Capture)(nil)

// Start implements [audio.Capture].
func (c *Capture) Start(q *audio.FrameQueue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCalls++
	if c.StartErr != nil {
		return c.StartErr
	}
	c.queue = q
	for _, f := range c.Frames {
		q.Push(f)
	}
	return nil
}

// Emit pushes f into the queue passed to Start, as a device callback would.
func (c *Capture) Emit(f audio.Frame) {
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	if q != nil {
		q.Push(f)
	}
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalled++
	return c.CloseErr
}

// StartCalls returns how many times Start was called.
func (c *Capture) StartCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCalls
}

// CloseCalls returns how many times Close was called.
func (c *Capture) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalled
}
