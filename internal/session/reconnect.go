package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/hark/pkg/audio"
)

// Default reconnection parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reconnector opens the capture device and reopens it after failures.
//
// Connect retries with exponential backoff until the device starts, the
// context ends or MaxRetries attempts have failed. The app loop calls
// Disconnect when the controller returns an error and Connect again before
// restarting it.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	open       func() (audio.Capture, error)
	queue      *audio.FrameQueue
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	onConnect  func(attempt int)
	log        *slog.Logger

	mu      sync.Mutex
	capture audio.Capture
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Open creates a fresh, unstarted capture device.
	Open func() (audio.Capture, error)

	// Queue receives the captured frames.
	Queue *audio.FrameQueue

	// MaxRetries caps the attempts per Connect call. Zero retries until the
	// context ends.
	MaxRetries int

	// Backoff is the first delay between attempts. It doubles up to
	// MaxBackoff. Defaults to 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// OnConnect is called after the device started, with the attempt number.
	// May be nil.
	OnConnect func(attempt int)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewReconnector creates a [Reconnector].
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		open:       cfg.Open,
		queue:      cfg.Queue,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		onConnect:  cfg.OnConnect,
		log:        cfg.Logger,
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	if r.maxBackoff < r.backoff {
		r.maxBackoff = r.backoff
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Connect starts a capture device, replacing any running one.
func (r *Reconnector) Connect(ctx context.Context) (audio.Capture, error) {
	r.Disconnect()

	wait := r.backoff
	var lastErr error
	for attempt := 1; r.maxRetries == 0 || attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := r.start()
		if err == nil {
			r.mu.Lock()
			r.capture = c
			r.mu.Unlock()
			if attempt > 1 {
				r.log.Info("capture device reconnected", "attempt", attempt)
			}
			if r.onConnect != nil {
				r.onConnect(attempt)
			}
			return c, nil
		}
		lastErr = err
		r.log.Warn("capture device start failed",
			"attempt", attempt,
			"retry_in", wait,
			"err", err,
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		wait = min(wait*2, r.maxBackoff)
	}
	return nil, fmt.Errorf("session: capture device failed after %d attempts: %w", r.maxRetries, lastErr)
}

func (r *Reconnector) start() (audio.Capture, error) {
	c, err := r.open()
	if err != nil {
		return nil, err
	}
	if err := c.Start(r.queue); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Capture returns the running device, or nil.
func (r *Reconnector) Capture() audio.Capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capture
}

// Disconnect closes the running device, if any, and drains the queue.
func (r *Reconnector) Disconnect() {
	r.mu.Lock()
	c := r.capture
	r.capture = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		r.log.Warn("capture device close failed", "err", err)
	}
	r.queue.Drain()
}
