package audio

import (
	"context"
	"errors"
)

// ErrDevice marks failures to open, start or use a capture or playback
// device. The application loop logs these and retries on its next iteration.
var ErrDevice = errors.New("audio: device error")

// Capture is a microphone input. Once started it delivers fixed-size frames
// into q from a device callback until Close is called. Implementations must
// never block inside the callback; [FrameQueue.Push] satisfies that.
type Capture interface {
	Start(q *FrameQueue) error
	Close() error
}

// Player is an output device. Play blocks until c has been played or ctx is
// cancelled. On cancellation playback is truncated immediately, without a
// fade-out, and ctx.Err() is returned.
//
// At most one Play call may be in flight at a time.
type Player interface {
	Play(ctx context.Context, c Clip) error
	SampleRate() int
	Close() error
}
