// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector (an energy gate, Silero VAD,
// or a custom model) and surfaces it as a stateful, per-stream session. Each
// session keeps its own state (smoothing history, model context) so that the
// endpointer and the barge-in classifier can run independent sessions over
// the same microphone without interfering.
//
// ProcessFrame is synchronous and returns immediately with a per-frame
// decision, making it suitable for the capture loop that gates STT input.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by ProcessFrame after the session has been closed.
var ErrClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session. All numeric thresholds are
// expressed in the model's native scale; see each Engine's documentation for
// recommended starting values.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Must be
	// 10, 20 or 30. ProcessFrame returns an error if the supplied frame does
	// not match this size.
	FrameSizeMs int

	// Aggressiveness selects how eagerly non-speech is filtered out, 0 (least)
	// to 3 (most). Engines that work on probabilities derive their thresholds
	// from it when SpeechThreshold is zero.
	Aggressiveness int

	// SpeechThreshold is the probability above which a frame is classified as
	// speech. Range: [0.0, 1.0]. Zero selects the engine's default for
	// Aggressiveness.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame is classified as
	// silence and an active speech segment is considered ended. Range: [0.0, 1.0].
	// Must be ≤ SpeechThreshold. Zero selects the engine's default.
	SilenceThreshold float64
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	switch c.FrameSizeMs {
	case 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("vad: frame size must be 10, 20 or 30 ms, got %d", c.FrameSizeMs))
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("vad: aggressiveness must be 0..3, got %d", c.Aggressiveness))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %.2f out of range [0,1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: silence threshold %.2f out of range [0,1]", c.SilenceThreshold))
	}
	if c.SpeechThreshold > 0 && c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %.2f above speech threshold %.2f",
			c.SilenceThreshold, c.SpeechThreshold))
	}
	return errors.Join(errs...)
}

// FrameSamples returns the number of samples a frame must contain.
func (c Config) FrameSamples() int {
	return c.SampleRate * c.FrameSizeMs / 1000
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single mono frame of 16-bit samples and returns
	// the detection result. The frame must match the SampleRate and
	// FrameSizeMs configured when the session was created.
	//
	// This method is called synchronously in the capture loop; it must not
	// block.
	ProcessFrame(samples []int16) (VADEvent, error)

	// Reset clears all accumulated detection state without closing the
	// session. Call it between utterances so stale state from the previous
	// segment does not affect the next one.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame returns ErrClosed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	NewSession(cfg Config) (SessionHandle, error)
}
