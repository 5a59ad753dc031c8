// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis engine (a local Piper binary, a
// Coqui server, or ElevenLabs) and turns one text chunk into one audio clip.
// The streaming speech pipeline calls Synthesize once per sentence and plays
// the previous clip while the next one is being synthesised, so per-chunk
// batch synthesis is enough to keep playback continuous.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/MrWong99/hark/pkg/audio"
)

// ErrEmptyText is returned when Synthesize is called with blank text.
var ErrEmptyText = errors.New("tts: empty text")

// Options selects how a chunk is spoken.
type Options struct {
	// Language is the ISO 639-1 code of the text (e.g., "en", "ro"). Providers
	// with per-language voices use it to pick the voice when Voice is empty.
	Language string

	// Voice is the provider-specific voice identifier. Empty selects the
	// provider's default for Language.
	Voice string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text as mono 16-bit PCM. The returned clip's sample
	// rate is the engine's native rate; the player resamples as needed.
	//
	// Returns ErrEmptyText for blank input. When ctx is cancelled the call
	// returns promptly with ctx.Err() (possibly wrapped).
	Synthesize(ctx context.Context, text string, opts Options) (audio.Clip, error)
}

// VoiceLister is implemented by providers that can enumerate their voices.
// Health checks use it to confirm a synthesis server is reachable.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
