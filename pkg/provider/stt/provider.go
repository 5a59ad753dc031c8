// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription engine (a local whisper.cpp server or
// in-process model, or a cloud API) and exposes a uniform batch interface:
// the endpointer hands over one complete utterance and receives one
// transcript. Utterances are short (a few seconds) so batch recognition keeps
// the turn latency dominated by the speaker's own trailing silence.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/hark/pkg/audio"
)

// ErrEmptyAudio is returned when Transcribe is called with a clip that has no
// samples.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Options carries per-call recognition hints.
type Options struct {
	// Language is the ISO 639-1 code to recognise (e.g., "en", "ro"). An empty
	// string lets the provider auto-detect the language, if supported.
	Language string

	// Prompt is optional context text that biases recognition towards the
	// expected vocabulary (wake phrases, names). Providers that do not support
	// prompting ignore it.
	Prompt string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe recognises the speech in clip. The clip is mono 16-bit PCM at
	// any sample rate; providers resample internally when their engine needs
	// a fixed rate.
	//
	// A clip containing no recognisable speech yields an empty Transcript and
	// a nil error. Returns ErrEmptyAudio for a zero-length clip.
	Transcribe(ctx context.Context, clip audio.Clip, opts Options) (Transcript, error)
}
