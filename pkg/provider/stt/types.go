package stt

import (
	"strings"
	"time"
)

// Transcript is the result of transcribing one utterance.
type Transcript struct {
	// Text is the transcribed speech content, trimmed of surrounding whitespace.
	Text string

	// Language is the ISO 639-1 code reported by the provider. Empty when the
	// provider does not report one; callers fall back to text-based detection.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// Empty reports whether the transcript carries no text.
func (t Transcript) Empty() bool {
	return strings.TrimSpace(t.Text) == ""
}
