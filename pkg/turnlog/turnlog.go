// Package turnlog records the accepted turns of every conversation session.
//
// A turn is one user utterance that passed endpointing, transcription and
// the anti-echo filter, together with the reply that was spoken for it. The
// log is append-only; it feeds the admin status endpoint and offline
// analysis of round-trip latency and barge-in behaviour. It is never read
// back into a live session: sessions keep no state across restarts.
//
// Every Store implementation must be safe for concurrent use.
package turnlog

import (
	"context"
	"time"
)

// Outcome classifies how a turn ended.
type Outcome string

const (
	// OutcomeAnswered means the full reply was spoken.
	OutcomeAnswered Outcome = "answered"

	// OutcomeInterrupted means a barge-in stopped the reply.
	OutcomeInterrupted Outcome = "interrupted"

	// OutcomeGoodbye means the user ended the session.
	OutcomeGoodbye Outcome = "goodbye"

	// OutcomeFailed means generation or synthesis failed mid-reply.
	OutcomeFailed Outcome = "failed"
)

// Turn is one accepted user turn and its reply.
type Turn struct {
	// SessionID identifies the conversation session.
	SessionID string

	// At is when the user utterance finished.
	At time.Time

	// UserText is the transcribed user utterance.
	UserText string

	// Language is the ISO 639-1 code the turn was handled in.
	Language string

	// Reply is the text handed to synthesis. On interruption it holds only
	// the chunks that were synthesised.
	Reply string

	// Outcome is how the turn ended.
	Outcome Outcome

	// UtteranceDuration is the captured audio length.
	UtteranceDuration time.Duration

	// RoundTrip is the time from the end of capture to the first reply audio.
	// Zero when no audio was played.
	RoundTrip time.Duration
}

// Query filters turns. All non-zero fields are applied as AND conditions.
type Query struct {
	// SessionID restricts results to one session.
	SessionID string

	// Text is a free-text match against the user text and the reply.
	Text string

	// Since excludes turns before this instant.
	Since time.Time

	// Limit caps the number of results, newest first. Zero means no cap.
	Limit int
}

// Store persists turns.
type Store interface {
	// Append records t.
	Append(ctx context.Context, t Turn) error

	// Find returns the turns matching q, newest first.
	Find(ctx context.Context, q Query) ([]Turn, error)

	// Close releases resources held by the store.
	Close() error
}
