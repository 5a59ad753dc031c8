// Package session runs the turn-taking state machine.
//
// A [Controller] waits in STANDBY for a wake phrase, acknowledges it, and
// then holds a multi-turn conversation: it captures each utterance,
// transcribes it, filters self-echo and goodbyes, and speaks a streamed
// reply while watching for barge-in. The conversation ends on a goodbye
// phrase or after an idle timeout, and the controller returns to STANDBY.
// Nothing is persisted across restarts.
package session

import "fmt"

// State is the controller's current phase.
type State int

const (
	StateStandby State = iota
	StateWakeConfirming
	StateListening
	StateThinking
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateStandby:
		return "STANDBY"
	case StateWakeConfirming:
		return "WAKE_CONFIRMING"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler so the state serialises by
// name in the status endpoint.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateObserver is notified of every transition. It runs synchronously on
// the goroutine that changed the state and must not block.
type StateObserver func(from, to State)

// End reasons reported in metrics and logs.
const (
	EndGoodbye = "goodbye"
	EndIdle    = "idle"
	EndError   = "error"
)
