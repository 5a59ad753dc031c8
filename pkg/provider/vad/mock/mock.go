// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script per-frame decisions and inspect the frames that were
// submitted for processing.
//
// Example:
//
//	sess := &mock.Session{Classify: mock.NonZero}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/hark/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new Session classifying with NonZero.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{Classify: NonZero}, nil
}

// Calls returns a copy of the recorded NewSession calls.
func (e *Engine) Calls() []NewSessionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]NewSessionCall(nil), e.NewSessionCalls...)
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// NonZero classifies a frame as speech when any sample is non-zero. Tests
// build voiced frames from a constant value and silent frames from zeros.
func NonZero(samples []int16) bool {
	for _, s := range samples {
		if s != 0 {
			return true
		}
	}
	return false
}

// Session is a mock implementation of vad.SessionHandle.
//
// The decision for each frame comes from, in order of precedence: Classify,
// the next entry of Script, or Default once Script is exhausted. Event types
// are derived from consecutive decisions.
type Session struct {
	mu sync.Mutex

	// Classify, if set, decides each frame.
	Classify func(samples []int16) bool

	// Script lists per-frame decisions consumed in order.
	Script []bool

	// Default is the decision once Script runs out.
	Default bool

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Frames counts ProcessFrame calls.
	Frames int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	inSpeech bool
}

// ProcessFrame records the call and returns the scripted decision.
func (s *Session) ProcessFrame(samples []int16) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames++
	if s.ProcessFrameErr != nil {
		return vad.VADEvent{}, s.ProcessFrameErr
	}
	var speech bool
	switch {
	case s.Classify != nil:
		speech = s.Classify(samples)
	case len(s.Script) > 0:
		speech = s.Script[0]
		s.Script = s.Script[1:]
	default:
		speech = s.Default
	}
	was := s.inSpeech
	s.inSpeech = speech
	ev := vad.VADEvent{Type: vad.Transition(was, speech)}
	if speech {
		ev.Probability = 1
	}
	return ev, nil
}

// Reset records the call and clears the speech state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
	s.inSpeech = false
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Counts returns the frame, reset and close counters. Thread-safe.
func (s *Session) Counts() (frames, resets, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Frames, s.ResetCallCount, s.CloseCallCount
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
