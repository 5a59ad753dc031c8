// Package energy provides a pure-Go [vad.Engine] that classifies frames by
// their RMS level in dBFS.
//
// The engine mirrors the WebRTC VAD aggressiveness scale: mode 0 accepts
// quiet speech and some background noise, mode 3 demands a loud, tonal
// signal. Each mode maps to a level threshold; while a segment is active the
// threshold drops by [HysteresisDB] so that trailing syllables do not
// flicker the decision. Modes 2 and 3 also require StartFrames consecutive
// voiced frames before reporting speech start, and mode 3 rejects frames
// whose zero-crossing rate indicates broadband hiss.
//
// Sessions are not safe for concurrent use; the engine itself is.
package energy

import (
	"fmt"
	"sync"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/vad"
)

// floorDBFS is the level mapped to probability 0.
const floorDBFS = -70.0

// HysteresisDB is how far below the start threshold an active segment may
// fall before a frame counts as silence.
const HysteresisDB = 6.0

// maxZCR is the zero-crossing rate above which mode 3 treats a frame as noise.
const maxZCR = 0.4

// modeThresholds are the per-aggressiveness speech start levels in dBFS.
var modeThresholds = [4]float64{-52, -47, -42, -37}

// modeStartFrames are the consecutive voiced frames required to start speech.
var modeStartFrames = [4]int{1, 1, 2, 2}

// Engine creates energy-based VAD sessions.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	startDB := modeThresholds[cfg.Aggressiveness]
	if cfg.SpeechThreshold > 0 {
		startDB = ProbabilityToDBFS(cfg.SpeechThreshold)
	}
	stopDB := startDB - HysteresisDB
	if cfg.SilenceThreshold > 0 {
		stopDB = ProbabilityToDBFS(cfg.SilenceThreshold)
	}
	return &Session{
		frameSamples: cfg.FrameSamples(),
		startDB:      startDB,
		stopDB:       stopDB,
		startFrames:  modeStartFrames[cfg.Aggressiveness],
		checkZCR:     cfg.Aggressiveness == 3,
	}, nil
}

// DBFSToProbability maps a dBFS level onto [0,1] linearly above floorDBFS.
func DBFSToProbability(db float64) float64 {
	p := (db - floorDBFS) / -floorDBFS
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// ProbabilityToDBFS is the inverse of [DBFSToProbability].
func ProbabilityToDBFS(p float64) float64 {
	return floorDBFS + p*-floorDBFS
}

// Session is a single energy VAD stream.
type Session struct {
	frameSamples int
	startDB      float64
	stopDB       float64
	startFrames  int
	checkZCR     bool

	mu        sync.Mutex
	inSpeech  bool
	voicedRun int
	closed    bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(samples []int16) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, vad.ErrClosed
	}
	if len(samples) != s.frameSamples {
		return vad.VADEvent{}, fmt.Errorf("energy vad: frame has %d samples, want %d", len(samples), s.frameSamples)
	}

	level := audio.DBFS(samples)
	threshold := s.startDB
	if s.inSpeech {
		threshold = s.stopDB
	}
	voiced := level >= threshold
	if voiced && s.checkZCR && audio.ZeroCrossingRate(samples) > maxZCR {
		voiced = false
	}

	was := s.inSpeech
	if voiced {
		s.voicedRun++
		if s.inSpeech || s.voicedRun >= s.startFrames {
			s.inSpeech = true
		}
	} else {
		s.voicedRun = 0
		s.inSpeech = false
	}
	return vad.VADEvent{
		Type:        vad.Transition(was, s.inSpeech),
		Probability: DBFSToProbability(level),
	}, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.voicedRun = 0
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
