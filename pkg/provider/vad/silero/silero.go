// Package silero provides a [vad.Engine] backed by the Silero VAD ONNX model
// through github.com/streamer45/silero-vad-go.
//
// The model consumes windows of 512 samples at 16 kHz (256 at 8 kHz), which
// do not line up with 10/20/30 ms capture frames. Each session therefore
// buffers frames until at least [minDetectSamples] samples are pending and
// then runs detection over the buffer. The returned decision applies to every
// frame until the next detection, so the reported state lags the audio by at
// most one detection window.
//
// Building this package requires the ONNX Runtime shared library and cgo.
package silero

import (
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/vad"
)

// minDetectSamples is the pending sample count that triggers a detection.
const minDetectSamples = 1024

// modeThresholds are the model speech probabilities per aggressiveness.
var modeThresholds = [4]float32{0.35, 0.45, 0.55, 0.7}

// Engine creates Silero VAD sessions. Each session owns its own ONNX
// detector because the model carries recurrent state.
type Engine struct {
	modelPath string
}

var _ vad.Engine = (*Engine)(nil)

// New returns an engine that loads the model at modelPath for every session.
func New(modelPath string) (*Engine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("silero vad: model path must not be empty")
	}
	return &Engine{modelPath: modelPath}, nil
}

// NewSession implements [vad.Engine]. Only 8000 and 16000 Hz are supported.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("silero vad: unsupported sample rate %d (want 8000 or 16000)", cfg.SampleRate)
	}
	threshold := modeThresholds[cfg.Aggressiveness]
	if cfg.SpeechThreshold > 0 {
		threshold = float32(cfg.SpeechThreshold)
	}
	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            e.modelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            threshold,
		MinSilenceDurationMs: cfg.FrameSizeMs,
		SpeechPadMs:          0,
	})
	if err != nil {
		return nil, fmt.Errorf("silero vad: create detector: %w", err)
	}
	return &Session{
		det:          det,
		frameSamples: cfg.FrameSamples(),
		pending:      make([]float32, 0, minDetectSamples+cfg.FrameSamples()),
	}, nil
}

// Session is a single Silero VAD stream.
type Session struct {
	frameSamples int

	mu       sync.Mutex
	det      *speech.Detector
	pending  []float32
	inSpeech bool
	lastProb float64
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(samples []int16) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.det == nil {
		return vad.VADEvent{}, vad.ErrClosed
	}
	if len(samples) != s.frameSamples {
		return vad.VADEvent{}, fmt.Errorf("silero vad: frame has %d samples, want %d", len(samples), s.frameSamples)
	}

	was := s.inSpeech
	s.pending = append(s.pending, audio.SamplesToFloat32(samples)...)
	if len(s.pending) >= minDetectSamples {
		segments, err := s.det.Detect(s.pending)
		s.pending = s.pending[:0]
		if err != nil {
			return vad.VADEvent{}, fmt.Errorf("silero vad: detect: %w", err)
		}
		if len(segments) > 0 {
			// An open segment (no end yet) means speech is ongoing.
			s.inSpeech = segments[len(segments)-1].SpeechEndAt == 0
		}
		s.lastProb = 0
		if s.inSpeech {
			s.lastProb = 1
		}
	}
	return vad.VADEvent{Type: vad.Transition(was, s.inSpeech), Probability: s.lastProb}, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = s.pending[:0]
	s.inSpeech = false
	s.lastProb = 0
	if s.det != nil {
		_ = s.det.Reset()
	}
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.det == nil {
		return nil
	}
	err := s.det.Destroy()
	s.det = nil
	if err != nil {
		return fmt.Errorf("silero vad: destroy: %w", err)
	}
	return nil
}
