package silero_test

import (
	"os"
	"testing"

	"github.com/MrWong99/hark/pkg/provider/vad"
	"github.com/MrWong99/hark/pkg/provider/vad/silero"
)

func TestNew_EmptyPath(t *testing.T) {
	if _, err := silero.New(""); err == nil {
		t.Error("New(\"\") = nil error, want error")
	}
}

func TestNewSession_RejectsRate(t *testing.T) {
	e, err := silero.New("model.onnx")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.NewSession(vad.Config{SampleRate: 48000, FrameSizeMs: 20}); err == nil {
		t.Error("NewSession accepted 48 kHz")
	}
}

// TestSession_Silence runs the real model when HARK_SILERO_MODEL points at
// silero_vad.onnx.
func TestSession_Silence(t *testing.T) {
	path := os.Getenv("HARK_SILERO_MODEL")
	if path == "" {
		t.Skip("HARK_SILERO_MODEL not set")
	}
	e, err := silero.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := e.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30, Aggressiveness: 2})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	frame := make([]int16, 480)
	for i := range 20 {
		ev, err := s.ProcessFrame(frame)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.IsSpeech() {
			t.Errorf("frame %d: silence classified as speech", i)
		}
	}
}
