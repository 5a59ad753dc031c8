package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/hark/pkg/provider/tts"
	ttsmock "github.com/MrWong99/hark/pkg/provider/tts/mock"
)

func TestTTSFallback_Synthesize(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("server down")}
	secondary := &ttsmock.Provider{SampleRate: 22050}
	fb := NewTTSFallback(primary, "coqui", FallbackConfig{})
	fb.AddFallback("piper", secondary)

	clip, err := fb.Synthesize(context.Background(), "Hello there.", tts.Options{Language: "en"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clip.SampleRate != 22050 || len(clip.Samples) == 0 {
		t.Errorf("clip = %d samples @ %d, want audio from the fallback", len(clip.Samples), clip.SampleRate)
	}
	if got := secondary.Texts(); len(got) != 1 || got[0] != "Hello there." {
		t.Errorf("secondary texts = %q", got)
	}
}

func TestTTSFallback_EmptyTextNotRetried(t *testing.T) {
	primary := &ttsmock.Provider{}
	fb := NewTTSFallback(primary, "piper", FallbackConfig{})

	if _, err := fb.Synthesize(context.Background(), "  ", tts.Options{}); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
	if primary.CallCount() != 0 {
		t.Errorf("primary called %d times for blank text", primary.CallCount())
	}
}

func TestTTSFallback_CancelDoesNotTripBreaker(t *testing.T) {
	primary := &ttsmock.Provider{Delay: time.Second}
	secondary := &ttsmock.Provider{}
	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := fb.Synthesize(ctx, "interrupted", tts.Options{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times after caller cancellation", secondary.CallCount())
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	voices := []tts.VoiceProfile{{ID: "amy", Language: "en"}}
	primary := &ttsmock.Provider{ListErr: errors.New("unreachable")}
	secondary := &ttsmock.Provider{Voices: voices}
	fb := NewTTSFallback(primary, "a", FallbackConfig{})
	fb.AddFallback("b", secondary)

	got, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "amy" {
		t.Errorf("voices = %+v, want amy", got)
	}
}
