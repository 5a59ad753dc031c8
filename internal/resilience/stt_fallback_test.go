package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/stt"
	sttmock "github.com/MrWong99/hark/pkg/provider/stt/mock"
)

func TestSTTFallback_Transcribe(t *testing.T) {
	clip := audio.Clip{Samples: make([]int16, 1600), SampleRate: 16000}
	tests := []struct {
		name          string
		primaryErr    error
		want          string
		wantErr       error
		wantSecondary int
	}{
		{"primary succeeds", nil, "primary text", nil, 0},
		{"failover", errors.New("primary down"), "secondary text", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &sttmock.Provider{Default: stt.Transcript{Text: "primary text"}, Err: tt.primaryErr}
			secondary := &sttmock.Provider{Default: stt.Transcript{Text: "secondary text"}}
			fb := NewSTTFallback(primary, "primary", FallbackConfig{})
			fb.AddFallback("secondary", secondary)

			got, err := fb.Transcribe(context.Background(), clip, stt.Options{Language: "en"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got.Text != tt.want {
				t.Errorf("Text = %q, want %q", got.Text, tt.want)
			}
			if primary.CallCount() != 1 {
				t.Errorf("primary calls = %d, want 1", primary.CallCount())
			}
			if secondary.CallCount() != tt.wantSecondary {
				t.Errorf("secondary calls = %d, want %d", secondary.CallCount(), tt.wantSecondary)
			}
			if call, _ := primary.LastCall(); call.Opts.Language != "en" {
				t.Errorf("options not forwarded: %+v", call.Opts)
			}
		})
	}
}

func TestSTTFallback_AllFail(t *testing.T) {
	fb := NewSTTFallback(&sttmock.Provider{Err: errTest}, "a", FallbackConfig{})
	fb.AddFallback("b", &sttmock.Provider{Err: errTest})

	clip := audio.Clip{Samples: make([]int16, 160), SampleRate: 16000}
	_, err := fb.Transcribe(context.Background(), clip, stt.Options{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Errorf("err = %v, want ErrAllFailed wrapping errTest", err)
	}
}

func TestSTTFallback_EmptyClipSkipsBackends(t *testing.T) {
	primary := &sttmock.Provider{Default: stt.Transcript{Text: "ghost"}}
	fb := NewSTTFallback(primary, "a", FallbackConfig{})

	got, err := fb.Transcribe(context.Background(), audio.Clip{SampleRate: 16000}, stt.Options{})
	if err != nil || got.Text != "" {
		t.Errorf("Transcribe(empty) = %+v, %v; want empty transcript", got, err)
	}
	if primary.CallCount() != 0 {
		t.Errorf("primary calls = %d, want 0", primary.CallCount())
	}
}
