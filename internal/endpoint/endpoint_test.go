package endpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/vad/mock"
)

const (
	rate    = 16000
	frameMs = 30
	frame   = 30 * time.Millisecond
)

// scriptSource replays a fixed frame script. Once the script is exhausted
// Next reports a timeout and advances the fake clock instead of sleeping.
type scriptSource struct {
	mu     sync.Mutex
	stale  int
	frames []audio.Frame
	clock  *fakeClock
	// cancelAfter cancels the capture context once this many frames have
	// been delivered. Zero disables it.
	cancelAfter int
	cancel      context.CancelFunc
	delivered   int
}

func (s *scriptSource) Next(ctx context.Context, timeout time.Duration) (audio.Frame, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelAfter > 0 && s.delivered == s.cancelAfter && s.cancel != nil {
		s.cancel()
	}
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, false, err
	}
	if len(s.frames) == 0 {
		s.clock.advance(timeout)
		return audio.Frame{}, false, nil
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	s.delivered++
	return f, true, nil
}

func (s *scriptSource) TryNext() (audio.Frame, bool) { return audio.Frame{}, false }

func (s *scriptSource) Drain() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.stale
	s.stale = 0
	return n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func voiced(n int) []audio.Frame {
	out := make([]audio.Frame, n)
	for i := range out {
		s := make([]int16, audio.SamplesPerFrame(rate, frameMs))
		for j := range s {
			s[j] = 1000
		}
		out[i] = audio.Frame{Samples: s, SampleRate: rate}
	}
	return out
}

func silent(n int) []audio.Frame {
	out := make([]audio.Frame, n)
	for i := range out {
		out[i] = audio.Frame{Samples: make([]int16, audio.SamplesPerFrame(rate, frameMs)), SampleRate: rate}
	}
	return out
}

func script(parts ...[]audio.Frame) []audio.Frame {
	var out []audio.Frame
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func newTestEndpointer(t *testing.T, src *scriptSource, cfg Config) (*Endpointer, *mock.Session) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(0, 0)}
	src.clock = clk
	sess := &mock.Session{Classify: mock.NonZero}
	ep, err := New(src, &mock.Engine{Session: sess}, cfg, WithClock(clk.now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })
	return ep, sess
}

func TestCapture(t *testing.T) {
	tests := []struct {
		name       string
		frames     []audio.Frame
		cfg        Config
		ov         []Overrides
		wantDur    time.Duration
		wantVoiced time.Duration
		wantReason Reason
		wantValid  bool
	}{
		{
			name:       "speech then silence",
			frames:     script(voiced(40), silent(30)),
			wantDur:    40*frame + 20*frame, // 600 ms of trailing silence ends it
			wantVoiced: 40 * frame,
			wantReason: ReasonSilence,
			wantValid:  true,
		},
		{
			name:       "pauses shorter than the gap do not end the utterance",
			frames:     script(voiced(10), silent(10), voiced(10), silent(25)),
			wantDur:    30*frame + 20*frame,
			wantVoiced: 20 * frame,
			wantReason: ReasonSilence,
			wantValid:  true,
		},
		{
			name:       "pure silence ends short and invalid",
			frames:     silent(50),
			wantDur:    20 * frame,
			wantReason: ReasonSilence,
			wantValid:  false,
		},
		{
			name:       "continuous speech hits the cap",
			frames:     voiced(200),
			cfg:        Config{MaxRecord: 3 * time.Second},
			wantDur:    3 * time.Second,
			wantVoiced: 3 * time.Second,
			wantReason: ReasonMaxDuration,
			wantValid:  true,
		},
		{
			name:       "override shortens silence gap",
			frames:     script(voiced(20), silent(50)),
			ov:         []Overrides{{SilenceToEnd: 300 * time.Millisecond}},
			wantDur:    20*frame + 10*frame,
			wantVoiced: 20 * frame,
			wantReason: ReasonSilence,
			wantValid:  true,
		},
		{
			name:       "override caps recording",
			frames:     voiced(200),
			ov:         []Overrides{{MaxRecord: 900 * time.Millisecond}},
			wantDur:    900 * time.Millisecond,
			wantVoiced: 900 * time.Millisecond,
			wantReason: ReasonMaxDuration,
			wantValid:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &scriptSource{frames: tt.frames}
			ep, _ := newTestEndpointer(t, src, tt.cfg)

			u, err := ep.Capture(context.Background(), tt.ov...)
			if err != nil {
				t.Fatalf("Capture: %v", err)
			}
			if u.Duration != tt.wantDur {
				t.Errorf("Duration = %v, want %v", u.Duration, tt.wantDur)
			}
			if u.Voiced != tt.wantVoiced {
				t.Errorf("Voiced = %v, want %v", u.Voiced, tt.wantVoiced)
			}
			if u.Reason != tt.wantReason {
				t.Errorf("Reason = %v, want %v", u.Reason, tt.wantReason)
			}
			if got := u.Valid(700 * time.Millisecond); got != tt.wantValid {
				t.Errorf("Valid = %v, want %v", got, tt.wantValid)
			}
			if u.SampleRate != rate {
				t.Errorf("SampleRate = %d, want %d", u.SampleRate, rate)
			}
		})
	}
}

func TestCapture_StarvedSourceHitsCap(t *testing.T) {
	src := &scriptSource{frames: voiced(5)}
	ep, _ := newTestEndpointer(t, src, Config{MaxRecord: 2 * time.Second})

	u, err := ep.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if u.Reason != ReasonMaxDuration {
		t.Errorf("Reason = %v, want max_duration", u.Reason)
	}
	if u.Duration != 5*frame {
		t.Errorf("Duration = %v, want %v", u.Duration, 5*frame)
	}
}

func TestCapture_DrainsStaleFramesAndResetsVAD(t *testing.T) {
	src := &scriptSource{stale: 7, frames: script(voiced(30), silent(20))}
	ep, sess := newTestEndpointer(t, src, Config{})

	if _, err := ep.Capture(context.Background()); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if src.stale != 0 {
		t.Errorf("stale frames = %d, want drained", src.stale)
	}
	if _, resets, _ := sess.Counts(); resets != 1 {
		t.Errorf("vad resets = %d, want 1", resets)
	}
}

func TestCapture_SkipsWrongSizedFrames(t *testing.T) {
	odd := audio.Frame{Samples: []int16{1000, 1000, 1000}, SampleRate: rate}
	src := &scriptSource{frames: script(voiced(25), []audio.Frame{odd, odd}, silent(20))}
	ep, sess := newTestEndpointer(t, src, Config{})

	u, err := ep.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if u.Duration != 45*frame {
		t.Errorf("Duration = %v, want %v", u.Duration, 45*frame)
	}
	if frames, _, _ := sess.Counts(); frames != 45 {
		t.Errorf("vad frames = %d, want 45", frames)
	}
}

func TestCapture_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &scriptSource{frames: voiced(100), cancelAfter: 10, cancel: cancel}
	ep, _ := newTestEndpointer(t, src, Config{})

	u, err := ep.Capture(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if u.Reason != ReasonCancelled {
		t.Errorf("Reason = %v, want cancelled", u.Reason)
	}
	if u.Duration != 10*frame {
		t.Errorf("partial Duration = %v, want %v", u.Duration, 10*frame)
	}
}

func TestCapture_VADError(t *testing.T) {
	src := &scriptSource{frames: voiced(3)}
	clk := &fakeClock{}
	src.clock = clk
	boom := errors.New("boom")
	sess := &mock.Session{ProcessFrameErr: boom}
	ep, err := New(src, &mock.Engine{Session: sess}, Config{}, WithClock(clk.now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := ep.Capture(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestNew_Errors(t *testing.T) {
	src := &scriptSource{}
	tests := map[string]Config{
		"frame size":   {FrameMillis: 25},
		"sample rate":  {SampleRate: -1},
		"silence":      {SilenceToEnd: -time.Second},
		"max record":   {MaxRecord: -time.Second},
		"poll timeout": {PollTimeout: -time.Millisecond},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := New(src, &mock.Engine{}, cfg); err == nil {
				t.Error("New = nil error, want error")
			}
		})
	}

	boom := errors.New("no model")
	if _, err := New(src, &mock.Engine{NewSessionErr: boom}, Config{}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestNew_PassesVADConfig(t *testing.T) {
	eng := &mock.Engine{}
	ep, err := New(&scriptSource{}, eng, Config{Aggressiveness: 3, FrameMillis: 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ep.Close()
	calls := eng.Calls()
	if len(calls) != 1 {
		t.Fatalf("NewSession calls = %d, want 1", len(calls))
	}
	got := calls[0].Cfg
	if got.SampleRate != 16000 || got.FrameSizeMs != 20 || got.Aggressiveness != 3 {
		t.Errorf("vad config = %+v", got)
	}
}

func TestReasonString(t *testing.T) {
	for r, want := range map[Reason]string{
		ReasonSilence:     "silence",
		ReasonMaxDuration: "max_duration",
		ReasonCancelled:   "cancelled",
		Reason(9):         "Reason(9)",
	} {
		if got := r.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(r), got, want)
		}
	}
}
