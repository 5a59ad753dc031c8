// Package endpoint turns the live microphone frame stream into finished
// utterances.
//
// An [Endpointer] runs one VAD session over the capture queue. Capture blocks
// until the speaker has been quiet for the configured trailing silence or the
// hard recording cap is reached, and returns everything captured including
// the trailing silence, so transcription sees natural sentence-final prosody.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/vad"
)

// Reason reports why a capture ended.
type Reason int

const (
	// ReasonSilence means the trailing silence reached SilenceToEnd.
	ReasonSilence Reason = iota

	// ReasonMaxDuration means the recording cap was reached.
	ReasonMaxDuration

	// ReasonCancelled means the context ended the capture early.
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonMaxDuration:
		return "max_duration"
	case ReasonCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Utterance is a finished capture.
type Utterance struct {
	audio.Clip

	// Duration is total samples divided by the sample rate.
	Duration time.Duration

	// Voiced is the total duration of frames the VAD classified as speech.
	Voiced time.Duration

	// Reason is why the capture ended.
	Reason Reason
}

// Valid reports whether the utterance is long enough to transcribe.
func (u Utterance) Valid(min time.Duration) bool {
	return u.Duration >= min
}

// Config controls endpointing.
type Config struct {
	// SampleRate of the incoming frames in Hz. Default 16000.
	SampleRate int

	// FrameMillis is the frame size, 10, 20 or 30. Default 30.
	FrameMillis int

	// Aggressiveness of the VAD, 0..3. Default 2.
	Aggressiveness int

	// SilenceToEnd is the trailing silence that ends an utterance.
	// Default 600 ms.
	SilenceToEnd time.Duration

	// MaxRecord caps every capture. Default 30 s.
	MaxRecord time.Duration

	// PollTimeout bounds each wait on the frame source so the cap is enforced
	// while the source is starved. Default 500 ms.
	PollTimeout time.Duration
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FrameMillis == 0 {
		c.FrameMillis = 30
	}
	if c.SilenceToEnd == 0 {
		c.SilenceToEnd = 600 * time.Millisecond
	}
	if c.MaxRecord == 0 {
		c.MaxRecord = 30 * time.Second
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("endpoint: sample rate must be positive, got %d", c.SampleRate))
	}
	if err := audio.ValidateFrameMillis(c.FrameMillis); err != nil {
		errs = append(errs, fmt.Errorf("endpoint: %w", err))
	}
	if c.SilenceToEnd <= 0 {
		errs = append(errs, errors.New("endpoint: silence to end must be positive"))
	}
	if c.MaxRecord <= 0 {
		errs = append(errs, errors.New("endpoint: max record must be positive"))
	}
	if c.PollTimeout <= 0 {
		errs = append(errs, errors.New("endpoint: poll timeout must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) vadConfig() vad.Config {
	return vad.Config{
		SampleRate:     c.SampleRate,
		FrameSizeMs:    c.FrameMillis,
		Aggressiveness: c.Aggressiveness,
	}
}

// Overrides replace limits for a single capture. Zero fields keep the
// configured value.
type Overrides struct {
	SilenceToEnd time.Duration
	MaxRecord    time.Duration
}

// Option configures an Endpointer.
type Option func(*Endpointer)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpointer) { e.log = l }
}

// WithClock replaces time.Now for wall-clock accounting.
func WithClock(now func() time.Time) Option {
	return func(e *Endpointer) { e.now = now }
}

// Endpointer segments frames from a single source. Capture must not be
// called concurrently.
type Endpointer struct {
	src  audio.Source
	sess vad.SessionHandle
	cfg  Config
	log  *slog.Logger
	now  func() time.Time

	frameSamples int
}

// New validates cfg and opens a VAD session on engine.
func New(src audio.Source, engine vad.Engine, cfg Config, opts ...Option) (*Endpointer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sess, err := engine.NewSession(cfg.vadConfig())
	if err != nil {
		return nil, fmt.Errorf("endpoint: open vad session: %w", err)
	}
	e := &Endpointer{
		src:          src,
		sess:         sess,
		cfg:          cfg,
		log:          slog.Default(),
		now:          time.Now,
		frameSamples: audio.SamplesPerFrame(cfg.SampleRate, cfg.FrameMillis),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Endpointer) Config() Config { return e.cfg }

// activity holds the per-capture counters.
type activity struct {
	silence time.Duration // trailing unvoiced audio
	audio   time.Duration // total audio appended
	voiced  time.Duration
}

// Capture records one utterance. Frames queued before the call are
// discarded. On context cancellation the partial utterance is returned with
// ReasonCancelled together with ctx.Err().
func (e *Endpointer) Capture(ctx context.Context, ov ...Overrides) (Utterance, error) {
	silenceToEnd, maxRecord := e.cfg.SilenceToEnd, e.cfg.MaxRecord
	for _, o := range ov {
		if o.SilenceToEnd > 0 {
			silenceToEnd = o.SilenceToEnd
		}
		if o.MaxRecord > 0 {
			maxRecord = o.MaxRecord
		}
	}

	if n := e.src.Drain(); n > 0 {
		e.log.Debug("endpoint: discarded stale frames", "frames", n)
	}
	e.sess.Reset()

	var (
		act     activity
		samples = make([]int16, 0, e.cfg.SampleRate*2)
		start   = e.now()
		reason  Reason
		capErr  error
	)

loop:
	for {
		if act.silence >= silenceToEnd {
			reason = ReasonSilence
			break
		}
		elapsed := max(e.now().Sub(start), act.audio)
		if elapsed >= maxRecord {
			reason = ReasonMaxDuration
			break
		}

		f, ok, err := e.src.Next(ctx, min(e.cfg.PollTimeout, maxRecord-elapsed))
		switch {
		case err != nil:
			reason, capErr = ReasonCancelled, err
			break loop
		case !ok:
			continue
		}
		if len(f.Samples) != e.frameSamples {
			e.log.Debug("endpoint: skipping frame of unexpected size",
				"samples", len(f.Samples), "want", e.frameSamples)
			continue
		}

		fd := f.Duration()
		if act.audio+fd > maxRecord {
			reason = ReasonMaxDuration
			break
		}
		ev, err := e.sess.ProcessFrame(f.Samples)
		if err != nil {
			return Utterance{}, fmt.Errorf("endpoint: vad: %w", err)
		}
		samples = append(samples, f.Samples...)
		act.audio += fd
		if ev.IsSpeech() {
			act.silence = 0
			act.voiced += fd
		} else {
			act.silence += fd
		}
	}

	clip := audio.Clip{Samples: samples, SampleRate: e.cfg.SampleRate}
	u := Utterance{Clip: clip, Duration: clip.Duration(), Voiced: act.voiced, Reason: reason}
	e.log.Debug("endpoint: capture finished",
		"duration", u.Duration,
		"voiced", u.Voiced,
		"reason", reason.String(),
	)
	return u, capErr
}

// Close releases the VAD session.
func (e *Endpointer) Close() error {
	return e.sess.Close()
}
