// Package bargein detects a listener talking over reply playback.
//
// A [Classifier] reads microphone frames while the assistant speaks and
// passes each one through four gates: loudness, a high-pass filter, a
// zero-crossing-rate band and a VAD. Only a run of consecutive passing
// frames long enough to count as deliberate speech fires a trigger. The
// loudness and spectral gates reject the assistant's own voice leaking back
// into the microphone and impulsive noise such as desk taps, both of which a
// VAD alone tends to accept.
package bargein

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/vad"
)

// Config holds the classifier thresholds. They depend on the microphone and
// room and are expected to be recalibrated per installation.
type Config struct {
	// SampleRate of the incoming frames in Hz. Default 16000.
	SampleRate int

	// FrameMillis is the frame size, 10, 20 or 30. Default 30.
	FrameMillis int

	// Aggressiveness of the confirming VAD, 0..3. Default 2.
	Aggressiveness int

	// MinDBFS is the loudness floor. Default -35.
	MinDBFS float64

	// HighPassHz is the filter cutoff applied before the ZCR gate.
	// Default 300.
	HighPassHz float64

	// MinZCR and MaxZCR bound the accepted zero-crossing rate of the
	// filtered frame. Defaults 0.02 and 0.35 when both are zero.
	MinZCR float64
	MaxZCR float64

	// ArmDelay discards all input right after construction. Default 300 ms.
	ArmDelay time.Duration

	// NeededContinuous is the run of passing frames that fires a trigger.
	// Default 300 ms.
	NeededContinuous time.Duration

	// Cooldown suppresses triggers after one fired. Default 1500 ms.
	Cooldown time.Duration

	// Debounce suppresses triggers after construction and Reset.
	// Default 100 ms.
	Debounce time.Duration

	// PollWindow bounds the wall time one Poll spends draining frames.
	// Default 20 ms.
	PollWindow time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FrameMillis == 0 {
		c.FrameMillis = 30
	}
	if c.MinDBFS == 0 {
		c.MinDBFS = -35
	}
	if c.HighPassHz == 0 {
		c.HighPassHz = 300
	}
	if c.MinZCR == 0 && c.MaxZCR == 0 {
		c.MinZCR, c.MaxZCR = 0.02, 0.35
	}
	if c.ArmDelay == 0 {
		c.ArmDelay = 300 * time.Millisecond
	}
	if c.NeededContinuous == 0 {
		c.NeededContinuous = 300 * time.Millisecond
	}
	if c.Cooldown == 0 {
		c.Cooldown = 1500 * time.Millisecond
	}
	if c.Debounce == 0 {
		c.Debounce = 100 * time.Millisecond
	}
	if c.PollWindow == 0 {
		c.PollWindow = 20 * time.Millisecond
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("bargein: sample rate must be positive, got %d", c.SampleRate))
	}
	if err := audio.ValidateFrameMillis(c.FrameMillis); err != nil {
		errs = append(errs, fmt.Errorf("bargein: %w", err))
	}
	if c.MinDBFS > 0 {
		errs = append(errs, fmt.Errorf("bargein: min dbfs must be <= 0, got %v", c.MinDBFS))
	}
	if c.HighPassHz < 0 || c.HighPassHz >= float64(c.SampleRate)/2 {
		errs = append(errs, fmt.Errorf("bargein: high-pass cutoff %v Hz outside [0, %d)", c.HighPassHz, c.SampleRate/2))
	}
	if c.MinZCR < 0 || c.MaxZCR > 1 || c.MinZCR >= c.MaxZCR {
		errs = append(errs, fmt.Errorf("bargein: zcr band [%v, %v] invalid", c.MinZCR, c.MaxZCR))
	}
	if c.ArmDelay < 0 || c.Cooldown < 0 || c.Debounce < 0 {
		errs = append(errs, errors.New("bargein: delays must not be negative"))
	}
	if c.NeededContinuous <= 0 {
		errs = append(errs, errors.New("bargein: needed continuous must be positive"))
	}
	if c.PollWindow <= 0 {
		errs = append(errs, errors.New("bargein: poll window must be positive"))
	}
	return errors.Join(errs...)
}

// Stats counts frame decisions since construction.
type Stats struct {
	Discarded     int `json:"discarded"` // consumed during the arm delay
	Evaluated     int `json:"evaluated"`
	Passed        int `json:"passed"`
	RejectEnergy  int `json:"reject_energy"`
	RejectZCR     int `json:"reject_zcr"`
	RejectVAD     int `json:"reject_vad"`
	SkippedFrames int `json:"skipped_frames"` // wrong size
	Triggers      int `json:"triggers"`
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.log = l }
}

// WithMetrics records stage rejections and triggers on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// Classifier is the barge-in detector for one playback stream. Poll, Reset
// and Close may be called from different goroutines.
type Classifier struct {
	src     audio.Source
	sess    vad.SessionHandle
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	frameSamples int

	mu          sync.Mutex
	hp          *audio.HighPass
	created     time.Time
	lastReset   time.Time
	lastTrigger time.Time
	continuous  time.Duration
	stats       Stats
	closed      bool
}

// New validates cfg and opens a VAD session on engine. The arm delay starts
// now.
func New(src audio.Source, engine vad.Engine, cfg Config, opts ...Option) (*Classifier, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sess, err := engine.NewSession(vad.Config{
		SampleRate:     cfg.SampleRate,
		FrameSizeMs:    cfg.FrameMillis,
		Aggressiveness: cfg.Aggressiveness,
	})
	if err != nil {
		return nil, fmt.Errorf("bargein: open vad session: %w", err)
	}
	c := &Classifier{
		src:          src,
		sess:         sess,
		cfg:          cfg,
		log:          slog.Default(),
		now:          time.Now,
		frameSamples: audio.SamplesPerFrame(cfg.SampleRate, cfg.FrameMillis),
		hp:           audio.NewHighPass(cfg.HighPassHz, cfg.SampleRate),
	}
	for _, o := range opts {
		o(c)
	}
	c.created = c.now()
	c.lastReset = c.created
	return c, nil
}

// Poll drains queued frames for at most PollWindow and reports whether a
// barge-in fired. It returns as soon as the queue is empty and never waits
// for a frame.
func (c *Classifier) Poll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	deadline := c.now().Add(c.cfg.PollWindow)
	for c.now().Before(deadline) {
		f, ok := c.src.TryNext()
		if !ok {
			return false
		}
		if c.now().Sub(c.created) < c.cfg.ArmDelay {
			c.stats.Discarded++
			continue
		}
		if len(f.Samples) != c.frameSamples {
			c.stats.SkippedFrames++
			continue
		}
		if c.step(f) {
			return true
		}
	}
	return false
}

// step evaluates one frame and advances the temporal state.
func (c *Classifier) step(f audio.Frame) bool {
	pass := c.evaluate(f.Samples)
	now := c.now()

	suppressed := now.Sub(c.lastReset) < c.cfg.Debounce ||
		(!c.lastTrigger.IsZero() && now.Sub(c.lastTrigger) < c.cfg.Cooldown)
	if !pass || suppressed {
		c.continuous = 0
		return false
	}

	c.continuous += f.Duration()
	if c.continuous < c.cfg.NeededContinuous {
		return false
	}
	c.continuous = 0
	c.lastTrigger = now
	c.stats.Triggers++
	if c.metrics != nil {
		c.metrics.BargeInTriggers.Add(context.Background(), 1)
	}
	c.log.Debug("bargein: triggered", "evaluated", c.stats.Evaluated, "passed", c.stats.Passed)
	return true
}

// evaluate runs the gate chain on one frame. The high-pass filter sees every
// evaluated frame so its state stays continuous.
func (c *Classifier) evaluate(samples []int16) bool {
	c.stats.Evaluated++
	filtered := c.hp.Process(samples)

	if audio.DBFS(samples) < c.cfg.MinDBFS {
		c.reject(observe.StageEnergy)
		return false
	}
	if zcr := audio.ZeroCrossingRate(filtered); zcr < c.cfg.MinZCR || zcr > c.cfg.MaxZCR {
		c.reject(observe.StageZCR)
		return false
	}
	ev, err := c.sess.ProcessFrame(samples)
	if err != nil {
		c.log.Warn("bargein: vad error", "err", err)
		c.reject(observe.StageVAD)
		return false
	}
	if !ev.IsSpeech() {
		c.reject(observe.StageVAD)
		return false
	}
	c.stats.Passed++
	return true
}

func (c *Classifier) reject(stage string) {
	switch stage {
	case observe.StageEnergy:
		c.stats.RejectEnergy++
	case observe.StageZCR:
		c.stats.RejectZCR++
	case observe.StageVAD:
		c.stats.RejectVAD++
	}
	if c.metrics != nil {
		c.metrics.RecordBargeInReject(context.Background(), stage)
	}
}

// Reset clears the accumulator and restarts the debounce window. The arm
// delay and cooldown are not affected.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.continuous = 0
	c.lastReset = c.now()
	c.hp.Reset()
	c.sess.Reset()
}

// Stats returns a snapshot of the decision counters.
func (c *Classifier) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close releases the VAD session. Poll returns false afterwards.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.sess.Close()
}
