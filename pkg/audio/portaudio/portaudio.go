// Package portaudio implements [audio.Capture] and [audio.Player] on top of
// the PortAudio C library (via github.com/gordonklaus/portaudio).
//
// The PortAudio shared library and headers must be available at build time
// (libportaudio2 / portaudio19-dev on Debian, portaudio on Homebrew).
// Each Capture and Player holds its own Initialize/Terminate reference; the
// library reference-counts nested initialisation.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/hark/pkg/audio"
)

// Config selects the device and stream parameters.
type Config struct {
	// SampleRate in Hz. Default: 16000.
	SampleRate int

	// FrameMillis is the callback block size for capture (10, 20 or 30) and
	// the write granularity for playback. Default: 30 for capture, 20 for
	// playback.
	FrameMillis int

	// DeviceHint selects the first device whose name contains this string
	// (case-insensitive). Empty uses the system default device.
	DeviceHint string
}

func (c Config) withDefaults(frameMs int) Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameMillis <= 0 {
		c.FrameMillis = frameMs
	}
	return c
}

// findDevice returns the device matching hint for the given direction, or
// the default device when hint is empty or nothing matches.
func findDevice(hint string, input bool) (*pa.DeviceInfo, error) {
	if hint != "" {
		devices, err := pa.Devices()
		if err != nil {
			return nil, err
		}
		needle := strings.ToLower(hint)
		for _, d := range devices {
			if input && d.MaxInputChannels < 1 || !input && d.MaxOutputChannels < 1 {
				continue
			}
			if strings.Contains(strings.ToLower(d.Name), needle) {
				return d, nil
			}
		}
		slog.Warn("portaudio: no device matches hint, using default", "hint", hint, "input", input)
	}
	if input {
		return pa.DefaultInputDevice()
	}
	return pa.DefaultOutputDevice()
}

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture streams microphone frames into an [audio.FrameQueue] from the
// PortAudio callback.
type Capture struct {
	cfg Config

	mu     sync.Mutex
	stream *pa.Stream
}

var _ audio.Capture = (*Capture)(nil)

// NewCapture returns an unopened capture device.
func NewCapture(cfg Config) *Capture {
	return &Capture{cfg: cfg.withDefaults(30)}
}

// Start implements [audio.Capture]. The device callback copies each block
// into a fresh [audio.Frame] and pushes it with [audio.FrameQueue.Push],
// which never blocks.
func (c *Capture) Start(q *audio.FrameQueue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return fmt.Errorf("portaudio capture: %w: already started", audio.ErrDevice)
	}
	if err := audio.ValidateFrameMillis(c.cfg.FrameMillis); err != nil {
		return err
	}
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio capture: %w: initialize: %v", audio.ErrDevice, err)
	}

	dev, err := findDevice(c.cfg.DeviceHint, true)
	if err != nil {
		_ = pa.Terminate()
		return fmt.Errorf("portaudio capture: %w: find device: %v", audio.ErrDevice, err)
	}

	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(c.cfg.SampleRate)
	params.FramesPerBuffer = audio.SamplesPerFrame(c.cfg.SampleRate, c.cfg.FrameMillis)

	var (
		rate    = c.cfg.SampleRate
		elapsed int64
	)
	callback := func(in []int16) {
		samples := make([]int16, len(in))
		copy(samples, in)
		ts := time.Duration(elapsed * int64(time.Second) / int64(rate))
		elapsed += int64(len(in))
		q.Push(audio.Frame{Samples: samples, SampleRate: rate, Timestamp: ts})
	}

	stream, err := pa.OpenStream(params, callback)
	if err != nil {
		_ = pa.Terminate()
		return fmt.Errorf("portaudio capture: %w: open %q: %v", audio.ErrDevice, dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return fmt.Errorf("portaudio capture: %w: start: %v", audio.ErrDevice, err)
	}
	c.stream = stream
	slog.Info("capture device started",
		"device", dev.Name,
		"sample_rate", c.cfg.SampleRate,
		"frame_ms", c.cfg.FrameMillis,
	)
	return nil
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	stream := c.stream
	c.stream = nil
	var firstErr error
	if err := stream.Stop(); err != nil {
		firstErr = err
	}
	if err := stream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := pa.Terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("portaudio capture: close: %w", firstErr)
	}
	return nil
}

// ─── Player ──────────────────────────────────────────────────────────────────

// Player writes clips to an output device in small blocks so that playback
// can be truncated within one block of cancellation.
type Player struct {
	cfg Config

	// playMu serialises Play calls; the device has a single owner.
	playMu sync.Mutex
	buf    []int16
	stream *pa.Stream
}

var _ audio.Player = (*Player)(nil)

// NewPlayer opens the output device. Clips passed to Play are resampled to
// cfg.SampleRate.
func NewPlayer(cfg Config) (*Player, error) {
	cfg = cfg.withDefaults(20)
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio player: %w: initialize: %v", audio.ErrDevice, err)
	}
	dev, err := findDevice(cfg.DeviceHint, false)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio player: %w: find device: %v", audio.ErrDevice, err)
	}

	p := &Player{cfg: cfg, buf: make([]int16, audio.SamplesPerFrame(cfg.SampleRate, cfg.FrameMillis))}

	params := pa.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = len(p.buf)

	stream, err := pa.OpenStream(params, &p.buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio player: %w: open %q: %v", audio.ErrDevice, dev.Name, err)
	}
	p.stream = stream
	slog.Info("playback device opened", "device", dev.Name, "sample_rate", cfg.SampleRate)
	return p, nil
}

// SampleRate implements [audio.Player].
func (p *Player) SampleRate() int { return p.cfg.SampleRate }

// Play implements [audio.Player]. Cancellation is checked before every block
// write; on cancellation the stream is aborted, discarding buffered audio.
func (p *Player) Play(ctx context.Context, c audio.Clip) error {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	if p.stream == nil {
		return fmt.Errorf("portaudio player: %w: closed", audio.ErrDevice)
	}
	c = audio.Resample(c, p.cfg.SampleRate)
	if err := p.stream.Start(); err != nil {
		return fmt.Errorf("portaudio player: %w: start: %v", audio.ErrDevice, err)
	}

	samples := c.Samples
	for len(samples) > 0 {
		if err := ctx.Err(); err != nil {
			_ = p.stream.Abort()
			return err
		}
		n := copy(p.buf, samples)
		for i := n; i < len(p.buf); i++ {
			p.buf[i] = 0
		}
		samples = samples[n:]
		if err := p.stream.Write(); err != nil {
			_ = p.stream.Abort()
			return fmt.Errorf("portaudio player: %w: write: %v", audio.ErrDevice, err)
		}
	}

	if err := ctx.Err(); err != nil {
		_ = p.stream.Abort()
		return err
	}
	if err := p.stream.Stop(); err != nil {
		return fmt.Errorf("portaudio player: %w: stop: %v", audio.ErrDevice, err)
	}
	return nil
}

// Close implements [audio.Player].
func (p *Player) Close() error {
	p.playMu.Lock()
	defer p.playMu.Unlock()
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	p.stream = nil
	if termErr := pa.Terminate(); err == nil {
		err = termErr
	}
	if err != nil {
		return fmt.Errorf("portaudio player: close: %w", err)
	}
	return nil
}
