// Package piper provides a tts.Provider that runs the Piper neural TTS binary
// as a subprocess, one process per chunk.
//
// Piper reads UTF-8 text on stdin and writes a WAV file. Voices are ONNX
// models selected by language: the first registered language whose code is a
// prefix of Options.Language wins, otherwise the default voice is used.
package piper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

// Voice is one Piper model and its optional JSON config.
type Voice struct {
	Model  string
	Config string
}

// Config tunes the Piper invocation.
type Config struct {
	// Exe is the piper binary path or a name resolved via PATH.
	Exe string

	// Voices maps ISO 639-1 language codes to models.
	Voices map[string]Voice

	// DefaultLanguage selects the voice when no language matches. Default "en".
	DefaultLanguage string

	// Speaker selects a speaker of a multi-speaker model. Negative means unset.
	Speaker int

	// LengthScale slows speech down when > 1. Default 1.0.
	LengthScale float64

	// NoiseScale is the generator noise. Default 0.667.
	NoiseScale float64

	// NoiseW is the phoneme width noise. Default 0.8.
	NoiseW float64

	// OutputSampleRate resamples clips when > 0.
	OutputSampleRate int
}

func (c Config) withDefaults() Config {
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en"
	}
	if c.LengthScale == 0 {
		c.LengthScale = 1.0
	}
	if c.NoiseScale == 0 {
		c.NoiseScale = 0.667
	}
	if c.NoiseW == 0 {
		c.NoiseW = 0.8
	}
	return c
}

// Provider synthesises speech with a local piper binary.
type Provider struct {
	cfg   Config
	exe   string
	langs []string // registered languages, longest first
	conv  *audio.ClipConverter
}

// New resolves the binary and checks every model file exists.
func New(cfg Config) (*Provider, error) {
	cfg = cfg.withDefaults()
	if cfg.Exe == "" {
		cfg.Exe = "piper"
	}
	exe, err := exec.LookPath(cfg.Exe)
	if err != nil {
		return nil, fmt.Errorf("piper: binary %q not found: %w", cfg.Exe, err)
	}
	if len(cfg.Voices) == 0 {
		return nil, errors.New("piper: at least one voice model is required")
	}
	langs := make([]string, 0, len(cfg.Voices))
	for lang, v := range cfg.Voices {
		if _, err := os.Stat(v.Model); err != nil {
			return nil, fmt.Errorf("piper: model for %q: %w", lang, err)
		}
		langs = append(langs, strings.ToLower(lang))
	}
	sort.Slice(langs, func(i, j int) bool {
		if len(langs[i]) != len(langs[j]) {
			return len(langs[i]) > len(langs[j])
		}
		return langs[i] < langs[j]
	})
	slog.Info("piper TTS ready", "exe", exe, "languages", langs)
	return &Provider{
		cfg:   cfg,
		exe:   exe,
		langs: langs,
		conv:  &audio.ClipConverter{TargetRate: cfg.OutputSampleRate},
	}, nil
}

// voiceFor picks the model for lang. Options.Voice, when set, names a
// registered language directly.
func (p *Provider) voiceFor(opts tts.Options) Voice {
	key := strings.ToLower(opts.Voice)
	if key == "" {
		key = strings.ToLower(opts.Language)
	}
	for _, l := range p.langs {
		if key != "" && strings.HasPrefix(key, l) {
			return p.cfg.Voices[l]
		}
	}
	if v, ok := p.cfg.Voices[p.cfg.DefaultLanguage]; ok {
		return v
	}
	return p.cfg.Voices[p.langs[len(p.langs)-1]]
}

// args builds the command line for one synthesis writing to outPath.
func (p *Provider) args(v Voice, outPath string) []string {
	args := []string{
		"--model", v.Model,
		"--output_file", outPath,
		"--length_scale", strconv.FormatFloat(p.cfg.LengthScale, 'f', -1, 64),
		"--noise_scale", strconv.FormatFloat(p.cfg.NoiseScale, 'f', -1, 64),
		"--noise_w", strconv.FormatFloat(p.cfg.NoiseW, 'f', -1, 64),
	}
	if v.Config != "" {
		if _, err := os.Stat(v.Config); err == nil {
			args = append(args, "--config", v.Config)
		}
	}
	if p.cfg.Speaker >= 0 {
		args = append(args, "--speaker", strconv.Itoa(p.cfg.Speaker))
	}
	return args
}

// Synthesize implements tts.Provider. The subprocess is killed when ctx is
// cancelled.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.Options) (audio.Clip, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return audio.Clip{}, tts.ErrEmptyText
	}

	out, err := os.CreateTemp("", "piper_*.wav")
	if err != nil {
		return audio.Clip{}, fmt.Errorf("piper: temp file: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	cmd := exec.CommandContext(ctx, p.exe, p.args(p.voiceFor(opts), outPath)...)
	cmd.Stdin = strings.NewReader(text)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return audio.Clip{}, ctxErr
		}
		return audio.Clip{}, fmt.Errorf("piper: synth failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	wav, err := os.ReadFile(outPath)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("piper: read output: %w", err)
	}
	pcm, format, err := audio.DecodeWAV(wav)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("piper: %w", err)
	}
	return p.conv.Convert(pcm, format), nil
}

// ListVoices implements tts.VoiceLister with one profile per registered
// language.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	out := make([]tts.VoiceProfile, 0, len(p.langs))
	for _, l := range p.langs {
		v := p.cfg.Voices[l]
		out = append(out, tts.VoiceProfile{
			ID:       l,
			Name:     v.Model,
			Provider: "piper",
			Language: l,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
