package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// ErrClosed is returned by Transcribe after Close.
var ErrClosed = errors.New("whisper: provider is closed")

// NativeProvider runs whisper.cpp in process through its cgo bindings.
// Linking needs libwhisper.a and whisper.h on LIBRARY_PATH and
// C_INCLUDE_PATH. The model is shared; every utterance gets its own
// inference context.
type NativeProvider struct {
	cfg nativeConfig

	mu    sync.RWMutex
	model whisperlib.Model
}

type nativeConfig struct {
	language string
	threads  uint
	log      *slog.Logger
}

func (c nativeConfig) lang(opts stt.Options) string {
	if opts.Language != "" {
		return opts.Language
	}
	return c.language
}

// NativeOption configures a NativeProvider.
type NativeOption func(*nativeConfig)

// WithNativeLanguage sets the language used when a request carries none.
// "auto" lets the model detect it. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(c *nativeConfig) { c.language = lang }
}

// WithNativeThreads sets the inference thread count; zero keeps the
// library default.
func WithNativeThreads(n uint) NativeOption {
	return func(c *nativeConfig) { c.threads = n }
}

// WithNativeLogger sets the logger. Defaults to slog.Default.
func WithNativeLogger(l *slog.Logger) NativeOption {
	return func(c *nativeConfig) { c.log = l }
}

func newNativeConfig(opts []NativeOption) nativeConfig {
	cfg := nativeConfig{language: defaultLanguage}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	return cfg
}

// NewNative loads the ggml model at modelPath. Call Close to free it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path is empty")
	}
	cfg := newNativeConfig(opts)
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	cfg.log.Info("whisper: model loaded", "path", modelPath, "language", cfg.language, "threads", cfg.threads)
	return &NativeProvider{cfg: cfg, model: model}, nil
}

// Close frees the model. Further calls are no-ops.
func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

// Transcribe runs inference on the calling goroutine. ctx is checked
// before the model runs and between segments; whisper.cpp itself cannot
// be interrupted.
func (p *NativeProvider) Transcribe(ctx context.Context, clip audio.Clip, opts stt.Options) (stt.Transcript, error) {
	if clip.Empty() {
		return stt.Transcript{}, stt.ErrEmptyAudio
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return stt.Transcript{}, ErrClosed
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: new context: %w", err)
	}
	lang := p.cfg.lang(opts)
	if err := wctx.SetLanguage(lang); err != nil {
		p.cfg.log.Warn("whisper: unsupported language, using model default", "language", lang, "error", err)
	}
	if p.cfg.threads > 0 {
		wctx.SetThreads(p.cfg.threads)
	}
	if opts.Prompt != "" {
		wctx.SetInitialPrompt(opts.Prompt)
	}

	pcm := audio.SamplesToFloat32(audio.Resample(clip, modelSampleRate).Samples)
	if err := wctx.Process(pcm, nil, nil, nil); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: process: %w", err)
	}

	text, err := collectSegments(ctx, wctx)
	if err != nil {
		return stt.Transcript{}, err
	}
	if lang == "auto" {
		lang = wctx.DetectedLanguage()
	}
	return stt.Transcript{
		Text:     cleanText(text),
		Language: normalizeLanguage(lang),
		Duration: clip.Duration(),
	}, nil
}

func collectSegments(ctx context.Context, wctx whisperlib.Context) (string, error) {
	var b strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("whisper: %w", err)
		}
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("whisper: next segment: %w", err)
		}
		if t := strings.TrimSpace(seg.Text); t != "" {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(t)
		}
	}
}
