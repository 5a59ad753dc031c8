package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/hark/internal/app"
	"github.com/MrWong99/hark/internal/config"
	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/internal/resilience"
	"github.com/MrWong99/hark/pkg/provider/llm"
	"github.com/MrWong99/hark/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/hark/pkg/provider/llm/openai"
	"github.com/MrWong99/hark/pkg/provider/llm/rule"
	"github.com/MrWong99/hark/pkg/provider/stt"
	"github.com/MrWong99/hark/pkg/provider/stt/deepgram"
	sttopenai "github.com/MrWong99/hark/pkg/provider/stt/openai"
	"github.com/MrWong99/hark/pkg/provider/stt/whisper"
	"github.com/MrWong99/hark/pkg/provider/tts"
	"github.com/MrWong99/hark/pkg/provider/tts/coqui"
	"github.com/MrWong99/hark/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/hark/pkg/provider/tts/piper"
	"github.com/MrWong99/hark/pkg/provider/vad"
	"github.com/MrWong99/hark/pkg/provider/vad/energy"
	"github.com/MrWong99/hark/pkg/provider/vad/silero"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyLLMBackends share the same pattern: optional APIKey + optional BaseURL.
var anyLLMBackends = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("rule", func(config.ProviderEntry) (llm.Provider, error) {
		return rule.New(), nil
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, llmopenai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout_seconds"); d > 0 {
			opts = append(opts, llmopenai.WithTimeout(d))
		}
		if n := optInt(entry.Options, "max_retries"); n > 0 {
			opts = append(opts, llmopenai.WithMaxRetries(n))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyLLMBackends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		opts := []whisper.NativeOption{whisper.WithNativeLogger(slog.Default().With("provider", "whisper-native"))}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := optInt(entry.Options, "threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if terms := optStrings(entry.Options, "keyterms"); len(terms) > 0 {
			opts = append(opts, deepgram.WithKeyterms(terms...))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout_seconds"); d > 0 {
			opts = append(opts, sttopenai.WithTimeout(d))
		}
		return sttopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("piper", func(entry config.ProviderEntry) (tts.Provider, error) {
		return piper.New(piperConfig(entry))
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if rate := optInt(entry.Options, "output_sample_rate"); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		if d := optDuration(entry.Options, "timeout_seconds"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		for lang, voice := range optStringMap(entry.Options, "voices") {
			opts = append(opts, coqui.WithVoice(lang, voice))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		for lang, voice := range optStringMap(entry.Options, "voices") {
			opts = append(opts, elevenlabs.WithVoice(lang, voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Engine, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		return silero.New(modelPath)
	})

	for _, kind := range []string{"llm", "stt", "tts", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// piperConfig maps provider options to the Piper invocation. voices maps a
// language to either a model path or {model, config}.
func piperConfig(entry config.ProviderEntry) piper.Config {
	cfg := piper.Config{
		Exe:              optString(entry.Options, "exe"),
		DefaultLanguage:  optString(entry.Options, "default_language"),
		Speaker:          -1,
		LengthScale:      optFloat(entry.Options, "length_scale"),
		NoiseScale:       optFloat(entry.Options, "noise_scale"),
		NoiseW:           optFloat(entry.Options, "noise_w"),
		OutputSampleRate: optInt(entry.Options, "output_sample_rate"),
		Voices:           make(map[string]piper.Voice),
	}
	if cfg.Exe == "" {
		cfg.Exe = "piper"
	}
	if _, ok := entry.Options["speaker"]; ok {
		cfg.Speaker = optInt(entry.Options, "speaker")
	}
	voices, _ := entry.Options["voices"].(map[string]any)
	for lang, v := range voices {
		switch v := v.(type) {
		case string:
			cfg.Voices[lang] = piper.Voice{Model: v}
		case map[string]any:
			cfg.Voices[lang] = piper.Voice{
				Model:  optString(v, "model"),
				Config: optString(v, "config"),
			}
		}
	}
	if entry.Model != "" && len(cfg.Voices) == 0 {
		lang := cfg.DefaultLanguage
		if lang == "" {
			lang = "en"
		}
		cfg.Voices[lang] = piper.Voice{Model: entry.Model}
	}
	return cfg
}

// named is a created provider and its config name.
type named[T any] struct {
	name     string
	provider T
}

// createChain creates the primary provider of entry followed by its
// fallbacks, in order.
func createChain[T any](kind string, entry config.ProviderEntry, create func(config.ProviderEntry) (T, error)) ([]named[T], error) {
	entries := append([]config.ProviderEntry{entry}, entry.Fallbacks...)
	chain := make([]named[T], 0, len(entries))
	for i, e := range entries {
		p, err := create(e)
		if err != nil {
			return nil, fmt.Errorf("create %s provider %q: %w", kind, e.Name, err)
		}
		slog.Info("provider created", "kind", kind, "name", e.Name, "fallback", i > 0)
		chain = append(chain, named[T]{name: e.Name, provider: p})
	}
	return chain, nil
}

// fallbackConfig builds the resilience settings for the chain of kind.
// Breaker transitions are logged by the breaker and counted here. The
// primary entry's attempt_timeout_seconds option bounds each attempt.
func fallbackConfig(kind string, primary config.ProviderEntry) resilience.FallbackConfig {
	metrics := observe.DefaultMetrics()
	return resilience.FallbackConfig{
		AttemptTimeout: optDuration(primary.Options, "attempt_timeout_seconds"),
		Logger:         slog.Default().With("kind", kind),
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				metrics.RecordBreakerTransition(context.Background(), kind, name, to.String())
			},
		},
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. Providers with fallbacks are wrapped in resilience groups. The
// offline rule LLM is always the last LLM fallback. Devices are attached by
// the caller.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	// ── LLM ───────────────────────────────────────────────────────────────────
	llms, err := createChain("llm", cfg.Providers.LLM, reg.CreateLLM)
	if err != nil {
		return nil, err
	}
	hasRule := false
	for _, n := range llms {
		hasRule = hasRule || n.name == "rule"
	}
	if !hasRule {
		llms = append(llms, named[llm.Provider]{name: "rule", provider: rule.New()})
	}
	if len(llms) == 1 {
		ps.LLM = llms[0].provider
	} else {
		fb := resilience.NewLLMFallback(llms[0].provider, llms[0].name, fallbackConfig("llm", cfg.Providers.LLM))
		for _, n := range llms[1:] {
			fb.AddFallback(n.name, n.provider)
		}
		ps.LLM = fb
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	stts, err := createChain("stt", cfg.Providers.STT, reg.CreateSTT)
	if err != nil {
		return nil, err
	}
	if len(stts) == 1 {
		ps.STT = stts[0].provider
	} else {
		fb := resilience.NewSTTFallback(stts[0].provider, stts[0].name, fallbackConfig("stt", cfg.Providers.STT))
		for _, n := range stts[1:] {
			fb.AddFallback(n.name, n.provider)
		}
		ps.STT = fb
	}

	// ── TTS ───────────────────────────────────────────────────────────────────
	ttss, err := createChain("tts", cfg.Providers.TTS, reg.CreateTTS)
	if err != nil {
		return nil, err
	}
	if len(ttss) == 1 {
		ps.TTS = ttss[0].provider
	} else {
		fb := resilience.NewTTSFallback(ttss[0].provider, ttss[0].name, fallbackConfig("tts", cfg.Providers.TTS))
		for _, n := range ttss[1:] {
			fb.AddFallback(n.name, n.provider)
		}
		ps.TTS = fb
	}

	// ── VAD ───────────────────────────────────────────────────────────────────
	ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat accepts YAML integers and floats.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optDuration reads a number of seconds.
func optDuration(opts map[string]any, key string) time.Duration {
	return time.Duration(optFloat(opts, key) * float64(time.Second))
}

// optStrings reads a YAML sequence of strings; other items are skipped.
func optStrings(opts map[string]any, key string) []string {
	items, _ := opts[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// optStringMap reads a YAML mapping of strings; other values are skipped.
func optStringMap(opts map[string]any, key string) map[string]string {
	m, _ := opts[key].(map[string]any)
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
