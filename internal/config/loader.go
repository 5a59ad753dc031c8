package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/hark/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"rule", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "whisper-native", "deepgram", "openai"},
	"tts": {"piper", "coqui", "elevenlabs"},
	"vad": {"energy", "silero"},
}

// LoadEnv loads KEY=value files into the process environment so that
// ${KEY} references in the config resolve. Missing files are skipped and
// variables already set are kept.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", f, err)
		}
		slog.Debug("config: loaded env file", "path", f)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references, decodes the YAML from r, applies
// defaults and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills settings the components cannot default themselves.
// Tuning values left at zero take the component defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.BlockMillis == 0 {
		cfg.Audio.BlockMillis = 30
	}
	if cfg.Audio.QueueFrames == 0 {
		cfg.Audio.QueueFrames = 200
	}
	if cfg.Audio.MinValidSeconds == 0 {
		cfg.Audio.MinValidSeconds = 0.7
	}
	if len(cfg.Session.Languages) == 0 {
		cfg.Session.Languages = []string{"en"}
	}
	for i, l := range cfg.Session.Languages {
		cfg.Session.Languages[i] = strings.ToLower(strings.TrimSpace(l))
	}
	if cfg.Session.DefaultLanguage == "" {
		cfg.Session.DefaultLanguage = cfg.Session.Languages[0]
	}
	if cfg.Session.DeviceRetrySeconds == 0 {
		cfg.Session.DeviceRetrySeconds = 1
	}
	if cfg.Standby.Language == "" {
		cfg.Standby.Language = cfg.Session.DefaultLanguage
	}
	for i := range cfg.Wake.Phrases {
		if cfg.Wake.Phrases[i].Language == "" {
			cfg.Wake.Phrases[i].Language = cfg.Session.DefaultLanguage
		}
	}
	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = "rule"
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
	if cfg.TurnLog.MemoryCapacity == 0 {
		cfg.TurnLog.MemoryCapacity = 500
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if err := audio.ValidateFrameMillis(cfg.Audio.BlockMillis); err != nil {
		errs = append(errs, fmt.Errorf("audio.block_ms: %w", err))
	}
	if cfg.Audio.QueueFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_frames must not be negative, got %d", cfg.Audio.QueueFrames))
	}
	if cfg.Audio.MaxRecordSeconds < 0 || cfg.Standby.MaxRecordSeconds < 0 {
		errs = append(errs, errors.New("max_record_seconds must not be negative"))
	}

	// Components validate their own tuning; report it under the YAML section.
	if err := cfg.EndpointConfig().WithDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if err := cfg.BargeInClassifierConfig().WithDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("bargein: %w", err))
	}
	if err := cfg.SpeechPipelineConfig().WithDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("speech: %w", err))
	}
	if err := cfg.SessionControllerConfig().WithDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}

	// Languages and phrases
	if !slices.Contains(cfg.Session.Languages, cfg.Session.DefaultLanguage) {
		errs = append(errs, fmt.Errorf("session.default_language %q is not one of session.languages %v",
			cfg.Session.DefaultLanguage, cfg.Session.Languages))
	}
	if len(cfg.Wake.Phrases) == 0 {
		errs = append(errs, errors.New("wake.phrases: at least one wake phrase is required"))
	}
	for i, w := range cfg.Wake.Phrases {
		if strings.TrimSpace(w.Text) == "" {
			errs = append(errs, fmt.Errorf("wake.phrases[%d].text is required", i))
		}
		if w.Language != "" && !slices.Contains(cfg.Session.Languages, w.Language) {
			errs = append(errs, fmt.Errorf("wake.phrases[%d].language %q is not one of session.languages", i, w.Language))
		}
	}
	if cfg.Wake.Threshold < 0 || cfg.Wake.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wake.threshold %.2f is out of range [0, 1]", cfg.Wake.Threshold))
	}
	if cfg.Session.EchoThreshold < 0 || cfg.Session.EchoThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.echo_threshold %.2f is out of range [0, 1]", cfg.Session.EchoThreshold))
	}
	for _, lang := range cfg.Session.Languages {
		if _, ok := cfg.Wake.GoodbyeReplies[lang]; len(cfg.Wake.GoodbyeReplies) > 0 && !ok {
			slog.Warn("no goodbye reply configured for language; the default language reply is used", "language", lang)
		}
	}

	// Reply
	if cfg.Reply.Temperature < 0 || cfg.Reply.Temperature > 2 {
		errs = append(errs, fmt.Errorf("reply.temperature %.2f is out of range [0, 2]", cfg.Reply.Temperature))
	}
	if cfg.Reply.MaxTokens < 0 || cfg.Reply.HistoryTurns < 0 {
		errs = append(errs, errors.New("reply.max_tokens and reply.history_turns must not be negative"))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	for kind, entry := range map[string]ProviderEntry{
		"llm": cfg.Providers.LLM,
		"stt": cfg.Providers.STT,
		"tts": cfg.Providers.TTS,
		"vad": cfg.Providers.VAD,
	} {
		validateProviderName(kind, entry.Name)
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			}
			validateProviderName(kind, fb.Name)
		}
	}
	if len(cfg.Providers.VAD.Fallbacks) > 0 {
		errs = append(errs, errors.New("providers.vad does not support fallbacks"))
	}

	if cfg.TurnLog.PostgresDSN == "" && cfg.TurnLog.MemoryCapacity < 0 {
		errs = append(errs, errors.New("turnlog.memory_capacity must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// readBytes is the decode path shared with the watcher.
func readBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}
