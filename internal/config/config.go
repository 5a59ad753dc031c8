// Package config provides the configuration schema, loader, provider
// registry and hot-reload watcher for hark.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/hark/internal/bargein"
	"github.com/MrWong99/hark/internal/endpoint"
	"github.com/MrWong99/hark/internal/phrase"
	"github.com/MrWong99/hark/internal/reply"
	"github.com/MrWong99/hark/internal/session"
	"github.com/MrWong99/hark/internal/speech"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Standby   StandbyConfig   `yaml:"standby"`
	BargeIn   BargeInConfig   `yaml:"bargein"`
	Speech    SpeechConfig    `yaml:"speech"`
	Session   SessionConfig   `yaml:"session"`
	Wake      WakeConfig      `yaml:"wake"`
	Reply     ReplyConfig     `yaml:"reply"`
	Providers ProvidersConfig `yaml:"providers"`
	TurnLog   TurnLogConfig   `yaml:"turnlog"`
}

// ServerConfig holds the admin HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the admin HTTP address (e.g. ":9090"). Empty disables
	// the admin server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the admin server. When nil, it runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig describes the devices and utterance capture.
type AudioConfig struct {
	// SampleRate of capture in Hz.
	SampleRate int `yaml:"sample_rate"`

	// BlockMillis is the capture frame size, 10, 20 or 30.
	BlockMillis int `yaml:"block_ms"`

	// QueueFrames bounds the capture queue. The oldest frame is dropped when
	// it is full.
	QueueFrames int `yaml:"queue_frames"`

	// InputDevice and OutputDevice select devices by case-insensitive name
	// substring. Empty uses the system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	// OutputSampleRate of the playback device. Zero uses SampleRate.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// VADAggressiveness is 0..3.
	VADAggressiveness int `yaml:"vad_aggressiveness"`

	MinValidSeconds    float64 `yaml:"min_valid_seconds"`
	SilenceToEndMillis int     `yaml:"silence_to_end_ms"`
	MaxRecordSeconds   float64 `yaml:"max_record_seconds"`
}

// StandbyConfig tunes capture while waiting for the wake phrase.
type StandbyConfig struct {
	SilenceToEndMillis int     `yaml:"silence_to_end_ms"`
	MaxRecordSeconds   float64 `yaml:"max_record_seconds"`

	// Language forces the transcription language in standby.
	Language string `yaml:"language"`

	// Prompt biases standby transcription. Empty uses the wake phrases.
	Prompt string `yaml:"prompt"`
}

// BargeInConfig holds the interruption classifier thresholds. Zero values
// take the classifier defaults.
type BargeInConfig struct {
	// Disabled turns barge-in detection off.
	Disabled bool `yaml:"disabled"`

	MinDBFS                float64 `yaml:"min_dbfs"`
	HighPassHz             float64 `yaml:"highpass_hz"`
	MinZCR                 float64 `yaml:"min_zcr"`
	MaxZCR                 float64 `yaml:"max_zcr"`
	Aggressiveness         int     `yaml:"vad_aggressiveness"`
	ArmDelayMillis         int     `yaml:"arm_delay_ms"`
	NeededContinuousMillis int     `yaml:"needed_continuous_ms"`
	CooldownMillis         int     `yaml:"cooldown_ms"`
	DebounceMillis         int     `yaml:"debounce_ms"`
	PollWindowMillis       int     `yaml:"poll_window_ms"`
	PollIntervalMillis     int     `yaml:"poll_interval_ms"`
}

// SpeechConfig tunes reply segmentation and synthesis lookahead.
type SpeechConfig struct {
	MaxChunkChars     int `yaml:"max_chunk_chars"`
	MinForcedPrefix   int `yaml:"min_forced_prefix"`
	SentenceGapMillis int `yaml:"sentence_gap_ms"`
	QueueDepth        int `yaml:"queue_depth"`
}

// SessionConfig tunes the conversation.
type SessionConfig struct {
	IdleTimeoutSeconds float64 `yaml:"idle_timeout_seconds"`
	EchoThreshold      float64 `yaml:"echo_threshold"`
	EchoMinChars       int     `yaml:"echo_min_chars"`

	// Languages are the ISO 639-1 codes the assistant speaks.
	Languages       []string `yaml:"languages"`
	DefaultLanguage string   `yaml:"default_language"`

	// DeviceRetrySeconds is the first delay before reopening a failed
	// capture device.
	DeviceRetrySeconds float64 `yaml:"device_retry_seconds"`
}

// WakeConfig lists the phrases that open and close a session.
type WakeConfig struct {
	Phrases   []WakePhrase `yaml:"phrases"`
	Threshold float64      `yaml:"threshold"`

	// Acknowledgements are spoken after the wake phrase, keyed by language.
	Acknowledgements map[string]string `yaml:"acknowledgements"`

	Goodbyes []string `yaml:"goodbyes"`

	// GoodbyeReplies are spoken before returning to standby, keyed by
	// language.
	GoodbyeReplies map[string]string `yaml:"goodbye_replies"`
}

// WakePhrase opens a session in Language.
type WakePhrase struct {
	Text     string `yaml:"text"`
	Language string `yaml:"language"`
}

// ReplyConfig tunes the LLM request.
type ReplyConfig struct {
	SystemPrompt  string            `yaml:"system_prompt"`
	SystemPrompts map[string]string `yaml:"system_prompts"`
	Temperature   float64           `yaml:"temperature"`
	MaxTokens     int               `yaml:"max_tokens"`
	HistoryTurns  int               `yaml:"history_turns"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when the primary provider fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// TurnLogConfig selects where finished turns are recorded.
type TurnLogConfig struct {
	// PostgresDSN enables the PostgreSQL store. Empty keeps turns in memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// MemoryCapacity bounds the in-memory store.
	MemoryCapacity int `yaml:"memory_capacity"`
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// EndpointConfig returns the utterance capture settings.
func (c *Config) EndpointConfig() endpoint.Config {
	return endpoint.Config{
		SampleRate:     c.Audio.SampleRate,
		FrameMillis:    c.Audio.BlockMillis,
		Aggressiveness: c.Audio.VADAggressiveness,
		SilenceToEnd:   millis(c.Audio.SilenceToEndMillis),
		MaxRecord:      seconds(c.Audio.MaxRecordSeconds),
	}
}

// BargeInClassifierConfig returns the interruption classifier settings.
func (c *Config) BargeInClassifierConfig() bargein.Config {
	b := c.BargeIn
	return bargein.Config{
		SampleRate:       c.Audio.SampleRate,
		FrameMillis:      c.Audio.BlockMillis,
		Aggressiveness:   b.Aggressiveness,
		MinDBFS:          b.MinDBFS,
		HighPassHz:       b.HighPassHz,
		MinZCR:           b.MinZCR,
		MaxZCR:           b.MaxZCR,
		ArmDelay:         millis(b.ArmDelayMillis),
		NeededContinuous: millis(b.NeededContinuousMillis),
		Cooldown:         millis(b.CooldownMillis),
		Debounce:         millis(b.DebounceMillis),
		PollWindow:       millis(b.PollWindowMillis),
	}
}

// SpeechPipelineConfig returns the streaming synthesis settings.
func (c *Config) SpeechPipelineConfig() speech.Config {
	return speech.Config{
		MaxChunkChars:   c.Speech.MaxChunkChars,
		MinForcedPrefix: c.Speech.MinForcedPrefix,
		SentenceGap:     millis(c.Speech.SentenceGapMillis),
		QueueDepth:      c.Speech.QueueDepth,
	}
}

// PhraseConfig returns the wake, goodbye and echo matching settings.
func (c *Config) PhraseConfig() phrase.Config {
	wake := make([]phrase.WakePhrase, len(c.Wake.Phrases))
	for i, w := range c.Wake.Phrases {
		wake[i] = phrase.WakePhrase{Text: w.Text, Language: w.Language}
	}
	return phrase.Config{
		Wake:          wake,
		WakeThreshold: c.Wake.Threshold,
		Goodbyes:      c.Wake.Goodbyes,
		EchoThreshold: c.Session.EchoThreshold,
		EchoMinChars:  c.Session.EchoMinChars,
	}
}

// ReplyGeneratorConfig returns the LLM request settings.
func (c *Config) ReplyGeneratorConfig() reply.Config {
	return reply.Config{
		SystemPrompt:  c.Reply.SystemPrompt,
		SystemPrompts: c.Reply.SystemPrompts,
		Temperature:   c.Reply.Temperature,
		MaxTokens:     c.Reply.MaxTokens,
		HistoryTurns:  c.Reply.HistoryTurns,
	}
}

// SessionControllerConfig returns the conversation settings.
func (c *Config) SessionControllerConfig() session.Config {
	prompt := c.Standby.Prompt
	if prompt == "" {
		for i, w := range c.Wake.Phrases {
			if i > 0 {
				prompt += ", "
			}
			prompt += w.Text
		}
	}
	return session.Config{
		IdleTimeout:       seconds(c.Session.IdleTimeoutSeconds),
		MinValid:          seconds(c.Audio.MinValidSeconds),
		BargePollInterval: millis(c.BargeIn.PollIntervalMillis),
		StandbySilence:    millis(c.Standby.SilenceToEndMillis),
		StandbyMaxRecord:  seconds(c.Standby.MaxRecordSeconds),
		StandbyLanguage:   c.Standby.Language,
		StandbyPrompt:     prompt,
		DefaultLanguage:   c.Session.DefaultLanguage,
		Acknowledgements:  c.Wake.Acknowledgements,
		GoodbyeReplies:    c.Wake.GoodbyeReplies,
	}
}

// DeviceRetry returns the first reconnect delay for the capture device.
func (c *Config) DeviceRetry() time.Duration {
	return seconds(c.Session.DeviceRetrySeconds)
}
