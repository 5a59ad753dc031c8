// Package openai provides an STT provider backed by the OpenAI audio
// transcription API (whisper-1, gpt-4o-transcribe and compatible servers).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/stt"
)

// Provider implements stt.Provider using the OpenAI transcription endpoint.
type Provider struct {
	client oai.Client
	model  string
}

var _ stt.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, e.g. to target a
// local OpenAI-compatible speech server.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI STT Provider. An empty model selects whisper-1.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, clip audio.Clip, opts stt.Options) (stt.Transcript, error) {
	if clip.Empty() {
		return stt.Transcript{}, stt.ErrEmptyAudio
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio.EncodeWAV(clip)), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(p.model),
	}
	verbose := p.model == string(oai.AudioModelWhisper1)
	if verbose {
		params.ResponseFormat = oai.AudioResponseFormatVerboseJSON
	}
	if opts.Language != "" && opts.Language != "auto" {
		params.Language = oai.String(opts.Language)
	}
	if opts.Prompt != "" {
		params.Prompt = oai.String(opts.Prompt)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	lang := opts.Language
	if verbose {
		if detected := verboseLanguage(resp.RawJSON()); detected != "" {
			lang = detected
		}
	}
	if lang == "auto" {
		lang = ""
	}
	return stt.Transcript{
		Text:     strings.TrimSpace(resp.Text),
		Language: lang,
		Duration: clip.Duration(),
	}, nil
}

// languageCodes maps the full language names returned by verbose_json to
// ISO 639-1 codes.
var languageCodes = map[string]string{
	"english":  "en",
	"romanian": "ro",
	"german":   "de",
	"french":   "fr",
	"spanish":  "es",
	"italian":  "it",
}

// verboseLanguage extracts the language field of a verbose_json response.
func verboseLanguage(raw string) string {
	var body struct {
		Language string `json:"language"`
	}
	if raw == "" || json.Unmarshal([]byte(raw), &body) != nil {
		return ""
	}
	lang := strings.ToLower(body.Language)
	if code, ok := languageCodes[lang]; ok {
		return code
	}
	if len(lang) == 2 {
		return lang
	}
	return ""
}
