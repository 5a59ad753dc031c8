// Package reply turns a user turn into a streamed assistant reply.
//
// A [Generator] builds the completion request (system prompt for the turn
// language, recent history, sampling limits) and adapts the provider's chunk
// channel to a token stream the speech pipeline can pull from.
package reply

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/pkg/provider/llm"
)

// DefaultSystemPrompt is used when no prompt is configured for a language.
const DefaultSystemPrompt = "You are a friendly voice assistant. Your replies are spoken aloud, " +
	"so answer in one to three short sentences without lists, markdown or emojis."

// Config controls request construction.
type Config struct {
	// SystemPrompt is the base instruction for every language.
	SystemPrompt string

	// SystemPrompts overrides SystemPrompt per language tag.
	SystemPrompts map[string]string

	// Temperature default 0.4.
	Temperature float64

	// MaxTokens default 120.
	MaxTokens int

	// HistoryTurns is the number of previous exchanges sent with each
	// request. Zero sends none.
	HistoryTurns int
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.Temperature == 0 {
		c.Temperature = 0.4
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 120
	}
	return c
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.log = l }
}

// WithMetrics records generation latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithProviderName sets the provider label used in metrics. Default "llm".
func WithProviderName(name string) Option {
	return func(g *Generator) { g.providerName = name }
}

// Generator produces replies with an LLM provider. It is safe for concurrent
// use, although a session only ever has one reply in flight.
type Generator struct {
	llm          llm.Provider
	cfg          Config
	log          *slog.Logger
	metrics      *observe.Metrics
	providerName string

	mu      sync.Mutex
	history []llm.Message
}

// New returns a generator backed by p.
func New(p llm.Provider, cfg Config, opts ...Option) *Generator {
	g := &Generator{
		llm:          p,
		cfg:          cfg.withDefaults(),
		log:          slog.Default(),
		providerName: "llm",
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Request builds the completion request for text in lang.
func (g *Generator) Request(text, lang string) llm.CompletionRequest {
	g.mu.Lock()
	msgs := make([]llm.Message, 0, len(g.history)+1)
	msgs = append(msgs, g.history...)
	g.mu.Unlock()
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})

	return llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: g.systemPrompt(lang),
		Temperature:  g.cfg.Temperature,
		MaxTokens:    g.cfg.MaxTokens,
		Language:     lang,
	}
}

func (g *Generator) systemPrompt(lang string) string {
	if p, ok := g.cfg.SystemPrompts[lang]; ok && p != "" {
		return p
	}
	if lang == "" {
		return g.cfg.SystemPrompt
	}
	return g.cfg.SystemPrompt + " Always reply in " + LanguageName(lang) + "."
}

// LanguageName returns the English name of a language tag, or the tag itself
// when it is unknown.
func LanguageName(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	if name := display.English.Languages().Name(t); name != "" {
		return name
	}
	return tag
}

// Generate starts a reply for the user text. The returned stream must be
// closed once the caller stops reading.
func (g *Generator) Generate(ctx context.Context, text, lang string) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	ctx, span := observe.StartSpan(ctx, "reply.generate")

	start := time.Now()
	ch, err := g.llm.StreamCompletion(ctx, g.Request(text, lang))
	if err != nil {
		observe.EndSpan(span, err)
		cancel()
		if g.metrics != nil {
			g.metrics.RecordProviderRequest(ctx, g.providerName, "llm", "error")
			g.metrics.RecordProviderError(ctx, g.providerName, "llm")
		}
		return nil, fmt.Errorf("reply: start completion: %w", err)
	}
	return &Stream{
		ch:     ch,
		cancel: cancel,
		finish: func(err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			if g.metrics != nil {
				g.metrics.LLMDuration.Record(context.Background(), time.Since(start).Seconds())
				g.metrics.RecordProviderRequest(context.Background(), g.providerName, "llm", status)
				if err != nil {
					g.metrics.RecordProviderError(context.Background(), g.providerName, "llm")
				}
			}
			observe.EndSpan(span, err)
		},
	}, nil
}

// Remember appends an exchange to the history, keeping the last
// HistoryTurns exchanges.
func (g *Generator) Remember(user, reply string) {
	if g.cfg.HistoryTurns <= 0 || strings.TrimSpace(reply) == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append(g.history,
		llm.Message{Role: llm.RoleUser, Content: user},
		llm.Message{Role: llm.RoleAssistant, Content: reply},
	)
	if limit := 2 * g.cfg.HistoryTurns; len(g.history) > limit {
		g.history = append([]llm.Message(nil), g.history[len(g.history)-limit:]...)
	}
}

// Forget drops the history. Sessions call it when they end.
func (g *Generator) Forget() {
	g.mu.Lock()
	g.history = nil
	g.mu.Unlock()
}

// Stream adapts a completion to a token stream.
type Stream struct {
	ch     <-chan llm.Chunk
	cancel context.CancelFunc
	finish func(error)

	once sync.Once
	mu   sync.Mutex
	text strings.Builder
}

// Next returns the next non-empty token, or io.EOF after the last one.
func (s *Stream) Next(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case c, ok := <-s.ch:
			if !ok {
				s.end(nil)
				return "", io.EOF
			}
			if err := c.Err(); err != nil {
				err = fmt.Errorf("reply: stream: %w", err)
				s.end(err)
				return "", err
			}
			if c.Text == "" {
				continue
			}
			s.mu.Lock()
			s.text.WriteString(c.Text)
			s.mu.Unlock()
			return c.Text, nil
		}
	}
}

// Text returns everything received so far.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Close cancels the completion if it is still running.
func (s *Stream) Close() error {
	s.end(nil)
	return nil
}

func (s *Stream) end(err error) {
	s.once.Do(func() {
		s.cancel()
		s.finish(err)
	})
}
