package reply

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/hark/internal/speech"
	"github.com/MrWong99/hark/pkg/provider/llm"
	"github.com/MrWong99/hark/pkg/provider/llm/mock"
	"github.com/MrWong99/hark/pkg/provider/llm/rule"
)

var _ speech.TokenStream = (*Stream)(nil)

func drain(t *testing.T, s *Stream) ([]string, error) {
	t.Helper()
	var toks []string
	for {
		tok, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return toks, nil
		}
		if err != nil {
			return toks, err
		}
		toks = append(toks, tok)
	}
}

func TestGenerate_StreamsTokens(t *testing.T) {
	p := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hi"}, {Text: ""}, {Text: " there."}, {FinishReason: "stop"},
	}}
	g := New(p, Config{})

	s, err := g.Generate(context.Background(), "hello", "en")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer s.Close()

	toks, err := drain(t, s)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(toks, "|") != "Hi| there." {
		t.Errorf("tokens = %q", toks)
	}
	if s.Text() != "Hi there." {
		t.Errorf("Text = %q", s.Text())
	}

	if len(p.StreamCalls) != 1 {
		t.Fatalf("StreamCalls = %d, want 1", len(p.StreamCalls))
	}
	req := p.StreamCalls[0].Req
	if req.Language != "en" || req.MaxTokens != 120 || req.Temperature != 0.4 {
		t.Errorf("request = %+v", req)
	}
	if req.LastUserMessage() != "hello" {
		t.Errorf("user message = %q", req.LastUserMessage())
	}
}

func TestGenerate_StartError(t *testing.T) {
	boom := errors.New("unauthorised")
	g := New(&mock.Provider{StreamErr: boom}, Config{})
	if _, err := g.Generate(context.Background(), "hi", "en"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestGenerate_MidStreamError(t *testing.T) {
	p := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Part"}, {Text: "rate limited", FinishReason: llm.FinishReasonError},
	}}
	s, err := New(p, Config{}).Generate(context.Background(), "hi", "en")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer s.Close()
	toks, err := drain(t, s)
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("err = %v, want stream error", err)
	}
	if len(toks) != 1 {
		t.Errorf("tokens before error = %q", toks)
	}
}

func TestStream_NextHonoursContext(t *testing.T) {
	p := &mock.Provider{
		StreamChunks: []llm.Chunk{{Text: "slow"}},
		ChunkDelay:   time.Second,
	}
	s, err := New(p, Config{}).Generate(context.Background(), "hi", "en")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestSystemPrompt(t *testing.T) {
	g := New(&mock.Provider{}, Config{
		SystemPrompt:  "Be brief.",
		SystemPrompts: map[string]string{"de": "Sei kurz."},
	})
	tests := []struct {
		lang string
		want string
	}{
		{"en", "Be brief. Always reply in English."},
		{"ro", "Be brief. Always reply in Romanian."},
		{"de", "Sei kurz."},
		{"", "Be brief."},
	}
	for _, tt := range tests {
		if got := g.Request("x", tt.lang).SystemPrompt; got != tt.want {
			t.Errorf("SystemPrompt(%q) = %q, want %q", tt.lang, got, tt.want)
		}
	}
}

func TestHistory(t *testing.T) {
	g := New(&mock.Provider{}, Config{HistoryTurns: 2})
	g.Remember("one", "reply one")
	g.Remember("two", "reply two")
	g.Remember("three", "reply three")
	g.Remember("ignored", "  ")

	msgs := g.Request("four", "en").Messages
	if len(msgs) != 5 {
		t.Fatalf("len(messages) = %d, want 5", len(msgs))
	}
	if msgs[0].Content != "two" || msgs[0].Role != llm.RoleUser {
		t.Errorf("oldest kept message = %+v, want user 'two'", msgs[0])
	}
	if msgs[3].Content != "reply three" || msgs[3].Role != llm.RoleAssistant {
		t.Errorf("messages[3] = %+v", msgs[3])
	}

	g.Forget()
	if n := len(g.Request("x", "en").Messages); n != 1 {
		t.Errorf("messages after Forget = %d, want 1", n)
	}
}

func TestHistoryDisabled(t *testing.T) {
	g := New(&mock.Provider{}, Config{})
	g.Remember("one", "reply")
	if n := len(g.Request("x", "en").Messages); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
}

func TestGenerate_RuleProvider(t *testing.T) {
	s, err := New(rule.New(), Config{}).Generate(context.Background(), "what time is it", "ro")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer s.Close()
	if _, err := drain(t, s); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if want := rule.Reply("what time is it", "ro"); s.Text() != want {
		t.Errorf("Text = %q, want %q", s.Text(), want)
	}
}

func TestLanguageName(t *testing.T) {
	for tag, want := range map[string]string{"en": "English", "ro": "Romanian", "??": "??"} {
		if got := LanguageName(tag); got != want {
			t.Errorf("LanguageName(%q) = %q, want %q", tag, got, want)
		}
	}
}
