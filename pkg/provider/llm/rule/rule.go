// Package rule provides an offline llm.Provider that echoes the user's words
// back in the requested language. It needs no network or model and serves as
// the last entry of an LLM fallback chain so the assistant always answers.
package rule

import (
	"context"
	"strings"

	"github.com/MrWong99/hark/pkg/provider/llm"
)

// Provider is the rule-based responder.
type Provider struct{}

var _ llm.Provider = (*Provider)(nil)

// New returns a rule-based provider.
func New() *Provider { return &Provider{} }

// Reply returns the canned response for text in lang.
func Reply(text, lang string) string {
	text = strings.TrimSpace(text)
	ro := strings.HasPrefix(strings.ToLower(lang), "ro")
	switch {
	case text == "" && ro:
		return "Nu am auzit întrebarea. Poți repeta?"
	case text == "":
		return "I didn't catch that. Could you repeat?"
	case ro:
		return "Am înțeles: \"" + text + "\"."
	default:
		return "I heard: \"" + text + "\"."
	}
}

// StreamCompletion implements llm.Provider. The reply is emitted word by word
// so downstream sentence segmentation behaves as it does with a real model.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.SplitAfter(Reply(req.LastUserMessage(), req.Language), " ")

	ch := make(chan llm.Chunk, len(words)+1)
	go func() {
		defer close(ch)
		for _, w := range words {
			select {
			case ch <- llm.Chunk{Text: w}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.Chunk{FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Content: Reply(req.LastUserMessage(), req.Language)}, nil
}
