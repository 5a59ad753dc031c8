package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/hark/pkg/provider/llm"
)

// ErrEmptyReply is the failure recorded for a stream that ends before it
// produced any text.
var ErrEmptyReply = errors.New("llm stream ended without text")

// LLMFallback implements [llm.Provider] over a chain of backends, typically
// a hosted model with the offline rule responder last.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns a chain starting with primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend to the chain.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }

// Complete returns the first successful full response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion fails over until a backend delivers its first text
// chunk. A backend that errors, closes its stream empty, or misses the
// group's AttemptTimeout before that point counts as failed. Once text has
// arrived the stream is committed: later errors reach the caller as an
// error chunk.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(attemptCtx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		// The stream outlives the attempt, so it hangs off the caller's ctx.
		streamCtx, cancel := context.WithCancel(ctx)
		src, err := p.StreamCompletion(streamCtx, req)
		if err != nil {
			cancel()
			return nil, err
		}
		first, err := firstText(attemptCtx, src)
		if err != nil {
			cancel()
			return nil, err
		}

		out := make(chan llm.Chunk, 1)
		out <- first
		go func() {
			defer cancel()
			defer close(out)
			for c := range src {
				select {
				case out <- c:
				case <-streamCtx.Done():
					return
				}
			}
		}()
		return out, nil
	})
}

// firstText waits for the first chunk that carries text.
func firstText(ctx context.Context, src <-chan llm.Chunk) (llm.Chunk, error) {
	for {
		select {
		case <-ctx.Done():
			return llm.Chunk{}, ctx.Err()
		case c, ok := <-src:
			switch {
			case !ok:
				return llm.Chunk{}, ErrEmptyReply
			case c.Err() != nil:
				return llm.Chunk{}, c.Err()
			case c.Text != "":
				return c, nil
			case c.FinishReason != "":
				return llm.Chunk{}, ErrEmptyReply
			}
		}
	}
}
