// Package mock provides a test double for the tts.Provider interface.
//
// Provider renders every chunk as a constant-amplitude clip whose length is
// proportional to the text, so tests can reason about playback time without a
// real engine.
//
// Example:
//
//	p := &mock.Provider{Delay: 20 * time.Millisecond}
//	clip, _ := p.Synthesize(ctx, "Hello.", tts.Options{Language: "en"})
//	texts := p.Texts()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text    string
	Options tts.Options
}

// Provider is a mock implementation of tts.Provider and tts.VoiceLister.
type Provider struct {
	mu sync.Mutex

	// SampleRate of returned clips. Zero means 16000.
	SampleRate int

	// PerChar is the clip duration per input character. Zero means 10 ms.
	PerChar time.Duration

	// Amplitude of every returned sample. Zero means 1000.
	Amplitude int16

	// Delay is how long each call takes. It honours ctx cancellation.
	Delay time.Duration

	// Err, if non-nil, is returned by every Synthesize call.
	Err error

	// ErrFor, if set, is consulted per call; a non-nil result is returned as
	// the error for that text.
	ErrFor func(text string) error

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// ListErr is returned by ListVoices.
	ListErr error

	calls []SynthesizeCall
}

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, opts tts.Options) (audio.Clip, error) {
	p.mu.Lock()
	p.calls = append(p.calls, SynthesizeCall{Text: text, Options: opts})
	rate, perChar, amp := p.SampleRate, p.PerChar, p.Amplitude
	delay, err, errFor := p.Delay, p.Err, p.ErrFor
	p.mu.Unlock()

	if rate == 0 {
		rate = 16000
	}
	if perChar == 0 {
		perChar = 10 * time.Millisecond
	}
	if amp == 0 {
		amp = 1000
	}

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return audio.Clip{}, ctx.Err()
		}
	} else if ctxErr := ctx.Err(); ctxErr != nil {
		return audio.Clip{}, ctxErr
	}

	if err != nil {
		return audio.Clip{}, err
	}
	if errFor != nil {
		if err := errFor(text); err != nil {
			return audio.Clip{}, err
		}
	}
	if text == "" {
		return audio.Clip{}, tts.ErrEmptyText
	}

	n := int(time.Duration(len([]rune(text))) * perChar * time.Duration(rate) / time.Second)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = amp
	}
	return audio.Clip{Samples: samples, SampleRate: rate}, nil
}

// ListVoices implements tts.VoiceLister.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	return append([]tts.VoiceProfile(nil), p.Voices...), nil
}

// Calls returns a copy of every recorded Synthesize call.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.calls...)
}

// CallCount returns how many times Synthesize was called.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Texts returns the text of every Synthesize call, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.Text
	}
	return out
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
