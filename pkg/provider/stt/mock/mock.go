// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller transcribes the expected clips with
// the expected Options, and to script the transcripts it receives.
//
// Example:
//
//	p := &mock.Provider{Results: []stt.Transcript{{Text: "hey hark", Language: "en"}}}
//	tr, _ := p.Transcribe(ctx, clip, stt.Options{Language: "en"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Clip is the audio passed to Transcribe.
	Clip audio.Clip
	// Opts is the Options passed to Transcribe.
	Opts stt.Options
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned in order, one per call. Once exhausted, Default is
	// returned.
	Results []stt.Transcript

	// Default is returned when Results is empty.
	Default stt.Transcript

	// Err, if non-nil, is returned by every Transcribe call.
	Err error

	// Delay simulates recognition latency. Transcribe honours ctx during it.
	Delay time.Duration

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the next scripted transcript.
func (p *Provider) Transcribe(ctx context.Context, clip audio.Clip, opts stt.Options) (stt.Transcript, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Clip: clip, Opts: opts})
	delay := p.Delay
	err := p.Err
	result := p.Default
	if len(p.Results) > 0 {
		result = p.Results[0]
		p.Results = p.Results[1:]
	}
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Transcript{}, err
	}
	if result.Duration == 0 {
		result.Duration = clip.Duration()
	}
	return result, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent call and whether there was one.
func (p *Provider) LastCall() (TranscribeCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return TranscribeCall{}, false
	}
	return p.Calls[len(p.Calls)-1], true
}

// Push appends transcripts to the script. Thread-safe.
func (p *Provider) Push(ts ...stt.Transcript) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Results = append(p.Results, ts...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
