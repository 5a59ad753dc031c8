// Package speech turns incrementally generated reply text into audio.
//
// A [Pipeline] runs one [Stream] at a time. Each stream has a producer
// goroutine that pulls tokens, cuts them into sentence chunks with a
// [Segmenter] and synthesizes each chunk, and a consumer goroutine that plays
// the synthesized units strictly in order. The two are connected by a
// channel holding at most two units, so synthesis of the next sentence
// overlaps playback of the current one while memory stays bounded regardless
// of reply length.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/tts"
)

// Defaults for [Config].
const (
	DefaultMaxChunkChars   = 60
	DefaultMinForcedPrefix = 20
	DefaultSentenceGap     = 80 * time.Millisecond
	DefaultQueueDepth      = 2
)

var (
	// ErrSynthesis wraps a text-to-speech failure. It aborts the rest of the
	// stream it occurred in.
	ErrSynthesis = errors.New("speech: synthesis failed")

	// ErrStreamStopped is the Result error of a stream ended by Stop.
	ErrStreamStopped = errors.New("speech: stream stopped")

	// ErrClosed is returned by Speak after Close.
	ErrClosed = errors.New("speech: pipeline closed")
)

// TokenStream is a finite, ordered source of reply text. Next blocks until
// the next token is available and returns io.EOF after the last one.
type TokenStream interface {
	Next(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to [TokenStream].
type TokenFunc func(ctx context.Context) (string, error)

// Next implements [TokenStream].
func (f TokenFunc) Next(ctx context.Context) (string, error) { return f(ctx) }

// Tokens returns a stream that yields the given tokens in order.
func Tokens(tokens ...string) TokenStream {
	i := 0
	return TokenFunc(func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if i >= len(tokens) {
			return "", io.EOF
		}
		i++
		return tokens[i-1], nil
	})
}

// Config tunes segmentation and playback.
type Config struct {
	MaxChunkChars   int
	MinForcedPrefix int

	// SentenceGap is the pause inserted between consecutive units.
	SentenceGap time.Duration

	// QueueDepth is the number of synthesized units staged ahead of
	// playback. Default 2.
	QueueDepth int
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.MaxChunkChars == 0 {
		c.MaxChunkChars = DefaultMaxChunkChars
	}
	if c.MinForcedPrefix == 0 {
		c.MinForcedPrefix = DefaultMinForcedPrefix
	}
	if c.SentenceGap == 0 {
		c.SentenceGap = DefaultSentenceGap
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.MaxChunkChars <= 0 {
		errs = append(errs, fmt.Errorf("speech: max chunk chars must be positive, got %d", c.MaxChunkChars))
	}
	if c.MinForcedPrefix < 0 || c.MinForcedPrefix >= c.MaxChunkChars {
		errs = append(errs, fmt.Errorf("speech: min forced prefix %d must be in [0, %d)", c.MinForcedPrefix, c.MaxChunkChars))
	}
	if c.SentenceGap < 0 {
		errs = append(errs, errors.New("speech: sentence gap must not be negative"))
	}
	if c.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("speech: queue depth must be at least 1, got %d", c.QueueDepth))
	}
	return errors.Join(errs...)
}

// Options apply to one stream.
type Options struct {
	// Language and Voice are passed to the TTS provider.
	Language string
	Voice    string

	// OnFirstAudio, if set, is called once per stream right before the first
	// unit starts playing. It runs on the consumer goroutine.
	OnFirstAudio func()
}

// Result summarises a finished stream.
type Result struct {
	// Text is the reply text handed to synthesis, chunks joined by a space.
	Text string

	// Chunks is the number of units played to completion.
	Chunks int

	// Discarded is the number of synthesized units dropped unplayed.
	Discarded int

	// Interrupted is set when the stream was stopped or its context ended
	// before all text was played.
	Interrupted bool

	// Err is nil on success, ErrStreamStopped after Stop, or the first
	// error that ended the stream.
	Err error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics records synthesis latency and provider outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithProviderName sets the provider label used in metrics. Default "tts".
func WithProviderName(name string) Option {
	return func(p *Pipeline) { p.providerName = name }
}

// Pipeline owns the output device and plays at most one stream at a time.
type Pipeline struct {
	tts          tts.Provider
	player       audio.Player
	cfg          Config
	log          *slog.Logger
	metrics      *observe.Metrics
	providerName string

	// startMu serialises Speak, Stop and Close so the previous stream is
	// fully joined before the next one touches the player.
	startMu sync.Mutex

	mu     sync.Mutex
	active *Stream
	closed bool
}

// New returns a pipeline that synthesizes with t and plays through player.
func New(t tts.Provider, player audio.Player, cfg Config, opts ...Option) (*Pipeline, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		tts:          t,
		player:       player,
		cfg:          cfg,
		log:          slog.Default(),
		providerName: "tts",
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Speak starts a stream for ts after stopping and joining the previous one.
// The stream ends when ts is exhausted and everything was played, on Stop,
// on the first error, or when ctx is done.
func (p *Pipeline) Speak(ctx context.Context, ts TokenStream, opts Options) (*Stream, error) {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	closed, prev := p.closed, p.active
	p.active = nil
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if prev != nil {
		// startMu is held only while joining a stream that was already
		// cancelled, so no other stream can take the player meanwhile.
		prev.Stop()
		prev.Wait()
	}

	s := p.start(ctx, ts, opts)

	p.mu.Lock()
	p.active = s
	p.mu.Unlock()
	return s, nil
}

// Say speaks a fixed text and waits for it to finish.
func (p *Pipeline) Say(ctx context.Context, text string, opts Options) (Result, error) {
	s, err := p.Speak(ctx, Tokens(text), opts)
	if err != nil {
		return Result{}, err
	}
	res := s.Wait()
	return res, res.Err
}

// Stop stops and joins the active stream, if any.
func (p *Pipeline) Stop() {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	s := p.active
	p.active = nil
	p.mu.Unlock()
	if s != nil {
		s.Stop()
		s.Wait()
	}
}

// Speaking reports whether a stream is running.
func (p *Pipeline) Speaking() bool {
	p.mu.Lock()
	s := p.active
	p.mu.Unlock()
	if s == nil {
		return false
	}
	select {
	case <-s.Done():
		return false
	default:
		return true
	}
}

// Close stops the active stream. Later Speak calls fail with ErrClosed.
func (p *Pipeline) Close() error {
	p.Stop()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Stream is one running reply.
type Stream struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
	result  Result
}

// Stop requests cancellation. The producer abandons its chunk, staged units
// are dropped and playback is cut off. Stop does not wait; use Wait.
func (s *Stream) Stop() {
	s.stopped.Store(true)
	s.cancel()
}

// Done is closed once both goroutines have exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until the stream has ended and returns its result.
func (s *Stream) Wait() Result {
	<-s.done
	return s.result
}

// unit is a synthesized chunk waiting for playback.
type unit struct {
	chunk Chunk
	clip  audio.Clip
}

func (p *Pipeline) start(ctx context.Context, ts TokenStream, opts Options) *Stream {
	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{cancel: cancel, done: make(chan struct{})}

	units := make(chan unit, p.cfg.QueueDepth)
	// Only Stop and the parent context cancel sctx. When the producer fails,
	// the consumer still plays every unit staged before the failure.
	var g errgroup.Group

	var (
		textMu  sync.Mutex
		spoken  []string
		played  int
		playErr error
	)

	g.Go(func() error {
		// Closing units is the end-of-stream marker; the consumer's range
		// loop always terminates.
		defer close(units)
		seg := NewSegmenter(p.cfg.MaxChunkChars, p.cfg.MinForcedPrefix)
		emit := func(chunks []Chunk) error {
			for _, c := range chunks {
				textMu.Lock()
				spoken = append(spoken, c.Text)
				textMu.Unlock()

				clip, err := p.synthesize(sctx, c, opts)
				if err != nil {
					return err
				}
				if clip.Empty() {
					continue
				}
				select {
				case units <- unit{chunk: c, clip: clip}:
				case <-sctx.Done():
					return sctx.Err()
				}
			}
			return nil
		}
		for {
			tok, err := ts.Next(sctx)
			if errors.Is(err, io.EOF) {
				return emit(seg.Flush())
			}
			if err != nil {
				if sctx.Err() != nil {
					return sctx.Err()
				}
				return fmt.Errorf("speech: token stream: %w", err)
			}
			if err := emit(seg.Push(tok)); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		playErr = p.play(sctx, units, opts, &played)
		if playErr != nil {
			// Unblock a producer waiting on a full queue.
			cancel()
		}
		return playErr
	})

	go func() {
		err := g.Wait()
		if playErr != nil {
			err = playErr
		}
		cancel()
		discarded := 0
		for range units {
			discarded++
		}

		textMu.Lock()
		res := Result{
			Text:      strings.Join(spoken, " "),
			Chunks:    played,
			Discarded: discarded,
		}
		textMu.Unlock()
		switch {
		case s.stopped.Load():
			res.Interrupted, res.Err = true, ErrStreamStopped
		case err != nil:
			res.Interrupted = errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			res.Err = err
		}
		if res.Err != nil && !errors.Is(res.Err, ErrStreamStopped) {
			p.log.Warn("speech: stream ended with error", "err", res.Err, "chunks", res.Chunks)
		} else {
			p.log.Debug("speech: stream finished",
				"chunks", res.Chunks,
				"discarded", res.Discarded,
				"interrupted", res.Interrupted,
			)
		}
		s.result = res
		close(s.done)
	}()
	return s
}

// play plays units in order with the sentence gap between them until
// units is closed.
func (p *Pipeline) play(ctx context.Context, units <-chan unit, opts Options, played *int) error {
	first := true
	for u := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		if first {
			first = false
			if opts.OnFirstAudio != nil {
				opts.OnFirstAudio()
			}
		} else if err := p.gap(ctx); err != nil {
			return err
		}
		if err := p.player.Play(ctx, u.clip); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("speech: play chunk %d: %w", u.chunk.Seq, err)
		}
		*played++
	}
	return nil
}

// synthesize renders one chunk and records its latency.
func (p *Pipeline) synthesize(ctx context.Context, c Chunk, opts Options) (_ audio.Clip, err error) {
	ctx, span := observe.StartSpan(ctx, "speech.synthesize",
		trace.WithAttributes(
			attribute.Int("hark.chunk.seq", c.Seq),
			attribute.Bool("hark.chunk.forced", c.Forced),
		))
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	clip, err := p.tts.Synthesize(ctx, c.Text, tts.Options{Language: opts.Language, Voice: opts.Voice})
	if p.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		p.metrics.RecordProviderRequest(ctx, p.providerName, "tts", status)
	}
	if err != nil {
		if ctx.Err() != nil {
			return audio.Clip{}, ctx.Err()
		}
		if p.metrics != nil {
			p.metrics.RecordProviderError(ctx, p.providerName, "tts")
		}
		return audio.Clip{}, fmt.Errorf("%w: chunk %d: %w", ErrSynthesis, c.Seq, err)
	}
	return clip, nil
}

// gap waits SentenceGap or until ctx is done.
func (p *Pipeline) gap(ctx context.Context) error {
	if p.cfg.SentenceGap <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.cfg.SentenceGap)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
