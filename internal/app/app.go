// Package app wires all hark subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the capture and conversation loop together with
// the admin HTTP server, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations through [Providers] and the
// functional options (WithTurnLog, WithMetrics, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hark/internal/bargein"
	"github.com/MrWong99/hark/internal/config"
	"github.com/MrWong99/hark/internal/endpoint"
	"github.com/MrWong99/hark/internal/health"
	"github.com/MrWong99/hark/internal/langdetect"
	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/internal/phrase"
	"github.com/MrWong99/hark/internal/reply"
	"github.com/MrWong99/hark/internal/session"
	"github.com/MrWong99/hark/internal/speech"
	"github.com/MrWong99/hark/pkg/audio"
	"github.com/MrWong99/hark/pkg/provider/llm"
	"github.com/MrWong99/hark/pkg/provider/stt"
	"github.com/MrWong99/hark/pkg/provider/tts"
	"github.com/MrWong99/hark/pkg/provider/vad"
	"github.com/MrWong99/hark/pkg/turnlog"
	turnlogpg "github.com/MrWong99/hark/pkg/turnlog/postgres"
)

// defaultStallTimeout is how long the capture queue may stay silent before
// the device is considered lost.
const defaultStallTimeout = 5 * time.Second

// Providers holds the constructed backends and devices. Populated by main.go
// via the config registry. Every field is required.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine

	// OpenCapture creates an unstarted capture device. It is called again
	// after every device failure.
	OpenCapture func() (audio.Capture, error)

	// Player is the output device. The App closes it on Shutdown.
	Player audio.Player
}

func (p *Providers) validate() error {
	var errs []error
	if p.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	if p.OpenCapture == nil {
		errs = append(errs, errors.New("capture opener is required"))
	}
	if p.Player == nil {
		errs = append(errs, errors.New("player is required"))
	}
	return errors.Join(errs...)
}

// bargeSettings is swapped atomically on config reload.
type bargeSettings struct {
	disabled bool
	cfg      bargein.Config
}

// App owns all subsystem lifetimes and orchestrates the hark voice loop.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	queue      *audio.FrameQueue
	reconn     *session.Reconnector
	endpointer *endpoint.Endpointer
	speech     *speech.Pipeline
	replies    *reply.Generator
	phrases    *phrase.Matcher
	languages  *langdetect.Detector
	turns      turnlog.Store
	controller *session.Controller
	health     *health.Handler
	server     *http.Server

	barge        atomic.Pointer[bargeSettings]
	lastBarge    atomic.Pointer[bargein.Stats]
	stallTimeout time.Duration

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTurnLog injects a turn log instead of creating one from config.
func WithTurnLog(s turnlog.Store) Option {
	return func(a *App) { a.turns = s }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the log level of the handler that
// reads v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithStallTimeout sets how long the capture queue may receive no frames
// before the device is reopened. Default: 5s.
func WithStallTimeout(d time.Duration) Option {
	return func(a *App) { a.stallTimeout = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). cfg must already be
// defaulted and validated, as [config.Load] returns it.
//
// New performs all initialisation synchronously; the capture device is only
// opened by Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		return nil, errors.New("app: providers are required")
	}
	if err := providers.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		providers:    providers,
		log:          slog.Default(),
		stallTimeout: defaultStallTimeout,
	}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.closers = append(a.closers, providers.Player.Close)

	// ── 1. Capture ───────────────────────────────────────────────────────
	a.initCapture(cfg)

	// ── 2. Endpointer ────────────────────────────────────────────────────
	ep, err := endpoint.New(a.queue, providers.VAD, cfg.EndpointConfig(), endpoint.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("app: init endpointer: %w", err)
	}
	a.endpointer = ep
	a.closers = append(a.closers, ep.Close)

	// ── 3. Barge-in ──────────────────────────────────────────────────────
	if err := a.applyBargeIn(cfg); err != nil {
		return nil, fmt.Errorf("app: init barge-in: %w", err)
	}

	// ── 4. Speech and replies ────────────────────────────────────────────
	sp, err := speech.New(providers.TTS, providers.Player, cfg.SpeechPipelineConfig(),
		speech.WithLogger(a.log),
		speech.WithMetrics(a.metrics),
		speech.WithProviderName(cfg.Providers.TTS.Name),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init speech pipeline: %w", err)
	}
	a.speech = sp
	a.closers = append(a.closers, sp.Close)

	a.replies = reply.New(providers.LLM, cfg.ReplyGeneratorConfig(),
		reply.WithLogger(a.log),
		reply.WithMetrics(a.metrics),
		reply.WithProviderName(cfg.Providers.LLM.Name),
	)

	// ── 5. Phrases and languages ─────────────────────────────────────────
	a.phrases, err = phrase.New(cfg.PhraseConfig())
	if err != nil {
		return nil, fmt.Errorf("app: init phrases: %w", err)
	}
	a.languages = langdetect.New(cfg.Session.Languages, cfg.Session.DefaultLanguage)

	// ── 6. Turn log ──────────────────────────────────────────────────────
	if err := a.initTurnLog(ctx, cfg); err != nil {
		return nil, fmt.Errorf("app: init turn log: %w", err)
	}

	// ── 7. Session controller ────────────────────────────────────────────
	a.controller, err = session.NewController(session.Deps{
		Endpointer: a.endpointer,
		STT:        providers.STT,
		Replies:    a.replies,
		Speech:     a.speech,
		NewBargeIn: a.newBargeIn,
		Phrases:    a.phrases,
		Languages:  a.languages,
		TurnLog:    a.turns,
		Metrics:    a.metrics,
	}, cfg.SessionControllerConfig(), session.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("app: init session controller: %w", err)
	}

	// ── 8. Admin HTTP ────────────────────────────────────────────────────
	a.initHealth()
	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCapture creates the frame queue and the reconnecting device owner.
func (a *App) initCapture(cfg *config.Config) {
	a.queue = audio.NewFrameQueue(cfg.Audio.QueueFrames, audio.WithDropHook(func() {
		a.metrics.CaptureDrops.Add(context.Background(), 1)
	}))
	a.reconn = session.NewReconnector(session.ReconnectorConfig{
		Open:    a.providers.OpenCapture,
		Queue:   a.queue,
		Backoff: cfg.DeviceRetry(),
		Logger:  a.log,
	})
	a.closers = append(a.closers, func() error {
		a.reconn.Disconnect()
		return nil
	})
}

// initTurnLog opens the PostgreSQL turn log when a DSN is configured and an
// in-memory ring otherwise.
func (a *App) initTurnLog(ctx context.Context, cfg *config.Config) error {
	if a.turns != nil {
		return nil
	}
	if dsn := cfg.TurnLog.PostgresDSN; dsn != "" {
		store, err := turnlogpg.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.turns = store
		a.log.Info("turn log: postgres")
	} else {
		a.turns = turnlog.NewMemoryStore(cfg.TurnLog.MemoryCapacity)
		a.log.Info("turn log: in memory", "capacity", cfg.TurnLog.MemoryCapacity)
	}
	a.closers = append(a.closers, a.turns.Close)
	return nil
}

// initHealth registers the readiness checks.
func (a *App) initHealth() {
	checks := []health.Checker{
		health.FlagCheck("capture", "capture device not running", func() bool {
			return a.reconn.Capture() != nil
		}),
	}
	if p, ok := a.turns.(health.Pinger); ok {
		// Conversations continue without a turn log.
		c := health.PingCheck("turnlog", p)
		c.Optional = true
		checks = append(checks, c)
	}
	if vl, ok := a.providers.TTS.(tts.VoiceLister); ok {
		c := health.VoicesCheck("tts", vl)
		_, c.Optional = a.providers.TTS.(fallbackStatus)
		checks = append(checks, c)
	}
	a.health = health.New(checks...)
}

// applyBargeIn validates and publishes the barge-in settings of cfg. The
// next reply picks them up.
func (a *App) applyBargeIn(cfg *config.Config) error {
	s := &bargeSettings{
		disabled: cfg.BargeIn.Disabled,
		cfg:      cfg.BargeInClassifierConfig().WithDefaults(),
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	a.barge.Store(s)
	return nil
}

// newBargeIn creates the interruption detector for one reply.
func (a *App) newBargeIn() (session.BargeIn, error) {
	s := a.barge.Load()
	if s.disabled {
		return noBargeIn{}, nil
	}
	c, err := bargein.New(a.queue, a.providers.VAD, s.cfg,
		bargein.WithLogger(a.log),
		bargein.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	return &reportingBargeIn{Classifier: c, last: &a.lastBarge}, nil
}

// reportingBargeIn publishes the classifier counters of each reply for
// /status when the reply ends.
type reportingBargeIn struct {
	*bargein.Classifier
	last *atomic.Pointer[bargein.Stats]
}

func (b *reportingBargeIn) Close() error {
	st := b.Stats()
	b.last.Store(&st)
	return b.Classifier.Close()
}

// noBargeIn never interrupts.
type noBargeIn struct{}

func (noBargeIn) Poll() bool   { return false }
func (noBargeIn) Reset()       {}
func (noBargeIn) Close() error { return nil }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the admin endpoints and runs the conversation loop until ctx is
// cancelled. It returns ctx.Err() on cancellation, or the first error that
// is not a recoverable device failure.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.log.Info("admin server listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return a.loop(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// loop opens the capture device and runs the controller, reopening the
// device whenever it fails or stalls.
func (a *App) loop(ctx context.Context) error {
	for {
		if _, err := a.reconn.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("app: connect capture: %w", err)
		}

		err := a.runController(ctx)
		a.reconn.Disconnect()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, audio.ErrDevice) {
			return fmt.Errorf("app: session controller: %w", err)
		}
		a.log.Warn("capture device lost, reconnecting", "err", err)
	}
}

// runController runs the controller while a watchdog checks that frames keep
// arriving. A stall cancels the run with an [audio.ErrDevice] cause.
func (a *App) runController(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go a.watchCapture(runCtx, cancel)

	err := a.controller.Run(runCtx)
	if cause := context.Cause(runCtx); errors.Is(cause, audio.ErrDevice) {
		return cause
	}
	return err
}

func (a *App) watchCapture(ctx context.Context, cancel context.CancelCauseFunc) {
	if a.stallTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(a.stallTimeout)
	defer ticker.Stop()
	last := a.queue.Pushed()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := a.queue.Pushed()
			if n == last {
				cancel(fmt.Errorf("%w: no frames for %v", audio.ErrDevice, a.stallTimeout))
				return
			}
			last = n
		}
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next: the log level and
// the barge-in settings. Other changed sections are logged and take effect on
// restart.
func (a *App) ApplyConfig(next *config.Config) config.ConfigDiff {
	prev := a.cfg.Load()
	d := config.Diff(prev, next)
	if !d.Changed() {
		return d
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.BargeInChanged {
		if err := a.applyBargeIn(next); err != nil {
			a.log.Warn("barge-in settings rejected, keeping previous", "err", err)
		} else {
			a.log.Info("barge-in settings reloaded")
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config sections changed, restart to apply", "sections", d.RestartRequired)
	}
	a.cfg.Store(next)
	return d
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.controller }

// TurnLog returns the turn store.
func (a *App) TurnLog() turnlog.Store { return a.turns }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
