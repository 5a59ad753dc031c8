package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/hark/internal/endpoint"
	"github.com/MrWong99/hark/internal/langdetect"
	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/internal/phrase"
	"github.com/MrWong99/hark/internal/reply"
	"github.com/MrWong99/hark/internal/speech"
	"github.com/MrWong99/hark/pkg/provider/stt"
	"github.com/MrWong99/hark/pkg/turnlog"
)

// Capturer records one utterance. *endpoint.Endpointer implements it.
type Capturer interface {
	Capture(ctx context.Context, ov ...endpoint.Overrides) (endpoint.Utterance, error)
}

// Speaker plays replies. *speech.Pipeline implements it.
type Speaker interface {
	Speak(ctx context.Context, ts speech.TokenStream, opts speech.Options) (*speech.Stream, error)
	Say(ctx context.Context, text string, opts speech.Options) (speech.Result, error)
}

// Replier generates replies. *reply.Generator implements it.
type Replier interface {
	Generate(ctx context.Context, text, lang string) (*reply.Stream, error)
	Remember(user, reply string)
	Forget()
}

// BargeIn detects interruptions during one reply. *bargein.Classifier
// implements it.
type BargeIn interface {
	Poll() bool
	// Reset drops speech accumulated before the reply started playing.
	Reset()
	Close() error
}

// Deps are the collaborators of a Controller. TurnLog and Metrics are
// optional.
type Deps struct {
	Endpointer Capturer
	STT        stt.Provider
	Replies    Replier
	Speech     Speaker
	// NewBargeIn creates a detector for each reply stream, so its arm delay
	// starts with the stream.
	NewBargeIn func() (BargeIn, error)
	Phrases    *phrase.Matcher
	Languages  *langdetect.Detector
	TurnLog    turnlog.Store
	Metrics    *observe.Metrics
}

func (d Deps) validate() error {
	var errs []error
	if d.Endpointer == nil {
		errs = append(errs, errors.New("session: endpointer is required"))
	}
	if d.STT == nil {
		errs = append(errs, errors.New("session: stt provider is required"))
	}
	if d.Replies == nil {
		errs = append(errs, errors.New("session: reply generator is required"))
	}
	if d.Speech == nil {
		errs = append(errs, errors.New("session: speech pipeline is required"))
	}
	if d.Phrases == nil {
		errs = append(errs, errors.New("session: phrase matcher is required"))
	}
	if d.Languages == nil {
		errs = append(errs, errors.New("session: language detector is required"))
	}
	return errors.Join(errs...)
}

// Config tunes the conversation.
type Config struct {
	// IdleTimeout ends a session without a valid turn. Default 12 s.
	IdleTimeout time.Duration

	// MinValid is the shortest utterance worth transcribing. Default 700 ms.
	MinValid time.Duration

	// BargePollInterval is how often the barge-in detector is polled while
	// a reply plays. Default 30 ms.
	BargePollInterval time.Duration

	// Standby capture uses its own limits and a fixed language.
	// Defaults 1000 ms, 4 s and "en".
	StandbySilence   time.Duration
	StandbyMaxRecord time.Duration
	StandbyLanguage  string

	// StandbyPrompt biases standby transcription, typically the wake
	// phrases.
	StandbyPrompt string

	// DefaultLanguage picks the acknowledgement and goodbye reply when the
	// turn language has none. Default "en".
	DefaultLanguage string

	// Acknowledgements and GoodbyeReplies are keyed by language.
	Acknowledgements map[string]string
	GoodbyeReplies   map[string]string

	// TurnLogTimeout bounds each turn log write. Default 2 s.
	TurnLogTimeout time.Duration
}

// DefaultAcknowledgements are spoken after a wake phrase.
var DefaultAcknowledgements = map[string]string{
	"en": "Yes? I'm listening.",
	"ro": "Da, te ascult.",
}

// DefaultGoodbyeReplies are spoken when the user ends the session.
var DefaultGoodbyeReplies = map[string]string{
	"en": "Okay, bye!",
	"ro": "Bine, pa!",
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 12 * time.Second
	}
	if c.MinValid == 0 {
		c.MinValid = 700 * time.Millisecond
	}
	if c.BargePollInterval == 0 {
		c.BargePollInterval = 30 * time.Millisecond
	}
	if c.StandbySilence == 0 {
		c.StandbySilence = time.Second
	}
	if c.StandbyMaxRecord == 0 {
		c.StandbyMaxRecord = 4 * time.Second
	}
	if c.StandbyLanguage == "" {
		c.StandbyLanguage = "en"
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en"
	}
	if len(c.Acknowledgements) == 0 {
		c.Acknowledgements = DefaultAcknowledgements
	}
	if len(c.GoodbyeReplies) == 0 {
		c.GoodbyeReplies = DefaultGoodbyeReplies
	}
	if c.TurnLogTimeout == 0 {
		c.TurnLogTimeout = 2 * time.Second
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("session: idle timeout must be positive"))
	}
	if c.MinValid < 0 {
		errs = append(errs, errors.New("session: min valid must not be negative"))
	}
	if c.BargePollInterval <= 0 {
		errs = append(errs, errors.New("session: barge poll interval must be positive"))
	}
	if c.StandbySilence <= 0 || c.StandbyMaxRecord <= 0 {
		errs = append(errs, errors.New("session: standby capture limits must be positive"))
	}
	return errors.Join(errs...)
}

// Status is a snapshot for the admin endpoint.
type Status struct {
	State          State     `json:"state"`
	SessionID      string    `json:"session_id,omitempty"`
	SessionStarted time.Time `json:"session_started,omitzero"`
	Language       string    `json:"language,omitempty"`
	Turns          int       `json:"turns"`
	LastUserText   string    `json:"last_user_text,omitempty"`
	LastReply      string    `json:"last_reply,omitempty"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithClock replaces time.Now for idle deadlines and latency measurement.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithStateObserver registers fn for state transitions.
func WithStateObserver(fn StateObserver) Option {
	return func(c *Controller) { c.observers = append(c.observers, fn) }
}

// Controller owns the conversation loop. Run must be called from a single
// goroutine; State, SessionID and Status may be called from any goroutine.
type Controller struct {
	deps      Deps
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
	observers []StateObserver

	mu     sync.Mutex
	status Status
}

// NewController validates its inputs and returns a controller in STANDBY.
func NewController(deps Deps, cfg Config, opts ...Option) (*Controller, error) {
	cfg = cfg.WithDefaults()
	if err := errors.Join(deps.validate(), cfg.Validate()); err != nil {
		return nil, err
	}
	c := &Controller{
		deps: deps,
		cfg:  cfg,
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State
}

// SessionID returns the open session's id, or "" in standby.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.SessionID
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) setState(ctx context.Context, to State) {
	c.mu.Lock()
	from := c.status.State
	c.status.State = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.log.Debug("session: state", "from", from.String(), "to", to.String())
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordStateTransition(ctx, from.String(), to.String())
	}
	for _, fn := range c.observers {
		fn(from, to)
	}
}

// Run loops between standby and conversations until ctx ends or capture
// fails. It returns ctx.Err() on cancellation.
func (c *Controller) Run(ctx context.Context) error {
	c.setState(ctx, StateStandby)
	c.log.Info("session: standby, waiting for wake phrase")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		lang, woke, err := c.standby(ctx)
		if err != nil {
			return err
		}
		if !woke {
			continue
		}
		if err := c.converse(ctx, lang); err != nil {
			return err
		}
		c.setState(ctx, StateStandby)
		c.log.Info("session: back in standby")
	}
}

// standby captures one utterance and checks it for a wake phrase. It
// returns the language to converse in.
func (c *Controller) standby(ctx context.Context) (string, bool, error) {
	u, err := c.deps.Endpointer.Capture(ctx, endpoint.Overrides{
		SilenceToEnd: c.cfg.StandbySilence,
		MaxRecord:    c.cfg.StandbyMaxRecord,
	})
	if err != nil {
		return "", false, err
	}
	if !u.Valid(c.cfg.MinValid) {
		c.log.Debug("session: standby utterance too short", "duration", u.Duration)
		return "", false, nil
	}

	tr := c.transcribe(ctx, u, stt.Options{Language: c.cfg.StandbyLanguage, Prompt: c.cfg.StandbyPrompt})
	if tr.Text == "" {
		return "", false, nil
	}
	m, ok := c.deps.Phrases.MatchWake(tr.Text)
	c.log.Info("session: standby heard", "text", tr.Text, "wake_score", m.Score, "wake", ok)
	if !ok {
		return "", false, nil
	}
	lang := m.Phrase.Language
	if lang == "" {
		lang = c.cfg.StandbyLanguage
	}
	return lang, true, nil
}

// converse holds one session. It returns only context or capture errors.
func (c *Controller) converse(ctx context.Context, lang string) error {
	c.setState(ctx, StateWakeConfirming)
	if err := c.say(ctx, localized(c.cfg.Acknowledgements, lang, c.cfg.DefaultLanguage), lang); err != nil {
		return err
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.status.SessionID = id
	c.status.SessionStarted = c.now()
	c.status.Language = lang
	c.status.Turns = 0
	c.status.LastUserText, c.status.LastReply = "", ""
	c.mu.Unlock()
	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveSessions.Add(ctx, 1)
	}
	log := c.log.With("session_id", id)
	log.Info("session: started", "language", lang)

	reason := EndError
	defer func() {
		c.deps.Replies.Forget()
		if c.deps.Metrics != nil {
			c.deps.Metrics.RecordSessionEnd(context.WithoutCancel(ctx), reason)
		}
		c.mu.Lock()
		c.status.SessionID = ""
		c.status.SessionStarted = time.Time{}
		c.mu.Unlock()
		log.Info("session: ended", "reason", reason)
	}()

	var lastReply string
	deadline := c.now().Add(c.cfg.IdleTimeout)
	c.setState(ctx, StateListening)

	for c.now().Before(deadline) {
		u, err := c.deps.Endpointer.Capture(ctx)
		if err != nil {
			return err
		}
		if c.deps.Metrics != nil && u.Duration > 0 {
			c.deps.Metrics.UtteranceDuration.Record(ctx, u.Duration.Seconds())
		}
		if !u.Valid(c.cfg.MinValid) {
			continue
		}

		c.setState(ctx, StateThinking)
		turnStart := c.now()
		text, turnLang := c.understand(ctx, u)
		log.Info("session: heard", "language", turnLang, "text", text)

		if c.deps.Phrases.IsEcho(text, lastReply) {
			log.Info("session: ignoring echo of the last reply", "text", text)
			c.setState(ctx, StateListening)
			continue
		}
		if text == "" {
			c.setState(ctx, StateListening)
			continue
		}

		if c.deps.Phrases.IsGoodbye(text) {
			c.setState(ctx, StateSpeaking)
			bye := localized(c.cfg.GoodbyeReplies, turnLang, c.cfg.DefaultLanguage)
			if err := c.say(ctx, bye, turnLang); err != nil {
				return err
			}
			c.recordTurn(ctx, turnlog.Turn{
				SessionID:         id,
				At:                turnStart,
				UserText:          text,
				Language:          turnLang,
				Reply:             bye,
				Outcome:           turnlog.OutcomeGoodbye,
				UtteranceDuration: u.Duration,
			})
			reason = EndGoodbye
			return nil
		}

		t := c.respond(ctx, text, turnLang, turnStart)
		if err := ctx.Err(); err != nil {
			return err
		}
		t.SessionID = id
		t.UtteranceDuration = u.Duration
		c.recordTurn(ctx, t)

		lastReply = t.Reply
		c.deps.Replies.Remember(text, t.Reply)
		deadline = c.now().Add(c.cfg.IdleTimeout)

		c.mu.Lock()
		c.status.Turns++
		c.status.Language = turnLang
		c.status.LastUserText, c.status.LastReply = text, t.Reply
		c.mu.Unlock()
		c.setState(ctx, StateListening)
	}
	reason = EndIdle
	return nil
}

// understand transcribes a session utterance and settles its language.
func (c *Controller) understand(ctx context.Context, u endpoint.Utterance) (string, string) {
	var opts stt.Options
	if langs := c.deps.Languages.Languages(); len(langs) == 1 {
		opts.Language = langs[0]
	}
	tr := c.transcribe(ctx, u, opts)
	return tr.Text, c.deps.Languages.Resolve(tr.Language, tr.Text)
}

// transcribe never fails: recognition errors become an empty transcript.
func (c *Controller) transcribe(ctx context.Context, u endpoint.Utterance, opts stt.Options) stt.Transcript {
	ctx, span := observe.StartSpan(ctx, "stt.transcribe",
		trace.WithAttributes(attribute.Int64("hark.utterance.ms", u.Duration.Milliseconds())))

	start := c.now()
	tr, err := c.deps.STT.Transcribe(ctx, u.Clip, opts)
	if m := c.deps.Metrics; m != nil {
		m.STTDuration.Record(ctx, c.now().Sub(start).Seconds())
		status := "ok"
		if err != nil {
			status = "error"
			m.RecordProviderError(ctx, "stt", "stt")
		}
		m.RecordProviderRequest(ctx, "stt", "stt", status)
	}
	observe.EndSpan(span, err)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("session: transcription failed", "err", err)
		}
		return stt.Transcript{}
	}
	tr.Text = strings.TrimSpace(tr.Text)
	return tr
}

// respond generates and speaks a reply while polling for barge-in.
func (c *Controller) respond(ctx context.Context, text, lang string, turnStart time.Time) turnlog.Turn {
	ctx, span := observe.StartSpan(ctx, "session.turn", trace.WithAttributes(attribute.String("hark.language", lang)))
	t := turnlog.Turn{At: turnStart, UserText: text, Language: lang, Outcome: turnlog.OutcomeAnswered}
	var turnErr error
	defer func() {
		span.SetAttributes(attribute.String("hark.outcome", string(t.Outcome)))
		observe.EndSpan(span, turnErr)
	}()

	gen, err := c.deps.Replies.Generate(ctx, text, lang)
	if err != nil {
		c.log.Error("session: reply generation failed", "err", err)
		turnErr = err
		t.Outcome = turnlog.OutcomeFailed
		return t
	}
	defer gen.Close()

	var barge BargeIn
	if c.deps.NewBargeIn != nil {
		if barge, err = c.deps.NewBargeIn(); err != nil {
			c.log.Warn("session: barge-in detector unavailable", "err", err)
			barge = nil
		} else {
			defer barge.Close()
		}
	}

	var roundTrip time.Duration
	stream, err := c.deps.Speech.Speak(ctx, gen, speech.Options{
		Language: lang,
		OnFirstAudio: func() {
			roundTrip = c.now().Sub(turnStart)
			if c.deps.Metrics != nil {
				c.deps.Metrics.ReplyLatency.Record(ctx, roundTrip.Seconds())
			}
			if barge != nil {
				barge.Reset()
			}
			c.setState(ctx, StateSpeaking)
		},
	})
	if err != nil {
		c.log.Error("session: cannot start speech", "err", err)
		turnErr = err
		t.Outcome = turnlog.OutcomeFailed
		return t
	}

	ticker := time.NewTicker(c.cfg.BargePollInterval)
	defer ticker.Stop()
	interrupted := false
poll:
	for {
		select {
		case <-stream.Done():
			break poll
		case <-ctx.Done():
			stream.Stop()
			break poll
		case <-ticker.C:
			if barge != nil && barge.Poll() {
				c.log.Info("session: barge-in, stopping reply")
				stream.Stop()
				interrupted = true
				break poll
			}
		}
	}
	res := stream.Wait()

	// roundTrip is written on the consumer goroutine, which has exited.
	t.RoundTrip = roundTrip
	t.Reply = res.Text
	switch {
	case interrupted:
		t.Outcome = turnlog.OutcomeInterrupted
	case res.Err != nil && !errors.Is(res.Err, speech.ErrStreamStopped) && ctx.Err() == nil:
		c.log.Warn("session: reply failed", "err", res.Err)
		turnErr = res.Err
		t.Outcome = turnlog.OutcomeFailed
	}
	return t
}

// say speaks a fixed phrase. Only context errors are returned; synthesis
// failures are logged.
func (c *Controller) say(ctx context.Context, text, lang string) error {
	if text == "" {
		return ctx.Err()
	}
	if _, err := c.deps.Speech.Say(ctx, text, speech.Options{Language: lang}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.log.Warn("session: could not speak phrase", "text", text, "err", err)
	}
	return nil
}

func (c *Controller) recordTurn(ctx context.Context, t turnlog.Turn) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordTurn(ctx, string(t.Outcome))
	}
	if c.deps.TurnLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TurnLogTimeout)
	defer cancel()
	if err := c.deps.TurnLog.Append(ctx, t); err != nil {
		c.log.Warn("session: turn log append failed", "err", err)
	}
}

// localized returns phrases[lang], falling back to the default language and
// then to any entry.
func localized(phrases map[string]string, lang, fallback string) string {
	if s, ok := phrases[lang]; ok {
		return s
	}
	if s, ok := phrases[fallback]; ok {
		return s
	}
	for _, s := range phrases {
		return s
	}
	return ""
}

// String implements fmt.Stringer for log output.
func (s Status) String() string {
	if s.SessionID == "" {
		return s.State.String()
	}
	return fmt.Sprintf("%s session=%s turns=%d", s.State, s.SessionID, s.Turns)
}
