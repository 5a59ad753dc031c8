package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/hark/internal/endpoint"
	"github.com/MrWong99/hark/internal/langdetect"
	"github.com/MrWong99/hark/internal/phrase"
	"github.com/MrWong99/hark/internal/reply"
	"github.com/MrWong99/hark/internal/speech"
	"github.com/MrWong99/hark/pkg/audio"
	audiomock "github.com/MrWong99/hark/pkg/audio/mock"
	"github.com/MrWong99/hark/pkg/provider/llm"
	llmmock "github.com/MrWong99/hark/pkg/provider/llm/mock"
	"github.com/MrWong99/hark/pkg/provider/stt"
	sttmock "github.com/MrWong99/hark/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/hark/pkg/provider/tts/mock"
	"github.com/MrWong99/hark/pkg/turnlog"
	turnlogmock "github.com/MrWong99/hark/pkg/turnlog/mock"
)

var errScriptDone = errors.New("script done")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptCapturer returns scripted utterances, then idle silent ones that
// advance the clock, then errScriptDone.
type scriptCapturer struct {
	mu        sync.Mutex
	clock     *fakeClock
	script    []endpoint.Utterance
	idle      int
	overrides [][]endpoint.Overrides
}

func (s *scriptCapturer) Capture(ctx context.Context, ov ...endpoint.Overrides) (endpoint.Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return endpoint.Utterance{}, err
	}
	s.overrides = append(s.overrides, ov)
	s.clock.Advance(time.Second)
	if len(s.script) > 0 {
		u := s.script[0]
		s.script = s.script[1:]
		return u, nil
	}
	if s.idle > 0 {
		s.idle--
		return endpoint.Utterance{Reason: endpoint.ReasonSilence, Duration: 600 * time.Millisecond}, nil
	}
	return endpoint.Utterance{}, errScriptDone
}

func speechUtterance() endpoint.Utterance {
	return endpoint.Utterance{
		Clip:     audio.Clip{Samples: make([]int16, 16000), SampleRate: 16000},
		Duration: time.Second,
		Voiced:   800 * time.Millisecond,
		Reason:   endpoint.ReasonSilence,
	}
}

func shortUtterance() endpoint.Utterance {
	return endpoint.Utterance{
		Clip:     audio.Clip{Samples: make([]int16, 4800), SampleRate: 16000},
		Duration: 300 * time.Millisecond,
		Reason:   endpoint.ReasonSilence,
	}
}

type fakeBarge struct {
	trigger atomic.Bool
	polls   atomic.Int32
	resets  atomic.Int32
	closed  atomic.Int32
}

func (b *fakeBarge) Poll() bool {
	b.polls.Add(1)
	return b.trigger.Load()
}

func (b *fakeBarge) Reset() { b.resets.Add(1) }

func (b *fakeBarge) Close() error {
	b.closed.Add(1)
	return nil
}

type harness struct {
	clock    *fakeClock
	capturer *scriptCapturer
	stt      *sttmock.Provider
	llm      *llmmock.Provider
	tts      *ttsmock.Provider
	player   *audiomock.Player
	turns    *turnlogmock.Store
	barge    *fakeBarge

	mu          sync.Mutex
	transitions []State
	enteredAt   []time.Time
}

func newHarness(t *testing.T, utterances []endpoint.Utterance, transcripts []stt.Transcript) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return &harness{
		clock:    clock,
		capturer: &scriptCapturer{clock: clock, script: utterances},
		stt:      &sttmock.Provider{Results: transcripts},
		llm: &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "It is sunny "},
			{Text: "and warm today."},
			{FinishReason: "stop"},
		}},
		tts:    &ttsmock.Provider{PerChar: time.Millisecond},
		player: &audiomock.Player{},
		turns:  &turnlogmock.Store{},
		barge:  &fakeBarge{},
	}
}

func (h *harness) controller(t *testing.T, cfg Config) *Controller {
	t.Helper()
	matcher, err := phrase.New(phrase.Config{Wake: []phrase.WakePhrase{
		{Text: "hey hark", Language: "en"},
		{Text: "salut hark", Language: "ro"},
	}})
	if err != nil {
		t.Fatalf("phrase.New: %v", err)
	}
	pipe, err := speech.New(h.tts, h.player, speech.Config{SentenceGap: time.Millisecond})
	if err != nil {
		t.Fatalf("speech.New: %v", err)
	}
	if cfg.BargePollInterval == 0 {
		cfg.BargePollInterval = time.Millisecond
	}
	c, err := NewController(Deps{
		Endpointer: h.capturer,
		STT:        h.stt,
		Replies:    reply.New(h.llm, reply.Config{HistoryTurns: 2}),
		Speech:     pipe,
		NewBargeIn: func() (BargeIn, error) { return h.barge, nil },
		Phrases:    matcher,
		Languages:  langdetect.New([]string{"en", "ro"}, "en"),
		TurnLog:    h.turns,
	}, cfg,
		WithClock(h.clock.Now),
		WithStateObserver(func(_, to State) {
			h.mu.Lock()
			h.transitions = append(h.transitions, to)
			h.enteredAt = append(h.enteredAt, h.clock.Now())
			h.mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c
}

func (h *harness) states() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.transitions...)
}

func run(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, errScriptDone) {
		t.Fatalf("Run = %v, want errScriptDone", err)
	}
}

func TestController_FullConversation(t *testing.T) {
	h := newHarness(t,
		[]endpoint.Utterance{speechUtterance(), speechUtterance(), speechUtterance()},
		[]stt.Transcript{
			{Text: "Hey Hark!", Language: "en"},
			{Text: "What is the weather like?", Language: "en"},
			{Text: "okay bye", Language: "en"},
		})
	c := h.controller(t, Config{})
	run(t, c)

	wantTexts := []string{
		DefaultAcknowledgements["en"],
		"It is sunny and warm today.",
		DefaultGoodbyeReplies["en"],
	}
	if got := h.tts.Texts(); !slices.Equal(got, wantTexts) {
		t.Errorf("synthesized = %q, want %q", got, wantTexts)
	}

	wantStates := []State{
		StateWakeConfirming, StateListening,
		StateThinking, StateSpeaking, StateListening,
		StateThinking, StateSpeaking, StateStandby,
	}
	if got := h.states(); !slices.Equal(got, wantStates) {
		t.Errorf("transitions = %v, want %v", got, wantStates)
	}

	turns := h.turns.Turns()
	if len(turns) != 2 {
		t.Fatalf("logged %d turns, want 2", len(turns))
	}
	if turns[0].Outcome != turnlog.OutcomeAnswered || turns[0].Reply != "It is sunny and warm today." {
		t.Errorf("turn 0 = %+v, want answered with reply", turns[0])
	}
	if turns[0].SessionID == "" || turns[0].SessionID != turns[1].SessionID {
		t.Errorf("session ids = %q, %q, want equal and non-empty", turns[0].SessionID, turns[1].SessionID)
	}
	if turns[1].Outcome != turnlog.OutcomeGoodbye {
		t.Errorf("turn 1 outcome = %v, want goodbye", turns[1].Outcome)
	}
	if c.State() != StateStandby || c.SessionID() != "" {
		t.Errorf("after Run: state %v session %q, want STANDBY and no session", c.State(), c.SessionID())
	}
	if h.barge.closed.Load() != 1 {
		t.Errorf("barge detector closed %d times, want 1", h.barge.closed.Load())
	}
	if h.barge.resets.Load() != 1 {
		t.Errorf("barge detector reset %d times, want 1 at first audio", h.barge.resets.Load())
	}
}

func TestController_StandbyUsesOverridesAndLanguage(t *testing.T) {
	h := newHarness(t,
		[]endpoint.Utterance{speechUtterance()},
		[]stt.Transcript{{Text: "good morning"}})
	run(t, h.controller(t, Config{StandbyPrompt: "hey hark"}))

	want := endpoint.Overrides{SilenceToEnd: time.Second, MaxRecord: 4 * time.Second}
	if got := h.capturer.overrides[0]; len(got) != 1 || got[0] != want {
		t.Errorf("standby overrides = %+v, want %+v", got, want)
	}
	call, _ := h.stt.LastCall()
	if call.Opts.Language != "en" || call.Opts.Prompt != "hey hark" {
		t.Errorf("standby stt options = %+v, want en with prompt", call.Opts)
	}
	if h.tts.CallCount() != 0 {
		t.Errorf("spoke %d phrases without a wake phrase", h.tts.CallCount())
	}
}

func TestController_RomanianWakeAcknowledgesInRomanian(t *testing.T) {
	h := newHarness(t,
		[]endpoint.Utterance{speechUtterance(), speechUtterance()},
		[]stt.Transcript{
			{Text: "salut hark"},
			{Text: "gata", Language: "ro"},
		})
	run(t, h.controller(t, Config{}))

	want := []string{DefaultAcknowledgements["ro"], DefaultGoodbyeReplies["ro"]}
	if got := h.tts.Texts(); !slices.Equal(got, want) {
		t.Errorf("synthesized = %q, want %q", got, want)
	}
	if calls := h.tts.Calls(); calls[0].Options.Language != "ro" {
		t.Errorf("ack language = %q, want ro", calls[0].Options.Language)
	}
}

func TestController_ShortUtterancesSkipped(t *testing.T) {
	h := newHarness(t,
		[]endpoint.Utterance{shortUtterance(), speechUtterance(), shortUtterance(), speechUtterance()},
		[]stt.Transcript{{Text: "hey hark"}, {Text: "bye"}})
	run(t, h.controller(t, Config{}))

	if got := h.stt.CallCount(); got != 2 {
		t.Errorf("transcribed %d utterances, want 2", got)
	}
}

func TestController_EchoDiscarded(t *testing.T) {
	h := newHarness(t,
		[]endpoint.Utterance{speechUtterance(), speechUtterance(), speechUtterance(), speechUtterance()},
		[]stt.Transcript{
			{Text: "hey hark"},
			{Text: "how is the weather", Language: "en"},
			{Text: "sunny and warm today", Language: "en"},
			{Text: "bye", Language: "en"},
		})
	run(t, h.controller(t, Config{}))

	if got := h.llm.StreamCallCount(); got != 1 {
		t.Errorf("LLM calls = %d, want 1 (echo must not be answered)", got)
	}
	for _, turn := range h.turns.Turns() {
		if turn.UserText == "sunny and warm today" {
			t.Errorf("echo was logged as a turn: %+v", turn)
		}
	}
}

func TestController_EchoDoesNotExtendIdleTimeout(t *testing.T) {
	idle := endpoint.Utterance{Reason: endpoint.ReasonSilence, Duration: 600 * time.Millisecond}
	h := newHarness(t,
		[]endpoint.Utterance{
			speechUtterance(), // 12:00:01 wake
			speechUtterance(), // 12:00:02 answered turn, idle deadline 12:00:07
			idle, idle, idle,
			speechUtterance(), // 12:00:06 echo of the reply
		},
		[]stt.Transcript{
			{Text: "hey hark"},
			{Text: "how is the weather", Language: "en"},
			{Text: "sunny and warm today", Language: "en"},
		})
	h.capturer.idle = 10
	start := h.clock.Now()
	run(t, h.controller(t, Config{IdleTimeout: 5 * time.Second}))

	if got := h.llm.StreamCallCount(); got != 1 {
		t.Fatalf("LLM calls = %d, want 1", got)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var standbys []time.Time
	for i, s := range h.transitions {
		if s == StateStandby {
			standbys = append(standbys, h.enteredAt[i])
		}
	}
	if len(standbys) != 2 {
		t.Fatalf("transitions = %v, want two STANDBY entries", h.transitions)
	}
	if want := start.Add(7 * time.Second); !standbys[1].Equal(want) {
		t.Errorf("back in STANDBY at %v, want %v (deadline set by the answered turn)", standbys[1].Format(time.TimeOnly), want.Format(time.TimeOnly))
	}
}

func TestController_EmptyTranscriptIgnored(t *testing.T) {
	h := newHarness(t,
		[]endpoint.Utterance{speechUtterance(), speechUtterance(), speechUtterance()},
		[]stt.Transcript{{Text: "hey hark"}, {Text: "   "}, {Text: "bye"}})
	run(t, h.controller(t, Config{}))

	if got := h.llm.StreamCallCount(); got != 0 {
		t.Errorf("LLM calls = %d, want 0", got)
	}
	if got := len(h.turns.Turns()); got != 1 {
		t.Errorf("logged %d turns, want 1", got)
	}
}

func TestController_IdleTimeoutEndsSession(t *testing.T) {
	h := newHarness(t,
		[]endpoint.Utterance{speechUtterance()},
		[]stt.Transcript{{Text: "hey hark"}})
	h.capturer.idle = 30
	c := h.controller(t, Config{IdleTimeout: 5 * time.Second})
	run(t, c)

	states := h.states()
	if len(states) < 3 || states[2] != StateStandby {
		t.Fatalf("transitions = %v, want back to STANDBY after idle timeout", states)
	}
	// Five idle seconds in session, the rest in standby.
	if got := h.stt.CallCount(); got != 1 {
		t.Errorf("transcribed %d utterances, want 1", got)
	}
}

func TestController_BargeInInterruptsReply(t *testing.T) {
	h := newHarness(t,
		[]endpoint.Utterance{speechUtterance(), speechUtterance(), speechUtterance()},
		[]stt.Transcript{
			{Text: "hey hark"},
			{Text: "tell me a long story", Language: "en"},
			{Text: "bye", Language: "en"},
		})
	h.llm.StreamChunks = []llm.Chunk{
		{Text: "Once upon a time there was a fox. "},
		{Text: "It lived in a very large forest. "},
		{Text: "Every day it went looking for food."},
	}
	h.player.PlayDelay = 200 * time.Millisecond
	h.player.OnPlay = func(audio.Clip) {
		if h.llm.StreamCallCount() > 0 {
			h.barge.trigger.Store(true)
		}
	}
	run(t, h.controller(t, Config{}))

	turns := h.turns.Turns()
	if len(turns) != 2 {
		t.Fatalf("logged %d turns, want 2", len(turns))
	}
	if turns[0].Outcome != turnlog.OutcomeInterrupted {
		t.Errorf("outcome = %v, want interrupted", turns[0].Outcome)
	}
	if h.player.Truncated() == 0 {
		t.Error("no playback was truncated")
	}
	if h.barge.polls.Load() == 0 {
		t.Error("barge detector was never polled")
	}
}

func TestController_SpeechFailureRecordsFailedTurn(t *testing.T) {
	h := newHarness(t,
		[]endpoint.Utterance{speechUtterance(), speechUtterance(), speechUtterance()},
		[]stt.Transcript{
			{Text: "hey hark"},
			{Text: "what time is it", Language: "en"},
			{Text: "bye", Language: "en"},
		})
	h.tts.ErrFor = func(text string) error {
		if text == "It is sunny and warm today." {
			return errors.New("voice unavailable")
		}
		return nil
	}
	run(t, h.controller(t, Config{}))

	turns := h.turns.Turns()
	if len(turns) != 2 || turns[0].Outcome != turnlog.OutcomeFailed {
		t.Fatalf("turns = %+v, want a failed turn then goodbye", turns)
	}
}

func TestController_TranscriptionErrorIgnored(t *testing.T) {
	h := newHarness(t, []endpoint.Utterance{speechUtterance(), speechUtterance()}, nil)
	h.stt.Err = errors.New("stt down")
	run(t, h.controller(t, Config{}))

	if got := h.tts.CallCount(); got != 0 {
		t.Errorf("spoke %d phrases after failed transcription", got)
	}
	if c := h.stt.CallCount(); c != 2 {
		t.Errorf("stt calls = %d, want 2", c)
	}
}

func TestController_ContextCancelled(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.controller(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestController_HistoryForgottenBetweenSessions(t *testing.T) {
	h := newHarness(t,
		[]endpoint.Utterance{
			speechUtterance(), speechUtterance(), speechUtterance(),
			speechUtterance(), speechUtterance(),
		},
		[]stt.Transcript{
			{Text: "hey hark"},
			{Text: "what is the capital of france", Language: "en"},
			{Text: "bye", Language: "en"},
			{Text: "hey hark"},
			{Text: "what was my question", Language: "en"},
		})
	run(t, h.controller(t, Config{}))

	req, ok := h.llm.LastStreamRequest()
	if !ok {
		t.Fatal("no LLM request")
	}
	for _, m := range req.Messages {
		if m.Role == llm.RoleAssistant {
			t.Errorf("second session request carries history: %+v", req.Messages)
			break
		}
	}
}

func TestNewController_Validation(t *testing.T) {
	if _, err := NewController(Deps{}, Config{}); err == nil {
		t.Error("NewController(empty deps) = nil error, want error")
	}
	if err := (Config{IdleTimeout: -1}).WithDefaults().Validate(); err == nil {
		t.Error("Validate(negative idle timeout) = nil, want error")
	}
}

func TestLocalized(t *testing.T) {
	phrases := map[string]string{"en": "hi", "ro": "salut"}
	tests := []struct {
		lang, fallback, want string
	}{
		{"ro", "en", "salut"},
		{"de", "en", "hi"},
		{"de", "ro", "salut"},
	}
	for _, tt := range tests {
		if got := localized(phrases, tt.lang, tt.fallback); got != tt.want {
			t.Errorf("localized(%q, %q) = %q, want %q", tt.lang, tt.fallback, got, tt.want)
		}
	}
	if got := localized(nil, "en", "en"); got != "" {
		t.Errorf("localized(nil) = %q, want empty", got)
	}
}

func TestStateString(t *testing.T) {
	if got := StateWakeConfirming.String(); got != "WAKE_CONFIRMING" {
		t.Errorf("String = %q", got)
	}
	b, err := StateSpeaking.MarshalText()
	if err != nil || string(b) != "SPEAKING" {
		t.Errorf("MarshalText = %q, %v", b, err)
	}
}
