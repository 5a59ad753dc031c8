package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/hark/internal/bargein"
	"github.com/MrWong99/hark/internal/observe"
	"github.com/MrWong99/hark/internal/resilience"
	"github.com/MrWong99/hark/internal/session"
	"github.com/MrWong99/hark/pkg/turnlog"
)

// fallbackStatus is implemented by the resilience provider wrappers.
type fallbackStatus interface {
	Status() []resilience.EntryStatus
}

// StatusReport is the JSON body of GET /status.
type StatusReport struct {
	Session   session.Status                      `json:"session"`
	Speaking  bool                                `json:"speaking"`
	Capture   CaptureStatus                       `json:"capture"`
	BargeIn   BargeInStatus                       `json:"bargein"`
	Providers map[string][]resilience.EntryStatus `json:"providers,omitempty"`
}

// BargeInStatus describes interruption detection. LastReply holds the
// classifier counters of the most recent reply, for threshold calibration.
type BargeInStatus struct {
	Disabled  bool           `json:"disabled"`
	LastReply *bargein.Stats `json:"last_reply,omitempty"`
}

// CaptureStatus describes the microphone queue.
type CaptureStatus struct {
	Running bool   `json:"running"`
	Queued  int    `json:"queued"`
	Pushed  uint64 `json:"pushed"`
	Dropped uint64 `json:"dropped"`
}

// Status collects the current session, capture and provider state.
func (a *App) Status() StatusReport {
	r := StatusReport{
		Session:  a.controller.Status(),
		Speaking: a.speech.Speaking(),
		BargeIn: BargeInStatus{
			Disabled:  a.barge.Load().disabled,
			LastReply: a.lastBarge.Load(),
		},
		Capture: CaptureStatus{
			Running: a.reconn.Capture() != nil,
			Queued:  a.queue.Len(),
			Pushed:  a.queue.Pushed(),
			Dropped: a.queue.Dropped(),
		},
	}
	for kind, p := range map[string]any{
		"llm": a.providers.LLM,
		"stt": a.providers.STT,
		"tts": a.providers.TTS,
	} {
		fs, ok := p.(fallbackStatus)
		if !ok {
			continue
		}
		if r.Providers == nil {
			r.Providers = make(map[string][]resilience.EntryStatus)
		}
		r.Providers[kind] = fs.Status()
	}
	return r
}

// Handler returns the admin router: health, readiness, Prometheus metrics,
// the status report and the turn log.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer, observe.Middleware(a.metrics))
	a.health.Register(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", a.handleStatus)
	r.Get("/turns", a.handleTurns)
	return r
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(a.Status()); err != nil {
		a.log.Warn("status: encode failed", "err", err)
	}
}

const (
	defaultTurnLimit = 50
	maxTurnLimit     = 500
)

// turnView is the JSON form of a logged turn.
type turnView struct {
	SessionID   string `json:"session_id"`
	At          string `json:"at"`
	UserText    string `json:"user_text"`
	Language    string `json:"language"`
	Reply       string `json:"reply"`
	Outcome     string `json:"outcome"`
	UtteranceMS int64  `json:"utterance_ms"`
	RoundTripMS int64  `json:"round_trip_ms,omitempty"`
}

// handleTurns lists logged turns, newest first. Query parameters: session,
// q (free text), since (RFC 3339) and limit.
func (a *App) handleTurns(w http.ResponseWriter, r *http.Request) {
	q, err := parseTurnQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	turns, err := a.turns.Find(r.Context(), q)
	if err != nil {
		observe.Logger(r.Context(), a.log).Error("turns: query failed", "err", err)
		http.Error(w, "turn log unavailable", http.StatusBadGateway)
		return
	}

	out := make([]turnView, len(turns))
	for i, t := range turns {
		out[i] = turnView{
			SessionID:   t.SessionID,
			At:          t.At.UTC().Format(time.RFC3339Nano),
			UserText:    t.UserText,
			Language:    t.Language,
			Reply:       t.Reply,
			Outcome:     string(t.Outcome),
			UtteranceMS: t.UtteranceDuration.Milliseconds(),
			RoundTripMS: t.RoundTrip.Milliseconds(),
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		a.log.Warn("turns: encode failed", "err", err)
	}
}

func parseTurnQuery(r *http.Request) (turnlog.Query, error) {
	v := r.URL.Query()
	q := turnlog.Query{
		SessionID: v.Get("session"),
		Text:      v.Get("q"),
		Limit:     defaultTurnLimit,
	}
	if s := v.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, fmt.Errorf("since: want RFC 3339, got %q", s)
		}
		q.Since = t
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("limit: want a positive integer, got %q", s)
		}
		q.Limit = min(n, maxTurnLimit)
	}
	return q, nil
}
