package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/hark/pkg/provider/tts"
	ttsmock "github.com/MrWong99/hark/pkg/provider/tts/mock"
)

func ok(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func failing(name, msg string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return errors.New(msg) }}
}

func optional(c Checker) Checker {
	c.Optional = true
	return c
}

func probe(t *testing.T, h *Handler, path string) (int, Report) {
	t.Helper()
	r := chi.NewRouter()
	h.Register(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, rep
}

func TestHealthz(t *testing.T) {
	code, rep := probe(t, New(failing("capture", "closed")), "/healthz")
	if code != http.StatusOK || rep.Status != StatusOK {
		t.Errorf("/healthz = %d %q, want 200 ok regardless of checks", code, rep.Status)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checks     []Checker
		wantCode   int
		wantStatus string
	}{
		{"no checks", nil, http.StatusOK, StatusOK},
		{"all pass", []Checker{ok("capture"), ok("tts")}, http.StatusOK, StatusOK},
		{"required fails", []Checker{failing("capture", "device gone"), ok("tts")}, http.StatusServiceUnavailable, StatusFail},
		{"optional fails", []Checker{ok("capture"), optional(failing("turnlog", "refused"))}, http.StatusOK, StatusDegraded},
		{"both fail", []Checker{optional(failing("turnlog", "refused")), failing("capture", "device gone")}, http.StatusServiceUnavailable, StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, rep := probe(t, New(tt.checks...), "/readyz")
			if code != tt.wantCode || rep.Status != tt.wantStatus {
				t.Errorf("/readyz = %d %q, want %d %q", code, rep.Status, tt.wantCode, tt.wantStatus)
			}
			if len(rep.Checks) != len(tt.checks) {
				t.Errorf("checks = %d, want %d", len(rep.Checks), len(tt.checks))
			}
		})
	}
}

func TestReadyz_ReportsErrors(t *testing.T) {
	_, rep := probe(t, New(failing("capture", "device gone"), optional(ok("tts"))), "/readyz")
	c := rep.Checks["capture"]
	if c.Status != StatusFail || c.Error != "device gone" || c.Optional {
		t.Errorf("capture = %+v, want required failure with message", c)
	}
	if tc := rep.Checks["tts"]; tc.Status != StatusOK || tc.Error != "" || !tc.Optional {
		t.Errorf("tts = %+v, want optional ok", tc)
	}
}

func TestCheck_RunsConcurrently(t *testing.T) {
	slow := func(name string) Checker {
		return Checker{Name: name, Check: func(context.Context) error {
			time.Sleep(100 * time.Millisecond)
			return nil
		}}
	}
	start := time.Now()
	rep := New(slow("a"), slow("b"), slow("c")).Check(context.Background())
	if rep.Status != StatusOK {
		t.Fatalf("status = %q", rep.Status)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("three 100ms checks took %v", elapsed)
	}
}

func TestCheck_CancelledRequest(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if rep := h.Check(ctx); rep.Status != StatusFail {
		t.Errorf("status = %q, want fail", rep.Status)
	}
}

func TestCheck_Cache(t *testing.T) {
	var calls atomic.Int32
	now := time.Unix(1_700_000_000, 0)
	h := New(Checker{Name: "tts", CacheFor: 30 * time.Second, Check: func(context.Context) error {
		calls.Add(1)
		return nil
	}})
	h.now = func() time.Time { return now }

	h.Check(context.Background())
	now = now.Add(10 * time.Second)
	h.Check(context.Background())
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls within cache window = %d, want 1", got)
	}
	now = now.Add(30 * time.Second)
	h.Check(context.Background())
	if got := calls.Load(); got != 2 {
		t.Errorf("calls after expiry = %d, want 2", got)
	}
}

func TestRegister_RejectsPost(t *testing.T) {
	r := chi.NewRouter()
	New().Register(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestCheckers(t *testing.T) {
	down := errors.New("connection refused")
	open := false
	tests := []struct {
		name    string
		checker Checker
		wantErr bool
	}{
		{"ping ok", PingCheck("turnlog", fakePinger{}), false},
		{"ping down", PingCheck("turnlog", fakePinger{err: down}), true},
		{"voices ok", VoicesCheck("tts", &ttsmock.Provider{Voices: []tts.VoiceProfile{{ID: "amy"}}}), false},
		{"no voices", VoicesCheck("tts", &ttsmock.Provider{}), true},
		{"voices error", VoicesCheck("tts", &ttsmock.Provider{ListErr: down}), true},
		{"flag down", FlagCheck("capture", "capture device closed", func() bool { return open }), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.checker.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	open = true
	if err := FlagCheck("capture", "closed", func() bool { return open }).Check(context.Background()); err != nil {
		t.Errorf("FlagCheck after open = %v, want nil", err)
	}
	if VoicesCheck("tts", &ttsmock.Provider{}).CacheFor == 0 {
		t.Error("VoicesCheck is not cached")
	}
}
