package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nijaru/scribe/config"
	"github.com/nijaru/scribe/db"
	apperrors "github.com/nijaru/scribe/errors"
	"github.com/nijaru/scribe/live"
)

type fakeLive struct {
	running  bool
	settings live.Settings
	dir      string
	events   chan live.Event
	started  string
}

func newFakeLive(t *testing.T) *fakeLive {
	return &fakeLive{
		settings: live.Settings{Model: "base", Language: "auto", SampleRate: 16000, TranscribeInterval: 2},
		dir:      t.TempDir(),
		events:   make(chan live.Event, 4),
	}
}

func (f *fakeLive) Start(source string) (*live.SessionInfo, error) {
	if f.running {
		return nil, apperrors.Conflict("fake.Start", nil, "transcription already running")
	}
	if strings.HasPrefix(source, "-") {
		return nil, apperrors.Invalid("fake.Start", nil, "invalid source")
	}
	f.running = true
	f.started = source
	return &live.SessionInfo{ID: "s1", Filename: "transcription_20240301_093015.txt", Source: source}, nil
}

func (f *fakeLive) Stop(ctx context.Context) (*live.SessionInfo, error) {
	if !f.running {
		return nil, apperrors.Conflict("fake.Stop", nil, "transcription not running")
	}
	f.running = false
	return &live.SessionInfo{ID: "s1", Entries: 3}, nil
}

func (f *fakeLive) Status() live.Status {
	return live.Status{Running: f.running, Config: f.settings}
}

func (f *fakeLive) Config() live.Settings { return f.settings }

func (f *fakeLive) UpdateConfig(u live.SettingsUpdate) (live.Settings, error) {
	if f.running {
		return f.settings, apperrors.Conflict("fake.UpdateConfig", nil, "cannot change configuration while running")
	}
	if u.Model != nil {
		f.settings.Model = *u.Model
	}
	return f.settings, nil
}

func (f *fakeLive) Sessions(ctx context.Context) ([]live.SessionFile, error) {
	return []live.SessionFile{{Filename: "transcription_20240301_093015.txt", Entries: 3}}, nil
}

func (f *fakeLive) SessionPath(filename string) (string, error) {
	if strings.Contains(filename, "..") {
		return "", apperrors.Invalid("fake.SessionPath", nil, "invalid filename")
	}
	path := filepath.Join(f.dir, filename)
	if _, err := os.Stat(path); err != nil {
		return "", apperrors.NotFound("fake.SessionPath", err, "file not found")
	}
	return path, nil
}

func (f *fakeLive) Subscribe() (<-chan live.Event, func()) {
	return f.events, func() {}
}

type fakeStore struct {
	pingErr error
	source  string
	limit   int
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) ListRuns(ctx context.Context, source string, limit int) ([]db.Run, error) {
	f.source, f.limit = source, limit
	return []db.Run{{ID: "r1", Source: source}}, nil
}

func testConfig() config.LiveConfig {
	cfg := config.Default().Live
	cfg.RateLimit = 100
	cfg.RateLimitInterval = time.Second
	return cfg
}

func newTestServer(t *testing.T, svc LiveService, store Store) http.Handler {
	t.Helper()
	return NewServer(testConfig(), New(svc, store, "test")).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestStartStopLifecycle(t *testing.T) {
	svc := newFakeLive(t)
	h := newTestServer(t, svc, nil)

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
	}{
		{"start", http.MethodPost, "/api/start", `{"source":"mic"}`, http.StatusOK},
		{"start twice", http.MethodPost, "/api/start", `{"source":"mic"}`, http.StatusConflict},
		{"config while running", http.MethodPost, "/api/config", `{"model_name":"small"}`, http.StatusConflict},
		{"stop", http.MethodPost, "/api/stop", "", http.StatusOK},
		{"stop twice", http.MethodPost, "/api/stop", "", http.StatusConflict},
		{"bad source", http.MethodPost, "/api/start", `{"source":"-f"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/start", `{"device":"mic"}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/start", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		rr := do(t, h, tt.method, tt.path, tt.body)
		if rr.Code != tt.wantCode {
			t.Fatalf("%s: status = %d, want %d (%s)", tt.name, rr.Code, tt.wantCode, rr.Body.String())
		}
	}
	if svc.started != "mic" {
		t.Errorf("expected source mic, got %q", svc.started)
	}
}

func TestStartWithoutBodyUsesDefaultSource(t *testing.T) {
	svc := newFakeLive(t)
	rr := do(t, newTestServer(t, svc, nil), http.MethodPost, "/api/start", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rr.Code, rr.Body.String())
	}
	body := decode(t, rr)
	if body["status"] != "success" {
		t.Errorf("unexpected body %v", body)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestStatusAndConfig(t *testing.T) {
	svc := newFakeLive(t)
	h := newTestServer(t, svc, nil)

	status := decode(t, do(t, h, http.MethodGet, "/api/status", ""))
	if status["is_running"] != false {
		t.Errorf("unexpected status %v", status)
	}

	rr := do(t, h, http.MethodPost, "/api/config", `{"model_name":"small"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rr.Code, rr.Body.String())
	}
	cfg := decode(t, do(t, h, http.MethodGet, "/api/config", ""))
	if cfg["model_name"] != "small" || cfg["transcribe_interval"] != 2.0 {
		t.Errorf("unexpected config %v", cfg)
	}
}

func TestSessionsAndDownload(t *testing.T) {
	svc := newFakeLive(t)
	h := newTestServer(t, svc, nil)

	name := "transcription_20240301_093015.txt"
	if err := os.WriteFile(filepath.Join(svc.dir, name), []byte("[x] [en] hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sessions := decode(t, do(t, h, http.MethodGet, "/api/sessions", ""))
	if list, ok := sessions["sessions"].([]interface{}); !ok || len(list) != 1 {
		t.Errorf("unexpected sessions %v", sessions)
	}

	rr := do(t, h, http.MethodGet, "/api/download/"+name, "")
	if rr.Code != http.StatusOK || rr.Body.String() != "[x] [en] hi\n" {
		t.Fatalf("download: status = %d body = %q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), name) {
		t.Errorf("expected attachment header, got %q", rr.Header().Get("Content-Disposition"))
	}

	if rr := do(t, h, http.MethodGet, "/api/download/transcription_19990101_000000.txt", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing file: status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/api/download/..secret.txt", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("traversal: status = %d", rr.Code)
	}
}

func TestRunsAndHealth(t *testing.T) {
	store := &fakeStore{}
	h := newTestServer(t, newFakeLive(t), store)

	rr := do(t, h, http.MethodGet, "/api/runs?source=talk.mp3&limit=5", "")
	if rr.Code != http.StatusOK || store.source != "talk.mp3" || store.limit != 5 {
		t.Fatalf("runs: status = %d source = %q limit = %d", rr.Code, store.source, store.limit)
	}
	if rr := do(t, h, http.MethodGet, "/api/runs?limit=zero", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", rr.Code)
	}

	health := decode(t, do(t, h, http.MethodGet, "/health", ""))
	if health["status"] != "ok" || health["database"] != "ok" {
		t.Errorf("unexpected health %v", health)
	}

	store.pingErr = apperrors.Unavailable("ping", nil, "down")
	if rr := do(t, h, http.MethodGet, "/health", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded health: status = %d", rr.Code)
	}

	if rr := do(t, newTestServer(t, newFakeLive(t), nil), http.MethodGet, "/api/runs", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("runs without store: status = %d", rr.Code)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1
	cfg.RateLimitInterval = time.Hour
	h := NewServer(cfg, New(newFakeLive(t), nil, "test")).Handler()

	if rr := do(t, h, http.MethodGet, "/api/status", ""); rr.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/api/status", ""); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d", rr.Code)
	}
}

func TestEventsWebsocket(t *testing.T) {
	svc := newFakeLive(t)
	srv := httptest.NewServer(newTestServer(t, svc, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	svc.events <- live.Event{Type: live.EventTranscription, Text: "hello", Language: "en"}
	svc.events <- live.Event{Type: live.EventError, Message: "device busy"}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []live.Event
	for i := 0; i < 2; i++ {
		var ev live.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, ev)
	}
	if got[0].Text != "hello" || got[0].Language != "en" || got[1].Type != live.EventError {
		t.Errorf("unexpected events %+v", got)
	}
}
