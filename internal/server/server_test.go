package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sessiondeck/backend/internal/control"
	"github.com/sessiondeck/backend/internal/inference"
	"github.com/sessiondeck/backend/internal/monitor"
	"github.com/sessiondeck/backend/internal/session"
	"github.com/sessiondeck/backend/internal/transcript"
)

type testEnv struct {
	srv   *Server
	mux   *http.ServeMux
	store *transcript.Store
	svc   *monitor.Service
	hub   *Hub
}

func newTestEnv(t *testing.T, authToken string) *testEnv {
	t.Helper()
	log := zap.NewNop().Sugar()
	store := transcript.NewStore(t.TempDir())
	engine := inference.NewEngine(store, nil, log)
	executor := control.NewExecutor(store, control.NoopMatcher{}, nil, log)
	svc := monitor.NewService(monitor.NewRegistry(), store, engine, executor, nil, log)
	t.Cleanup(svc.Close)

	hub := NewHub(log)
	svc.SetSnapshotHook(hub.BroadcastSnapshot)

	srv := New(svc, store, hub, log, nil, authToken)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	return &testEnv{srv: srv, mux: mux, store: store, svc: svc, hub: hub}
}

func (e *testEnv) writeSession(t *testing.T, projectID, sessionID string, lines ...string) {
	t.Helper()
	dir := filepath.Join(e.store.Root(), projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func TestAuthorize(t *testing.T) {
	env := newTestEnv(t, "sekrit")

	if w := env.do(t, http.MethodGet, "/api/projects", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("bearer token: status = %d, want 200", w.Code)
	}

	if w := env.do(t, http.MethodGet, "/api/projects?token=sekrit", nil); w.Code != http.StatusOK {
		t.Errorf("query token: status = %d, want 200", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", w.Code)
	}
}

func TestListProjects(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/api/projects", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("empty root body = %s, want []", got)
	}

	env.writeSession(t, "alpha", "s1", `{"type":"user","content":"hi"}`)
	env.writeSession(t, "beta", "s1", `{"type":"user","content":"hi"}`)

	w = env.do(t, http.MethodGet, "/api/projects", nil)
	var projects []string
	if err := json.Unmarshal(w.Body.Bytes(), &projects); err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 || projects[0] != "alpha" || projects[1] != "beta" {
		t.Errorf("projects = %v", projects)
	}

	if w := env.do(t, http.MethodPost, "/api/projects", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", w.Code)
	}
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t, "")
	env.writeSession(t, "proj", "s1", `{"type":"user","content":"hi"}`)
	env.writeSession(t, "proj", "s2", `{"type":"user","content":"hi"}`)

	w := env.do(t, http.MethodGet, "/api/projects/proj/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var sessions []transcript.SessionInfo
	if err := json.Unmarshal(w.Body.Bytes(), &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Errorf("sessions = %d, want 2", len(sessions))
	}

	w = env.do(t, http.MethodGet, "/api/projects/ghost/sessions", nil)
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("missing project body = %s, want []", got)
	}
}

func TestMonitoringNotStarted(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodGet, "/api/projects/proj/monitoring", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), "not monitored") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMonitoringLifecycle(t *testing.T) {
	env := newTestEnv(t, "")
	env.writeSession(t, "proj", "s1", `{"type":"user","content":"hi"}`, `{"type":"assistant","content":"hello"}`)

	w := env.do(t, http.MethodPost, "/api/projects/proj/monitoring", map[string]any{"action": "start"})
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", w.Code, w.Body.String())
	}
	var status statusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if !status.IsActive {
		t.Error("start response isActive = false")
	}

	// The first poll cycle runs asynchronously.
	deadline := time.Now().Add(3 * time.Second)
	var data session.Data
	for {
		w = env.do(t, http.MethodGet, "/api/projects/proj/monitoring", nil)
		if w.Code == http.StatusOK {
			if err := json.Unmarshal(w.Body.Bytes(), &data); err != nil {
				t.Fatal(err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no snapshot committed, last status %d", w.Code)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(data.Sessions) != 1 || data.Sessions[0].SessionID != "s1" {
		t.Errorf("sessions = %+v", data.Sessions)
	}
	if data.Sessions[0].State != session.Active {
		t.Errorf("state = %v, want active", data.Sessions[0].State)
	}

	w = env.do(t, http.MethodGet, "/api/projects/proj/monitoring/status", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if !status.IsActive {
		t.Error("status isActive = false while monitoring")
	}

	w = env.do(t, http.MethodPost, "/api/projects/proj/monitoring", map[string]any{"action": "stop"})
	if w.Code != http.StatusOK {
		t.Fatalf("stop status = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/projects/proj/monitoring", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("after stop status = %d, want 404", w.Code)
	}
}

func TestStartMonitoringInvalidConfig(t *testing.T) {
	env := newTestEnv(t, "")

	// Durations travel as milliseconds; 500 is below the minimum.
	body := map[string]any{
		"action": "start",
		"config": map[string]any{"pollInterval": 500, "maxSessions": 10},
	}
	w := env.do(t, http.MethodPost, "/api/projects/proj/monitoring", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "pollInterval") {
		t.Errorf("body = %s, want pollInterval mention", w.Body.String())
	}
}

func TestUpdateConfigRejected(t *testing.T) {
	env := newTestEnv(t, "")
	env.writeSession(t, "proj", "s1", `{"type":"user","content":"hi"}`)

	w := env.do(t, http.MethodPost, "/api/projects/proj/monitoring", map[string]any{"action": "start"})
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d", w.Code)
	}

	body := map[string]any{
		"action": "updateConfig",
		"config": map[string]any{"pollInterval": 500, "maxSessions": 10},
	}
	w = env.do(t, http.MethodPost, "/api/projects/proj/monitoring", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	// updateConfig for a project that was never started is a client error.
	w = env.do(t, http.MethodPost, "/api/projects/other/monitoring", map[string]any{
		"action": "updateConfig",
		"config": map[string]any{"pollInterval": 5000, "maxSessions": 10},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unmonitored status = %d, want 400", w.Code)
	}
}

func TestControlViaHTTP(t *testing.T) {
	env := newTestEnv(t, "")
	env.writeSession(t, "proj", "s1", `{"type":"user","content":"hi"}`)

	body := map[string]any{
		"action": "control",
		"request": map[string]any{
			"sessionId": "s1",
			"action":    "pause",
		},
	}
	w := env.do(t, http.MethodPost, "/api/projects/proj/monitoring", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var result session.ControlResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Errorf("control failed: %s", result.Message)
	}
	if result.NewState == nil || *result.NewState != session.Paused {
		t.Errorf("NewState = %v, want paused", result.NewState)
	}
}

func TestControlRequiresRequestBody(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.do(t, http.MethodPost, "/api/projects/proj/monitoring", map[string]any{"action": "control"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestUnknownAction(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.do(t, http.MethodPost, "/api/projects/proj/monitoring", map[string]any{"action": "explode"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestInvalidProjectID(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []string{
		"/api/projects/..%2F..%2Fetc/monitoring",
		"/api/projects/.hidden/monitoring",
	}
	for _, path := range tests {
		w := env.do(t, http.MethodGet, path, nil)
		if w.Code != http.StatusBadRequest && w.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 400/404", path, w.Code)
		}
	}
}

func TestUnknownSubroute(t *testing.T) {
	env := newTestEnv(t, "")
	w := env.do(t, http.MethodGet, "/api/projects/proj/teleport", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestCheckOrigin(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no_origin", "", "example.com", true},
		{"same_host", "http://example.com", "example.com", true},
		{"localhost", "http://localhost:3000", "example.com", true},
		{"loopback", "http://127.0.0.1:5173", "example.com", true},
		{"cross_origin", "http://evil.test", "example.com", false},
		{"garbage", "::::", "example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := env.srv.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckOriginAllowList(t *testing.T) {
	log := zap.NewNop().Sugar()
	store := transcript.NewStore(t.TempDir())
	srv := New(nil, store, NewHub(log), log, []string{"http://dash.example.com"}, "")

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://dash.example.com")
	if !srv.checkOrigin(r) {
		t.Error("allow-listed origin rejected")
	}

	r.Header.Set("Origin", "http://localhost:3000")
	if srv.checkOrigin(r) {
		t.Error("non-listed origin accepted when an allow list is set")
	}
}

func TestWebSocketSnapshotPush(t *testing.T) {
	env := newTestEnv(t, "")
	env.writeSession(t, "proj", "s1", `{"type":"user","content":"hi"}`)

	ts := httptest.NewServer(env.mux)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?project=proj"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the hub to register the client before broadcasting.
	deadline := time.Now().Add(time.Second)
	for env.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.hub.ClientCount() != 1 {
		t.Fatal("ws client never registered")
	}

	env.hub.BroadcastSnapshot("proj", &session.Data{
		Sessions:    []session.Update{{SessionID: "s1", State: session.Active}},
		LastUpdated: time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MsgSnapshot {
		t.Errorf("type = %q, want snapshot", msg.Type)
	}
	if msg.Project != "proj" {
		t.Errorf("project = %q, want proj", msg.Project)
	}
}

func TestWebSocketProjectFilter(t *testing.T) {
	env := newTestEnv(t, "")
	ts := httptest.NewServer(env.mux)
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http")
	subscribed, _, err := websocket.DefaultDialer.Dial(base+"/ws?project=mine", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer subscribed.Close()
	all, _, err := websocket.DefaultDialer.Dial(base+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer all.Close()

	deadline := time.Now().Add(time.Second)
	for env.hub.ClientCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	env.hub.BroadcastSnapshot("other", &session.Data{LastUpdated: time.Now()})

	// The unfiltered client receives the push.
	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := all.ReadMessage(); err != nil {
		t.Fatalf("unfiltered client read: %v", err)
	}

	// The project-filtered client must not.
	subscribed.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := subscribed.ReadMessage(); err == nil {
		t.Error("filtered client received a snapshot for another project")
	}
}

func TestWebSocketInvalidProjectFilter(t *testing.T) {
	env := newTestEnv(t, "")
	ts := httptest.NewServer(env.mux)
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws?project=..", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MsgError {
		t.Errorf("type = %q, want error", msg.Type)
	}

	// The connection is closed and the client never joins the hub.
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection stayed open after an invalid project filter")
	}
	if got := env.hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}
}

func TestWebSocketBroadcastDuringDisconnect(t *testing.T) {
	env := newTestEnv(t, "")
	ts := httptest.NewServer(env.mux)
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http")
	data := &session.Data{LastUpdated: time.Now()}

	// Hammer the hub while clients disconnect mid-broadcast. A send
	// racing a close would panic the broadcasting goroutine and crash
	// the test binary.
	for i := 0; i < 20; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(base+"/ws", nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		deadline := time.Now().Add(time.Second)
		for env.hub.ClientCount() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 50; j++ {
				env.hub.BroadcastSnapshot("proj", data)
			}
		}()
		conn.Close()
		<-done

		deadline = time.Now().Add(time.Second)
		for env.hub.ClientCount() > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if got := env.hub.ClientCount(); got != 0 {
			t.Fatalf("ClientCount() = %d after disconnect, want 0", got)
		}
	}
}

func TestWebSocketAuth(t *testing.T) {
	env := newTestEnv(t, "sekrit")
	ts := httptest.NewServer(env.mux)
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http")
	if _, resp, err := websocket.DefaultDialer.Dial(base+"/ws", nil); err == nil {
		t.Error("unauthenticated ws dial succeeded")
	} else if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s/ws?token=%s", base, "sekrit"), nil)
	if err != nil {
		t.Fatalf("authenticated dial: %v", err)
	}
	conn.Close()
}
