package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/events"
	"github.com/DapperDuckling/oauth-monitor/internal/projection"
	"github.com/DapperDuckling/oauth-monitor/internal/status"
	"github.com/gorilla/websocket"
)

type fakeController struct {
	mu       sync.Mutex
	checks   int
	focuses  int
	logins   []bool
	logouts  int
	loginErr error
	stored   *status.WrappedStatus
}

func (f *fakeController) ID() string { return "01TESTMONITOR" }

func (f *fakeController) Check(context.Context, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
}

func (f *fakeController) HandleFocus() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focuses++
}

func (f *fakeController) HandleLogin(newWindow bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, newWindow)
	return f.loginErr
}

func (f *fakeController) HandleLogout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeController) Status() (status.WrappedStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stored == nil {
		return status.WrappedStatus{}, false
	}
	return *f.stored, true
}

func (f *fakeController) IsCheckedWithServer() bool { return f.stored != nil }

func (f *fakeController) counts() (checks, focuses, logouts int, logins []bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks, f.focuses, f.logouts, append([]bool(nil), f.logins...)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type testServer struct {
	ctrl   *fakeController
	binder *projection.Binder
	b      *Broadcaster
	s      *Server
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	binder := projection.NewBinder(projection.BinderOptions{Logger: quietLogger()})
	b := NewBroadcaster(BinderSnapshot(binder), 0, 0, quietLogger())
	ctrl := &fakeController{}
	s := NewServer(Options{
		Controller:  ctrl,
		Binder:      binder,
		Broadcaster: b,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "omon_logged_in 1\n")
		}),
		AuthToken: token,
		Logger:    quietLogger(),
	})
	t.Cleanup(s.Close)
	return &testServer{ctrl: ctrl, binder: binder, b: b, s: s}
}

func (ts *testServer) do(t *testing.T, method, target string, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestAuthorize(t *testing.T) {
	ts := newTestServer(t, "s3cret")

	tests := []struct {
		name   string
		target string
		header http.Header
		want   int
	}{
		{"none", "/api/state", nil, http.StatusUnauthorized},
		{"wrong", "/api/state?token=nope", nil, http.StatusUnauthorized},
		{"query", "/api/state?token=s3cret", nil, http.StatusOK},
		{"header", "/api/state", http.Header{"X-Omon-Token": {"s3cret"}}, http.StatusOK},
		{"bearer", "/api/state", http.Header{"Authorization": {"Bearer s3cret"}}, http.StatusOK},
		{"prefix", "/api/state?token=s3c", nil, http.StatusUnauthorized},
		{"longer", "/api/state", http.Header{"X-Omon-Token": {"s3cret!"}}, http.StatusUnauthorized},
		{"empty_bearer", "/api/state", http.Header{"Authorization": {"Bearer "}}, http.StatusUnauthorized},
		{"basic_scheme", "/api/state", http.Header{"Authorization": {"Basic s3cret"}}, http.StatusUnauthorized},
		{"metrics", "/metrics", nil, http.StatusUnauthorized},
		{"metrics_bearer", "/metrics", http.Header{"Authorization": {"Bearer s3cret"}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := ts.do(t, http.MethodGet, tt.target, "", tt.header); rec.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.target, rec.Code, tt.want)
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	open := &Server{allowedOrigins: map[string]bool{}, allowedHosts: map[string]bool{}}
	pinned := NewServer(Options{
		Binder:         projection.NewBinder(projection.BinderOptions{Logger: quietLogger()}),
		Broadcaster:    NewBroadcaster(func() SnapshotPayload { return SnapshotPayload{} }, 0, 0, quietLogger()),
		AllowedOrigins: []string{"https://app.example.com", " "},
		Logger:         quietLogger(),
	})
	defer pinned.Close()

	tests := []struct {
		name   string
		s      *Server
		origin string
		want   bool
	}{
		{"no_origin", open, "", true},
		{"same_host", open, "http://omon.internal:8090", true},
		{"localhost", open, "http://localhost:5173", true},
		{"loopback_v6", open, "http://[::1]:5173", true},
		{"foreign", open, "https://evil.example.com", false},
		{"garbage", open, "::", false},
		{"pinned_match", pinned, "https://app.example.com", true},
		{"pinned_localhost", pinned, "http://localhost:5173", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://omon.internal:8090/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := tt.s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestHTTPIntents(t *testing.T) {
	ts := newTestServer(t, "")

	if rec := ts.do(t, http.MethodPost, "/api/check", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("POST /api/check = %d", rec.Code)
	}
	ts.do(t, http.MethodPost, "/api/focus", "", nil)
	ts.do(t, http.MethodPost, "/api/login?newWindow=1", "", nil)
	ts.do(t, http.MethodPost, "/api/login", `{"newWindow":false}`, nil)

	rec := ts.do(t, http.MethodPost, "/api/logout", "", nil)
	var got StatePayload
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding logout response: %v", err)
	}
	if !got.State.UI.ExecutingLogout || !got.View.Logout.Visible {
		t.Errorf("logout response state = %+v", got.State.UI)
	}
	if got.MonitorID != "01TESTMONITOR" {
		t.Errorf("MonitorID = %q", got.MonitorID)
	}

	checks, focuses, logouts, logins := ts.ctrl.counts()
	if checks != 1 || focuses != 1 || logouts != 1 {
		t.Errorf("checks=%d focuses=%d logouts=%d, want 1 each", checks, focuses, logouts)
	}
	if len(logins) != 2 || !logins[0] || logins[1] {
		t.Errorf("logins = %v, want [true false]", logins)
	}

	if rec := ts.do(t, http.MethodGet, "/api/check", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/check = %d, want 405", rec.Code)
	}
}

func TestHTTPActions(t *testing.T) {
	ts := newTestServer(t, "")

	tests := []struct {
		target string
		body   string
		want   int
	}{
		{"/api/action?action=SHOW_LOGOUT", "", http.StatusOK},
		{"/api/action", `{"action":"HIDE_DIALOG"}`, http.StatusOK},
		{"/api/action?action=DESTROY_CLIENT", "", http.StatusBadRequest},
		{"/api/action?action=NOPE", "", http.StatusBadRequest},
		{"/api/action", `{"action":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := ts.do(t, http.MethodPost, tt.target, tt.body, nil); rec.Code != tt.want {
			t.Errorf("POST %s %s = %d, want %d", tt.target, tt.body, rec.Code, tt.want)
		}
	}
	if ui := ts.binder.State().UI; ui.ShowLogoutOverlay || ui.ShowLoginOverlay {
		t.Errorf("UI after HIDE_DIALOG = %+v", ui)
	}
}

func TestHTTPLoginFailure(t *testing.T) {
	ts := newTestServer(t, "")
	ts.ctrl.loginErr = errors.New("no browser")
	if rec := ts.do(t, http.MethodPost, "/api/login", "", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("POST /api/login = %d, want 502", rec.Code)
	}
}

func TestStateIncludesStoredStatus(t *testing.T) {
	ts := newTestServer(t, "")
	w := status.Wrap(status.UserStatus{LoggedIn: true, AccessExpires: 100, RefreshExpires: 200}, time.UnixMilli(1000))
	ts.ctrl.stored = &w

	rec := ts.do(t, http.MethodGet, "/api/state", "", nil)
	var got StatePayload
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	if got.Stored == nil || got.Stored.Checksum != w.Checksum || !got.CheckedWithServer {
		t.Errorf("state = %+v", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

type rawMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg rawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func dialServer(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(ts.s.Handler())
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if msg := readMessage(t, conn); msg.Type != MsgSnapshot {
		t.Fatalf("first message = %s, want snapshot", msg.Type)
	}
	return conn
}

func TestWSPushesStateEventsAndNavigation(t *testing.T) {
	ts := newTestServer(t, "")
	conn := dialServer(t, ts)

	ts.binder.HandleEvent(events.Event{Kind: events.UserStatusUpdated, Status: &status.UserStatus{LoggedIn: true, AccessExpires: 10, RefreshExpires: 20}})
	msg := readMessage(t, conn)
	var snap SnapshotPayload
	if err := json.Unmarshal(msg.Payload, &snap); err != nil || msg.Type != MsgSnapshot {
		t.Fatalf("got %s %s (%v), want snapshot", msg.Type, msg.Payload, err)
	}
	if !snap.State.UserStatus.LoggedIn || snap.View.Pill {
		t.Errorf("snapshot = %+v", snap)
	}

	ts.b.HandleEvent(events.Event{Kind: events.LoginError})
	msg = readMessage(t, conn)
	if msg.Type != MsgEvent || !bytes.Contains(msg.Payload, []byte(`"LOGIN_ERROR"`)) {
		t.Errorf("got %s %s, want LOGIN_ERROR event", msg.Type, msg.Payload)
	}

	if err := ts.b.Open("http://localhost:4000/auth/login"); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	msg = readMessage(t, conn)
	var nav NavigatePayload
	json.Unmarshal(msg.Payload, &nav)
	if msg.Type != MsgNavigate || nav.URL != "http://localhost:4000/auth/login" || !nav.NewWindow {
		t.Errorf("got %s %+v, want navigate in a new window", msg.Type, nav)
	}
}

func TestWSIntents(t *testing.T) {
	ts := newTestServer(t, "")
	conn := dialServer(t, ts)

	conn.WriteJSON(Intent{Type: IntentFocus})
	conn.WriteJSON(Intent{Type: IntentLogin, NewWindow: true})
	conn.WriteJSON(Intent{Type: "bogus"})

	msg := readMessage(t, conn)
	if msg.Type != MsgError || !bytes.Contains(msg.Payload, []byte("unknown intent")) {
		t.Errorf("got %s %s, want unknown intent error", msg.Type, msg.Payload)
	}
	// Intents are handled in order, so the error proves the others ran.
	_, focuses, _, logins := ts.ctrl.counts()
	if focuses != 1 || len(logins) != 1 || !logins[0] {
		t.Errorf("focuses=%d logins=%v", focuses, logins)
	}
}

func TestNavigatorWithoutViewers(t *testing.T) {
	b := NewBroadcaster(func() SnapshotPayload { return SnapshotPayload{} }, 0, 0, quietLogger())
	if err := b.Navigate("http://localhost/logout"); !errors.Is(err, ErrNoViewers) {
		t.Errorf("Navigate() error = %v, want ErrNoViewers", err)
	}
}
