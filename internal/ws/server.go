package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/projection"
	"github.com/DapperDuckling/oauth-monitor/internal/status"
	"github.com/gorilla/websocket"
)

const maxIntentSize = 4096

var errUnknownIntent = errors.New("unknown intent")

// Controller is the part of a monitor the server drives on behalf of web
// views.
type Controller interface {
	ID() string
	Check(ctx context.Context, force bool)
	HandleFocus()
	HandleLogin(useNewWindow bool) error
	HandleLogout() error
	Status() (status.WrappedStatus, bool)
	IsCheckedWithServer() bool
}

type Options struct {
	Controller  Controller
	Binder      *projection.Binder
	Broadcaster *Broadcaster
	// Metrics is mounted at /metrics when set.
	Metrics        http.Handler
	AllowedOrigins []string
	AuthToken      string
	Logger         *log.Logger
}

type Server struct {
	ctrl           Controller
	binder         *projection.Binder
	broadcaster    *Broadcaster
	metrics        http.Handler
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	logger         *log.Logger
	detach         func()
}

// NewServer builds a server and subscribes its broadcaster to binder
// changes. Close undoes the subscription.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	s := &Server{
		ctrl:           opts.Controller,
		binder:         opts.Binder,
		broadcaster:    opts.Broadcaster,
		metrics:        opts.Metrics,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      opts.AuthToken,
		logger:         opts.Logger,
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.detach = s.binder.OnChange(func(projection.State) { s.broadcaster.QueueSnapshot() })
	return s
}

func (s *Server) Close() {
	s.detach()
	s.broadcaster.Stop()
}

// Handler returns the full route set behind the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /api/state", s.requireAuth(s.handleState))
	mux.HandleFunc("POST /api/check", s.requireAuth(s.intentHandler(IntentCheck)))
	mux.HandleFunc("POST /api/focus", s.requireAuth(s.intentHandler(IntentFocus)))
	mux.HandleFunc("POST /api/login", s.requireAuth(s.intentHandler(IntentLogin)))
	mux.HandleFunc("POST /api/logout", s.requireAuth(s.intentHandler(IntentLogout)))
	mux.HandleFunc("POST /api/action", s.requireAuth(s.intentHandler(IntentAction)))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.requireAuth(s.metrics.ServeHTTP))
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("ws upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.logger.Printf("ws client rejected: %s: %v", r.RemoteAddr, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeTimeout))
		conn.Close()
		return
	}
	s.logger.Printf("ws client %s connected: %s", c.id, r.RemoteAddr)

	go s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.broadcaster.RemoveClient(c)
		s.logger.Printf("ws client %s disconnected", c.id)
	}()

	conn := c.conn
	conn.SetReadLimit(maxIntentSize)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in Intent
		if err := json.Unmarshal(data, &in); err != nil {
			s.broadcaster.sendError(c, fmt.Errorf("malformed intent: %w", err))
			continue
		}
		// Checks run off the read loop so pongs keep flowing.
		if in.Type == IntentCheck {
			go s.apply(context.Background(), in)
			continue
		}
		if err := s.apply(context.Background(), in); err != nil {
			s.broadcaster.sendError(c, err)
		}
	}
}

// apply performs one user interaction: the same buttons the overlays and
// the status pill offer.
func (s *Server) apply(ctx context.Context, in Intent) error {
	switch in.Type {
	case IntentFocus:
		s.ctrl.HandleFocus()
	case IntentCheck:
		s.ctrl.Check(ctx, true)
	case IntentLogin:
		return s.ctrl.HandleLogin(in.NewWindow)
	case IntentLogout:
		s.binder.Dispatch(projection.Action{Type: projection.ExecutingLogout})
		return s.ctrl.HandleLogout()
	case IntentAction:
		t, ok := projection.ParseActionType(in.Action)
		if !ok {
			return fmt.Errorf("unknown action %q", in.Action)
		}
		switch t {
		case projection.ShowLogin, projection.ShowLogout, projection.HideDialog:
			s.binder.Dispatch(projection.Action{Type: t})
		default:
			return fmt.Errorf("action %s cannot be sent by a view", t)
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownIntent, in.Type)
	}
	return nil
}

func (s *Server) intentHandler(t IntentType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in := Intent{Type: t}
		q := r.URL.Query()
		in.NewWindow = q.Get("newWindow") == "1" || q.Get("newWindow") == "true"
		in.Action = q.Get("action")
		if r.Body != nil && r.ContentLength != 0 {
			var body Intent
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIntentSize)).Decode(&body); err != nil {
				http.Error(w, "malformed body", http.StatusBadRequest)
				return
			}
			in.NewWindow = in.NewWindow || body.NewWindow
			if body.Action != "" {
				in.Action = body.Action
			}
		}

		if err := s.apply(r.Context(), in); err != nil {
			code := http.StatusBadRequest
			if t == IntentLogin || t == IntentLogout {
				code = http.StatusBadGateway
			}
			http.Error(w, err.Error(), code)
			return
		}
		s.writeState(w)
	}
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.writeState(w)
}

func (s *Server) writeState(w http.ResponseWriter) {
	payload := StatePayload{
		SnapshotPayload:   s.broadcaster.snapshot(),
		CheckedWithServer: s.ctrl.IsCheckedWithServer(),
		MonitorID:         s.ctrl.ID(),
	}
	if stored, ok := s.ctrl.Status(); ok {
		payload.Stored = &stored
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if s.tokenMatches(r.URL.Query().Get("token")) {
		return true
	}

	if s.tokenMatches(r.Header.Get("X-Omon-Token")) {
		return true
	}

	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok && s.tokenMatches(token) {
		return true
	}

	return false
}

func (s *Server) tokenMatches(token string) bool {
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// NewHTTPServer returns an http.Server for host:port; the caller owns
// ListenAndServe and Shutdown.
func NewHTTPServer(host string, port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
