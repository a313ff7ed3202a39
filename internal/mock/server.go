// Package mock is an in-memory auth server exposing the user-status, login
// and logout routes the monitor consumes. It backs the -mock flag and the
// monitor tests.
package mock

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/config"
	"github.com/DapperDuckling/oauth-monitor/internal/status"
)

const (
	accessLifetime  = 3 * time.Minute
	refreshLifetime = 5 * time.Minute
	tokenTick       = 5 * time.Second
)

// Server holds one user's session. The zero value is not usable; call
// NewServer.
type Server struct {
	routes config.RoutePaths
	logger *log.Logger

	mu       sync.Mutex
	now      func() time.Time
	user     status.UserStatus
	forced   int    // non-zero: status requests answer with this code
	raw      []byte // non-nil: status requests answer with this body
	requests int
	hold     chan struct{} // non-nil: status requests wait for it to close
	entered  chan struct{}
}

// NewServer returns a server whose user starts logged in, like the demo
// server the browser bindings were written against.
func NewServer(routes config.RoutePaths, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		routes:  routes,
		logger:  logger,
		now:     time.Now,
		entered: make(chan struct{}, 64),
	}
	s.setLoggedIn(true)
	return s
}

// SetNow replaces the server clock.
func (s *Server) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	if s.user.LoggedIn {
		s.renewLocked()
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.routes.Path(config.UserStatus), s.handleUserStatus)
	mux.HandleFunc("GET "+s.routes.Path(config.LoginPage), s.handleLogin)
	mux.HandleFunc("GET "+s.routes.Path(config.LogoutPage), s.handleLogout)
	return mux
}

// Start renews the tokens of a logged-in user every few seconds until ctx
// is done.
func (s *Server) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Server) run(ctx context.Context) {
	ticker := time.NewTicker(tokenTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.user.LoggedIn {
				s.renewLocked()
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	hold := s.hold
	s.mu.Unlock()

	select {
	case s.entered <- struct{}{}:
	default:
	}
	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	forced, raw := s.forced, s.raw
	wrapped := status.Wrap(s.user, s.now())
	s.mu.Unlock()

	if forced != 0 {
		http.Error(w, http.StatusText(forced), forced)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if raw != nil {
		w.Write(raw)
		return
	}
	if err := json.NewEncoder(w).Encode(wrapped); err != nil {
		s.logger.Printf("mock: writing user status: %v", err)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.setLoggedIn(true)
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("<script>window.close();</script>"))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.setLoggedIn(false)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) setLoggedIn(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user.LoggedIn = v
	if v {
		s.renewLocked()
		return
	}
	s.user.AccessExpires = 0
	s.user.RefreshExpires = 0
}

func (s *Server) renewLocked() {
	now := s.now()
	s.user.AccessExpires = float64(now.Add(accessLifetime).Unix())
	s.user.RefreshExpires = float64(now.Add(refreshLifetime).Unix())
}

// Login logs the user in with fresh tokens.
func (s *Server) Login() { s.setLoggedIn(true) }

// Logout logs the user out and zeroes both expiries.
func (s *Server) Logout() { s.setLoggedIn(false) }

// SetUser replaces the served status verbatim.
func (s *Server) SetUser(u status.UserStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

// User returns the status the server currently serves.
func (s *Server) User() status.UserStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// FailWith makes status requests answer with code. Zero restores normal
// responses.
func (s *Server) FailWith(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = code
}

// RespondRaw makes status requests answer 200 with body. Nil restores
// normal responses.
func (s *Server) RespondRaw(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = body
}

// Hold makes status requests block until release is called.
func (s *Server) Hold() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.hold = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.hold == ch {
				s.hold = nil
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Entered returns a channel that receives once per status request, as
// soon as the request reaches the handler.
func (s *Server) Entered() <-chan struct{} {
	return s.entered
}

// Requests returns how many status requests have been received.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}
