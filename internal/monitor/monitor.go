package monitor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/config"
	"github.com/DapperDuckling/oauth-monitor/internal/events"
	"github.com/DapperDuckling/oauth-monitor/internal/origin"
	"github.com/DapperDuckling/oauth-monitor/internal/status"
	"github.com/DapperDuckling/oauth-monitor/internal/store"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

const (
	// minRefreshDelay floors the eager refresh timer so an imminent or
	// already-passed expiry cannot cause a refresh storm.
	minRefreshDelay = 15 * time.Second
	maxStatusBody   = 1 << 20
	requestTimeout  = 30 * time.Second
)

var ErrNoStore = errors.New("monitor: no status store configured")

// Timer is the handle returned by AfterFunc.
type Timer interface {
	Stop() bool
}

// Deps are the collaborators a Monitor needs. Store is required; every
// other field has a default.
type Deps struct {
	Store      store.Store
	HTTPClient *http.Client
	Navigator  Navigator
	Bus        *events.Bus
	Logger     *log.Logger
	Now        func() time.Time
	AfterFunc  func(d time.Duration, f func()) Timer
}

type inFlight struct {
	id     uint64
	cancel context.CancelFunc
}

// Monitor tracks whether the user's tokens are still current, keeps every
// monitor sharing the same store in agreement, and refreshes ahead of
// access-token expiry.
type Monitor struct {
	id        string
	cfg       config.ClientConfig
	store     store.Store
	client    *http.Client
	nav       Navigator
	bus       *events.Bus
	logger    *log.Logger
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
	focus     *rate.Limiter

	statusURL string
	loginURL  string
	logoutURL string

	mu                sync.Mutex
	lastSeenChecksum  string
	seen              bool // lastSeenChecksum is set
	check             *inFlight
	nextCheckID       uint64
	refreshTimer      Timer
	refreshTarget     float64
	refreshGen        uint64 // identifies the armed refresh timer
	started           bool
	destroyed         bool
	checkedWithServer bool
	unsubscribe       func()
}

// New validates cfg and wires the monitor to the store. The monitor does
// nothing until Start.
func New(cfg config.ClientConfig, deps Deps) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("monitor config: %w", err)
	}
	if deps.Store == nil {
		return nil, ErrNoStore
	}

	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.AfterFunc == nil {
		deps.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	id, err := ulid.New(ulid.Timestamp(deps.Now()), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("monitor id: %w", err)
	}

	base := deps.Logger
	if base == nil {
		base = log.Default()
	}
	logger := log.New(base.Writer(), fmt.Sprintf("%s[monitor %s] ", base.Prefix(), id), base.Flags())

	if deps.HTTPClient == nil {
		jar, _ := cookiejar.New(nil)
		deps.HTTPClient = &http.Client{Jar: jar, Timeout: requestTimeout}
	}
	if deps.Navigator == nil {
		deps.Navigator = &BrowserNavigator{Logger: logger}
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(logger)
	}

	limit := rate.Inf
	if cfg.FocusCheckInterval > 0 {
		limit = rate.Every(cfg.FocusCheckInterval)
	}

	o := cfg.Origin()
	m := &Monitor{
		id:        id.String(),
		cfg:       cfg,
		store:     deps.Store,
		client:    deps.HTTPClient,
		nav:       deps.Navigator,
		bus:       deps.Bus,
		logger:    logger,
		now:       deps.Now,
		afterFunc: deps.AfterFunc,
		focus:     rate.NewLimiter(limit, 1),
		statusURL: origin.Join(o, cfg.RoutePaths.Path(config.UserStatus)),
		loginURL:  origin.Join(o, cfg.RoutePaths.Path(config.LoginPage)),
		logoutURL: origin.Join(o, cfg.RoutePaths.Path(config.LogoutPage)),
	}
	m.unsubscribe = deps.Store.Subscribe(m.handleStoreChange)
	return m, nil
}

func (m *Monitor) ID() string                  { return m.id }
func (m *Monitor) Config() config.ClientConfig { return m.cfg }
func (m *Monitor) Bus() *events.Bus            { return m.bus }

// LoginURL and LogoutURL are the absolute auth server routes.
func (m *Monitor) LoginURL() string  { return m.loginURL }
func (m *Monitor) LogoutURL() string { return m.logoutURL }

func (m *Monitor) IsStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *Monitor) IsDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// IsCheckedWithServer reports whether a status has been confirmed by the
// server, by this monitor or by another one sharing the store.
func (m *Monitor) IsCheckedWithServer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkedWithServer
}

// Status returns the stored status, if any.
func (m *Monitor) Status() (status.WrappedStatus, bool) {
	if m.IsDestroyed() {
		return status.WrappedStatus{}, false
	}
	return m.store.Read()
}

func (m *Monitor) AddEventListener(kind events.Kind, l events.Listener) {
	if m.IsDestroyed() {
		return
	}
	m.bus.AddEventListener(kind, l)
}

func (m *Monitor) RemoveEventListener(kind events.Kind, l events.Listener) {
	m.bus.RemoveEventListener(kind, l)
}

// Subscribe registers fn for kind and returns a func removing it.
func (m *Monitor) Subscribe(kind events.Kind, fn func(events.Event)) (cancel func()) {
	if m.IsDestroyed() {
		return func() {}
	}
	return m.bus.Subscribe(kind, fn)
}

// IsTokenCurrent reports whether the stored token of the given kind is
// still valid. known is false when nothing is stored.
func (m *Monitor) IsTokenCurrent(kind status.TokenKind) (current, known bool) {
	if m.IsDestroyed() {
		return false, false
	}
	w, ok := m.store.Read()
	if !ok {
		return false, false
	}
	return w.TokenCurrent(kind, m.now()), true
}

// CheckWithoutWaiting answers from the store without any network I/O and
// schedules whatever background verification is needed. It returns true
// when the access token is current.
func (m *Monitor) CheckWithoutWaiting() bool {
	if m.IsDestroyed() {
		return false
	}

	if current, _ := m.IsTokenCurrent(status.Access); current {
		m.mu.Lock()
		initial := !m.seen
		m.mu.Unlock()
		if initial && m.cfg.FastInitialAuthCheck {
			m.handleUpdatedStatus()
			m.checkNextTick(true)
		}
		return true
	}

	refreshCurrent, _ := m.IsTokenCurrent(status.Refresh)
	m.checkNextTick(true)
	if !refreshCurrent {
		m.bus.Dispatch(events.InvalidTokens, nil)
	}
	return false
}

func (m *Monitor) checkNextTick(force bool) {
	m.afterFunc(0, func() {
		m.Check(context.Background(), force)
	})
}

type statusCodeError struct {
	code int
}

func (e *statusCodeError) Error() string {
	return fmt.Sprintf("user status request returned %d", e.code)
}

// Check verifies the session with the server and blocks until the request
// completes. Unless force is set, it returns early when the stored access
// token is current and this monitor has already reconciled it. At most one
// check is in flight per monitor; a call made while one is pending is
// dropped.
func (m *Monitor) Check(ctx context.Context, force bool) {
	if m.IsDestroyed() || m.inFlight() {
		return
	}
	if !force && m.CheckWithoutWaiting() && m.hasSeen() {
		return
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	if m.check != nil {
		m.mu.Unlock()
		m.logger.Printf("auth check already in flight, not starting another")
		return
	}
	m.nextCheckID++
	ctx, cancel := context.WithCancel(ctx)
	h := &inFlight{id: m.nextCheckID, cancel: cancel}
	m.check = h
	m.mu.Unlock()
	defer m.finishCheck(h)

	m.bus.Dispatch(events.StartAuthCheck, nil)

	wrapped, err := m.fetchStatus(ctx)
	if ctx.Err() != nil {
		// Cancelled by Destroy, HandleLogin or a newer status.
		return
	}
	if err != nil {
		var codeErr *statusCodeError
		if errors.As(err, &codeErr) {
			m.logger.Printf("tokens rejected: %v", err)
			m.bus.Dispatch(events.InvalidTokens, nil)
			return
		}
		m.logger.Printf("auth check failed: %v", err)
		m.bus.Dispatch(events.LoginError, nil)
		return
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.checkedWithServer = true
	m.mu.Unlock()
	// Released before the write so the resulting reconciliation does not
	// cancel this check.
	m.finishCheck(h)

	m.bus.Dispatch(events.EndAuthCheck, &wrapped.Payload)
	applied := m.store.Write(wrapped)
	if applied {
		m.adopt(wrapped)
	}
	m.bus.Dispatch(events.UserStatusUpdated, &wrapped.Payload)
	if !applied {
		// A newer status is already stored; converge on it.
		m.handleUpdatedStatus()
	}
}

// finishCheck clears the in-flight handle if h still owns it.
func (m *Monitor) finishCheck(h *inFlight) {
	h.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.check == h {
		m.check = nil
	}
}

// inFlight reports, and logs, a pending check.
func (m *Monitor) inFlight() bool {
	m.mu.Lock()
	pending := m.check != nil
	m.mu.Unlock()
	if pending {
		m.logger.Printf("auth check already in flight, not starting another")
	}
	return pending
}

func (m *Monitor) hasSeen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen
}

func (m *Monitor) fetchStatus(ctx context.Context) (status.WrappedStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statusURL, nil)
	if err != nil {
		return status.WrappedStatus{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return status.WrappedStatus{}, fmt.Errorf("GET %s: %w", m.statusURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxStatusBody))
		return status.WrappedStatus{}, &statusCodeError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return status.WrappedStatus{}, fmt.Errorf("reading user status: %w", err)
	}
	wrapped, err := status.Parse(body)
	if err != nil {
		return status.WrappedStatus{}, err
	}
	return wrapped, nil
}

// adopt records a status this monitor wrote itself. The caller emits the
// update event.
func (m *Monitor) adopt(w status.WrappedStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.lastSeenChecksum = w.Checksum
	m.seen = true
	m.armRefreshLocked(w.Payload)
}

func (m *Monitor) handleStoreChange() {
	m.handleUpdatedStatus()

	// Other monitors only write what the server told them.
	m.mu.Lock()
	if !m.destroyed {
		m.checkedWithServer = true
	}
	m.mu.Unlock()
}

// handleUpdatedStatus reconciles with the store. Repeated calls for the
// same checksum emit nothing.
func (m *Monitor) handleUpdatedStatus() {
	w, ok := m.store.Read()
	if !ok {
		return
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	if m.check != nil {
		m.check.cancel()
	}
	if m.seen && m.lastSeenChecksum == w.Checksum {
		m.mu.Unlock()
		return
	}
	m.lastSeenChecksum = w.Checksum
	m.seen = true
	m.armRefreshLocked(w.Payload)
	m.mu.Unlock()

	m.bus.Dispatch(events.UserStatusUpdated, &w.Payload)
}

// armRefreshLocked schedules a forced check ahead of access expiry.
func (m *Monitor) armRefreshLocked(u status.UserStatus) {
	eager := m.cfg.EagerRefreshTime
	if eager.Disabled {
		return
	}
	if m.refreshTimer != nil && m.refreshTarget == u.AccessExpires {
		return
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if u.AccessExpires < 0 || math.IsNaN(u.AccessExpires) {
		return
	}

	nowSec := float64(m.now().UnixMilli()) / 1000
	remaining := u.AccessExpires - nowSec - eager.Minutes*60
	delayMs := math.Max(remaining*1000, float64(minRefreshDelay/time.Millisecond))
	delay := time.Duration(math.MaxInt64)
	if delayMs < float64(math.MaxInt64/int64(time.Millisecond)) {
		delay = time.Duration(delayMs * float64(time.Millisecond))
	}

	m.refreshGen++
	gen := m.refreshGen
	m.refreshTimer = m.afterFunc(delay, func() { m.handleRefreshTimer(gen) })
	m.refreshTarget = u.AccessExpires
}

func (m *Monitor) handleRefreshTimer(gen uint64) {
	m.mu.Lock()
	if m.destroyed || m.refreshTimer == nil || m.refreshGen != gen {
		m.mu.Unlock()
		return
	}
	m.refreshTimer = nil
	m.mu.Unlock()

	m.logger.Printf("access token expires within %s minutes, refreshing eagerly", m.cfg.EagerRefreshTime)
	m.Check(context.Background(), true)
}

// RefreshScheduled reports whether an eager refresh timer is armed and
// the access expiry it targets.
func (m *Monitor) RefreshScheduled() (target float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshTimer == nil {
		return 0, false
	}
	return m.refreshTarget, true
}

// Start schedules the first check on the next tick. Starting twice logs
// and does nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	if m.started {
		m.mu.Unlock()
		m.logger.Printf("already started, cannot start again")
		return
	}
	m.started = true
	m.mu.Unlock()

	m.afterFunc(0, func() {
		m.Check(context.Background(), false)
	})
}

// Destroy cancels pending work and detaches from the store. The monitor
// is inert afterwards. Calling it again is a no-op.
func (m *Monitor) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	if m.check != nil {
		m.check.cancel()
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.logger.Printf("destroyed")
}

// HandleFocus runs a cache-only check when the view regains focus, at most
// once per FocusCheckInterval.
func (m *Monitor) HandleFocus() {
	if m.IsDestroyed() || !m.focus.Allow() {
		return
	}
	m.CheckWithoutWaiting()
}

// HandleLogin cancels any pending check and sends the user to the login
// route, in a new window when useNewWindow is set.
func (m *Monitor) HandleLogin(useNewWindow bool) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	if m.check != nil {
		m.check.cancel()
	}
	m.mu.Unlock()

	if useNewWindow {
		return m.nav.Open(m.loginURL)
	}
	return m.nav.Navigate(m.loginURL)
}

// HandleLogout clears the stored status and navigates to the logout route.
func (m *Monitor) HandleLogout() error {
	if m.IsDestroyed() {
		return nil
	}
	m.store.Clear()
	return m.nav.Navigate(m.logoutURL)
}
