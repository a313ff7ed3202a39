// Package app is the terminal view of a monitor: a Bubble Tea model that
// renders the projected state and turns key presses and terminal focus
// into monitor calls.
package app

import (
	"context"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/events"
	"github.com/DapperDuckling/oauth-monitor/internal/projection"
	"github.com/DapperDuckling/oauth-monitor/internal/theme"
	"github.com/DapperDuckling/oauth-monitor/internal/tui/views/eventlog"
	"github.com/DapperDuckling/oauth-monitor/internal/tui/views/help"
	"github.com/DapperDuckling/oauth-monitor/internal/tui/views/overlay"
	"github.com/DapperDuckling/oauth-monitor/internal/tui/views/status"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Monitor is the part of a monitor the terminal view drives.
type Monitor interface {
	ID() string
	Check(ctx context.Context, force bool)
	HandleFocus()
	HandleLogin(useNewWindow bool) error
	HandleLogout() error
	IsCheckedWithServer() bool
	RefreshScheduled() (target float64, ok bool)
	Subscribe(kind events.Kind, fn func(events.Event)) (cancel func())
}

// Panel identifies which side panel covers the main area.
type Panel int

const (
	PanelNone Panel = iota
	PanelEvents
	PanelHelp
)

type clockMsg time.Time
type frameMsg struct{}

// actionErrMsg reports a failed login or logout.
type actionErrMsg struct{ err error }

type Options struct {
	DeferredStart bool
	Now           func() time.Time
}

// Model is the root Bubble Tea model.
type Model struct {
	mon    Monitor
	binder *projection.Binder
	bridge *Bridge
	ctx    context.Context
	cancel context.CancelFunc

	deferred bool
	now      func() time.Time

	keys   KeyMap
	width  int
	height int

	state projection.State
	view  projection.View
	panel Panel

	statusBar status.Model
	log       eventlog.Model
	help      *help.Model
	spinner   spinner.Model
	animating bool
	lastErr   string
}

// New creates the root model. binder must already be bound to mon's bus.
func New(mon Monitor, binder *projection.Binder, opts Options) Model {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := Model{
		mon:       mon,
		binder:    binder,
		bridge:    NewBridge(mon, binder),
		ctx:       ctx,
		cancel:    cancel,
		deferred:  opts.DeferredStart,
		now:       opts.Now,
		keys:      DefaultKeyMap(),
		statusBar: status.New(),
		log:       eventlog.New(),
		help:      help.New(),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		animating: true,
	}
	m.statusBar.MonitorID = mon.ID()
	m.sync()
	return m
}

// Init starts listening to the monitor and the clocks.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.bridge.Wait(), m.spinner.Tick, m.clock(), m.frame())
}

func (m Model) clock() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return clockMsg(t) })
}

func (m Model) frame() tea.Cmd {
	return tea.Tick(time.Second/status.FPS, func(time.Time) tea.Msg { return frameMsg{} })
}

// sync pulls projected state from the binder into the model.
func (m *Model) sync() {
	m.state = m.binder.State()
	m.view = m.state.View(m.deferred)
	m.statusBar.SetState(m.state, m.mon.IsCheckedWithServer(), m.now())
	m.statusBar.SetRefresh(m.mon.RefreshScheduled())
}

// animate starts the meter animation unless it is already running.
func (m *Model) animate() tea.Cmd {
	if m.animating {
		return nil
	}
	m.animating = true
	return m.frame()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		return m, nil

	case tea.FocusMsg:
		m.mon.HandleFocus()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case StateChangedMsg:
		m.sync()
		return m, tea.Batch(m.bridge.Wait(), m.animate())

	case EventMsg:
		m.log.Add(msg.Event, m.now())
		if msg.Event.Kind == events.StartAuthCheck {
			m.lastErr = ""
		}
		return m, m.bridge.Wait()

	case clockMsg:
		m.statusBar.Tick(m.now())
		m.statusBar.SetRefresh(m.mon.RefreshScheduled())
		return m, tea.Batch(m.clock(), m.animate())

	case frameMsg:
		if m.statusBar.Animate() {
			m.animating = false
			return m, nil
		}
		m.animating = true
		return m, m.frame()

	case actionErrMsg:
		m.lastErr = msg.err.Error()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.statusBar.Spinner = m.spinner.View()
		return m, cmd
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.cancel()
		m.bridge.Close()
		return m, tea.Quit
	}

	if m.panel != PanelNone {
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.panel = PanelNone
		case m.panel == PanelEvents && key.Matches(msg, m.keys.Up):
			m.log.ScrollUp(1)
		case m.panel == PanelEvents && key.Matches(msg, m.keys.Down):
			m.log.ScrollDown(1)
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Press):
		return m.press()

	case key.Matches(msg, m.keys.Escape):
		if (m.view.Logout.Visible && m.view.Logout.UserCanClose) ||
			(!m.view.Logout.Visible && m.view.Login.Visible && m.view.Login.UserCanClose) {
			m.dispatch(projection.HideDialog)
		}
		return m, nil

	case key.Matches(msg, m.keys.Login):
		m.dispatch(projection.ShowLogin)
		return m, nil

	case key.Matches(msg, m.keys.Logout):
		if m.state.UserStatus.LoggedIn {
			m.dispatch(projection.ShowLogout)
		}
		return m, nil

	case key.Matches(msg, m.keys.Check):
		mon, ctx := m.mon, m.ctx
		return m, func() tea.Msg {
			mon.Check(ctx, true)
			return nil
		}

	case key.Matches(msg, m.keys.Events):
		m.panel = PanelEvents
		return m, nil

	case key.Matches(msg, m.keys.Help):
		m.panel = PanelHelp
		return m, nil
	}

	return m, nil
}

// press activates the button of the top-most dialog.
func (m Model) press() (tea.Model, tea.Cmd) {
	mon := m.mon
	switch {
	case m.view.Logout.Visible:
		if m.state.UI.ExecutingLogout {
			return m, nil
		}
		m.dispatch(projection.ExecutingLogout)
		return m, runAction(mon.HandleLogout)
	case m.view.Login.Visible:
		newWindow := m.view.Login.NewWindow
		return m, runAction(func() error { return mon.HandleLogin(newWindow) })
	}
	return m, nil
}

func (m *Model) dispatch(t projection.ActionType) {
	m.binder.Dispatch(projection.Action{Type: t})
	m.sync()
}

func runAction(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return actionErrMsg{err: err}
		}
		return nil
	}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	now := m.now()

	bar := m.statusBar.View(now)
	footer := theme.StyleDimmed.Render("  enter:press  esc:close  l:login  o:logout  r:check  e:events  ?:help  q:quit")
	if m.lastErr != "" {
		footer = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("  "+m.lastErr) + "\n" + footer
	}

	bodyHeight := m.height - lipgloss.Height(bar) - lipgloss.Height(footer)
	if bodyHeight < 3 {
		bodyHeight = 3
	}

	body := lipgloss.Place(m.width, bodyHeight, lipgloss.Center, lipgloss.Center, m.body(bodyHeight))
	return lipgloss.JoinVertical(lipgloss.Left, bar, body, footer)
}

func (m Model) body(height int) string {
	switch m.panel {
	case PanelEvents:
		return m.log.View(m.width, height)
	case PanelHelp:
		out, err := m.help.View(m.keys.Bindings(), m.width)
		if err != nil {
			return theme.StyleDimmed.Render(err.Error())
		}
		return out
	}

	switch {
	case m.view.Logout.Visible:
		return overlay.Render(m.view.Logout, m.spinner.View(), m.width)
	case m.view.Login.Visible:
		return overlay.Render(m.view.Login, m.spinner.View(), m.width)
	case m.view.Pill:
		return theme.StylePill.Render("Not logged in") + theme.StyleDimmed.Render("  read-only, press l to log in")
	case m.state.UserStatus.LoggedIn:
		return lipgloss.NewStyle().Foreground(theme.ColorLoggedIn).Render("Session active")
	}
	return ""
}
