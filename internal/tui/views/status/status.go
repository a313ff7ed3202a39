// Package status renders the monitor's status bar: the session pill and
// the access and refresh token freshness meters.
package status

import (
	"fmt"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/projection"
	"github.com/DapperDuckling/oauth-monitor/internal/theme"
	"github.com/charmbracelet/lipgloss"
)

const meterWidth = 20

type Model struct {
	Width     int
	MonitorID string
	Spinner   string

	state             projection.State
	checkedWithServer bool
	refreshAt         float64
	refreshArmed      bool

	Access  Meter
	Refresh Meter
}

func New() Model {
	return Model{Access: NewMeter(), Refresh: NewMeter()}
}

// SetState updates the bar from projected state.
func (m *Model) SetState(s projection.State, checkedWithServer bool, now time.Time) {
	m.state = s
	m.checkedWithServer = checkedWithServer
	m.Tick(now)
}

// SetRefresh records the pending refresh target, if any.
func (m *Model) SetRefresh(target float64, armed bool) {
	m.refreshAt, m.refreshArmed = target, armed
}

// Tick re-targets the meters for the passage of time.
func (m *Model) Tick(now time.Time) {
	m.Access.Track(m.state.UserStatus.AccessExpires, now)
	m.Refresh.Track(m.state.UserStatus.RefreshExpires, now)
}

// Animate steps both meters and reports whether they have settled.
func (m *Model) Animate() bool {
	a := m.Access.Step()
	r := m.Refresh.Step()
	return a && r
}

func (m Model) pill() string {
	ui := m.state.UI
	switch {
	case ui.SilentLoginInitiated:
		return lipgloss.NewStyle().Foreground(theme.ColorChecking).Render(m.Spinner + " Checking")
	case m.state.UserStatus.LoggedIn:
		return lipgloss.NewStyle().Foreground(theme.ColorLoggedIn).Render("● Logged in")
	case ui.LoginError:
		return lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("✗ Server unreachable")
	case !m.checkedWithServer && !ui.HasInvalidTokens:
		return lipgloss.NewStyle().Foreground(theme.ColorUnknown).Render("○ Unknown")
	default:
		return theme.StylePill.Render("Not logged in")
	}
}

// View renders the status bar.
func (m Model) View(now time.Time) string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := m.pill() +
		sep + "access " + m.Access.Render(meterWidth) + " " + formatLeft(m.Access.Remaining(now)) +
		sep + "refresh " + m.Refresh.Render(meterWidth) + " " + formatLeft(m.Refresh.Remaining(now))

	if m.refreshArmed {
		at := time.UnixMilli(int64(m.refreshAt * 1000))
		content += sep + theme.StyleDimmed.Render("renews at "+at.Format("15:04:05"))
	}
	if m.MonitorID != "" {
		content += sep + theme.StyleDimmed.Render(m.MonitorID)
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func formatLeft(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	if d >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
