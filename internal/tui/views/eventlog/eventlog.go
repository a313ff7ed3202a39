// Package eventlog keeps a scrollable history of monitor events.
package eventlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/events"
	"github.com/DapperDuckling/oauth-monitor/internal/theme"
	"github.com/charmbracelet/lipgloss"
)

const maxEntries = 200

type Entry struct {
	Time    time.Time
	Kind    events.Kind
	Summary string
}

type Model struct {
	Entries []Entry
	Offset  int // lines scrolled up from the newest entry
}

func New() Model {
	return Model{}
}

// Add records e as of now and snaps the view back to the newest entry.
func (m *Model) Add(e events.Event, now time.Time) {
	m.Entries = append(m.Entries, Entry{Time: now, Kind: e.Kind, Summary: summarize(e)})
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	m.Offset = 0
}

func summarize(e events.Event) string {
	if e.Status == nil {
		return ""
	}
	if !e.Status.LoggedIn {
		return "logged out"
	}
	access := time.Unix(int64(e.Status.AccessExpires), 0).Format("15:04:05")
	refresh := time.Unix(int64(e.Status.RefreshExpires), 0).Format("15:04:05")
	return fmt.Sprintf("logged in, access until %s, refresh until %s", access, refresh)
}

func (m *Model) ScrollUp(n int) {
	m.Offset = min(m.Offset+n, max(len(m.Entries)-1, 0))
}

func (m *Model) ScrollDown(n int) {
	m.Offset = max(m.Offset-n, 0)
}

// View renders the log as a panel.
func (m Model) View(width, height int) string {
	innerW := max(width-4, 20)
	visible := max(height-6, 3)

	title := theme.StyleHeader.Render(" EVENTS ")
	help := theme.StyleDimmed.Render(fmt.Sprintf("j/k:scroll  esc:close  %d entries", len(m.Entries)))
	panel := lipgloss.NewStyle().
		Width(innerW).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder)

	if len(m.Entries) == 0 {
		body := theme.StyleDimmed.Render("  No events yet.")
		return panel.Render(lipgloss.JoinVertical(lipgloss.Left, title, "", body, "", help))
	}

	end := max(len(m.Entries)-m.Offset, 0)
	start := max(end-visible, 0)

	lines := make([]string, 0, end-start)
	for _, e := range m.Entries[start:end] {
		ts := theme.StyleDimmed.Render(e.Time.Format("15:04:05.000"))
		kind := lipgloss.NewStyle().Foreground(theme.EventColor(e.Kind.String())).Width(20).Render(e.Kind.String())
		lines = append(lines, strings.TrimRight(ts+" "+kind+" "+e.Summary, " "))
	}

	more := ""
	if m.Offset > 0 {
		more = theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", m.Offset))
	}
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n"), more, help))
}
