// Package overlay draws the login and logout dialogs described by a
// projection.View.
package overlay

import (
	"github.com/DapperDuckling/oauth-monitor/internal/projection"
	"github.com/DapperDuckling/oauth-monitor/internal/theme"
	"github.com/charmbracelet/lipgloss"
)

func panelStyle(width int, border lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(1, 3).
		Align(lipgloss.Center).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(border)
}

// Render draws o as a centered panel. spinner is shown while the dialog is
// only waiting on a silent check.
func Render(o projection.Overlay, spinner string, width int) string {
	if !o.Visible {
		return ""
	}
	innerW := width / 2
	if innerW < 36 {
		innerW = 36
	}

	lines := []string{theme.StyleHeader.Render(o.Title)}
	if o.Detail != "" {
		lines = append(lines, theme.StyleDimmed.Render(o.Detail))
	}
	if o.Emphasis == projection.Subdued && spinner != "" {
		lines = append(lines, spinner)
	}

	button := o.Button
	if o.NewWindow {
		button += " ↗"
	}
	lines = append(lines, "", theme.Button(button, o.Emphasis.String())+theme.StyleDimmed.Render("  enter"))
	if o.UserCanClose {
		lines = append(lines, theme.StyleDimmed.Render("esc to close"))
	}

	border := theme.EmphasisColor(o.Emphasis.String())
	return panelStyle(innerW, border).Render(lipgloss.JoinVertical(lipgloss.Center, lines...))
}
