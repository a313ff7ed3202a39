// Package theme provides the Lip Gloss color palette and reusable styles
// for the monitor's terminal view. It is a leaf package with no internal
// imports.
package theme

import "github.com/charmbracelet/lipgloss"

// Session colors.
var (
	ColorLoggedIn  = lipgloss.Color("#22c55e")
	ColorLoggedOut = lipgloss.Color("#dc2626")
	ColorChecking  = lipgloss.Color("#2563eb")
	ColorUnknown   = lipgloss.Color("#9ca3af")
)

// Button emphasis colors.
var (
	ColorSubdued   = lipgloss.Color("#6b7280")
	ColorRegular   = lipgloss.Color("#3b82f6")
	ColorExpressed = lipgloss.Color("#f59e0b")
)

// Freshness bar thresholds.
var (
	ColorFreshHigh = lipgloss.Color("#22c55e") // >50%
	ColorFreshMid  = lipgloss.Color("#d97706") // 20-50%
	ColorFreshLow  = lipgloss.Color("#dc2626") // <20%
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// EmphasisColor returns the button color for an emphasis name
// ("subdued", "regular", "expressed").
func EmphasisColor(emphasis string) lipgloss.Color {
	switch emphasis {
	case "expressed":
		return ColorExpressed
	case "regular":
		return ColorRegular
	default:
		return ColorSubdued
	}
}

// FreshnessColor returns the bar color for the remaining fraction of a
// token's life.
func FreshnessColor(frac float64) lipgloss.Color {
	switch {
	case frac > 0.5:
		return ColorFreshHigh
	case frac > 0.2:
		return ColorFreshMid
	default:
		return ColorFreshLow
	}
}

// EventColor returns the log color for a bus event kind.
func EventColor(kind string) lipgloss.Color {
	switch kind {
	case "START_AUTH_CHECK", "END_AUTH_CHECK":
		return ColorChecking
	case "USER_STATUS_UPDATED":
		return ColorLoggedIn
	case "INVALID_TOKENS":
		return ColorWarning
	case "LOGIN_ERROR":
		return ColorDanger
	default:
		return ColorUnknown
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StylePill = lipgloss.NewStyle().
		Bold(true).
		Padding(0, 1).
		Foreground(ColorBright).
		Background(ColorLoggedOut)
)

// Button renders a bracketed button label in the emphasis color.
func Button(label, emphasis string) string {
	return lipgloss.NewStyle().
		Bold(emphasis != "subdued").
		Foreground(EmphasisColor(emphasis)).
		Render("[ " + label + " ]")
}
