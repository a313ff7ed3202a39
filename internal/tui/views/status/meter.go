package status

import (
	"math"
	"strings"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/theme"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"
)

// FPS is the animation rate the app ticks meters at.
const FPS = 30

const settleEpsilon = 0.002

// Meter is a token freshness bar. Its window is the remaining lifetime
// observed when the expiry last changed, so a fresh token starts full.
// The drawn fill springs toward the real fraction.
type Meter struct {
	spring  harmonica.Spring
	expires float64
	window  float64
	pos     float64
	vel     float64
	target  float64
}

func NewMeter() Meter {
	return Meter{spring: harmonica.NewSpring(harmonica.FPS(FPS), 6.0, 1.0)}
}

// Track points the meter at expires (unix seconds) as of now. An expiry
// at or below zero empties it.
func (m *Meter) Track(expires float64, now time.Time) {
	nowSec := float64(now.UnixMilli()) / 1000
	if expires != m.expires {
		m.expires = expires
		m.window = expires - nowSec
	}
	if expires <= 0 || m.window <= 0 || math.IsNaN(expires) {
		m.target = 0
		return
	}
	m.target = clamp((expires-nowSec)/m.window, 0, 1)
}

// Step advances the animation one frame and reports whether it has
// settled on the target.
func (m *Meter) Step() bool {
	m.pos, m.vel = m.spring.Update(m.pos, m.vel, m.target)
	if math.Abs(m.pos-m.target) < settleEpsilon && math.Abs(m.vel) < settleEpsilon {
		m.pos, m.vel = m.target, 0
		return true
	}
	return false
}

func (m Meter) Fraction() float64 { return clamp(m.pos, 0, 1) }
func (m Meter) Target() float64   { return m.target }

// Remaining is the time left until the tracked expiry, never negative.
func (m Meter) Remaining(now time.Time) time.Duration {
	left := m.expires - float64(now.UnixMilli())/1000
	if left <= 0 || math.IsNaN(left) {
		return 0
	}
	return time.Duration(left * float64(time.Second)).Round(time.Second)
}

// Render draws the bar width cells wide.
func (m Meter) Render(width int) string {
	if width < 1 {
		return ""
	}
	frac := m.Fraction()
	filled := int(math.Round(frac * float64(width)))
	bar := lipgloss.NewStyle().Foreground(theme.FreshnessColor(frac)).Render(strings.Repeat("█", filled))
	return bar + theme.StyleDimmed.Render(strings.Repeat("░", width-filled))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
