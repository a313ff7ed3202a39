package status

import (
	"strings"
	"testing"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/projection"
)

var epoch = time.Unix(1_700_000_000, 0)

func settle(t *testing.T, m *Meter) {
	t.Helper()
	for i := 0; i < FPS*10; i++ {
		if m.Step() {
			return
		}
	}
	t.Fatalf("meter did not settle; pos=%v target=%v", m.pos, m.target)
}

func TestMeterTracksExpiry(t *testing.T) {
	m := NewMeter()
	expires := float64(epoch.Unix() + 180)

	m.Track(expires, epoch)
	if m.Target() != 1 {
		t.Errorf("fresh token target = %v, want 1", m.Target())
	}
	settle(t, &m)
	if m.Fraction() != 1 {
		t.Errorf("settled fraction = %v, want 1", m.Fraction())
	}

	m.Track(expires, epoch.Add(90*time.Second))
	if got := m.Target(); got != 0.5 {
		t.Errorf("half-way target = %v, want 0.5", got)
	}
	if got := m.Remaining(epoch.Add(90 * time.Second)); got != 90*time.Second {
		t.Errorf("Remaining() = %v, want 90s", got)
	}

	m.Track(expires, epoch.Add(10*time.Minute))
	if m.Target() != 0 || m.Remaining(epoch.Add(10*time.Minute)) != 0 {
		t.Error("expired token should empty the meter")
	}

	// A renewed token starts full again.
	m.Track(expires+300, epoch.Add(10*time.Minute))
	if m.Target() != 1 {
		t.Errorf("renewed target = %v, want 1", m.Target())
	}
}

func TestMeterLoggedOut(t *testing.T) {
	for _, expires := range []float64{-1, 0} {
		m := NewMeter()
		m.Track(expires, epoch)
		if m.Target() != 0 {
			t.Errorf("Track(%v) target = %v, want 0", expires, m.Target())
		}
	}
}

func TestMeterRender(t *testing.T) {
	m := NewMeter()
	if got := m.Render(0); got != "" {
		t.Errorf("Render(0) = %q", got)
	}
	out := m.Render(10)
	if strings.Count(out, "░") != 10 {
		t.Errorf("empty meter = %q, want 10 empty cells", out)
	}
}

func TestFormatLeft(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "expired"},
		{-time.Second, "expired"},
		{65 * time.Second, "1:05"},
		{2*time.Hour + 3*time.Minute, "2h03m"},
	}
	for _, tt := range tests {
		if got := formatLeft(tt.d); got != tt.want {
			t.Errorf("formatLeft(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestStatusPill(t *testing.T) {
	tests := []struct {
		name    string
		state   func(s *projection.State)
		checked bool
		want    string
	}{
		{"unknown", func(*projection.State) {}, false, "Unknown"},
		{"checking", func(s *projection.State) { s.UI.SilentLoginInitiated = true }, false, "Checking"},
		{"logged_in", func(s *projection.State) { s.UserStatus.LoggedIn = true }, true, "Logged in"},
		{"error", func(s *projection.State) { s.UI.LoginError = true }, true, "Server unreachable"},
		{"logged_out", func(*projection.State) {}, true, "Not logged in"},
		{"invalid_tokens", func(s *projection.State) { s.UI.HasInvalidTokens = true }, false, "Not logged in"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := projection.Initial(false)
			tt.state(&s)
			m := New()
			m.Width = 160
			m.SetState(s, tt.checked, epoch)
			if out := m.View(epoch); !strings.Contains(out, tt.want) {
				t.Errorf("View() missing %q:\n%s", tt.want, out)
			}
		})
	}
}

func TestStatusShowsRefreshTarget(t *testing.T) {
	m := New()
	m.Width = 200
	m.SetRefresh(float64(epoch.Unix()+120), true)
	if out := m.View(epoch); !strings.Contains(out, "renews at") {
		t.Errorf("View() missing renewal time:\n%s", out)
	}
}
