package projection

import "encoding/json"

// Emphasis is how prominently the login button is drawn.
type Emphasis int

const (
	Subdued Emphasis = iota
	Regular
	Expressed
)

var emphasisNames = map[Emphasis]string{
	Subdued:   "subdued",
	Regular:   "regular",
	Expressed: "expressed",
}

func (e Emphasis) String() string {
	if s, ok := emphasisNames[e]; ok {
		return s
	}
	return "unknown"
}

func (e Emphasis) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// Overlay describes one dialog. Visible is false when it should not be
// drawn; the remaining fields are then meaningless.
type Overlay struct {
	Visible      bool     `json:"visible"`
	Title        string   `json:"title"`
	Detail       string   `json:"detail,omitempty"`
	Button       string   `json:"button"`
	Emphasis     Emphasis `json:"emphasis"`
	NewWindow    bool     `json:"newWindow"`
	UserCanClose bool     `json:"userCanClose"`
}

// View is everything a thin renderer needs.
type View struct {
	Login  Overlay `json:"login"`
	Logout Overlay `json:"logout"`
	// Pill is the "not logged in, read-only" indicator shown when no
	// overlay covers the page.
	Pill bool `json:"pill"`
}

// View derives the overlays from s.
func (s State) View(deferredStart bool) View {
	ui := s.UI
	v := View{}

	if ui.ShowLoginOverlay {
		emphasis := Subdued
		switch {
		case ui.ShowMustLoginOverlay || ui.LoginError:
			emphasis = Expressed
		case ui.LengthyLogin:
			emphasis = Regular
		}

		title := "Checking Credentials"
		if ui.LoginError {
			title = "Error Checking Credentials"
		} else if ui.ShowMustLoginOverlay {
			title = "Authentication Required"
		}

		var detail string
		if ui.LoginError {
			detail = "Failed to communicate with server"
		} else if !ui.ShowMustLoginOverlay && ui.LengthyLogin {
			detail = "this is taking longer than expected"
		}

		v.Login = Overlay{
			Visible:      true,
			Title:        title,
			Detail:       detail,
			Button:       "Login",
			Emphasis:     emphasis,
			NewWindow:    s.HasAuthenticatedOnce,
			UserCanClose: s.HasAuthenticatedOnce || deferredStart,
		}
	}

	if ui.ShowLogoutOverlay {
		title := "Are you sure you want to log out?"
		if ui.ExecutingLogout {
			title = "Logging out"
		}
		v.Logout = Overlay{
			Visible:      true,
			Title:        title,
			Button:       "Logout",
			Emphasis:     Expressed,
			UserCanClose: !ui.ExecutingLogout,
		}
	}

	v.Pill = !s.UserStatus.LoggedIn && !ui.ShowLoginOverlay && !ui.ShowLogoutOverlay
	return v
}
