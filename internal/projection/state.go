// Package projection reduces monitor events into the flags a view needs to
// decide which overlay, if any, to show.
package projection

import (
	"encoding/json"

	"github.com/DapperDuckling/oauth-monitor/internal/events"
	"github.com/DapperDuckling/oauth-monitor/internal/status"
)

type UI struct {
	ShowLoginOverlay     bool `json:"showLoginOverlay"`
	ShowMustLoginOverlay bool `json:"showMustLoginOverlay"`
	ShowLogoutOverlay    bool `json:"showLogoutOverlay"`
	ExecutingLogout      bool `json:"executingLogout"`
	SilentLoginInitiated bool `json:"silentLoginInitiated"`
	LengthyLogin         bool `json:"lengthyLogin"`
	LoginError           bool `json:"loginError"`
	HasInvalidTokens     bool `json:"hasInvalidTokens"`
}

type State struct {
	UserStatus status.UserStatus `json:"userStatus"`
	// HasAuthenticatedOnce latches on the first logged-in status.
	HasAuthenticatedOnce bool `json:"hasAuthenticatedOnce"`
	UI                   UI   `json:"ui"`
}

// Initial is the state before any event. The login overlay starts visible
// so the first check is shown, unless the monitor is started later by the
// application.
func Initial(deferredStart bool) State {
	return State{
		UserStatus: status.UserStatus{
			LoggedIn:       false,
			AccessExpires:  -1,
			RefreshExpires: -1,
		},
		UI: UI{
			ShowLoginOverlay: !deferredStart,
		},
	}
}

type ActionType int

const (
	ClientEvent ActionType = iota
	LengthyLogin
	ExecutingLogout
	ShowLogin
	ShowLogout
	HideDialog
	DestroyClient
)

var actionNames = map[ActionType]string{
	ClientEvent:     "OMC_CLIENT_EVENT",
	LengthyLogin:    "LENGTHY_LOGIN",
	ExecutingLogout: "EXECUTING_LOGOUT",
	ShowLogin:       "SHOW_LOGIN",
	ShowLogout:      "SHOW_LOGOUT",
	HideDialog:      "HIDE_DIALOG",
	DestroyClient:   "DESTROY_CLIENT",
}

var actionFromName = map[string]ActionType{
	"OMC_CLIENT_EVENT": ClientEvent,
	"LENGTHY_LOGIN":    LengthyLogin,
	"EXECUTING_LOGOUT": ExecutingLogout,
	"SHOW_LOGIN":       ShowLogin,
	"SHOW_LOGOUT":      ShowLogout,
	"HIDE_DIALOG":      HideDialog,
	"DESTROY_CLIENT":   DestroyClient,
}

func (a ActionType) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "UNKNOWN"
}

func (a ActionType) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// ParseActionType maps a wire name back to an ActionType.
func ParseActionType(name string) (ActionType, bool) {
	a, ok := actionFromName[name]
	return a, ok
}

// Action is a reducer input. Event is only read for ClientEvent.
type Action struct {
	Type  ActionType
	Event events.Event
}

// FromEvent wraps a monitor event as an action.
func FromEvent(e events.Event) Action {
	return Action{Type: ClientEvent, Event: e}
}

func resetHelpers(ui *UI) {
	ui.SilentLoginInitiated = false
	ui.LengthyLogin = false
	ui.LoginError = false
}

// Reduce returns the state after applying a. It never mutates s.
func Reduce(s State, a Action) State {
	switch a.Type {
	case ClientEvent:
		return reduceEvent(s, a.Event)
	case LengthyLogin:
		s.UI.LengthyLogin = true
	case ExecutingLogout:
		s.UI.ShowLogoutOverlay = true
		s.UI.ExecutingLogout = true
	case ShowLogin:
		s.UI.ShowLoginOverlay = true
	case ShowLogout:
		s.UI.ShowLogoutOverlay = true
	case HideDialog:
		resetHelpers(&s.UI)
		s.UI.ShowLoginOverlay = false
		s.UI.ShowLogoutOverlay = false
	case DestroyClient:
		return Initial(false)
	}
	return s
}

func reduceEvent(s State, e events.Event) State {
	switch e.Kind {
	case events.InvalidTokens:
		s.UI.ShowLoginOverlay = true
		s.UI.HasInvalidTokens = true
		s.UI.SilentLoginInitiated = false
		s.UI.ShowMustLoginOverlay = true
		s.UserStatus.LoggedIn = false

	case events.StartAuthCheck:
		s.UI.SilentLoginInitiated = true
		s.UI.ShowMustLoginOverlay = false
		s.UI.LoginError = false
		s.UI.LengthyLogin = false

	case events.LoginError:
		s.UI.LoginError = true
		s.UI.SilentLoginInitiated = false

	case events.UserStatusUpdated:
		if e.Status == nil {
			return s
		}
		s.UserStatus = *e.Status
		if e.Status.LoggedIn {
			s.UI.HasInvalidTokens = false
			s.HasAuthenticatedOnce = true
		}
		resetHelpers(&s.UI)
		s.UI.ShowLoginOverlay = !e.Status.LoggedIn
		s.UI.ShowMustLoginOverlay = !e.Status.LoggedIn

	case events.EndAuthCheck:
		s.UI.SilentLoginInitiated = false
		if e.Status != nil {
			s.UI.ShowMustLoginOverlay = !e.Status.LoggedIn
		}
	}
	return s
}
