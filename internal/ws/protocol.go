package ws

import (
	"github.com/DapperDuckling/oauth-monitor/internal/events"
	"github.com/DapperDuckling/oauth-monitor/internal/projection"
	"github.com/DapperDuckling/oauth-monitor/internal/status"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgEvent    MessageType = "event"
	MsgNavigate MessageType = "navigate"
	MsgError    MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload is the projected UI state plus the derived view, so a web
// view can render without reimplementing the reducer.
type SnapshotPayload struct {
	State projection.State `json:"state"`
	View  projection.View  `json:"view"`
}

type EventPayload = events.Event

type NavigatePayload struct {
	URL       string `json:"url"`
	NewWindow bool   `json:"newWindow"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// StatePayload answers GET /api/state.
type StatePayload struct {
	SnapshotPayload
	Stored            *status.WrappedStatus `json:"stored,omitempty"`
	CheckedWithServer bool                  `json:"checkedWithServer"`
	MonitorID         string                `json:"monitorId"`
}

// Intent is what a web view sends over the socket: a user interaction the
// daemon acts on for it.
type Intent struct {
	Type IntentType `json:"type"`
	// Action names a projection action for IntentAction, e.g. "HIDE_DIALOG".
	Action string `json:"action,omitempty"`
	// NewWindow applies to IntentLogin.
	NewWindow bool `json:"newWindow,omitempty"`
}

type IntentType string

const (
	IntentFocus  IntentType = "focus"
	IntentCheck  IntentType = "check"
	IntentLogin  IntentType = "login"
	IntentLogout IntentType = "logout"
	IntentAction IntentType = "action"
)
