// Package events is the typed publish/subscribe bus the monitor uses to
// notify view bindings of auth lifecycle changes.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/DapperDuckling/oauth-monitor/internal/status"
)

// Kind tags an event. Any is the wildcard subscription key and is never
// dispatched itself.
type Kind int

const (
	Any Kind = iota
	StartAuthCheck
	EndAuthCheck
	UserStatusUpdated
	InvalidTokens
	LoginError
)

var kindNames = map[Kind]string{
	Any:               "*",
	StartAuthCheck:    "START_AUTH_CHECK",
	EndAuthCheck:      "END_AUTH_CHECK",
	UserStatusUpdated: "USER_STATUS_UPDATED",
	InvalidTokens:     "INVALID_TOKENS",
	LoginError:        "LOGIN_ERROR",
}

var kindFromName = map[string]Kind{
	"*":                   Any,
	"START_AUTH_CHECK":    StartAuthCheck,
	"END_AUTH_CHECK":      EndAuthCheck,
	"USER_STATUS_UPDATED": UserStatusUpdated,
	"INVALID_TOKENS":      InvalidTokens,
	"LOGIN_ERROR":         LoginError,
}

// Kinds lists every dispatchable kind.
var Kinds = []Kind{StartAuthCheck, EndAuthCheck, UserStatusUpdated, InvalidTokens, LoginError}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := kindFromName[s]
	if !ok {
		return fmt.Errorf("unknown event kind %q", s)
	}
	*k = v
	return nil
}

// Event is delivered to listeners. Status is set for EndAuthCheck and
// UserStatusUpdated.
type Event struct {
	Kind   Kind               `json:"type"`
	Status *status.UserStatus `json:"detail,omitempty"`
}

// Listener receives events. Implementations must be comparable (pointer
// receivers) so they can be removed again.
type Listener interface {
	HandleEvent(Event)
}

type funcListener struct {
	fn func(Event)
}

func (l *funcListener) HandleEvent(e Event) { l.fn(e) }

type registration struct {
	kind     Kind
	listener Listener
}

// Bus maps event kinds, including the wildcard, to ordered listener lists.
type Bus struct {
	mu      sync.RWMutex
	entries []registration
	logger  *log.Logger
}

// NewBus creates an empty bus. A nil logger uses log.Default().
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{logger: logger}
}

// AddEventListener registers l for kind. Adding the same pair twice is a
// no-op.
func (b *Bus) AddEventListener(kind Kind, l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.entries {
		if r.kind == kind && r.listener == l {
			return
		}
	}
	b.entries = append(b.entries, registration{kind: kind, listener: l})
}

// RemoveEventListener unregisters l for kind. Removing an unknown pair is
// a no-op.
func (b *Bus) RemoveEventListener(kind Kind, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.entries {
		if r.kind == kind && r.listener == l {
			b.entries = append(b.entries[:i:i], b.entries[i+1:]...)
			return
		}
	}
}

// Subscribe registers fn for kind and returns a func that removes it.
func (b *Bus) Subscribe(kind Kind, fn func(Event)) (cancel func()) {
	l := &funcListener{fn: fn}
	b.AddEventListener(kind, l)
	return func() { b.RemoveEventListener(kind, l) }
}

// Len returns the number of registrations.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Dispatch delivers an event to every listener registered for kind or for
// Any, in registration order. A panicking listener is logged and skipped.
func (b *Bus) Dispatch(kind Kind, st *status.UserStatus) {
	if kind == Any {
		return
	}
	b.mu.RLock()
	targets := make([]Listener, 0, len(b.entries))
	for _, r := range b.entries {
		if r.kind == kind || r.kind == Any {
			targets = append(targets, r.listener)
		}
	}
	b.mu.RUnlock()

	var detail *status.UserStatus
	if st != nil {
		copy := *st
		detail = &copy
	}
	ev := Event{Kind: kind, Status: detail}
	for _, l := range targets {
		b.deliver(l, ev)
	}
}

func (b *Bus) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("event listener for %s panicked: %v", ev.Kind, r)
		}
	}()
	l.HandleEvent(ev)
}
