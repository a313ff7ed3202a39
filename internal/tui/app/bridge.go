package app

import (
	"sync"

	"github.com/DapperDuckling/oauth-monitor/internal/events"
	"github.com/DapperDuckling/oauth-monitor/internal/projection"
	tea "github.com/charmbracelet/bubbletea"
)

const eventBuffer = 64

// StateChangedMsg says the projected state moved; read it from the binder.
type StateChangedMsg struct{}

// EventMsg carries one monitor event for the log.
type EventMsg struct{ Event events.Event }

// Bridge forwards monitor activity from its goroutines into the Bubble Tea
// loop. State changes coalesce; events beyond the buffer are dropped.
type Bridge struct {
	changed chan struct{}
	events  chan events.Event
	done    chan struct{}

	closeOnce sync.Once
	cancels   []func()
}

func NewBridge(mon Monitor, binder *projection.Binder) *Bridge {
	b := &Bridge{
		changed: make(chan struct{}, 1),
		events:  make(chan events.Event, eventBuffer),
		done:    make(chan struct{}),
	}
	b.cancels = append(b.cancels,
		binder.OnChange(func(projection.State) {
			select {
			case b.changed <- struct{}{}:
			default:
			}
		}),
		mon.Subscribe(events.Any, func(e events.Event) {
			select {
			case b.events <- e:
			default:
			}
		}),
	)
	return b
}

// Wait returns a command that blocks until the next state change or event.
func (b *Bridge) Wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-b.done:
			return nil
		case <-b.changed:
			return StateChangedMsg{}
		case e := <-b.events:
			return EventMsg{Event: e}
		}
	}
}

// Close unsubscribes and releases any pending Wait.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		for _, cancel := range b.cancels {
			cancel()
		}
		close(b.done)
	})
}
