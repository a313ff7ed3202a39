package projection

import (
	"log"
	"sync"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/events"
)

// DefaultLengthyLoginAfter is how long a check may run before the login
// overlay says it is taking a while.
const DefaultLengthyLoginAfter = 7 * time.Second

// Timer is the handle returned by BinderOptions.AfterFunc.
type Timer interface {
	Stop() bool
}

type BinderOptions struct {
	DeferredStart     bool
	LengthyLoginAfter time.Duration
	Logger            *log.Logger
	AfterFunc         func(d time.Duration, f func()) Timer
}

// Binder is a wildcard event listener that keeps a reduced State and
// tells subscribers whenever it changes.
type Binder struct {
	deferred     bool
	lengthyAfter time.Duration
	logger       *log.Logger
	afterFunc    func(time.Duration, func()) Timer

	mu      sync.Mutex
	state   State
	lengthy Timer
	gen     uint64 // identifies the armed lengthy timer
	nextID  int
	subs    map[int]func(State)
	order   []int
	closed  bool
}

func NewBinder(opts BinderOptions) *Binder {
	if opts.LengthyLoginAfter <= 0 {
		opts.LengthyLoginAfter = DefaultLengthyLoginAfter
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return &Binder{
		deferred:     opts.DeferredStart,
		lengthyAfter: opts.LengthyLoginAfter,
		logger:       opts.Logger,
		afterFunc:    opts.AfterFunc,
		state:        Initial(opts.DeferredStart),
		subs:         make(map[int]func(State)),
	}
}

// Bind registers the binder for every event on bus and returns a func that
// removes it.
func (b *Binder) Bind(bus *events.Bus) (unbind func()) {
	bus.AddEventListener(events.Any, b)
	return func() { bus.RemoveEventListener(events.Any, b) }
}

// HandleEvent implements events.Listener. The lengthy-login timer is armed
// only after the event has been reduced.
func (b *Binder) HandleEvent(e events.Event) {
	switch {
	case e.Kind == events.StartAuthCheck,
		e.Kind == events.LoginError,
		e.Kind == events.UserStatusUpdated && e.Status != nil && e.Status.LoggedIn:
		b.mu.Lock()
		b.stopLengthyLocked()
		b.mu.Unlock()
	}

	b.Dispatch(FromEvent(e))

	if e.Kind == events.StartAuthCheck {
		b.mu.Lock()
		if !b.closed {
			b.stopLengthyLocked()
			b.gen++
			gen := b.gen
			b.lengthy = b.afterFunc(b.lengthyAfter, func() { b.handleLengthy(gen) })
		}
		b.mu.Unlock()
	}
}

func (b *Binder) stopLengthyLocked() {
	if b.lengthy != nil {
		b.lengthy.Stop()
		b.lengthy = nil
	}
}

func (b *Binder) handleLengthy(gen uint64) {
	b.mu.Lock()
	if b.closed || b.lengthy == nil || b.gen != gen {
		b.mu.Unlock()
		return
	}
	b.lengthy = nil
	b.mu.Unlock()
	b.Dispatch(Action{Type: LengthyLogin})
}

// Dispatch reduces a into the state and notifies subscribers if anything
// changed.
func (b *Binder) Dispatch(a Action) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	prev := b.state
	next := Reduce(prev, a)
	if a.Type == DestroyClient {
		b.stopLengthyLocked()
	}
	b.state = next
	fns := b.snapshotLocked()
	b.mu.Unlock()

	if next == prev {
		return
	}
	for _, fn := range fns {
		b.notify(fn, next)
	}
}

func (b *Binder) notify(fn func(State), s State) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("projection subscriber panicked: %v", r)
		}
	}()
	fn(s)
}

func (b *Binder) snapshotLocked() []func(State) {
	out := make([]func(State), 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.subs[id])
	}
	return out
}

// State returns the current state.
func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// View returns the current view.
func (b *Binder) View() View {
	return b.State().View(b.deferred)
}

// OnChange registers fn to receive every new state.
func (b *Binder) OnChange(fn func(State)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; !ok {
			return
		}
		delete(b.subs, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Close stops the lengthy-login timer and ignores further input.
func (b *Binder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.stopLengthyLocked()
}
