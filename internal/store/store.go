// Package store holds the shared status slot consulted by every monitor
// instance that points at the same storage.
package store

import (
	"sync"

	"github.com/DapperDuckling/oauth-monitor/internal/status"
)

// DefaultKey names the slot holding the wrapped user status.
const DefaultKey = "omc-user-status"

// Store is a single-key, last-writer-wins slot for a WrappedStatus.
//
// Write applies a candidate only when the slot is empty or the candidate's
// timestamp is strictly greater than the stored one. Read never fails:
// missing or corrupt data reads as absent. Subscribe delivers change
// notifications caused by other writers sharing the storage, never by the
// handle's own writes.
type Store interface {
	Read() (status.WrappedStatus, bool)
	Write(candidate status.WrappedStatus) bool
	Clear()
	Subscribe(fn func()) (cancel func())
	Close() error
}

// subscribers is an ordered set of change callbacks.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func()
	order  []int
}

func (s *subscribers) add(fn func()) func() {
	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[int]func())
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.fns, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *subscribers) snapshot() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]func(), 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.fns[id])
	}
	return out
}

func (s *subscribers) notify() {
	for _, fn := range s.snapshot() {
		fn()
	}
}

func (s *subscribers) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = nil
	s.order = nil
}
