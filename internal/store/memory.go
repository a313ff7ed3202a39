package store

import (
	"encoding/json"
	"sync"

	"github.com/DapperDuckling/oauth-monitor/internal/status"
)

// MemoryArea is an in-process storage area shared by several handles, the
// way one origin's local storage is shared by its tabs. Each Handle is
// notified about writes made through the other handles only.
type MemoryArea struct {
	mu      sync.Mutex
	data    map[string][]byte
	handles map[*Handle]bool
}

// NewMemoryArea returns an empty area.
func NewMemoryArea() *MemoryArea {
	return &MemoryArea{
		data:    make(map[string][]byte),
		handles: make(map[*Handle]bool),
	}
}

// Handle opens a view of key in the area.
func (a *MemoryArea) Handle(key string) *Handle {
	if key == "" {
		key = DefaultKey
	}
	h := &Handle{area: a, key: key}
	a.mu.Lock()
	a.handles[h] = true
	a.mu.Unlock()
	return h
}

// SetRaw stores data verbatim under key and notifies every handle on that
// key, as an external writer would.
func (a *MemoryArea) SetRaw(key string, data []byte) {
	a.mu.Lock()
	a.data[key] = append([]byte(nil), data...)
	a.mu.Unlock()
	a.notify(key, nil)
}

// Raw returns the bytes stored under key.
func (a *MemoryArea) Raw(key string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.data[key]
	return append([]byte(nil), data...), ok
}

func (a *MemoryArea) notify(key string, from *Handle) {
	a.mu.Lock()
	targets := make([]*Handle, 0, len(a.handles))
	for h := range a.handles {
		if h != from && h.key == key {
			targets = append(targets, h)
		}
	}
	a.mu.Unlock()

	for _, h := range targets {
		h.subs.notify()
	}
}

// Handle is one tab's view of a MemoryArea key. It implements Store.
type Handle struct {
	area *MemoryArea
	key  string
	subs subscribers
}

func (h *Handle) Read() (status.WrappedStatus, bool) {
	raw, ok := h.area.Raw(h.key)
	if !ok {
		return status.WrappedStatus{}, false
	}
	w, err := status.Parse(raw)
	if err != nil {
		return status.WrappedStatus{}, false
	}
	return w, true
}

func (h *Handle) Write(candidate status.WrappedStatus) bool {
	data, err := json.Marshal(candidate)
	if err != nil {
		return false
	}

	h.area.mu.Lock()
	if raw, ok := h.area.data[h.key]; ok {
		if existing, err := status.Parse(raw); err == nil && !candidate.Newer(existing) {
			h.area.mu.Unlock()
			return false
		}
	}
	h.area.data[h.key] = data
	h.area.mu.Unlock()

	h.area.notify(h.key, h)
	return true
}

func (h *Handle) Clear() {
	h.area.mu.Lock()
	_, existed := h.area.data[h.key]
	delete(h.area.data, h.key)
	h.area.mu.Unlock()

	if existed {
		h.area.notify(h.key, h)
	}
}

func (h *Handle) Subscribe(fn func()) func() {
	return h.subs.add(fn)
}

// Close detaches the handle from its area.
func (h *Handle) Close() error {
	h.area.mu.Lock()
	delete(h.area.handles, h)
	h.area.mu.Unlock()
	h.subs.clear()
	return nil
}
