package monitor

import (
	"errors"
	"sync"

	"github.com/DapperDuckling/oauth-monitor/internal/config"
)

var ErrConfigMismatch = errors.New("monitor already instantiated, cannot re-instantiate with a different config")

// Registry holds at most one live monitor. The embedding application owns
// it; there is no package-level instance.
type Registry struct {
	mu      sync.Mutex
	current *Monitor
}

// Instance returns the live monitor, creating one if there is none or the
// previous one was destroyed. Asking for a live monitor with a different
// config fails with ErrConfigMismatch.
func (r *Registry) Instance(cfg config.ClientConfig, deps Deps) (*Monitor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && !r.current.IsDestroyed() {
		if r.current.cfg != cfg {
			return nil, ErrConfigMismatch
		}
		return r.current, nil
	}

	m, err := New(cfg, deps)
	if err != nil {
		return nil, err
	}
	r.current = m
	return m, nil
}

// Current returns the live monitor, or nil.
func (r *Registry) Current() *Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.IsDestroyed() {
		return nil
	}
	return r.current
}
