package breaker

import (
	"sync"
)

// Registry manages one breaker per channel, created on demand. Breaker state
// survives channel stop and start so a restarting channel is subject to its
// earlier failure history.
type Registry struct {
	cfg      Config
	onChange func(key string, from, to State)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. onChange, when non-nil, is invoked after
// every state transition with the owning key; it is where the state gauge
// gets updated.
func NewRegistry(cfg Config, onChange func(key string, from, to State)) *Registry {
	return &Registry{
		cfg:      cfg,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the given key, creating it if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock.
	if b, ok := r.breakers[key]; ok {
		return b
	}

	cfg := r.cfg
	if r.onChange != nil {
		k := key
		hook := r.onChange
		cfg.OnStateChange = func(from, to State) { hook(k, from, to) }
	}
	b = New(cfg)
	r.breakers[key] = b
	return b
}

// Remove drops the breaker for a key. Used when a channel is deleted.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

// AllStats returns statistics for every known breaker.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]Stats, len(r.breakers))
	for key, b := range r.breakers {
		stats[key] = b.Stats()
	}
	return stats
}

// Count returns the number of breakers in the registry.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}
