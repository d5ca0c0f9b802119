package breaker

import (
	"sort"
	"sync"
)

// SettingsFunc resolves the settings for a target.
type SettingsFunc func(target string) Settings

// Registry owns one breaker per target. Each breaker has its own lock, so a
// slow target never blocks decisions for another.
type Registry struct {
	settings SettingsFunc
	opts     []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. Breakers are created on first use.
func NewRegistry(settings SettingsFunc, opts ...Option) *Registry {
	if settings == nil {
		settings = func(string) Settings { return Settings{} }
	}
	return &Registry{
		settings: settings,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for target, creating it if necessary.
func (r *Registry) Get(target string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[target]; ok {
		return b
	}
	b = New(target, r.settings(target), r.opts...)
	r.breakers[target] = b
	return b
}

// Snapshot returns the stats of every known breaker ordered by target.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
