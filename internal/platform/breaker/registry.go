package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry owns one Breaker per endpoint key. Breakers are created lazily on
// first use and live for the lifetime of the registry.
type Registry struct {
	cfg    Config
	now    func() time.Time
	notify TransitionFunc

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithTransitionFunc registers a callback for every state change of every
// breaker in the registry.
func WithTransitionFunc(fn TransitionFunc) RegistryOption {
	return func(r *Registry) { r.notify = fn }
}

// NewRegistry creates an empty registry whose breakers share cfg.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// For returns the breaker for key, creating it if needed.
func (r *Registry) For(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = New(key, r.cfg)
	b.now = r.now
	b.notify = r.notify
	r.breakers[key] = b
	return b
}

// Snapshots returns the state of every known breaker ordered by key.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
