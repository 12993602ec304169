package circuit

import (
	"sort"
	"sync"
)

// Registry owns one Breaker per destination name. Breakers are created lazily
// on first use and live for the lifetime of the registry, so every caller
// targeting the same destination through the same registry shares state.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []Option
}

// NewRegistry creates an empty registry. opts are applied to every breaker it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// Get returns the breaker for destination, creating it if needed.
func (r *Registry) Get(destination string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[destination]
	if !ok {
		b = New(destination, r.opts...)
		r.breakers[destination] = b
	}
	return b
}

// Reset closes the named breaker. Unknown names are ignored.
func (r *Registry) Reset(destination string) {
	r.mu.Lock()
	b, ok := r.breakers[destination]
	r.mu.Unlock()
	if ok {
		b.Reset()
	}
}

// Snapshots returns the state of every known breaker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
