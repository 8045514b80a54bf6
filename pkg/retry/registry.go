package retry

import (
	"sort"
	"sync"
)

// Registry maps strategy names to values. It is created once at process
// start and injected wherever strategies are looked up by name; there is
// no package-level instance.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Strategy
}

// NewRegistry returns a registry pre-populated with the two stock
// strategies, "exponential" and "jitter".
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]Strategy)}
	r.Register("exponential", DefaultExponential())
	r.Register("jitter", FullJitter{Exponential: DefaultExponential()})
	return r
}

func (r *Registry) Register(name string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = s
}

func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[name]
	return s, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
