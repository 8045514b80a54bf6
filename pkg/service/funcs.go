package service

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// FuncRegistry maps names to task functions so layers that cannot hold
// code references, like the HTTP and CLI surfaces, can bind tasks by
// name.
type FuncRegistry struct {
	mu    sync.RWMutex
	funcs map[string]TaskFunc
}

func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{funcs: make(map[string]TaskFunc)}
}

func (r *FuncRegistry) Register(name string, fn TaskFunc) error {
	if name == "" {
		return errors.New("empty function name")
	}
	if fn == nil {
		return errors.Errorf("function %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists {
		return errors.Errorf("function %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

func (r *FuncRegistry) Get(name string) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

func (r *FuncRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
