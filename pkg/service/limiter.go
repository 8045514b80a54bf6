package service

import "sync"

// ConcurrencyLimiter enforces a global cap and optional per-group caps on
// running work. Acquisition is all-or-nothing: the global slot and the
// group slot are taken together or not at all, so a rejected acquire
// leaves no partial hold behind.
type ConcurrencyLimiter struct {
	mu          sync.Mutex
	globalLimit int
	groupLimits map[string]int
	globalInUse int
	groupInUse  map[string]int
}

// NewConcurrencyLimiter caps concurrent holds at globalLimit. A limit of
// zero or less means unlimited.
func NewConcurrencyLimiter(globalLimit int) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{
		globalLimit: globalLimit,
		groupLimits: make(map[string]int),
		groupInUse:  make(map[string]int),
	}
}

// SetGroupLimit caps concurrent holds for a group. A limit of zero or
// less removes the cap.
func (cl *ConcurrencyLimiter) SetGroupLimit(group string, limit int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if limit <= 0 {
		delete(cl.groupLimits, group)
		return
	}
	cl.groupLimits[group] = limit
}

// TryAcquire attempts to take one slot for the group (the empty group is
// subject to the global cap only). On success it returns an idempotent
// release: calling it more than once frees the slot exactly once.
func (cl *ConcurrencyLimiter) TryAcquire(group string) (func(), bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.globalLimit > 0 && cl.globalInUse >= cl.globalLimit {
		return nil, false
	}
	if group != "" {
		if limit, ok := cl.groupLimits[group]; ok && cl.groupInUse[group] >= limit {
			return nil, false
		}
	}

	cl.globalInUse++
	if group != "" {
		cl.groupInUse[group]++
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			cl.mu.Lock()
			defer cl.mu.Unlock()
			cl.globalInUse--
			if group != "" {
				cl.groupInUse[group]--
				if cl.groupInUse[group] == 0 {
					delete(cl.groupInUse, group)
				}
			}
		})
	}
	return release, true
}

// InUse reports current holds, for tests and metrics.
func (cl *ConcurrencyLimiter) InUse() (int, map[string]int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	groups := make(map[string]int, len(cl.groupInUse))
	for g, n := range cl.groupInUse {
		groups[g] = n
	}
	return cl.globalInUse, groups
}
