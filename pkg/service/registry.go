package service

import (
	"fmt"
	"sync"

	"github.com/ignatij/conductor/pkg/models"
)

// workflowEntry tracks every registered version of one name plus the
// outcome of its most recent run. versions[0] is version 1.
type workflowEntry struct {
	versions   []*WorkflowDef
	active     int
	lastRunID  string
	lastStatus models.RunStatus
}

// WorkflowRegistry owns the named workflow definitions. Registering a
// name again snapshots the next version; prior versions stay available
// for rollback and are never mutated.
type WorkflowRegistry struct {
	mu      sync.RWMutex
	entries map[string]*workflowEntry
	names   []string
}

func NewWorkflowRegistry() *WorkflowRegistry {
	return &WorkflowRegistry{entries: make(map[string]*workflowEntry)}
}

// Register snapshots the definition as the next version of its name and
// activates it. Returns the assigned version.
func (r *WorkflowRegistry) Register(def *WorkflowDef) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[def.Name]
	if !ok {
		entry = &workflowEntry{}
		r.entries[def.Name] = entry
		r.names = append(r.names, def.Name)
	}

	snapshot := def.clone()
	snapshot.Version = len(entry.versions) + 1
	entry.versions = append(entry.versions, snapshot)
	entry.active = snapshot.Version
	return snapshot.Version
}

// Extend derives the next version of a registered workflow by appending
// one task to the active definition and activating the result.
func (r *WorkflowRegistry) Extend(name string, spec TaskSpec) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return 0, &NotFoundError{Kind: "workflow", Name: name}
	}
	next := entry.versions[entry.active-1].clone()
	if err := next.AddTask(spec); err != nil {
		return 0, err
	}
	next.Version = len(entry.versions) + 1
	entry.versions = append(entry.versions, next)
	entry.active = next.Version
	return next.Version, nil
}

// Active returns the active version's definition.
func (r *WorkflowRegistry) Active(name string) (*WorkflowDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.versions[entry.active-1], true
}

// Get returns one specific registered version.
func (r *WorkflowRegistry) Get(name string, version int) (*WorkflowDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, &NotFoundError{Kind: "workflow", Name: name}
	}
	if version < 1 || version > len(entry.versions) {
		return nil, &NotFoundError{Kind: "workflow version", Name: fmt.Sprintf("%s@%d", name, version)}
	}
	return entry.versions[version-1], nil
}

// ActiveVersions maps every registered name to its active version.
func (r *WorkflowRegistry) ActiveVersions() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.entries))
	for name, entry := range r.entries {
		out[name] = entry.active
	}
	return out
}

// Names lists registered workflow names in registration order.
func (r *WorkflowRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Rollback activates an earlier version without erasing later ones.
func (r *WorkflowRegistry) Rollback(name string, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return &NotFoundError{Kind: "workflow", Name: name}
	}
	if version < 1 || version > len(entry.versions) {
		return &NotFoundError{Kind: "workflow version", Name: fmt.Sprintf("%s@%d", name, version)}
	}
	entry.active = version
	return nil
}

// setLastRun overwrites the definition-level outcome of the most recent
// run; history lives in the store, not here.
func (r *WorkflowRegistry) setLastRun(name, runID string, status models.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[name]; ok {
		entry.lastRunID = runID
		entry.lastStatus = status
	}
}

// LastRun reports the most recent run id and status for the name.
func (r *WorkflowRegistry) LastRun(name string) (string, models.RunStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok || entry.lastRunID == "" {
		return "", "", false
	}
	return entry.lastRunID, entry.lastStatus, true
}
