package service

import (
	"context"
	"sort"
	"sync"

	"github.com/ignatij/conductor/pkg/models"
	"github.com/pkg/errors"
)

// TaskResult represents the output of a task
type TaskResult interface{}

// TaskFunc is a task's bound function. It may read any key already in the
// context, return a value (stored under the task's output key) or a map
// of key/value pairs (merged into the context), and spawn follow-up tasks.
type TaskFunc func(ctx context.Context, ec *ExecutionContext) (TaskResult, error)

// TaskSpec declares one task: identity, function, dependencies and policy.
type TaskSpec struct {
	ID     string
	Fn     TaskFunc
	Deps   []string
	Config models.TaskConfig
}

// NewTaskSpec builds a spec the same way AddTask does, for use with
// ExecutionContext.Spawn.
func NewTaskSpec(id string, fn TaskFunc, deps []string, opts ...models.TaskOption) TaskSpec {
	cfg := models.TaskConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return TaskSpec{ID: id, Fn: fn, Deps: deps, Config: cfg}
}

// runValues is the key/value space shared by all tasks of one run. Keys
// are never deleted; appends happen between task attempts, so readers
// only need the RWMutex.
type runValues struct {
	mu     sync.RWMutex
	values map[string]TaskResult
}

func newRunValues() *runValues {
	return &runValues{values: make(map[string]TaskResult)}
}

func (rv *runValues) get(key string) (TaskResult, bool) {
	rv.mu.RLock()
	defer rv.mu.RUnlock()
	v, ok := rv.values[key]
	return v, ok
}

func (rv *runValues) set(key string, v TaskResult) {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	rv.values[key] = v
}

func (rv *runValues) snapshot() map[string]TaskResult {
	rv.mu.RLock()
	defer rv.mu.RUnlock()
	out := make(map[string]TaskResult, len(rv.values))
	for k, v := range rv.values {
		out[k] = v
	}
	return out
}

// ExecutionContext is the view of a run handed to one task attempt.
// Reads see the live run values. Writes and spawned tasks buffer locally
// and are published by the engine only if this attempt's result is
// received; an attempt abandoned on timeout may keep writing here without
// ever touching the run.
type ExecutionContext struct {
	runID   string
	taskID  string
	attempt int
	run     *runValues
	exists  func(id string) bool

	mu      sync.Mutex
	outputs map[string]TaskResult
	spawned []TaskSpec
}

func newExecutionContext(runID, taskID string, attempt int, run *runValues, exists func(string) bool) *ExecutionContext {
	return &ExecutionContext{
		runID:   runID,
		taskID:  taskID,
		attempt: attempt,
		run:     run,
		exists:  exists,
	}
}

func (ec *ExecutionContext) RunID() string {
	return ec.runID
}

// Get returns the value for key, preferring this attempt's own writes
// over the shared run values.
func (ec *ExecutionContext) Get(key string) (TaskResult, bool) {
	ec.mu.Lock()
	if v, ok := ec.outputs[key]; ok {
		ec.mu.Unlock()
		return v, true
	}
	ec.mu.Unlock()
	return ec.run.get(key)
}

// Set stages an output under key. Staged outputs publish together with
// the function's return value once the attempt succeeds.
func (ec *ExecutionContext) Set(key string, v TaskResult) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.outputs == nil {
		ec.outputs = make(map[string]TaskResult)
	}
	ec.outputs[key] = v
}

// Keys lists every visible key, sorted.
func (ec *ExecutionContext) Keys() []string {
	merged := ec.Snapshot()
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot copies the visible key space: run values overlaid with this
// attempt's staged outputs.
func (ec *ExecutionContext) Snapshot() map[string]TaskResult {
	merged := ec.run.snapshot()
	ec.mu.Lock()
	for k, v := range ec.outputs {
		merged[k] = v
	}
	ec.mu.Unlock()
	return merged
}

// Spawn registers a new task into the same run. The engine drains spawned
// specs after this task reaches a terminal state and executes them under
// the same state machine, retry policy and dependency rules. The id must
// be new; dependencies may name any task already known to the run or an
// earlier spawn from this attempt.
func (ec *ExecutionContext) Spawn(spec TaskSpec) error {
	if spec.ID == "" {
		return errors.New("spawned task needs an id")
	}
	if spec.Fn == nil {
		return errors.Errorf("spawned task %q needs a function", spec.ID)
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, prior := range ec.spawned {
		if prior.ID == spec.ID {
			return errors.Errorf("task %q already spawned", spec.ID)
		}
	}
	if ec.exists != nil && ec.exists(spec.ID) {
		return errors.Errorf("task %q already exists in this run", spec.ID)
	}
	ec.spawned = append(ec.spawned, spec)
	return nil
}

// drain hands the buffered outputs and spawns to the engine.
func (ec *ExecutionContext) drain() (map[string]TaskResult, []TaskSpec) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	outputs := ec.outputs
	spawned := ec.spawned
	ec.outputs = nil
	ec.spawned = nil
	return outputs, spawned
}
