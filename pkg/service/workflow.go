package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignatij/conductor/pkg/breaker"
	"github.com/ignatij/conductor/pkg/models"
	"github.com/ignatij/conductor/pkg/retry"
	"github.com/pkg/errors"
)

// WorkflowDef is one immutable version of a named workflow: task specs in
// declaration order plus the derived lookup index. The registry snapshots
// a new version instead of mutating a registered one.
type WorkflowDef struct {
	Name    string
	Version int
	specs   []TaskSpec
	byID    map[string]int
}

func NewWorkflowDef(name string) *WorkflowDef {
	return &WorkflowDef{Name: name, byID: make(map[string]int)}
}

// AddTask appends a task spec. Ids must be unique within the definition.
func (d *WorkflowDef) AddTask(spec TaskSpec) error {
	if spec.ID == "" {
		return errors.New("empty task id")
	}
	if spec.Fn == nil {
		return errors.Errorf("task %q needs a function", spec.ID)
	}
	if _, exists := d.byID[spec.ID]; exists {
		return errors.Errorf("task %q already defined in workflow %q", spec.ID, d.Name)
	}
	d.byID[spec.ID] = len(d.specs)
	d.specs = append(d.specs, spec)
	return nil
}

// Tasks lists the task ids in declaration order.
func (d *WorkflowDef) Tasks() []string {
	out := make([]string, len(d.specs))
	for i, spec := range d.specs {
		out[i] = spec.ID
	}
	return out
}

func (d *WorkflowDef) Spec(id string) (TaskSpec, bool) {
	i, ok := d.byID[id]
	if !ok {
		return TaskSpec{}, false
	}
	return d.specs[i], true
}

// Graph builds the dependency graph over the definition's declared tasks.
func (d *WorkflowDef) Graph() (*DependencyGraph, error) {
	g := NewDependencyGraph()
	for _, spec := range d.specs {
		if err := g.AddTask(spec.ID, spec.Deps); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// clone copies the definition so the registry can extend it into the next
// version without touching the receiver.
func (d *WorkflowDef) clone() *WorkflowDef {
	c := &WorkflowDef{
		Name:    d.Name,
		Version: d.Version,
		specs:   append([]TaskSpec(nil), d.specs...),
		byID:    make(map[string]int, len(d.byID)),
	}
	for id, i := range d.byID {
		c.byID[id] = i
	}
	return c
}

// spawnedTask is a dynamically created task waiting to join the queue,
// remembering which task spawned it for the audit trail.
type spawnedTask struct {
	parent string
	spec   TaskSpec
}

// runState is the shared state of one run: the key/value space, the live
// task set in execution order, and the buffer of spawned tasks. The run
// loop is sequential; the mutex covers concurrent readers (GetStatus,
// report building) and the executor callbacks.
type runState struct {
	runID  string
	values *runValues
	exists func(id string) bool

	mu      sync.Mutex
	tasks   map[string]*taskRun
	order   []string
	pending []spawnedTask
}

func newRunState(runID string) *runState {
	rs := &runState{
		runID:  runID,
		values: newRunValues(),
		tasks:  make(map[string]*taskRun),
	}
	rs.exists = rs.knows
	return rs
}

// knows reports whether the id is taken: scheduled already or spawned and
// waiting. ExecutionContext.Spawn consults it to keep ids unique.
func (rs *runState) knows(id string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.tasks[id]; ok {
		return true
	}
	for _, sp := range rs.pending {
		if sp.spec.ID == id {
			return true
		}
	}
	return false
}

// admit adds a task to the run in execution order.
func (rs *runState) admit(spec TaskSpec) *taskRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rt := newTaskRun(spec, len(rs.order))
	rs.tasks[spec.ID] = rt
	rs.order = append(rs.order, spec.ID)
	return rt
}

func (rs *runState) task(id string) *taskRun {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.tasks[id]
}

func (rs *runState) orderSnapshot() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.order...)
}

// publish lands a successful attempt's outputs in the run values: staged
// Set calls first, then the return value under the task's output key. A
// map return additionally merges its pairs into the key space.
func (rs *runState) publish(spec TaskSpec, res TaskResult, outputs map[string]TaskResult) {
	for k, v := range outputs {
		rs.values.set(k, v)
	}
	if res == nil {
		return
	}
	switch m := res.(type) {
	case map[string]TaskResult:
		for k, v := range m {
			rs.values.set(k, v)
		}
	case map[string]interface{}:
		for k, v := range m {
			rs.values.set(k, v)
		}
	}
	key := spec.Config.OutputKey
	if key == "" {
		key = spec.ID
	}
	rs.values.set(key, res)
}

// addSpawned buffers the tasks spawned by one successful attempt until
// the run loop drains them into the queue.
func (rs *runState) addSpawned(parent string, spawned []TaskSpec) {
	if len(spawned) == 0 {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, spec := range spawned {
		rs.pending = append(rs.pending, spawnedTask{parent: parent, spec: spec})
	}
}

func (rs *runState) takeSpawned() []spawnedTask {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := rs.pending
	rs.pending = nil
	return out
}

// value exposes one run key for report consumers and tests.
func (rs *runState) value(key string) (TaskResult, bool) {
	return rs.values.get(key)
}

// runner drives one workflow run to completion: topological order over
// the declared tasks, an explicit work queue that grows as tasks spawn
// followers, and failure propagation to dependents.
type runner struct {
	def        *WorkflowDef
	rs         *runState
	obs        *observers
	strategies *retry.Registry
	breakers   *breaker.Registry
	now        func() time.Time
}

func newRunner(runID string, def *WorkflowDef, obs *observers, strategies *retry.Registry, breakers *breaker.Registry) *runner {
	return &runner{
		def:        def,
		rs:         newRunState(runID),
		obs:        obs,
		strategies: strategies,
		breakers:   breakers,
		now:        time.Now,
	}
}

// run executes every task to a terminal state and folds the outcomes into
// a report. Task failures live inside the report; the returned error is
// reserved for pre-execution problems (cycles, unknown dependencies) that
// stop the run before any task is invoked.
func (r *runner) run(ctx context.Context) (models.RunReport, error) {
	started := r.now()

	graph, err := r.def.Graph()
	if err != nil {
		return models.RunReport{}, err
	}
	order, err := graph.TopologicalOrder(r.def.Name)
	if err != nil {
		return models.RunReport{}, err
	}

	queue := make([]string, 0, len(order))
	for _, id := range order {
		spec, _ := r.def.Spec(id)
		r.rs.admit(spec)
		queue = append(queue, id)
	}

	cancelled := false
	for i := 0; i < len(queue); i++ {
		id := queue[i]
		rt := r.rs.task(id)

		if ctx.Err() != nil {
			// No new work after cancellation; tasks that never
			// started are not alerted as failures.
			cancelled = true
			rt.skip(ctx.Err(), r.now())
			r.obs.transition(id, models.FailureTaskState)
			r.obs.cancelled(id, "run cancelled before task started")
			continue
		}

		if dep, unmet := r.unmetDep(rt.spec); unmet {
			rt.skip(&UpstreamFailureError{TaskID: id, Dependency: dep}, r.now())
			r.obs.taskSkipped(r.rs.runID, rt)
			continue
		}

		re, execErr := newRetryingExecutor(rt.spec, r.strategies, r.breakers)
		if execErr != nil {
			rt.fail(execErr, r.now())
			r.obs.taskFailed(r.rs.runID, rt)
			continue
		}

		r.obs.taskStarted(id)
		re.run(ctx, r.rs, rt, r.obs)
		r.obs.taskEnded(id)
		if ctx.Err() != nil && rt.currentState() == models.FailureTaskState {
			cancelled = true
		}

		for _, sp := range r.rs.takeSpawned() {
			r.rs.admit(sp.spec)
			queue = append(queue, sp.spec.ID)
			r.obs.enqueued(sp.spec.ID, fmt.Sprintf("spawned by task %s", sp.parent))
		}
	}

	finished := r.now()
	report := models.RunReport{
		RunID:      r.rs.runID,
		Workflow:   r.def.Name,
		Version:    r.def.Version,
		Order:      append([]string(nil), queue...),
		PerTask:    make(map[string]models.TaskReport, len(queue)),
		StartedAt:  started,
		FinishedAt: finished,
	}
	failed := false
	for _, id := range queue {
		taskReport := r.rs.task(id).report()
		report.PerTask[id] = taskReport
		if taskReport.State == models.FailureTaskState {
			failed = true
		}
	}
	switch {
	case cancelled:
		report.Status = models.CancelledRunStatus
	case failed:
		report.Status = models.FailureRunStatus
	default:
		report.Status = models.SuccessRunStatus
	}
	return report, nil
}

// unmetDep returns the first dependency that did not end in SUCCESS.
// Unknown ids count as unmet; spawn-time validation normally prevents
// them.
func (r *runner) unmetDep(spec TaskSpec) (string, bool) {
	for _, dep := range spec.Deps {
		rt := r.rs.task(dep)
		if rt == nil || rt.currentState() != models.SuccessTaskState {
			return dep, true
		}
	}
	return "", false
}
