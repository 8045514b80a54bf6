package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/conductor/pkg/breaker"
	"github.com/ignatij/conductor/pkg/models"
	"github.com/ignatij/conductor/pkg/retry"
	"github.com/ignatij/conductor/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the orchestrator.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAuthorizer installs the policy consulted by privileged operations.
// The default allows everything.
func WithAuthorizer(a Authorizer) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.auth = a
		}
	}
}

// WithAlerter replaces the log-backed alerter.
func WithAlerter(a Alerter) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.alerter = a
		}
	}
}

// WithLimiter replaces the default unlimited concurrency limiter.
func WithLimiter(l *ConcurrencyLimiter) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.limiter = l
		}
	}
}

// WithStrategyRegistry replaces the stock retry strategy registry.
func WithStrategyRegistry(r *retry.Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.strategies = r
		}
	}
}

// WithBreakerOptions sets the defaults for breakers created per resource.
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(o *Orchestrator) {
		o.breakers = breaker.NewRegistry(opts...)
	}
}

// WithMetricsPublisher mirrors counter updates to an external sink such
// as Redis.
func WithMetricsPublisher(p MetricsPublisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithSchedulerOptions forwards options to the embedded scheduler.
func WithSchedulerOptions(opts ...SchedulerOption) Option {
	return func(o *Orchestrator) {
		o.schedOpts = append(o.schedOpts, opts...)
	}
}

// Orchestrator is the engine's front door: it owns the workflow registry,
// runs workflows to completion, and admits queued and recurring work
// through the scheduler. All collaborators are injected at construction;
// there are no package-level instances.
type Orchestrator struct {
	store      storage.Store
	logger     Logger
	registry   *WorkflowRegistry
	funcs      *FuncRegistry
	strategies *retry.Registry
	breakers   *breaker.Registry
	limiter    *ConcurrencyLimiter
	auth       Authorizer
	alerter    Alerter
	metrics    *Metrics
	metadata   *MetadataStore
	audit      *AuditLog
	scheduler  *Scheduler
	publisher  MetricsPublisher
	schedOpts  []SchedulerOption

	mu       sync.RWMutex
	statuses map[string]models.TaskState
	runs     map[string]context.CancelFunc
}

func NewOrchestrator(store storage.Store, logger Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		logger:     logger,
		registry:   NewWorkflowRegistry(),
		funcs:      NewFuncRegistry(),
		strategies: retry.NewRegistry(),
		breakers:   breaker.NewRegistry(),
		limiter:    NewConcurrencyLimiter(0),
		auth:       AllowAll{},
		metrics:    NewMetrics(),
		statuses:   make(map[string]models.TaskState),
		runs:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.alerter == nil {
		o.alerter = &LogAlerter{Logger: logger}
	}
	if o.publisher != nil {
		o.metrics.SetPublisher(o.publisher)
	}
	o.metadata = NewMetadataStore(store, logger)
	o.audit = NewAuditLog(store, logger)
	o.scheduler = NewScheduler(o.runQueued, o.limiter, o.breakers, o.metrics, o.audit, logger, o.schedOpts...)
	o.metrics.SetQueueDepthFn(o.scheduler.QueueDepth)
	return o
}

// Start launches the scheduler loop and its workers.
func (o *Orchestrator) Start(ctx context.Context) {
	o.scheduler.Start(ctx)
}

// Stop drains the scheduler. In-flight runs finish; queued items stay
// queued and are lost with the process.
func (o *Orchestrator) Stop() {
	o.scheduler.Stop()
}

// Authorized turns a denied policy answer into an AuthorizationError.
func (o *Orchestrator) Authorized(principal string, action Action) error {
	if o.auth.Authorize(principal, action) {
		return nil
	}
	return &AuthorizationError{Principal: principal, Action: string(action)}
}

// RegisterFunc names a task function for layers that bind tasks by name.
func (o *Orchestrator) RegisterFunc(name string, fn TaskFunc) error {
	return o.funcs.Register(name, fn)
}

// TaskFuncs exposes the named function registry.
func (o *Orchestrator) TaskFuncs() *FuncRegistry {
	return o.funcs
}

// RegisterStrategy names a retry strategy usable via WithStrategy.
func (o *Orchestrator) RegisterStrategy(name string, s retry.Strategy) {
	o.strategies.Register(name, s)
}

// Limiter exposes the concurrency limiter for per-group caps.
func (o *Orchestrator) Limiter() *ConcurrencyLimiter {
	return o.limiter
}

// RegisterWorkflow snapshots the definition as the next version of its
// name and makes it active.
func (o *Orchestrator) RegisterWorkflow(def *WorkflowDef) (int, error) {
	if def == nil || def.Name == "" {
		return 0, errors.New("workflow needs a name")
	}
	version := o.registry.Register(def)
	o.persistVersion(def.Name, version)
	o.logger.Infof("Registered workflow %q version %d with %d task(s)", def.Name, version, len(def.specs))
	return version, nil
}

// AddTask extends a registered workflow with one task, producing and
// activating the next version. Returns the task id.
func (o *Orchestrator) AddTask(principal, workflow string, spec TaskSpec) (string, error) {
	if err := o.Authorized(principal, ActionAddTask); err != nil {
		return "", err
	}
	version, err := o.registry.Extend(workflow, spec)
	if err != nil {
		return "", err
	}
	o.persistVersion(workflow, version)
	o.logger.Infof("Added task %q to workflow %q as version %d", spec.ID, workflow, version)
	return spec.ID, nil
}

// Run executes the active version of the workflow to completion. Task
// failures land in the report, not the error; the error covers unknown
// workflows, graph problems and a saturated global limit.
func (o *Orchestrator) Run(ctx context.Context, workflow string) (models.RunReport, error) {
	def, ok := o.registry.Active(workflow)
	if !ok {
		return models.RunReport{}, &NotFoundError{Kind: "workflow", Name: workflow}
	}
	release, acquired := o.limiter.TryAcquire("")
	if !acquired {
		return models.RunReport{}, &SchedulerConcurrencyError{}
	}
	defer release()
	return o.execute(ctx, def, uuid.New().String())
}

// runQueued is the scheduler's dispatch callback. Admission (limits,
// breaker gate) already happened; the queue item id doubles as run id.
func (o *Orchestrator) runQueued(ctx context.Context, item QueueItem) (models.RunReport, error) {
	def, ok := o.registry.Active(item.Workflow)
	if !ok {
		return models.RunReport{}, &NotFoundError{Kind: "workflow", Name: item.Workflow}
	}
	return o.execute(ctx, def, item.ID)
}

func (o *Orchestrator) execute(ctx context.Context, def *WorkflowDef, runID string) (models.RunReport, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.runs[runID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.runs, runID)
		o.mu.Unlock()
	}()

	obs := &observers{
		metadata: o.metadata,
		audit:    o.audit,
		alerter:  o.alerter,
		metrics:  o.metrics,
		logger:   o.logger,
		status:   o.setStatus,
	}

	o.logger.Infof("Starting run %s of workflow %q version %d", runID, def.Name, def.Version)
	report, err := newRunner(runID, def, obs, o.strategies, o.breakers).run(runCtx)
	if err != nil {
		o.logger.Errorf("Run %s of workflow %q refused: %v", runID, def.Name, err)
		return models.RunReport{}, err
	}

	o.registry.setLastRun(def.Name, runID, report.Status)
	o.persistReport(report)
	o.logger.Infof("Run %s of workflow %q finished with status %s", runID, def.Name, report.Status)
	return report, nil
}

// Cancel cancels a queued item, a recurring job or an in-flight run.
// Returns false when the id matches nothing.
func (o *Orchestrator) Cancel(principal, id string) (bool, error) {
	if err := o.Authorized(principal, ActionCancel); err != nil {
		return false, err
	}
	if o.scheduler.Cancel(id) {
		return true, nil
	}
	o.mu.RLock()
	cancel, ok := o.runs[id]
	o.mu.RUnlock()
	if ok {
		cancel()
		_ = o.audit.Log(models.AuditCancel, id, "in-flight run cancelled")
		return true, nil
	}
	return false, nil
}

// GetStatus reports the most recently observed state of a task id.
func (o *Orchestrator) GetStatus(id string) (models.TaskState, error) {
	o.mu.RLock()
	state, ok := o.statuses[id]
	o.mu.RUnlock()
	if !ok {
		return "", &NotFoundError{Kind: "task", Name: id}
	}
	return state, nil
}

func (o *Orchestrator) setStatus(id string, state models.TaskState) {
	o.mu.Lock()
	o.statuses[id] = state
	o.mu.Unlock()
}

// ListActiveVersions maps every registered workflow to its active
// version.
func (o *Orchestrator) ListActiveVersions() map[string]int {
	return o.registry.ActiveVersions()
}

// ListWorkflows returns the registered names in registration order.
func (o *Orchestrator) ListWorkflows() []string {
	return o.registry.Names()
}

// LastRun reports the most recent run id and status of a workflow.
func (o *Orchestrator) LastRun(name string) (string, models.RunStatus, bool) {
	return o.registry.LastRun(name)
}

// Rollback activates an earlier version of the workflow. Later versions
// stay registered.
func (o *Orchestrator) Rollback(name string, version int) error {
	if err := o.registry.Rollback(name, version); err != nil {
		return err
	}
	o.persistActive(name, version)
	o.logger.Infof("Rolled back workflow %q to version %d", name, version)
	return nil
}

// GetMetrics snapshots the engine counters.
func (o *Orchestrator) GetMetrics() models.MetricsSnapshot {
	return o.metrics.Snapshot()
}

// TailAuditLog returns the most recent n audit events in log order.
func (o *Orchestrator) TailAuditLog(n int) ([]models.AuditEvent, error) {
	return o.audit.Tail(n)
}

// GetTaskHistory returns the per-attempt records of a task id in
// insertion order.
func (o *Orchestrator) GetTaskHistory(taskID string) ([]models.MetadataRecord, error) {
	return o.metadata.Get(taskID)
}

// GetRunReport fetches one persisted run report.
func (o *Orchestrator) GetRunReport(runID string) (models.RunReport, error) {
	return o.store.GetRunReport(runID)
}

// GetRunHistory returns persisted reports for the workflow, most recent
// first.
func (o *Orchestrator) GetRunHistory(workflow string, limit int) ([]models.RunReport, error) {
	return o.store.ListRunReports(workflow, limit)
}

// BreakerStates snapshots every known resource breaker.
func (o *Orchestrator) BreakerStates() map[string]breaker.State {
	return o.breakers.States()
}

// ResetBreaker administratively closes a resource's breaker.
func (o *Orchestrator) ResetBreaker(resource string) {
	o.breakers.Get(resource).Reset()
}

// Enqueue queues a run of the workflow for the scheduler to dispatch.
func (o *Orchestrator) Enqueue(principal string, item QueueItem) (string, error) {
	if err := o.Authorized(principal, ActionEnqueue); err != nil {
		return "", err
	}
	if _, ok := o.registry.Active(item.Workflow); !ok {
		return "", &NotFoundError{Kind: "workflow", Name: item.Workflow}
	}
	item.Principal = principal
	return o.scheduler.Enqueue(item)
}

// AddJob registers a recurring job for the workflow.
func (o *Orchestrator) AddJob(principal string, job models.Job) (string, error) {
	if err := o.Authorized(principal, ActionAddJob); err != nil {
		return "", err
	}
	if _, ok := o.registry.Active(job.Workflow); !ok {
		return "", &NotFoundError{Kind: "workflow", Name: job.Workflow}
	}
	return o.scheduler.AddJob(job)
}

// EveryInterval schedules the workflow every fixed interval.
func (o *Orchestrator) EveryInterval(principal, workflow string, interval time.Duration) (string, error) {
	return o.AddJob(principal, models.Job{Workflow: workflow, Interval: interval})
}

// EverySpec schedules the workflow on a 6-field cron spec.
func (o *Orchestrator) EverySpec(principal, workflow, cronSpec string) (string, error) {
	return o.AddJob(principal, models.Job{Workflow: workflow, CronSpec: cronSpec})
}

// Reprioritize changes a queued item's priority.
func (o *Orchestrator) Reprioritize(principal, id string, priority int) (bool, error) {
	if err := o.Authorized(principal, ActionReprioritize); err != nil {
		return false, err
	}
	return o.scheduler.Reprioritize(id, priority), nil
}

// QueueDepth reports how many items wait for dispatch.
func (o *Orchestrator) QueueDepth() int {
	return o.scheduler.QueueDepth()
}

// persistVersion records a registered version in the catalog. Catalog
// writes are advisory: failures are logged, never propagated into the
// registration.
func (o *Orchestrator) persistVersion(name string, version int) {
	txStore, err := o.store.Begin()
	if err != nil {
		o.logger.Errorf("Failed to begin transaction for workflow %q: %v", name, err)
		return
	}
	if _, err := txStore.SaveWorkflowVersion(models.Workflow{
		Name:      name,
		Version:   version,
		Active:    true,
		CreatedAt: time.Now(),
	}); err != nil {
		o.logger.Errorf("Failed to save workflow %q version %d: %v", name, version, err)
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			o.logger.Errorf("Failed to rollback: %v", rollbackErr)
		}
		return
	}
	if err := txStore.Commit(); err != nil {
		o.logger.Errorf("Failed to commit workflow %q version %d: %v", name, version, err)
	}
}

func (o *Orchestrator) persistActive(name string, version int) {
	txStore, err := o.store.Begin()
	if err != nil {
		o.logger.Errorf("Failed to begin transaction for workflow %q: %v", name, err)
		return
	}
	if err := txStore.SetActiveVersion(name, version); err != nil {
		o.logger.Errorf("Failed to persist active version %d of workflow %q: %v", version, name, err)
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			o.logger.Errorf("Failed to rollback: %v", rollbackErr)
		}
		return
	}
	if err := txStore.Commit(); err != nil {
		o.logger.Errorf("Failed to commit active version of workflow %q: %v", name, err)
	}
}

func (o *Orchestrator) persistReport(report models.RunReport) {
	txStore, err := o.store.Begin()
	if err != nil {
		o.logger.Errorf("Failed to begin transaction for run report %s: %v", report.RunID, err)
		return
	}
	if err := txStore.SaveRunReport(report); err != nil {
		o.logger.Errorf("Failed to save run report %s: %v", report.RunID, err)
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			o.logger.Errorf("Failed to rollback: %v", rollbackErr)
		}
		return
	}
	if err := txStore.Commit(); err != nil {
		o.logger.Errorf("Failed to commit run report %s: %v", report.RunID, err)
	}
}
