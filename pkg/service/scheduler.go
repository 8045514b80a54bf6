package service

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/google/uuid"
	"github.com/ignatij/conductor/pkg/breaker"
	"github.com/ignatij/conductor/pkg/models"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// cronParser accepts 6-field specs with a seconds column.
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// QueueItem is one queued workflow run. Priority orders the queue,
// highest first; items of equal priority dispatch in enqueue order.
type QueueItem struct {
	ID         string    `json:"id"`
	Workflow   string    `json:"workflow"`
	Priority   int       `json:"priority"`
	Group      string    `json:"group,omitempty"`
	Resource   string    `json:"resource,omitempty"`
	Principal  string    `json:"principal,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	seq   uint64
	index int
}

// priorityQueue is the container/heap backing of the scheduler queue.
type priorityQueue []*QueueItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x interface{}) {
	item := x.(*QueueItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	item.index = -1
	return item
}

// scheduledJob is the live state of one recurring job: the immutable
// configuration plus the compiled cron schedule and guard, the next fire
// time, and whether the previous run is still in flight.
type scheduledJob struct {
	job      models.Job
	schedule cron.Schedule
	guard    *govaluate.EvaluableExpression
	nextRun  time.Time
	running  bool
}

// RunFunc executes one admitted queue item. The scheduler owns admission
// (priority, limits, breaker gate, overlap); the callee owns execution.
type RunFunc func(ctx context.Context, item QueueItem) (models.RunReport, error)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithWorkers sets the number of dispatch workers. Zero or less falls
// back to the CPU count.
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) { s.workers = n }
}

// WithTick sets the loop interval for job firing and queue dispatch.
func WithTick(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// Scheduler admits workflow runs from a priority queue onto a fixed
// worker pool. Recurring jobs re-enqueue on a ticker, never overlapping
// their own previous run; every dispatch passes the concurrency limiter
// and, for resource-tagged items, the circuit breaker.
type Scheduler struct {
	run      RunFunc
	limiter  *ConcurrencyLimiter
	breakers *breaker.Registry
	metrics  *Metrics
	audit    *AuditLog
	logger   Logger

	workers int
	tick    time.Duration
	pool    *workerPool

	mu      sync.Mutex
	queue   priorityQueue
	queued  map[string]*QueueItem
	running map[string]context.CancelFunc
	jobs    map[string]*scheduledJob
	seq     uint64
	started bool

	stopCh   chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

func NewScheduler(run RunFunc, limiter *ConcurrencyLimiter, breakers *breaker.Registry, metrics *Metrics, audit *AuditLog, logger Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		run:      run,
		limiter:  limiter,
		breakers: breakers,
		metrics:  metrics,
		audit:    audit,
		logger:   logger,
		tick:     200 * time.Millisecond,
		queued:   make(map[string]*QueueItem),
		running:  make(map[string]context.CancelFunc),
		jobs:     make(map[string]*scheduledJob),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = newWorkerPool(s.runItem, logger)
	heap.Init(&s.queue)
	return s
}

// Start launches the workers and the tick loop. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.pool.Start(ctx, s.workers)
	go s.loop(ctx)
	s.logger.Infof("Scheduler started with tick %s", s.tick)
}

// Stop ends the tick loop, then drains the worker pool. In-flight runs
// finish; queued items stay queued.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.loopDone
		s.pool.Stop()
		s.logger.Infof("Scheduler stopped")
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.fireDueJobs(now)
			s.dispatchReady()
		}
	}
}

// Enqueue queues one workflow run. The id is assigned when absent and
// returned either way.
func (s *Scheduler) Enqueue(item QueueItem) (string, error) {
	if item.Workflow == "" {
		return "", errors.New("queue item needs a workflow")
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.EnqueuedAt = time.Now()

	s.mu.Lock()
	if _, dup := s.queued[item.ID]; dup {
		s.mu.Unlock()
		return "", errors.Errorf("queue item %q already queued", item.ID)
	}
	s.seq++
	item.seq = s.seq
	queued := &item
	heap.Push(&s.queue, queued)
	s.queued[item.ID] = queued
	s.mu.Unlock()

	if s.audit != nil {
		_ = s.audit.Log(models.AuditEnqueue, item.ID, fmt.Sprintf("workflow %s, priority %d", item.Workflow, item.Priority))
	}
	return item.ID, nil
}

// AddJob registers a recurring job: either a fixed interval or a 6-field
// cron spec, optionally guarded by an expression over the metrics
// snapshot.
func (s *Scheduler) AddJob(job models.Job) (string, error) {
	if job.Workflow == "" {
		return "", errors.New("job needs a workflow")
	}
	if (job.Interval > 0) == (job.CronSpec != "") {
		return "", errors.New("job needs exactly one of interval or cron spec")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	sj := &scheduledJob{job: job}
	if job.CronSpec != "" {
		schedule, err := cronParser.Parse(job.CronSpec)
		if err != nil {
			return "", errors.Wrapf(err, "invalid cron spec for job %q", job.ID)
		}
		sj.schedule = schedule
	}
	if job.Guard != "" {
		guard, err := govaluate.NewEvaluableExpression(job.Guard)
		if err != nil {
			return "", errors.Wrapf(err, "invalid guard for job %q", job.ID)
		}
		sj.guard = guard
	}

	now := time.Now()
	if sj.schedule != nil {
		sj.nextRun = sj.schedule.Next(now)
	} else {
		sj.nextRun = now.Add(job.Interval)
	}

	s.mu.Lock()
	if _, dup := s.jobs[job.ID]; dup {
		s.mu.Unlock()
		return "", errors.Errorf("job %q already registered", job.ID)
	}
	s.jobs[job.ID] = sj
	s.mu.Unlock()

	s.logger.Infof("Registered job %s for workflow %s, first run at %s", job.ID, job.Workflow, sj.nextRun.Format(time.RFC3339))
	return job.ID, nil
}

// Cancel removes a queued item or job, or cancels an in-flight run.
// Returns false when the id is unknown.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	if item, ok := s.queued[id]; ok {
		heap.Remove(&s.queue, item.index)
		delete(s.queued, id)
		s.mu.Unlock()
		if s.audit != nil {
			_ = s.audit.Log(models.AuditCancel, id, "removed from queue")
		}
		return true
	}
	if cancel, ok := s.running[id]; ok {
		s.mu.Unlock()
		cancel()
		if s.audit != nil {
			_ = s.audit.Log(models.AuditCancel, id, "in-flight run cancelled")
		}
		return true
	}
	if _, ok := s.jobs[id]; ok {
		delete(s.jobs, id)
		s.mu.Unlock()
		if s.audit != nil {
			_ = s.audit.Log(models.AuditCancel, id, "job removed")
		}
		return true
	}
	s.mu.Unlock()
	return false
}

// Reprioritize changes a queued item's priority in place. Returns false
// when the item is not queued anymore.
func (s *Scheduler) Reprioritize(id string, priority int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queued[id]
	if !ok {
		return false
	}
	item.Priority = priority
	heap.Fix(&s.queue, item.index)
	return true
}

// QueueDepth reports the number of items waiting for dispatch.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// fireDueJobs enqueues every job whose next run has arrived, at most once
// per elapsed interval and never while its previous run is in flight.
func (s *Scheduler) fireDueJobs(now time.Time) {
	s.mu.Lock()
	var due []*scheduledJob
	for _, sj := range s.jobs {
		if sj.running || sj.nextRun.After(now) {
			continue
		}
		due = append(due, sj)
	}
	s.mu.Unlock()

	for _, sj := range due {
		if !s.guardPasses(sj) {
			s.advance(sj, now)
			continue
		}
		id, err := s.Enqueue(QueueItem{
			Workflow: sj.job.Workflow,
			Priority: sj.job.Priority,
			Group:    sj.job.Group,
			JobID:    sj.job.ID,
		})
		if err != nil {
			s.logger.Errorf("Failed to enqueue job %s: %v", sj.job.ID, err)
			continue
		}
		s.mu.Lock()
		sj.running = true
		s.mu.Unlock()
		s.advance(sj, now)
		s.logger.Infof("Job %s enqueued run %s", sj.job.ID, id)
	}
}

// guardPasses evaluates the job's guard against the current metrics
// snapshot. Evaluation errors fail closed.
func (s *Scheduler) guardPasses(sj *scheduledJob) bool {
	if sj.guard == nil {
		return true
	}
	snap := s.metrics.Snapshot()
	params := map[string]interface{}{
		"completed":   float64(snap.Completed),
		"failed":      float64(snap.Failed),
		"retried":     float64(snap.Retried),
		"in_flight":   float64(snap.InFlight),
		"queue_depth": float64(snap.QueueDepth),
		"throughput":  snap.Throughput,
	}
	result, err := sj.guard.Evaluate(params)
	if err != nil {
		s.logger.Errorf("Guard for job %s failed to evaluate: %v", sj.job.ID, err)
		return false
	}
	pass, ok := result.(bool)
	if !ok {
		s.logger.Errorf("Guard for job %s is not a boolean expression", sj.job.ID)
		return false
	}
	return pass
}

func (s *Scheduler) advance(sj *scheduledJob, now time.Time) {
	next := now.Add(sj.job.Interval)
	if sj.schedule != nil {
		next = sj.schedule.Next(now)
	}
	s.mu.Lock()
	sj.nextRun = next
	s.mu.Unlock()
}

// dispatchReady pops queued items onto idle workers until the queue is
// empty, a limit rejects the acquire, or every worker is busy. Items
// tagged with an open circuit are rejected without consuming a slot.
func (s *Scheduler) dispatchReady() {
	for {
		s.mu.Lock()
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.queue).(*QueueItem)
		delete(s.queued, item.ID)
		s.mu.Unlock()

		if item.Resource != "" && s.breakers != nil {
			if err := s.breakers.Get(item.Resource).Allow(); err != nil {
				s.logger.Errorf("Queue item %s rejected: %v", item.ID, err)
				if s.audit != nil {
					_ = s.audit.Log(models.AuditFailure, item.ID, err.Error())
				}
				s.markJobDone(item.JobID)
				continue
			}
		}

		release, ok := s.limiter.TryAcquire(item.Group)
		if !ok {
			s.requeue(item)
			s.logger.Infof("Dispatch backed off: %v", &SchedulerConcurrencyError{Group: item.Group})
			return
		}
		if !s.pool.trySubmit(dispatch{item: item, release: release}) {
			release()
			s.requeue(item)
			return
		}
	}
}

// requeue puts a popped item back without losing its queue position.
func (s *Scheduler) requeue(item *QueueItem) {
	s.mu.Lock()
	heap.Push(&s.queue, item)
	s.queued[item.ID] = item
	s.mu.Unlock()
}

// runItem executes one admitted item on a worker, tracking the cancel
// handle for Cancel and clearing the owning job's in-flight flag.
func (s *Scheduler) runItem(ctx context.Context, d dispatch) {
	defer d.release()
	item := d.item

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[item.ID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.running, item.ID)
		s.mu.Unlock()
		s.markJobDone(item.JobID)
	}()

	report, err := s.run(runCtx, *item)
	if err != nil {
		s.logger.Errorf("Queued run %s of workflow %s failed to start: %v", item.ID, item.Workflow, err)
		return
	}
	s.logger.Infof("Queued run %s of workflow %s finished with status %s", item.ID, item.Workflow, report.Status)
}

func (s *Scheduler) markJobDone(jobID string) {
	if jobID == "" {
		return
	}
	s.mu.Lock()
	if sj, ok := s.jobs[jobID]; ok {
		sj.running = false
	}
	s.mu.Unlock()
}
