package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/conductor/pkg/breaker"
	"github.com/ignatij/conductor/pkg/models"
	"github.com/ignatij/conductor/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestScheduler_PriorityOrder(t *testing.T) {
	o := newTestOrchestrator(t, service.WithSchedulerOptions(
		service.WithWorkers(1),
		service.WithTick(10*time.Millisecond),
	))

	var mu sync.Mutex
	var got []string

	def := service.NewWorkflowDef("batch")
	assert.NoError(t, def.AddTask(service.NewTaskSpec("work", func(ctx context.Context, ec *service.ExecutionContext) (service.TaskResult, error) {
		mu.Lock()
		got = append(got, ec.RunID())
		mu.Unlock()
		return nil, nil
	}, nil)))
	_, err := o.RegisterWorkflow(def)
	assert.NoError(t, err)

	// Everything queued before the loop starts; the queue item id
	// doubles as the run id.
	for _, item := range []service.QueueItem{
		{ID: "low", Workflow: "batch", Priority: 1},
		{ID: "high-1", Workflow: "batch", Priority: 5},
		{ID: "mid", Workflow: "batch", Priority: 3},
		{ID: "high-2", Workflow: "batch", Priority: 5},
	} {
		_, err := o.Enqueue("ops", item)
		assert.NoError(t, err)
	}
	assert.Equal(t, 4, o.QueueDepth())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Priority wins; equal priorities dispatch in enqueue order.
	assert.Equal(t, []string{"high-1", "high-2", "mid", "low"}, got)
}

func TestScheduler_QueueOps(t *testing.T) {
	o := newTestOrchestrator(t)

	def := service.NewWorkflowDef("batch")
	assert.NoError(t, def.AddTask(service.NewTaskSpec("work", noopFn, nil)))
	_, err := o.RegisterWorkflow(def)
	assert.NoError(t, err)

	for _, id := range []string{"one", "two", "three"} {
		_, err := o.Enqueue("ops", service.QueueItem{ID: id, Workflow: "batch"})
		assert.NoError(t, err)
	}
	assert.Equal(t, 3, o.QueueDepth())
	assert.Equal(t, 3, o.GetMetrics().QueueDepth)

	t.Run("DuplicateIDRejected", func(t *testing.T) {
		_, err := o.Enqueue("ops", service.QueueItem{ID: "one", Workflow: "batch"})
		assert.ErrorContains(t, err, "already queued")
	})

	t.Run("Reprioritize", func(t *testing.T) {
		ok, err := o.Reprioritize("ops", "two", 9)
		assert.NoError(t, err)
		assert.True(t, ok)

		ok, err = o.Reprioritize("ops", "ghost", 9)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CancelQueued", func(t *testing.T) {
		ok, err := o.Cancel("ops", "two")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2, o.QueueDepth())

		ok, err = o.Cancel("ops", "two")
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("AuditedEnqueuesAndCancels", func(t *testing.T) {
		events, err := o.TailAuditLog(0)
		assert.NoError(t, err)
		var enqueued, cancelled []string
		for _, ev := range events {
			switch ev.Event {
			case models.AuditEnqueue:
				enqueued = append(enqueued, ev.Subject)
			case models.AuditCancel:
				cancelled = append(cancelled, ev.Subject)
			}
		}
		assert.Equal(t, []string{"one", "two", "three"}, enqueued)
		assert.Equal(t, []string{"two"}, cancelled)
	})
}

func TestScheduler_JobNoOverlap(t *testing.T) {
	o := newTestOrchestrator(t, service.WithSchedulerOptions(
		service.WithWorkers(2),
		service.WithTick(10*time.Millisecond),
	))

	var mu sync.Mutex
	active, maxActive, runs := 0, 0, 0

	def := service.NewWorkflowDef("sweep")
	assert.NoError(t, def.AddTask(service.NewTaskSpec("scan", func(ctx context.Context, ec *service.ExecutionContext) (service.TaskResult, error) {
		mu.Lock()
		active++
		runs++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(60 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil, nil
	}, nil)))
	_, err := o.RegisterWorkflow(def)
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	_, err = o.EveryInterval("ops", "sweep", 20*time.Millisecond)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 3
	}, 5*time.Second, 10*time.Millisecond)

	// The interval is shorter than the run, so without the in-flight
	// guard the job would stack up on the second worker.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive)
}

func TestScheduler_GroupLimit(t *testing.T) {
	o := newTestOrchestrator(t, service.WithSchedulerOptions(
		service.WithWorkers(3),
		service.WithTick(10*time.Millisecond),
	))
	o.Limiter().SetGroupLimit("tenant-a", 1)

	var mu sync.Mutex
	active, maxActive, runs := 0, 0, 0

	def := service.NewWorkflowDef("ingest")
	assert.NoError(t, def.AddTask(service.NewTaskSpec("pull", func(ctx context.Context, ec *service.ExecutionContext) (service.TaskResult, error) {
		mu.Lock()
		active++
		runs++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(40 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil, nil
	}, nil)))
	_, err := o.RegisterWorkflow(def)
	assert.NoError(t, err)

	for _, id := range []string{"g-1", "g-2", "g-3"} {
		_, err := o.Enqueue("ops", service.QueueItem{ID: id, Workflow: "ingest", Group: "tenant-a"})
		assert.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 3
	}, 5*time.Second, 10*time.Millisecond)

	// Three idle workers, but the group cap serializes the tenant.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive)
}

func TestScheduler_BreakerGate(t *testing.T) {
	o := newTestOrchestrator(t,
		service.WithBreakerOptions(breaker.WithFailureThreshold(1), breaker.WithRecoveryTimeout(time.Minute)),
		service.WithSchedulerOptions(service.WithWorkers(1), service.WithTick(10*time.Millisecond)),
	)

	var mu sync.Mutex
	runs := 0

	def := service.NewWorkflowDef("fragile")
	assert.NoError(t, def.AddTask(service.NewTaskSpec("ping", func(ctx context.Context, ec *service.ExecutionContext) (service.TaskResult, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil, errors.New("db down")
	}, nil, models.WithResource("db"))))
	_, err := o.RegisterWorkflow(def)
	assert.NoError(t, err)

	// One failed run trips the threshold-1 breaker.
	report, err := o.Run(context.Background(), "fragile")
	assert.NoError(t, err)
	assert.Equal(t, models.FailureRunStatus, report.Status)
	assert.Equal(t, breaker.Open, o.BreakerStates()["db"])

	_, err = o.Enqueue("ops", service.QueueItem{ID: "gated", Workflow: "fragile", Resource: "db"})
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	// The item is dropped at dispatch: audited as a failure, no slot
	// consumed, no run started.
	assert.Eventually(t, func() bool {
		events, tailErr := o.TailAuditLog(0)
		if tailErr != nil {
			return false
		}
		for _, ev := range events {
			if ev.Event == models.AuditFailure && ev.Subject == "gated" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	events, err := o.TailAuditLog(0)
	assert.NoError(t, err)
	for _, ev := range events {
		if ev.Event == models.AuditFailure && ev.Subject == "gated" {
			assert.Contains(t, ev.Detail, "circuit")
		}
	}
	mu.Lock()
	assert.Equal(t, 1, runs)
	mu.Unlock()

	// After an administrative reset the same workflow dispatches again.
	o.ResetBreaker("db")
	_, err = o.Enqueue("ops", service.QueueItem{ID: "after-reset", Workflow: "fragile", Resource: "db"})
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestScheduler_GuardHoldsJob(t *testing.T) {
	o := newTestOrchestrator(t, service.WithSchedulerOptions(
		service.WithWorkers(1),
		service.WithTick(10*time.Millisecond),
	))

	var mu sync.Mutex
	heldRuns, freeRuns := 0, 0

	held := service.NewWorkflowDef("held")
	assert.NoError(t, held.AddTask(service.NewTaskSpec("work", func(ctx context.Context, ec *service.ExecutionContext) (service.TaskResult, error) {
		mu.Lock()
		heldRuns++
		mu.Unlock()
		return nil, nil
	}, nil)))
	free := service.NewWorkflowDef("free")
	assert.NoError(t, free.AddTask(service.NewTaskSpec("work", func(ctx context.Context, ec *service.ExecutionContext) (service.TaskResult, error) {
		mu.Lock()
		freeRuns++
		mu.Unlock()
		return nil, nil
	}, nil)))
	_, err := o.RegisterWorkflow(held)
	assert.NoError(t, err)
	_, err = o.RegisterWorkflow(free)
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	_, err = o.AddJob("ops", models.Job{Workflow: "held", Interval: 20 * time.Millisecond, Guard: "completed > 1000"})
	assert.NoError(t, err)
	_, err = o.AddJob("ops", models.Job{Workflow: "free", Interval: 20 * time.Millisecond})
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return freeRuns >= 2
	}, 5*time.Second, 10*time.Millisecond)

	// Same ticks fired for both jobs; only the unguarded one ran.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, heldRuns)
}

func TestScheduler_CancelRunningItem(t *testing.T) {
	o := newTestOrchestrator(t, service.WithSchedulerOptions(
		service.WithWorkers(1),
		service.WithTick(10*time.Millisecond),
	))

	started := make(chan struct{})
	def := service.NewWorkflowDef("block")
	assert.NoError(t, def.AddTask(service.NewTaskSpec("hold", func(taskCtx context.Context, ec *service.ExecutionContext) (service.TaskResult, error) {
		close(started)
		select {
		case <-taskCtx.Done():
			return nil, taskCtx.Err()
		case <-time.After(5 * time.Second):
			return nil, errors.New("cancel never arrived")
		}
	}, nil)))
	_, err := o.RegisterWorkflow(def)
	assert.NoError(t, err)

	_, err = o.Enqueue("ops", service.QueueItem{ID: "victim", Workflow: "block"})
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("queued run never started")
	}

	ok, err := o.Cancel("ops", "victim")
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		report, reportErr := o.GetRunReport("victim")
		return reportErr == nil && report.Status == models.CancelledRunStatus
	}, 3*time.Second, 10*time.Millisecond)

	events, err := o.TailAuditLog(0)
	assert.NoError(t, err)
	var sawCancel bool
	for _, ev := range events {
		if ev.Event == models.AuditCancel && ev.Subject == "victim" {
			sawCancel = true
			assert.Contains(t, ev.Detail, "in-flight")
		}
	}
	assert.True(t, sawCancel)
}

func TestScheduler_CronJobFires(t *testing.T) {
	o := newTestOrchestrator(t, service.WithSchedulerOptions(
		service.WithWorkers(1),
		service.WithTick(50*time.Millisecond),
	))

	var mu sync.Mutex
	runs := 0

	def := service.NewWorkflowDef("tick")
	assert.NoError(t, def.AddTask(service.NewTaskSpec("beat", func(ctx context.Context, ec *service.ExecutionContext) (service.TaskResult, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil, nil
	}, nil)))
	_, err := o.RegisterWorkflow(def)
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	// Six-field spec with a seconds column.
	_, err = o.EverySpec("ops", "tick", "* * * * * *")
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 1
	}, 4*time.Second, 25*time.Millisecond)
}

func TestScheduler_AddJobValidation(t *testing.T) {
	o := newTestOrchestrator(t)

	def := service.NewWorkflowDef("batch")
	assert.NoError(t, def.AddTask(service.NewTaskSpec("work", noopFn, nil)))
	_, err := o.RegisterWorkflow(def)
	assert.NoError(t, err)

	t.Run("NeitherIntervalNorCron", func(t *testing.T) {
		_, err := o.AddJob("ops", models.Job{Workflow: "batch"})
		assert.ErrorContains(t, err, "exactly one")
	})

	t.Run("BothIntervalAndCron", func(t *testing.T) {
		_, err := o.AddJob("ops", models.Job{Workflow: "batch", Interval: time.Second, CronSpec: "* * * * * *"})
		assert.ErrorContains(t, err, "exactly one")
	})

	t.Run("BadCronSpec", func(t *testing.T) {
		_, err := o.AddJob("ops", models.Job{Workflow: "batch", CronSpec: "every now and then"})
		assert.ErrorContains(t, err, "invalid cron spec")
	})

	t.Run("BadGuard", func(t *testing.T) {
		_, err := o.AddJob("ops", models.Job{Workflow: "batch", Interval: time.Second, Guard: "completed >"})
		assert.ErrorContains(t, err, "invalid guard")
	})

	t.Run("UnknownWorkflow", func(t *testing.T) {
		_, err := o.AddJob("ops", models.Job{Workflow: "ghost", Interval: time.Second})
		var notFound *service.NotFoundError
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("DuplicateJobID", func(t *testing.T) {
		_, err := o.AddJob("ops", models.Job{ID: "nightly", Workflow: "batch", Interval: time.Second})
		assert.NoError(t, err)
		_, err = o.AddJob("ops", models.Job{ID: "nightly", Workflow: "batch", Interval: time.Second})
		assert.ErrorContains(t, err, "already registered")
	})

	t.Run("CancelRemovesJob", func(t *testing.T) {
		id, err := o.EveryInterval("ops", "batch", time.Hour)
		assert.NoError(t, err)
		ok, err := o.Cancel("ops", id)
		assert.NoError(t, err)
		assert.True(t, ok)
		ok, err = o.Cancel("ops", id)
		assert.NoError(t, err)
		assert.False(t, ok)
	})
}
