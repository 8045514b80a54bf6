package service

import (
	"sync"
	"time"

	"github.com/ignatij/conductor/pkg/models"
)

// taskRun is the live state of one task within one run. The run loop is
// sequential but GetStatus and the report builder read concurrently, so
// every transition goes through the mutex.
type taskRun struct {
	spec    TaskSpec
	declIdx int

	mu         sync.Mutex
	state      models.TaskState
	attempts   int
	skipped    bool
	lastErr    error
	result     TaskResult
	firstStart time.Time
	startedAt  *time.Time
	finishedAt *time.Time
}

func newTaskRun(spec TaskSpec, declIdx int) *taskRun {
	return &taskRun{
		spec:    spec,
		declIdx: declIdx,
		state:   models.PendingTaskState,
	}
}

// beginAttempt moves PENDING -> RUNNING and increments the attempt count
// exactly once. Returns the 1-based attempt number.
func (rt *taskRun) beginAttempt(now time.Time) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.state = models.RunningTaskState
	rt.attempts++
	if rt.attempts == 1 {
		rt.firstStart = now
	}
	rt.startedAt = &now
	rt.finishedAt = nil
	return rt.attempts
}

// retrying moves RUNNING back to PENDING between attempts.
func (rt *taskRun) retrying(err error, now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.state = models.PendingTaskState
	rt.lastErr = err
	rt.finishedAt = &now
}

func (rt *taskRun) succeed(result TaskResult, now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.state = models.SuccessTaskState
	rt.result = result
	rt.lastErr = nil
	rt.finishedAt = &now
}

func (rt *taskRun) fail(err error, now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.state = models.FailureTaskState
	rt.lastErr = err
	rt.finishedAt = &now
}

// skip marks a task FAILURE without any invocation: upstream failure or a
// circuit that never admitted an attempt.
func (rt *taskRun) skip(err error, now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.state = models.FailureTaskState
	rt.skipped = true
	rt.lastErr = err
	rt.finishedAt = &now
}

func (rt *taskRun) currentState() models.TaskState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// snapshot copies the observable fields into the models view.
func (rt *taskRun) snapshot(runID string) models.Task {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t := models.Task{
		ID:           rt.spec.ID,
		RunID:        runID,
		State:        rt.state,
		Attempts:     rt.attempts,
		Skipped:      rt.skipped,
		StartedAt:    rt.startedAt,
		FinishedAt:   rt.finishedAt,
		Dependencies: append([]string(nil), rt.spec.Deps...),
	}
	if rt.lastErr != nil {
		t.ErrorMsg = rt.lastErr.Error()
	}
	return t
}

// report folds the terminal state into the run report's per-task entry.
func (rt *taskRun) report() models.TaskReport {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r := models.TaskReport{
		State:    rt.state,
		Attempts: rt.attempts,
		Skipped:  rt.skipped,
	}
	if rt.lastErr != nil {
		r.Error = rt.lastErr.Error()
	}
	if rt.attempts > 0 && rt.finishedAt != nil {
		r.Duration = rt.finishedAt.Sub(rt.firstStart)
	}
	return r
}
