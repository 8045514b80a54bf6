package service

import (
	"context"
	"time"

	"github.com/ignatij/conductor/pkg/breaker"
	"github.com/ignatij/conductor/pkg/models"
	"github.com/ignatij/conductor/pkg/retry"
	"github.com/pkg/errors"
)

// Executor runs one invocation attempt of a bound callable.
type Executor interface {
	Execute(ctx context.Context, ec *ExecutionContext) (TaskResult, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, ec *ExecutionContext) (TaskResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, ec *ExecutionContext) (TaskResult, error) {
	return f(ctx, ec)
}

// newFuncExecutor wraps the task's bound function. Errors and recovered
// panics come back as TaskExecutionError.
func newFuncExecutor(taskID string, fn TaskFunc) Executor {
	return ExecutorFunc(func(ctx context.Context, ec *ExecutionContext) (res TaskResult, err error) {
		defer func() {
			if p := recover(); p != nil {
				res = nil
				err = &TaskExecutionError{TaskID: taskID, Err: errors.Errorf("panic: %v", p)}
			}
		}()
		res, err = fn(ctx, ec)
		if err != nil {
			return nil, &TaskExecutionError{TaskID: taskID, Err: err}
		}
		return res, nil
	})
}

// TimeoutExecutor bounds a single attempt. The wrapped call runs in its
// own goroutine; when the deadline passes the goroutine is abandoned, not
// joined, and its eventual result is discarded together with the
// attempt-scoped ExecutionContext.
type TimeoutExecutor struct {
	TaskID  string
	Timeout time.Duration // 0 = unlimited
	Inner   Executor
}

type attemptOutcome struct {
	res TaskResult
	err error
}

func (t *TimeoutExecutor) Execute(ctx context.Context, ec *ExecutionContext) (TaskResult, error) {
	if t.Timeout <= 0 {
		return t.Inner.Execute(ctx, ec)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	// Buffered so the abandoned goroutine can finish its send and exit.
	resultCh := make(chan attemptOutcome, 1)
	go func() {
		res, err := t.Inner.Execute(attemptCtx, ec)
		resultCh <- attemptOutcome{res: res, err: err}
	}()

	select {
	case out := <-resultCh:
		return out.res, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			// The run was cancelled, not the attempt.
			return nil, ctx.Err()
		}
		return nil, &TaskTimeoutError{TaskID: t.TaskID, Timeout: t.Timeout}
	}
}

// RetryingExecutor drives one task through the state machine to a
// terminal state: PENDING -> RUNNING per attempt, back to PENDING between
// retries, SUCCESS or FAILURE at the end. The invocation chain underneath
// it is assembled once, at registration time.
type RetryingExecutor struct {
	spec     TaskSpec
	invoke   Executor
	brk      *breaker.Breaker // nil when the task is not bound to a resource
	strategy retry.Strategy
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func newRetryingExecutor(spec TaskSpec, strategies *retry.Registry, breakers *breaker.Registry) (*RetryingExecutor, error) {
	strategy, err := resolveStrategy(spec.Config, strategies)
	if err != nil {
		return nil, errors.Wrapf(err, "task %q", spec.ID)
	}
	var brk *breaker.Breaker
	if spec.Config.Resource != "" && breakers != nil {
		brk = breakers.Get(spec.Config.Resource)
	}
	return &RetryingExecutor{
		spec: spec,
		invoke: &TimeoutExecutor{
			TaskID:  spec.ID,
			Timeout: spec.Config.Timeout,
			Inner:   newFuncExecutor(spec.ID, spec.Fn),
		},
		brk:      brk,
		strategy: strategy,
		now:      time.Now,
		sleep:    sleepContext,
	}, nil
}

// resolveStrategy picks the named registry strategy when one is set,
// otherwise builds the policy from the numeric config fields.
func resolveStrategy(cfg models.TaskConfig, strategies *retry.Registry) (retry.Strategy, error) {
	if cfg.Strategy != "" {
		if strategies == nil {
			return nil, errors.Errorf("strategy %q requested but no registry configured", cfg.Strategy)
		}
		s, ok := strategies.Get(cfg.Strategy)
		if !ok {
			return nil, errors.Errorf("unknown retry strategy %q", cfg.Strategy)
		}
		return s, nil
	}
	exp := retry.Exponential{Base: cfg.RetryDelay, Factor: cfg.BackoffFactor, Cap: cfg.BackoffCap}
	if cfg.Jitter {
		return retry.FullJitter{Exponential: exp}, nil
	}
	return exp, nil
}

// run executes the task to a terminal state against the given run.
func (re *RetryingExecutor) run(ctx context.Context, rs *runState, rt *taskRun, obs *observers) {
	id := re.spec.ID
	for {
		if re.brk != nil {
			if err := re.brk.Allow(); err != nil {
				// Fails fast: no retry consumed, no task failure counted.
				re.rejectFast(rs, rt, obs, err)
				return
			}
		}

		start := re.now()
		attempt := rt.beginAttempt(start)
		obs.transition(id, models.RunningTaskState)

		ec := newExecutionContext(rs.runID, id, attempt, rs.values, rs.exists)
		res, err := re.invoke.Execute(ctx, ec)
		end := re.now()

		if err == nil {
			if re.brk != nil {
				re.brk.Success()
			}
			outputs, spawned := ec.drain()
			rs.publish(re.spec, res, outputs)
			rs.addSpawned(id, spawned)
			rt.succeed(res, end)
			obs.attemptDone(rs.runID, id, attempt, start, end, models.SuccessTaskState, nil)
			obs.taskSucceeded(rs.runID, rt)
			return
		}

		if ctx.Err() != nil {
			// Cancelled run: no retries, no breaker bookkeeping.
			rt.fail(err, end)
			obs.attemptDone(rs.runID, id, attempt, start, end, models.FailureTaskState, err)
			obs.taskFailed(rs.runID, rt)
			return
		}

		if re.brk != nil {
			re.brk.Failure()
		}
		obs.attemptDone(rs.runID, id, attempt, start, end, models.FailureTaskState, err)

		if attempt <= re.spec.Config.MaxRetries {
			rt.retrying(err, end)
			obs.transition(id, models.PendingTaskState)
			delay := re.strategy.Delay(attempt)
			obs.retryScheduled(rs.runID, id, attempt, delay, err)
			if sleepErr := re.sleep(ctx, delay); sleepErr != nil {
				rt.fail(sleepErr, re.now())
				obs.taskFailed(rs.runID, rt)
				return
			}
			continue
		}

		rt.fail(&MaxRetriesExceeded{TaskID: id, Attempts: attempt, Last: err}, end)
		obs.taskFailed(rs.runID, rt)
		return
	}
}

// rejectFast ends the task on a breaker rejection. A task that never got
// an attempt in counts as skipped, like an upstream failure.
func (re *RetryingExecutor) rejectFast(rs *runState, rt *taskRun, obs *observers, err error) {
	now := re.now()
	rt.mu.Lock()
	neverRan := rt.attempts == 0
	rt.mu.Unlock()
	if neverRan {
		rt.skip(err, now)
	} else {
		rt.fail(err, now)
	}
	obs.taskRejected(rs.runID, rt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
