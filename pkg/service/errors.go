package service

import (
	"fmt"
	"strings"
	"time"
)

// DependencyError is fatal and pre-execution: the graph has a cycle or
// references a task id that was never registered. Runs refuse to start.
type DependencyError struct {
	Workflow string
	Cycle    []string
	Unknown  []string
}

func (e *DependencyError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("workflow %q has a dependency cycle: %s", e.Workflow, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("workflow %q references unknown dependencies: %s", e.Workflow, strings.Join(e.Unknown, ", "))
}

// TaskTimeoutError is one attempt's outcome when the bound function did
// not return within the task's timeout. Retried like any other failure.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %q timed out after %s", e.TaskID, e.Timeout)
}

// TaskExecutionError wraps an error or recovered panic raised by the
// task's bound function.
type TaskExecutionError struct {
	TaskID string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %q failed: %v", e.TaskID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}

// MaxRetriesExceeded reports the terminal failure once the retry budget
// is spent. Last carries the final attempt's error.
type MaxRetriesExceeded struct {
	TaskID   string
	Attempts int
	Last     error
}

func (e *MaxRetriesExceeded) Error() string {
	return fmt.Sprintf("task %q failed after %d attempts: %v", e.TaskID, e.Attempts, e.Last)
}

func (e *MaxRetriesExceeded) Unwrap() error {
	return e.Last
}

// UpstreamFailureError marks a task that never ran because a dependency
// did not end in SUCCESS.
type UpstreamFailureError struct {
	TaskID     string
	Dependency string
}

func (e *UpstreamFailureError) Error() string {
	return fmt.Sprintf("task %q skipped: dependency %q failed", e.TaskID, e.Dependency)
}

// AuthorizationError rejects a privileged operation. No state changes.
type AuthorizationError struct {
	Principal string
	Action    string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("principal %q is not allowed to %s", e.Principal, e.Action)
}

// SchedulerConcurrencyError reports a failed slot acquisition. The caller
// should back off and retry admission; the task itself never started.
type SchedulerConcurrencyError struct {
	Group string
}

func (e *SchedulerConcurrencyError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("concurrency limit reached for group %q", e.Group)
	}
	return "global concurrency limit reached"
}

// NotFoundError reports an unknown workflow, version, task or queue item.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}
