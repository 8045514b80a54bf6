package models

import (
	"time"
)

type TaskState string

const (
	PendingTaskState TaskState = "PENDING"
	RunningTaskState TaskState = "RUNNING"
	SuccessTaskState TaskState = "SUCCESS"
	FailureTaskState TaskState = "FAILURE"
)

// Terminal reports whether the state ends a task's run.
func (s TaskState) Terminal() bool {
	return s == SuccessTaskState || s == FailureTaskState
}

// Task is the observable snapshot of one task within a run.
type Task struct {
	ID           string     `json:"id" db:"id"`
	RunID        string     `json:"run_id" db:"run_id"`
	State        TaskState  `json:"state" db:"state"`
	Attempts     int        `json:"attempts" db:"attempts"`
	ErrorMsg     string     `json:"error,omitempty" db:"error_msg"`
	Skipped      bool       `json:"skipped,omitempty" db:"skipped"` // never invoked, upstream failure
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	Dependencies []string   `json:"dependencies,omitempty" db:"-"`
}

// TaskConfig carries the per-task execution policy. The zero value runs
// once with no delay and no timeout.
type TaskConfig struct {
	MaxRetries    int           // attempts allowed beyond the first
	RetryDelay    time.Duration // base delay before the first retry
	BackoffFactor float64       // growth per retry, 1 = flat; most callers pass 2
	BackoffCap    time.Duration // 0 = uncapped
	Jitter        bool          // full jitter, uniform in [0, computed]
	Strategy      string        // named strategy from the retry registry; overrides the numeric fields
	Timeout       time.Duration // 0 = unlimited
	Priority      int
	Group         string
	Resource      string // circuit breaker name, "" = ungated
	InputKeys     []string
	OutputKey     string // defaults to the task id
}

type TaskOption func(*TaskConfig)

func WithMaxRetries(n int) TaskOption {
	return func(c *TaskConfig) { c.MaxRetries = n }
}

func WithRetryDelay(d time.Duration) TaskOption {
	return func(c *TaskConfig) { c.RetryDelay = d }
}

func WithBackoffFactor(f float64) TaskOption {
	return func(c *TaskConfig) { c.BackoffFactor = f }
}

func WithBackoffCap(d time.Duration) TaskOption {
	return func(c *TaskConfig) { c.BackoffCap = d }
}

func WithJitter() TaskOption {
	return func(c *TaskConfig) { c.Jitter = true }
}

func WithStrategy(name string) TaskOption {
	return func(c *TaskConfig) { c.Strategy = name }
}

func WithTimeout(d time.Duration) TaskOption {
	return func(c *TaskConfig) { c.Timeout = d }
}

func WithPriority(p int) TaskOption {
	return func(c *TaskConfig) { c.Priority = p }
}

func WithGroup(g string) TaskOption {
	return func(c *TaskConfig) { c.Group = g }
}

func WithResource(r string) TaskOption {
	return func(c *TaskConfig) { c.Resource = r }
}

func WithInputKeys(keys ...string) TaskOption {
	return func(c *TaskConfig) { c.InputKeys = keys }
}

func WithOutputKey(key string) TaskOption {
	return func(c *TaskConfig) { c.OutputKey = key }
}
