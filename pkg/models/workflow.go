package models

import "time"

type RunStatus string

const (
	PendingRunStatus   RunStatus = "PENDING"
	RunningRunStatus   RunStatus = "RUNNING"
	SuccessRunStatus   RunStatus = "SUCCESS"
	FailureRunStatus   RunStatus = "FAILURE"
	CancelledRunStatus RunStatus = "CANCELLED"
)

// Workflow is one registered version of a named workflow. Versions are
// immutable snapshots; re-registering a name appends the next version.
type Workflow struct {
	ID        int64     `json:"id" db:"id"` // PostgreSQL auto-increment, 0 for in-memory stores
	Name      string    `json:"name" db:"name"`
	Version   int       `json:"version" db:"version"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TaskReport is the per-task slice of a run report.
type TaskReport struct {
	State    TaskState     `json:"state"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
}

// RunReport is the structured outcome of one workflow run. Ordinary task
// failures live inside the report; Run only errors for pre-execution
// problems such as cycles.
type RunReport struct {
	RunID      string                `json:"run_id" db:"run_id"`
	Workflow   string                `json:"workflow" db:"workflow"`
	Version    int                   `json:"version" db:"version"`
	Status     RunStatus             `json:"status" db:"status"`
	Order      []string              `json:"order"`
	PerTask    map[string]TaskReport `json:"per_task"`
	StartedAt  time.Time             `json:"started_at" db:"started_at"`
	FinishedAt time.Time             `json:"finished_at" db:"finished_at"`
}

// Failed lists the ids of tasks that ended in FAILURE, invoked or skipped.
func (r RunReport) Failed() []string {
	var out []string
	for _, id := range r.Order {
		if t, ok := r.PerTask[id]; ok && t.State == FailureTaskState {
			out = append(out, id)
		}
	}
	return out
}
