package models

import "time"

// MetadataRecord tracks one execution attempt. Records are append-only
// and never mutated after creation.
type MetadataRecord struct {
	ID         int64     `json:"id" db:"id"` // Auto-incremented record ID
	TaskID     string    `json:"task_id" db:"task_id"`
	RunID      string    `json:"run_id" db:"run_id"`
	Attempt    int       `json:"attempt" db:"attempt"`
	Status     TaskState `json:"status" db:"status"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	FinishedAt time.Time `json:"finished_at" db:"finished_at"`
	Error      string    `json:"error,omitempty" db:"error_msg"`
}

type AuditEventKind string

const (
	AuditEnqueue AuditEventKind = "enqueue"
	AuditCancel  AuditEventKind = "cancel"
	AuditRetry   AuditEventKind = "retry"
	AuditSuccess AuditEventKind = "success"
	AuditFailure AuditEventKind = "failure"
)

// AuditEvent is one entry of the append-only event stream consumed by
// external tailing/inspection.
type AuditEvent struct {
	Seq      int64          `json:"seq" db:"seq"`
	Event    AuditEventKind `json:"event" db:"event"`
	Subject  string         `json:"subject" db:"subject"`
	Detail   string         `json:"detail,omitempty" db:"detail"`
	LoggedAt time.Time      `json:"logged_at" db:"logged_at"`
}

// Alert is a terminal-failure notification. Skipped marks tasks that
// never ran because an upstream dependency failed.
type Alert struct {
	TaskID  string    `json:"task_id"`
	RunID   string    `json:"run_id"`
	Skipped bool      `json:"skipped"`
	Message string    `json:"message"`
	FiredAt time.Time `json:"fired_at"`
}
