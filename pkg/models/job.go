package models

import "time"

// Job describes a recurring scheduler entry: either a fixed interval or
// a cron spec (6-field, with seconds). Guard, when set, is an expression
// over the current metrics snapshot; the job is enqueued only while it
// evaluates true.
type Job struct {
	ID       string        `json:"id"`
	Workflow string        `json:"workflow"`
	Interval time.Duration `json:"interval,omitempty"`
	CronSpec string        `json:"cron_spec,omitempty"`
	Priority int           `json:"priority"`
	Group    string        `json:"group,omitempty"`
	Guard    string        `json:"guard,omitempty"`
}
