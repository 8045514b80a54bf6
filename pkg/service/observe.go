package service

import (
	"fmt"
	"time"

	"github.com/ignatij/conductor/pkg/models"
	"github.com/ignatij/conductor/pkg/storage"
)

// MetadataStore keeps one append-only record per execution attempt.
type MetadataStore struct {
	store  storage.Store
	logger Logger
}

func NewMetadataStore(store storage.Store, logger Logger) *MetadataStore {
	return &MetadataStore{store: store, logger: logger}
}

func (ms *MetadataStore) Record(rec models.MetadataRecord) (err error) {
	txStore, err := ms.store.Begin()
	if err != nil {
		ms.logger.Errorf("Failed to begin transaction for metadata record: %v", err)
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ms.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			ms.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if _, err = txStore.AppendMetadataRecord(rec); err != nil {
		ms.logger.Errorf("Failed to append metadata record for task %s: %v", rec.TaskID, err)
		return err
	}
	return nil
}

// Get returns every record for the task id in insertion order.
func (ms *MetadataStore) Get(taskID string) ([]models.MetadataRecord, error) {
	return ms.store.ListMetadataRecords(taskID)
}

// AuditLog is the append-only event stream used for external tailing.
type AuditLog struct {
	store  storage.Store
	logger Logger
}

func NewAuditLog(store storage.Store, logger Logger) *AuditLog {
	return &AuditLog{store: store, logger: logger}
}

func (al *AuditLog) Log(event models.AuditEventKind, subject, detail string) (err error) {
	txStore, err := al.store.Begin()
	if err != nil {
		al.logger.Errorf("Failed to begin transaction for audit event: %v", err)
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				al.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			al.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if _, err = txStore.AppendAuditEvent(models.AuditEvent{
		Event:    event,
		Subject:  subject,
		Detail:   detail,
		LoggedAt: time.Now(),
	}); err != nil {
		al.logger.Errorf("Failed to append audit event %s for %s: %v", event, subject, err)
		return err
	}
	return nil
}

// Tail returns the most recent n events in log order.
func (al *AuditLog) Tail(n int) ([]models.AuditEvent, error) {
	return al.store.TailAuditEvents(n)
}

// Alerter receives exactly one notification per terminal failure.
type Alerter interface {
	Notify(alert models.Alert)
}

// LogAlerter pushes alerts into the service log.
type LogAlerter struct {
	Logger Logger
}

func (a *LogAlerter) Notify(alert models.Alert) {
	a.Logger.Errorf("ALERT: %s", alert.Message)
}

// observers fans task transitions out to metadata, audit, alerting and
// metrics. Sink errors are logged, never propagated: observability must
// not change execution outcomes.
type observers struct {
	metadata *MetadataStore
	audit    *AuditLog
	alerter  Alerter
	metrics  *Metrics
	logger   Logger
	status   func(id string, state models.TaskState)
}

func (o *observers) transition(id string, state models.TaskState) {
	if o.status != nil {
		o.status(id, state)
	}
}

// taskStarted and taskEnded bracket a task's whole lifetime in the run
// for the in-flight gauge.
func (o *observers) taskStarted(id string) {
	if o.metrics != nil {
		o.metrics.TaskStarted(id)
	}
}

func (o *observers) taskEnded(id string) {
	if o.metrics != nil {
		o.metrics.TaskEnded(id)
	}
}

func (o *observers) attemptDone(runID, id string, attempt int, start, end time.Time, state models.TaskState, attemptErr error) {
	rec := models.MetadataRecord{
		TaskID:     id,
		RunID:      runID,
		Attempt:    attempt,
		Status:     state,
		StartedAt:  start,
		FinishedAt: end,
	}
	if attemptErr != nil {
		rec.Error = attemptErr.Error()
	}
	if o.metadata != nil {
		_ = o.metadata.Record(rec)
	}
}

func (o *observers) retryScheduled(runID, id string, attempt int, delay time.Duration, attemptErr error) {
	o.logger.Infof("Retrying task %s in %s (attempt %d failed: %v)", id, delay, attempt, attemptErr)
	if o.audit != nil {
		_ = o.audit.Log(models.AuditRetry, id, fmt.Sprintf("attempt %d failed: %v, retrying in %s", attempt, attemptErr, delay))
	}
	if o.metrics != nil {
		o.metrics.TaskRetried(id)
	}
}

func (o *observers) taskSucceeded(runID string, rt *taskRun) {
	report := rt.report()
	o.transition(rt.spec.ID, models.SuccessTaskState)
	o.logger.Infof("Task %s succeeded after %d attempt(s)", rt.spec.ID, report.Attempts)
	if o.audit != nil {
		_ = o.audit.Log(models.AuditSuccess, rt.spec.ID, fmt.Sprintf("after %d attempt(s)", report.Attempts))
	}
	if o.metrics != nil {
		o.metrics.TaskCompleted(rt.spec.ID, report.Duration)
	}
}

// taskFailed handles terminal failures of tasks that were invoked.
func (o *observers) taskFailed(runID string, rt *taskRun) {
	report := rt.report()
	o.transition(rt.spec.ID, models.FailureTaskState)
	o.logger.Errorf("Task %s failed after %d attempt(s): %s", rt.spec.ID, report.Attempts, report.Error)
	if o.audit != nil {
		_ = o.audit.Log(models.AuditFailure, rt.spec.ID, report.Error)
	}
	if o.metrics != nil {
		o.metrics.TaskFailed(rt.spec.ID)
	}
	o.alert(runID, rt.spec.ID, report, false)
}

// taskSkipped handles tasks that never ran because a dependency failed.
func (o *observers) taskSkipped(runID string, rt *taskRun) {
	report := rt.report()
	o.transition(rt.spec.ID, models.FailureTaskState)
	o.logger.Errorf("Task %s skipped: %s", rt.spec.ID, report.Error)
	if o.audit != nil {
		_ = o.audit.Log(models.AuditFailure, rt.spec.ID, report.Error)
	}
	if o.metrics != nil {
		o.metrics.TaskFailed(rt.spec.ID)
	}
	o.alert(runID, rt.spec.ID, report, true)
}

// taskRejected handles circuit rejections. They end the task but count
// toward neither the retry budget nor the failure metrics.
func (o *observers) taskRejected(runID string, rt *taskRun) {
	report := rt.report()
	o.transition(rt.spec.ID, models.FailureTaskState)
	o.logger.Errorf("Task %s rejected: %s", rt.spec.ID, report.Error)
	if o.audit != nil {
		_ = o.audit.Log(models.AuditFailure, rt.spec.ID, report.Error)
	}
	o.alert(runID, rt.spec.ID, report, report.Skipped)
}

// alert fires the single terminal-failure notification. Skipped tasks get
// a distinct message shape so consumers can tell "failed" from "never
// ran".
func (o *observers) alert(runID, id string, report models.TaskReport, skipped bool) {
	if o.alerter == nil {
		return
	}
	var msg string
	if skipped {
		msg = fmt.Sprintf("task %q never ran: %s", id, report.Error)
	} else {
		msg = fmt.Sprintf("task %q failed after %d attempt(s): %s", id, report.Attempts, report.Error)
	}
	o.alerter.Notify(models.Alert{
		TaskID:  id,
		RunID:   runID,
		Skipped: skipped,
		Message: msg,
		FiredAt: time.Now(),
	})
}

func (o *observers) enqueued(subject, detail string) {
	if o.audit != nil {
		_ = o.audit.Log(models.AuditEnqueue, subject, detail)
	}
}

func (o *observers) cancelled(subject, detail string) {
	if o.audit != nil {
		_ = o.audit.Log(models.AuditCancel, subject, detail)
	}
}
