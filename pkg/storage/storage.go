package storage

import (
	"github.com/ignatij/conductor/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is the sentinel for lookups of records that do not exist.
// Store implementations return it (possibly wrapped) so callers can
// distinguish "missing" from storage failures.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations for Conductor. Begin returns
// a Store scoped to one transaction; every method called on that value
// takes effect on Commit and is discarded on Rollback.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow version operations. (Name, Version) is unique; exactly
	// one version per name is active at a time.
	SaveWorkflowVersion(w models.Workflow) (int64, error)
	GetWorkflowVersion(name string, version int) (models.Workflow, error)
	ListWorkflowVersions(name string) ([]models.Workflow, error)
	ListActiveWorkflows() ([]models.Workflow, error)
	SetActiveVersion(name string, version int) error

	// Run report operations
	SaveRunReport(r models.RunReport) error
	GetRunReport(runID string) (models.RunReport, error)
	ListRunReports(workflow string, limit int) ([]models.RunReport, error)

	// Execution metadata, one record per attempt
	AppendMetadataRecord(rec models.MetadataRecord) (int64, error)
	ListMetadataRecords(taskID string) ([]models.MetadataRecord, error)

	// Audit log
	AppendAuditEvent(ev models.AuditEvent) (int64, error)
	TailAuditEvents(n int) ([]models.AuditEvent, error)
}
