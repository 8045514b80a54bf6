package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignatij/conductor/pkg/models"
	"github.com/ignatij/conductor/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore persists the workflow catalog, run reports, attempt
// metadata and the audit log. Run reports are kept whole as jsonb next
// to a few indexed columns.
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveWorkflowVersion inserts one version row. An active version
// deactivates its siblings first, so run inside a transaction.
func (s *PostgresStore) SaveWorkflowVersion(w models.Workflow) (int64, error) {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	if w.Active {
		if _, err := s.db.Exec("UPDATE workflows SET active = FALSE WHERE name = $1", w.Name); err != nil {
			return 0, fmt.Errorf("deactivate workflow %s: %w", w.Name, err)
		}
	}
	var id int64
	err := s.db.QueryRowx(
		"INSERT INTO workflows (name, version, active, created_at) VALUES ($1, $2, $3, $4) RETURNING id",
		w.Name, w.Version, w.Active, w.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save workflow %s version %d: %w", w.Name, w.Version, err)
	}
	return id, nil
}

func (s *PostgresStore) GetWorkflowVersion(name string, version int) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT id, name, version, active, created_at FROM workflows WHERE name = $1 AND version = $2", name, version)
	if err == sql.ErrNoRows {
		return models.Workflow{}, errors.Wrapf(storage.ErrNotFound, "workflow %q version %d", name, version)
	}
	if err != nil {
		return models.Workflow{}, err
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflowVersions(name string) ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	err := s.db.Select(&workflows, "SELECT id, name, version, active, created_at FROM workflows WHERE name = $1 ORDER BY version", name)
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

func (s *PostgresStore) ListActiveWorkflows() ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	err := s.db.Select(&workflows, "SELECT id, name, version, active, created_at FROM workflows WHERE active = TRUE ORDER BY name")
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

func (s *PostgresStore) SetActiveVersion(name string, version int) error {
	var id int64
	err := s.db.QueryRowx("SELECT id FROM workflows WHERE name = $1 AND version = $2", name, version).Scan(&id)
	if err == sql.ErrNoRows {
		return errors.Wrapf(storage.ErrNotFound, "workflow %q version %d", name, version)
	}
	if err != nil {
		return err
	}
	_, err = s.db.Exec("UPDATE workflows SET active = (version = $2) WHERE name = $1", name, version)
	return err
}

// SaveRunReport upserts by run id so a report can be written once as
// RUNNING and overwritten with the terminal state.
func (s *PostgresStore) SaveRunReport(r models.RunReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run report %s: %w", r.RunID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO run_reports (run_id, workflow, version, status, report, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status, report = EXCLUDED.report, finished_at = EXCLUDED.finished_at`,
		r.RunID, r.Workflow, r.Version, r.Status, body, r.StartedAt, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("save run report %s: %w", r.RunID, err)
	}
	return nil
}

func (s *PostgresStore) GetRunReport(runID string) (models.RunReport, error) {
	var body []byte
	err := s.db.QueryRowx("SELECT report FROM run_reports WHERE run_id = $1", runID).Scan(&body)
	if err == sql.ErrNoRows {
		return models.RunReport{}, errors.Wrapf(storage.ErrNotFound, "run report %s", runID)
	}
	if err != nil {
		return models.RunReport{}, err
	}
	var r models.RunReport
	if err := json.Unmarshal(body, &r); err != nil {
		return models.RunReport{}, fmt.Errorf("decode run report %s: %w", runID, err)
	}
	return r, nil
}

// ListRunReports returns reports for the workflow, most recent first.
// An empty workflow matches all; a limit of zero or less means all.
func (s *PostgresStore) ListRunReports(workflow string, limit int) ([]models.RunReport, error) {
	query := "SELECT report FROM run_reports"
	args := []interface{}{}
	if workflow != "" {
		query += " WHERE workflow = $1"
		args = append(args, workflow)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var bodies [][]byte
	if err := s.db.Select(&bodies, query, args...); err != nil {
		return nil, err
	}
	out := make([]models.RunReport, 0, len(bodies))
	for _, body := range bodies {
		var r models.RunReport
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("decode run report: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *PostgresStore) AppendMetadataRecord(rec models.MetadataRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO metadata_records (task_id, run_id, attempt, status, started_at, finished_at, error_msg)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		rec.TaskID, rec.RunID, rec.Attempt, rec.Status, rec.StartedAt, rec.FinishedAt, rec.Error).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append metadata record for task %s: %w", rec.TaskID, err)
	}
	return id, nil
}

func (s *PostgresStore) ListMetadataRecords(taskID string) ([]models.MetadataRecord, error) {
	records := []models.MetadataRecord{}
	err := s.db.Select(&records,
		"SELECT id, task_id, run_id, attempt, status, started_at, finished_at, error_msg FROM metadata_records WHERE task_id = $1 ORDER BY id",
		taskID)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *PostgresStore) AppendAuditEvent(ev models.AuditEvent) (int64, error) {
	if ev.LoggedAt.IsZero() {
		ev.LoggedAt = time.Now()
	}
	var seq int64
	err := s.db.QueryRowx(
		"INSERT INTO audit_events (event, subject, detail, logged_at) VALUES ($1, $2, $3, $4) RETURNING seq",
		ev.Event, ev.Subject, ev.Detail, ev.LoggedAt).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append audit event: %w", err)
	}
	return seq, nil
}

// TailAuditEvents returns the last n events in log order. A value of
// zero or less means the whole log.
func (s *PostgresStore) TailAuditEvents(n int) ([]models.AuditEvent, error) {
	events := []models.AuditEvent{}
	var err error
	if n > 0 {
		err = s.db.Select(&events, `
			SELECT seq, event, subject, detail, logged_at FROM (
				SELECT seq, event, subject, detail, logged_at FROM audit_events ORDER BY seq DESC LIMIT $1
			) tail ORDER BY seq`, n)
	} else {
		err = s.db.Select(&events, "SELECT seq, event, subject, detail, logged_at FROM audit_events ORDER BY seq")
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}
