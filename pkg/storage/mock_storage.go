package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/ignatij/conductor/pkg/models"
	"github.com/pkg/errors"
)

// mockStore implements Store with in-memory state. Writes apply
// immediately: Begin hands back the same instance and Commit/Rollback
// are no-ops, which keeps transactional call sites exercisable in tests
// without a database.
type mockStore struct {
	mu        sync.Mutex
	workflows []models.Workflow
	reports   []models.RunReport
	records   []models.MetadataRecord
	events    []models.AuditEvent
	nextWfID  int64
	nextRecID int64
	nextSeq   int64
}

func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) Begin() (Store, error) {
	return m, nil
}

func (m *mockStore) Commit() error {
	return nil
}

func (m *mockStore) Rollback() error {
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) SaveWorkflowVersion(w models.Workflow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.workflows {
		if existing.Name == w.Name && existing.Version == w.Version {
			return 0, errors.Errorf("workflow %q version %d already exists", w.Name, w.Version)
		}
	}
	m.nextWfID++
	w.ID = m.nextWfID
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	if w.Active {
		for i := range m.workflows {
			if m.workflows[i].Name == w.Name {
				m.workflows[i].Active = false
			}
		}
	}
	m.workflows = append(m.workflows, w)
	return w.ID, nil
}

func (m *mockStore) GetWorkflowVersion(name string, version int) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workflows {
		if w.Name == name && w.Version == version {
			return w, nil
		}
	}
	return models.Workflow{}, errors.Wrapf(ErrNotFound, "workflow %q version %d", name, version)
}

func (m *mockStore) ListWorkflowVersions(name string) ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Workflow
	for _, w := range m.workflows {
		if w.Name == name {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *mockStore) ListActiveWorkflows() ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Workflow
	for _, w := range m.workflows {
		if w.Active {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockStore) SetActiveVersion(name string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, w := range m.workflows {
		if w.Name == name && w.Version == version {
			found = true
			break
		}
	}
	if !found {
		return errors.Wrapf(ErrNotFound, "workflow %q version %d", name, version)
	}
	for i := range m.workflows {
		if m.workflows[i].Name == name {
			m.workflows[i].Active = m.workflows[i].Version == version
		}
	}
	return nil
}

// SaveRunReport upserts by run id so a report can be written once as
// RUNNING and overwritten with the terminal state.
func (m *mockStore) SaveRunReport(r models.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.reports {
		if m.reports[i].RunID == r.RunID {
			m.reports[i] = r
			return nil
		}
	}
	m.reports = append(m.reports, r)
	return nil
}

func (m *mockStore) GetRunReport(runID string) (models.RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reports {
		if r.RunID == runID {
			return r, nil
		}
	}
	return models.RunReport{}, errors.Wrapf(ErrNotFound, "run %q", runID)
}

// ListRunReports returns reports for the workflow, most recent first.
// A limit of zero or less means all.
func (m *mockStore) ListRunReports(workflow string, limit int) ([]models.RunReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RunReport
	for i := len(m.reports) - 1; i >= 0; i-- {
		if workflow != "" && m.reports[i].Workflow != workflow {
			continue
		}
		out = append(out, m.reports[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) AppendMetadataRecord(rec models.MetadataRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRecID++
	rec.ID = m.nextRecID
	m.records = append(m.records, rec)
	return rec.ID, nil
}

func (m *mockStore) ListMetadataRecords(taskID string) ([]models.MetadataRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MetadataRecord
	for _, rec := range m.records {
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockStore) AppendAuditEvent(ev models.AuditEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	ev.Seq = m.nextSeq
	if ev.LoggedAt.IsZero() {
		ev.LoggedAt = time.Now()
	}
	m.events = append(m.events, ev)
	return ev.Seq, nil
}

// TailAuditEvents returns the last n events in log order. A value of
// zero or less means the whole log.
func (m *mockStore) TailAuditEvents(n int) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if n > 0 && len(m.events) > n {
		start = len(m.events) - n
	}
	out := make([]models.AuditEvent, len(m.events)-start)
	copy(out, m.events[start:])
	return out, nil
}
