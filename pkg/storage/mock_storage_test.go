package storage_test

import (
	"testing"
	"time"

	"github.com/ignatij/conductor/pkg/models"
	"github.com/ignatij/conductor/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func TestMockStore_WorkflowVersions(t *testing.T) {
	store := storage.NewMockStore()

	id1, err := store.SaveWorkflowVersion(models.Workflow{Name: "etl", Version: 1, Active: true})
	assert.NoError(t, err)
	assert.True(t, id1 > 0)
	id2, err := store.SaveWorkflowVersion(models.Workflow{Name: "etl", Version: 2, Active: true})
	assert.NoError(t, err)
	assert.True(t, id2 > id1)
	_, err = store.SaveWorkflowVersion(models.Workflow{Name: "report", Version: 1, Active: true})
	assert.NoError(t, err)

	t.Run("DuplicateVersionRejected", func(t *testing.T) {
		_, err := store.SaveWorkflowVersion(models.Workflow{Name: "etl", Version: 2})
		assert.ErrorContains(t, err, "already exists")
	})

	t.Run("SavingActiveDeactivatesSiblings", func(t *testing.T) {
		v1, err := store.GetWorkflowVersion("etl", 1)
		assert.NoError(t, err)
		assert.False(t, v1.Active)
		v2, err := store.GetWorkflowVersion("etl", 2)
		assert.NoError(t, err)
		assert.True(t, v2.Active)
	})

	t.Run("ListVersionsSorted", func(t *testing.T) {
		versions, err := store.ListWorkflowVersions("etl")
		assert.NoError(t, err)
		assert.Len(t, versions, 2)
		assert.Equal(t, 1, versions[0].Version)
		assert.Equal(t, 2, versions[1].Version)
	})

	t.Run("ListActiveAcrossNames", func(t *testing.T) {
		active, err := store.ListActiveWorkflows()
		assert.NoError(t, err)
		assert.Len(t, active, 2)
		assert.Equal(t, "etl", active[0].Name)
		assert.Equal(t, 2, active[0].Version)
		assert.Equal(t, "report", active[1].Name)
	})

	t.Run("SetActiveVersionFlips", func(t *testing.T) {
		assert.NoError(t, store.SetActiveVersion("etl", 1))
		v1, err := store.GetWorkflowVersion("etl", 1)
		assert.NoError(t, err)
		assert.True(t, v1.Active)
		v2, err := store.GetWorkflowVersion("etl", 2)
		assert.NoError(t, err)
		assert.False(t, v2.Active)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.GetWorkflowVersion("etl", 9)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, store.SetActiveVersion("ghost", 1), storage.ErrNotFound)
	})
}

func TestMockStore_RunReports(t *testing.T) {
	store := storage.NewMockStore()

	for _, r := range []models.RunReport{
		{RunID: "run-1", Workflow: "etl", Status: models.SuccessRunStatus},
		{RunID: "run-2", Workflow: "etl", Status: models.FailureRunStatus},
		{RunID: "run-3", Workflow: "report", Status: models.SuccessRunStatus},
	} {
		assert.NoError(t, store.SaveRunReport(r))
	}

	t.Run("Get", func(t *testing.T) {
		report, err := store.GetRunReport("run-2")
		assert.NoError(t, err)
		assert.Equal(t, models.FailureRunStatus, report.Status)

		_, err = store.GetRunReport("run-9")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpsertByRunID", func(t *testing.T) {
		assert.NoError(t, store.SaveRunReport(models.RunReport{RunID: "run-2", Workflow: "etl", Status: models.SuccessRunStatus}))
		report, err := store.GetRunReport("run-2")
		assert.NoError(t, err)
		assert.Equal(t, models.SuccessRunStatus, report.Status)

		all, err := store.ListRunReports("", 0)
		assert.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("ListNewestFirstPerWorkflow", func(t *testing.T) {
		reports, err := store.ListRunReports("etl", 0)
		assert.NoError(t, err)
		assert.Len(t, reports, 2)
		assert.Equal(t, "run-2", reports[0].RunID)
		assert.Equal(t, "run-1", reports[1].RunID)
	})

	t.Run("Limit", func(t *testing.T) {
		reports, err := store.ListRunReports("etl", 1)
		assert.NoError(t, err)
		assert.Len(t, reports, 1)
		assert.Equal(t, "run-2", reports[0].RunID)
	})
}

func TestMockStore_MetadataRecords(t *testing.T) {
	store := storage.NewMockStore()

	for i, rec := range []models.MetadataRecord{
		{TaskID: "fetch", RunID: "run-1", Attempt: 1, Status: models.FailureTaskState, Error: "reset"},
		{TaskID: "fetch", RunID: "run-1", Attempt: 2, Status: models.SuccessTaskState},
		{TaskID: "load", RunID: "run-1", Attempt: 1, Status: models.SuccessTaskState},
	} {
		id, err := store.AppendMetadataRecord(rec)
		assert.NoError(t, err)
		assert.Equal(t, int64(i+1), id)
	}

	records, err := store.ListMetadataRecords("fetch")
	assert.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Equal(t, "reset", records[0].Error)
	assert.Equal(t, 2, records[1].Attempt)

	records, err = store.ListMetadataRecords("ghost")
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestMockStore_AuditEvents(t *testing.T) {
	store := storage.NewMockStore()

	for _, ev := range []models.AuditEvent{
		{Event: models.AuditEnqueue, Subject: "item-1"},
		{Event: models.AuditRetry, Subject: "fetch"},
		{Event: models.AuditSuccess, Subject: "fetch"},
	} {
		seq, err := store.AppendAuditEvent(ev)
		assert.NoError(t, err)
		assert.True(t, seq > 0)
	}

	t.Run("TailN", func(t *testing.T) {
		events, err := store.TailAuditEvents(2)
		assert.NoError(t, err)
		assert.Len(t, events, 2)
		assert.Equal(t, models.AuditRetry, events[0].Event)
		assert.Equal(t, models.AuditSuccess, events[1].Event)
		assert.True(t, events[0].Seq < events[1].Seq)
	})

	t.Run("TailZeroMeansAll", func(t *testing.T) {
		events, err := store.TailAuditEvents(0)
		assert.NoError(t, err)
		assert.Len(t, events, 3)
	})

	t.Run("TailPastTheStart", func(t *testing.T) {
		events, err := store.TailAuditEvents(10)
		assert.NoError(t, err)
		assert.Len(t, events, 3)
	})

	t.Run("LoggedAtDefaulted", func(t *testing.T) {
		events, err := store.TailAuditEvents(0)
		assert.NoError(t, err)
		for _, ev := range events {
			assert.False(t, ev.LoggedAt.IsZero())
		}
	})
}

func TestMockStore_TransactionPassthrough(t *testing.T) {
	store := storage.NewMockStore()

	tx, err := store.Begin()
	assert.NoError(t, err)
	_, err = tx.SaveWorkflowVersion(models.Workflow{Name: "etl", Version: 1, Active: true, CreatedAt: time.Now()})
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit())

	// The mock applies writes immediately; the base handle sees them.
	w, err := store.GetWorkflowVersion("etl", 1)
	assert.NoError(t, err)
	assert.True(t, w.Active)

	tx, err = store.Begin()
	assert.NoError(t, err)
	assert.NoError(t, tx.Rollback())
	assert.NoError(t, store.Close())
}
