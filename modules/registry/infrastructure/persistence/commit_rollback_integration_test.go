package persistence_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
	"github.com/edulink-sl/edulink/modules/registry/domain/changeset"
)

func TestSchoolCommit_CreatesUpdatesAndSkips(t *testing.T) {
	e := setupRegistry(t)

	first := e.importFile(t, writeSchoolsCSV(t,
		boSchool("St Mary Primary School", "100001"),
		freetownSchool("Regent Village JSS", "100002"),
	), false, false)
	require.Equal(t, importrun.StatusReadyToCommit, first.Status)

	res, err := e.commits.Commit(e.Ctx, first.ID, false)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusCommitted, res.Run.Status)
	require.Equal(t, 2, res.Created)
	require.Equal(t, 0, res.Updated)
	require.Equal(t, 0, res.Skipped)

	require.Equal(t, int64(1), e.schoolByEMIS(t, "100001").Version)
	require.True(t, e.schoolByEMIS(t, "100002").Active)

	view, err := e.imports.GetChangeset(e.Ctx, first.ID, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, view.Total)
	require.Nil(t, view.ConsumedAt)
	for i, entry := range view.Entries {
		require.Equal(t, i+1, entry.Seq)
		require.Equal(t, changeset.OpCreate, entry.Operation)
		require.Nil(t, entry.PreviousSnapshot)
		require.NotNil(t, entry.NewSnapshot)
	}

	// Re-import with one renamed school: the unchanged one is a no-op and
	// the rename needs an explicit overwrite confirmation.
	second := e.importFile(t, writeSchoolsCSV(t,
		boSchool("St Mary Memorial Primary School", "100001"),
		freetownSchool("Regent Village JSS", "100002"),
	), false, false)
	require.Equal(t, importrun.StatusReadyToCommit, second.Status)

	_, err = e.commits.Commit(e.Ctx, second.ID, false)
	requireServiceCode(t, err, http.StatusConflict, "REGISTRY_OVERWRITE_CONFIRMATION")
	unchanged, err := e.runs.GetRun(e.Ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusReadyToCommit, unchanged.Status)

	res, err = e.commits.Commit(e.Ctx, second.ID, true)
	require.NoError(t, err)
	require.Equal(t, 0, res.Created)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 1, res.Skipped)

	renamed := e.schoolByEMIS(t, "100001")
	require.Equal(t, "St Mary Memorial Primary School", renamed.Name)
	require.Equal(t, int64(2), renamed.Version)
	require.Equal(t, int64(1), e.schoolByEMIS(t, "100002").Version)
	require.Equal(t, int64(1), e.changesetEntryCount(t, second.ID))

	// A byte-identical re-import commits as all skips and records an empty
	// changeset.
	third := e.importFile(t, writeSchoolsCSV(t,
		boSchool("St Mary Memorial Primary School", "100001"),
		freetownSchool("Regent Village JSS", "100002"),
	), false, false)
	res, err = e.commits.Commit(e.Ctx, third.ID, false)
	require.NoError(t, err)
	require.Equal(t, 0, res.Created)
	require.Equal(t, 0, res.Updated)
	require.Equal(t, 2, res.Skipped)
	require.Equal(t, int64(0), e.changesetEntryCount(t, third.ID))
	require.Equal(t, int64(2), e.schoolByEMIS(t, "100001").Version)
}

func TestSchoolCommit_DryRunIsRejected(t *testing.T) {
	e := setupRegistry(t)

	run := e.importFile(t, writeSchoolsCSV(t,
		boSchool("St Mary Primary School", "100001"),
	), true, false)
	require.Equal(t, importrun.StatusReadyToCommit, run.Status)
	require.True(t, run.DryRun)

	_, err := e.commits.Commit(e.Ctx, run.ID, true)
	requireServiceCode(t, err, http.StatusConflict, "REGISTRY_DRY_RUN")

	after, err := e.runs.GetRun(e.Ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusReadyToCommit, after.Status)
	require.Equal(t, int64(0), e.schoolCount(t))
	_, err = e.imports.GetChangeset(e.Ctx, run.ID, 0, 0)
	requireServiceCode(t, err, http.StatusNotFound, "REGISTRY_CHANGESET_NOT_FOUND")
}

func TestSchoolCommit_AuthoritativeDeactivatesAbsentSchools(t *testing.T) {
	e := setupRegistry(t)

	first := e.importFile(t, writeSchoolsCSV(t,
		boSchool("St Mary Primary School", "100001"),
		boSchool("Kakua Methodist Primary School", "100002"),
		freetownSchool("Regent Village JSS", "100003"),
	), false, false)
	_, err := e.commits.Commit(e.Ctx, first.ID, false)
	require.NoError(t, err)

	// The authoritative file lists only one of the two Bo City schools.
	// The other is deactivated; the Freetown school is outside the touched
	// councils and stays active.
	second := e.importFile(t, writeSchoolsCSV(t,
		boSchool("St Mary Primary School", "100001"),
	), false, true)
	require.Equal(t, importrun.StatusReadyToCommit, second.Status)

	_, err = e.commits.Commit(e.Ctx, second.ID, false)
	requireServiceCode(t, err, http.StatusConflict, "REGISTRY_OVERWRITE_CONFIRMATION")

	res, err := e.commits.Commit(e.Ctx, second.ID, true)
	require.NoError(t, err)
	require.Equal(t, 1, res.Deactivated)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 0, res.Created)
	require.Equal(t, 0, res.Updated)

	require.True(t, e.schoolByEMIS(t, "100001").Active)
	deactivated := e.schoolByEMIS(t, "100002")
	require.False(t, deactivated.Active)
	require.Equal(t, int64(2), deactivated.Version)
	require.True(t, e.schoolByEMIS(t, "100003").Active)
	require.Equal(t, int64(1), e.changesetEntryCount(t, second.ID))

	// Rolling the authoritative run back reactivates the school.
	rb, err := e.rollbacks.Rollback(e.Ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rb.Restored)
	restored := e.schoolByEMIS(t, "100002")
	require.True(t, restored.Active)
	require.Equal(t, int64(1), restored.Version)
}

func TestSchoolRollback_RestoresPreviousState(t *testing.T) {
	e := setupRegistry(t)

	first := e.importFile(t, writeSchoolsCSV(t,
		boSchool("St Mary Primary School", "100001"),
	), false, false)
	_, err := e.commits.Commit(e.Ctx, first.ID, false)
	require.NoError(t, err)

	second := e.importFile(t, writeSchoolsCSV(t,
		boSchool("St Mary Memorial Primary School", "100001"),
	), false, false)
	_, err = e.commits.Commit(e.Ctx, second.ID, true)
	require.NoError(t, err)
	require.Equal(t, int64(2), e.schoolByEMIS(t, "100001").Version)

	res, err := e.rollbacks.Rollback(e.Ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusRolledBack, res.Run.Status)
	require.Equal(t, 1, res.Restored)
	require.Equal(t, 0, res.Deleted)

	reverted := e.schoolByEMIS(t, "100001")
	require.Equal(t, "St Mary Primary School", reverted.Name)
	require.Equal(t, int64(1), reverted.Version)

	view, err := e.imports.GetChangeset(e.Ctx, second.ID, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, view.ConsumedAt)

	// A rolled back run cannot be rolled back again.
	_, err = e.rollbacks.Rollback(e.Ctx, second.ID)
	requireServiceCode(t, err, http.StatusConflict, "REGISTRY_TRANSITION")

	// With the registry back at the first commit's state, that run can be
	// undone too, deleting the school it created.
	res, err = e.rollbacks.Rollback(e.Ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, 0, res.Restored)
	require.Equal(t, 1, res.Deleted)
	require.Equal(t, int64(0), e.schoolCount(t))
}

func TestSchoolRollback_RefusesAfterRegistryDrift(t *testing.T) {
	e := setupRegistry(t)

	run := e.importFile(t, writeSchoolsCSV(t,
		boSchool("St Mary Primary School", "100001"),
	), false, false)
	_, err := e.commits.Commit(e.Ctx, run.ID, false)
	require.NoError(t, err)

	// An interactive edit after the commit bumps the version past the
	// changeset snapshot.
	_, err = e.Pool.Exec(context.Background(),
		"UPDATE schools SET name = 'Edited By Hand', version = version + 1 WHERE emis_code = $1", "100001")
	require.NoError(t, err)

	_, err = e.rollbacks.Rollback(e.Ctx, run.ID)
	requireServiceCode(t, err, http.StatusConflict, "REGISTRY_ROLLBACK_CONFLICT")
	require.ErrorContains(t, err, "was modified after the commit")

	after, err := e.runs.GetRun(e.Ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusCommitted, after.Status)
	require.Equal(t, "Edited By Hand", e.schoolByEMIS(t, "100001").Name)
}

func TestSchoolRollback_RefusesConsumedChangeset(t *testing.T) {
	e := setupRegistry(t)

	run := e.importFile(t, writeSchoolsCSV(t,
		boSchool("St Mary Primary School", "100001"),
	), false, false)
	_, err := e.commits.Commit(e.Ctx, run.ID, false)
	require.NoError(t, err)

	_, err = e.Pool.Exec(context.Background(),
		"UPDATE changesets SET consumed_at = now() WHERE run_id = $1", run.ID)
	require.NoError(t, err)

	_, err = e.rollbacks.Rollback(e.Ctx, run.ID)
	requireServiceCode(t, err, http.StatusConflict, "REGISTRY_ROLLBACK_CONFLICT")
	require.ErrorContains(t, err, "already been consumed")

	after, err := e.runs.GetRun(e.Ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusCommitted, after.Status)
	require.Equal(t, int64(1), e.schoolByEMIS(t, "100001").Version)
}
