package persistence_test

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
	"github.com/edulink-sl/edulink/modules/registry/domain/entities/stagingrow"
	"github.com/edulink-sl/edulink/modules/registry/services"
)

func TestSchoolImport_ResolvesCouncilsByPrecedence(t *testing.T) {
	e := setupRegistry(t)

	path := writeSchoolsCSV(t,
		boSchool("St Mary Primary School", "100001"),
		freetownSchool("Regent Village JSS", "100002"),
		"Fadugu Islamic Primary School,100003,Northern,Koinadugu,Koinadugu Distrct Council,PRIMARY,Dembelia Sinkunia,Fadugu,Fadugu,9.3833,-11.3500,450",
	)
	run := e.importFile(t, path, false, false)

	require.Equal(t, importrun.StatusReadyToCommit, run.Status)
	require.Equal(t, 3, run.TotalRows)
	require.Equal(t, 3, run.ProcessedRows)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.CompletedAt)

	detail, err := e.imports.GetRunDetail(e.Ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 3, detail.Validation.Valid)
	require.Equal(t, 1, detail.Mapping.Exact)
	require.Equal(t, 1, detail.Mapping.Alias)
	require.Equal(t, 1, detail.Mapping.Fuzzy)
	require.Equal(t, 0, detail.Mapping.Unmatched)

	rows := e.rowsByEMIS(t, run.ID)
	require.Equal(t, stagingrow.MatchExact, rows["100001"].MatchType)
	require.Equal(t, stagingrow.MatchAlias, rows["100002"].MatchType)

	fuzzyRow := rows["100003"]
	require.Equal(t, stagingrow.MatchFuzzy, fuzzyRow.MatchType)
	require.NotNil(t, fuzzyRow.MatchedCouncilID)
	require.Equal(t, e.councilID(t, "Koinadugu District Council"), *fuzzyRow.MatchedCouncilID)
	require.NotNil(t, fuzzyRow.MatchConfidence)
	require.GreaterOrEqual(t, *fuzzyRow.MatchConfidence, services.DefaultFuzzyThreshold)

	// Nothing is committed yet, so there is no changeset to show.
	_, err = e.imports.GetChangeset(e.Ctx, run.ID, 0, 0)
	requireServiceCode(t, err, http.StatusNotFound, "REGISTRY_CHANGESET_NOT_FOUND")
}

func TestSchoolImport_RoutesUnresolvedAndInvalidRowsToReview(t *testing.T) {
	e := setupRegistry(t)

	path := writeSchoolsCSV(t,
		boSchool("St Mary Primary School", "100001"),
		boSchool("Bad Code Primary School", "12AB"),
		boSchool("Repeated Code Primary School", "100001"),
		"Lost Hill Primary School,100004,Southern,Bo,Gondor City Council,PRIMARY,Kakua,Sewa Road,Bo Town,7.9001,-11.7002,88",
	)
	run := e.importFile(t, path, false, false)

	require.Equal(t, importrun.StatusReadyForReview, run.Status)

	detail, err := e.imports.GetRunDetail(e.Ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, detail.Validation.Valid)
	require.Equal(t, 2, detail.Validation.Errors)
	require.Equal(t, 1, detail.Validation.RequiresReview)

	rows := e.rowsByEMIS(t, run.ID)

	badCode := rows["12AB"]
	require.Equal(t, stagingrow.ValidationError, badCode.ValidationStatus)
	require.Equal(t, "emis_code", badCode.ValidationErrors[0].Field)
	require.Contains(t, badCode.ValidationErrors[0].Message, "4 to 10 digits")

	// The header is file row 1, so the first data row is row 2.
	duplicate := findRowByFileNumber(t, e, run.ID, 4)
	require.Equal(t, stagingrow.ValidationError, duplicate.ValidationStatus)
	require.Contains(t, duplicate.ValidationErrors[0].Message, "first at row 2")
	// Matching still ran on the broken row.
	require.Equal(t, stagingrow.MatchExact, duplicate.MatchType)

	review := rows["100004"]
	require.Equal(t, stagingrow.ValidationRequiresReview, review.ValidationStatus)
	require.Equal(t, stagingrow.MatchNone, review.MatchType)
	require.Equal(t, "council", review.ValidationErrors[0].Field)

	// Mapping the unresolved row does not unblock the run: the two broken
	// rows still hold it in review.
	res, err := e.runs.MapCouncil(e.Ctx, run.ID, []uuid.UUID{review.ID}, e.councilID(t, "Bo City Council"))
	require.NoError(t, err)
	require.Equal(t, stagingrow.ValidationValid, res.Rows[0].ValidationStatus)
	require.Equal(t, stagingrow.MatchManual, res.Rows[0].MatchType)
	require.Equal(t, importrun.StatusReadyForReview, res.Run.Status)
}

func TestSchoolImport_ManualMappingUnblocksCommit(t *testing.T) {
	e := setupRegistry(t)

	path := writeSchoolsCSV(t,
		boSchool("St Mary Primary School", "100001"),
		"Tikonko Village School,100002,Southern,Bo,Tikonko Area Authority,PRIMARY,Tikonko,Central,Tikonko,7.8711,-11.7900,95",
	)
	run := e.importFile(t, path, false, false)
	require.Equal(t, importrun.StatusReadyForReview, run.Status)

	rows := e.rowsByEMIS(t, run.ID)
	unresolved := rows["100002"]
	require.Equal(t, stagingrow.ValidationRequiresReview, unresolved.ValidationStatus)

	target := e.councilID(t, "Bo District Council")
	res, err := e.runs.MapCouncil(e.Ctx, run.ID, []uuid.UUID{unresolved.ID}, target)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusReadyToCommit, res.Run.Status)

	commit, err := e.commits.Commit(e.Ctx, run.ID, false)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusCommitted, commit.Run.Status)
	require.Equal(t, 2, commit.Created)

	mapped := e.schoolByEMIS(t, "100002")
	require.Equal(t, target, mapped.CouncilID)
}

func TestSchoolImport_RejectsBadUploads(t *testing.T) {
	e := setupRegistry(t)

	_, err := e.imports.Upload(e.Ctx, services.UploadInput{
		FileName: "schools.txt",
		Size:     10,
		Reader:   strings.NewReader("not a csv\n"),
	})
	requireServiceCode(t, err, http.StatusBadRequest, "REGISTRY_UNSUPPORTED_FORMAT")

	_, err = e.imports.Upload(e.Ctx, services.UploadInput{
		FileName:      "schools.csv",
		Size:          10,
		Reader:        strings.NewReader(schoolsHeader),
		DryRun:        true,
		Authoritative: true,
	})
	requireServiceCode(t, err, http.StatusBadRequest, "REGISTRY_FLAGS_EXCLUSIVE")

	// A csv payload behind an xlsx extension is caught by content sniffing.
	fake := filepath.Join(t.TempDir(), "schools.xlsx")
	require.NoError(t, os.WriteFile(fake, []byte(schoolsHeader+"\n"), 0o644))
	f, err := os.Open(fake)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	_, err = e.imports.Upload(e.Ctx, services.UploadInput{
		FileName: "schools.xlsx",
		Size:     int64(len(schoolsHeader) + 1),
		Reader:   f,
	})
	requireServiceCode(t, err, http.StatusBadRequest, "REGISTRY_CONTENT_MISMATCH")
}

func TestSchoolImport_FailsRunWithoutDataRows(t *testing.T) {
	e := setupRegistry(t)

	path := writeSchoolsCSV(t)
	run := e.importFile(t, path, false, false)

	require.Equal(t, importrun.StatusFailed, run.Status)
	require.NotNil(t, run.FailureCode)
	require.Equal(t, importrun.FailureCodeParse, *run.FailureCode)
	require.NotNil(t, run.FailureMessage)
	require.Contains(t, *run.FailureMessage, "no data rows")
	require.NotNil(t, run.CompletedAt)
}

func TestSchoolImport_CancelKeepsRowsQueryable(t *testing.T) {
	e := setupRegistry(t)

	path := writeSchoolsCSV(t,
		"Lost Hill Primary School,100004,Southern,Bo,Gondor City Council,PRIMARY,Kakua,Sewa Road,Bo Town,7.9001,-11.7002,88",
	)
	run := e.importFile(t, path, false, false)
	require.Equal(t, importrun.StatusReadyForReview, run.Status)

	cancelled, err := e.runs.Cancel(e.Ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusCancelled, cancelled.Status)

	rows, total, err := e.imports.ListRows(e.Ctx, run.ID, services.RowFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, rows, 1)

	_, err = e.commits.Commit(e.Ctx, run.ID, true)
	requireServiceCode(t, err, http.StatusConflict, "REGISTRY_TRANSITION")
	_, err = e.runs.Cancel(e.Ctx, run.ID)
	requireServiceCode(t, err, http.StatusConflict, "REGISTRY_TRANSITION")

	// A run cancelled before the pipeline reaches it is never claimed.
	early := e.upload(t, writeSchoolsCSV(t, boSchool("St Mary Primary School", "100001")), false, false)
	_, err = e.runs.Cancel(e.Ctx, early.ID)
	require.NoError(t, err)
	e.pipeline.ProcessPending(e.Ctx)
	after, err := e.runs.GetRun(e.Ctx, early.ID)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusCancelled, after.Status)
	require.Equal(t, 0, after.TotalRows)
}

func findRowByFileNumber(t *testing.T, e *registryEnv, runID uuid.UUID, fileRow int) *stagingrow.StagingRow {
	t.Helper()
	rows, _, err := e.imports.ListRows(e.Ctx, runID, services.RowFilter{})
	require.NoError(t, err)
	for _, row := range rows {
		if row.FileRowNumber == fileRow {
			return row
		}
	}
	t.Fatalf("run has no staged row for file row %d", fileRow)
	return nil
}
