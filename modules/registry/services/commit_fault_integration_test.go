package services_test

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
	"github.com/edulink-sl/edulink/modules/registry/services"
	"github.com/edulink-sl/edulink/pkg/itf"
)

func TestMain(m *testing.M) {
	// The uploads directory must be decided before the configuration
	// singleton loads, or stored files land in the package directory.
	dir, err := os.MkdirTemp("", "registry-uploads-*")
	if err != nil {
		panic(err)
	}
	_ = os.Setenv("UPLOADS_PATH", dir)
	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func requirePostgres(tb testing.TB) {
	tb.Helper()

	host := strings.TrimSpace(os.Getenv("DB_HOST"))
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(os.Getenv("DB_PORT"))
	if port == "" {
		port = "5432"
	}
	addr := net.JoinHostPort(host, port)

	dialer := &net.Dialer{Timeout: 250 * time.Millisecond}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		if strings.TrimSpace(os.Getenv("CI")) != "" {
			tb.Fatalf("postgres is not reachable at %s", addr)
		}
		tb.Skipf("postgres is not reachable at %s; skipping", addr)
	}
	_ = conn.Close()
}

// TestSchoolCommit_MidApplyFailureRollsBackEverything aborts a commit after
// its first registry write and checks that the transaction took the written
// school and the changeset with it, while the run itself landed on FAILED.
func TestSchoolCommit_MidApplyFailureRollsBackEverything(t *testing.T) {
	requirePostgres(t)

	env := itf.Setup(t)
	councils := itf.GetService[services.CouncilService](env)
	imports := itf.GetService[services.ImportService](env)
	runs := itf.GetService[services.RunService](env)
	pipeline := itf.GetService[services.PipelineService](env)
	commits := itf.GetService[services.CommitService](env)

	require.NoError(t, councils.Seed(env.Ctx, services.HierarchySeed{Regions: []services.RegionSeed{
		{Name: "Southern", Districts: []services.DistrictSeed{
			{Name: "Bo", Councils: []services.CouncilSeed{{Name: "Bo City Council"}}},
		}},
	}}))

	content := strings.Join([]string{
		"School Name,EMIS Code,Region,District,Council,School Type,Chiefdom,Section,Town,Latitude,Longitude,Altitude",
		"St Mary Primary School,100001,Southern,Bo,Bo City Council,PRIMARY,Kakua,Sewa Road,Bo Town,7.9647,-11.7383,104",
		"Kakua Methodist Primary School,100002,Southern,Bo,Bo City Council,PRIMARY,Kakua,Njai Town,Bo Town,7.9702,-11.7441,110",
	}, "\n") + "\n"

	uploaded, err := imports.Upload(env.Ctx, services.UploadInput{
		FileName: "schools.csv",
		Size:     int64(len(content)),
		Reader:   strings.NewReader(content),
	})
	require.NoError(t, err)

	pipeline.ProcessPending(env.Ctx)
	run, err := runs.GetRun(env.Ctx, uploaded.ID)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusReadyToCommit, run.Status)

	var writes []int
	services.SetCommitFault(commits, func(n int) error {
		writes = append(writes, n)
		if n == 2 {
			return errors.New("registry disk full")
		}
		return nil
	})

	_, err = commits.Commit(env.Ctx, run.ID, false)
	require.Error(t, err)
	require.ErrorContains(t, err, "registry disk full")
	require.Equal(t, []int{1, 2}, writes)

	// The first school was inserted before the fault fired; the rolled
	// back transaction must have taken it with it.
	var schools int64
	require.NoError(t, env.Pool.QueryRow(context.Background(),
		"SELECT count(*)::bigint FROM schools").Scan(&schools))
	require.Zero(t, schools)

	var sets int64
	require.NoError(t, env.Pool.QueryRow(context.Background(),
		"SELECT count(*)::bigint FROM changesets WHERE run_id = $1", run.ID).Scan(&sets))
	require.Zero(t, sets)
	var entries int64
	require.NoError(t, env.Pool.QueryRow(context.Background(),
		"SELECT count(*)::bigint FROM changeset_entries WHERE run_id = $1", run.ID).Scan(&entries))
	require.Zero(t, entries)

	failed, err := runs.GetRun(env.Ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusFailed, failed.Status)
	require.NotNil(t, failed.FailureCode)
	require.Equal(t, importrun.FailureCodeCommit, *failed.FailureCode)
	require.NotNil(t, failed.FailureMessage)
	require.Contains(t, *failed.FailureMessage, "registry disk full")

	// Staged rows survive the failed commit so the operator can inspect
	// what was about to land.
	rows, total, err := imports.ListRows(env.Ctx, run.ID, services.RowFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, rows, 2)
}

// TestSchoolCommit_DeadlineExpiryFailsRunWithTimeoutCode hits the commit
// deadline mid-apply and checks that the run is failed with the TIMEOUT
// code rather than the generic commit code, with nothing written.
func TestSchoolCommit_DeadlineExpiryFailsRunWithTimeoutCode(t *testing.T) {
	requirePostgres(t)

	env := itf.Setup(t)
	councils := itf.GetService[services.CouncilService](env)
	imports := itf.GetService[services.ImportService](env)
	runs := itf.GetService[services.RunService](env)
	pipeline := itf.GetService[services.PipelineService](env)
	commits := itf.GetService[services.CommitService](env)

	require.NoError(t, councils.Seed(env.Ctx, services.HierarchySeed{Regions: []services.RegionSeed{
		{Name: "Southern", Districts: []services.DistrictSeed{
			{Name: "Bo", Councils: []services.CouncilSeed{{Name: "Bo City Council"}}},
		}},
	}}))

	content := strings.Join([]string{
		"School Name,EMIS Code,Region,District,Council,School Type,Chiefdom,Section,Town,Latitude,Longitude,Altitude",
		"St Mary Primary School,100001,Southern,Bo,Bo City Council,PRIMARY,Kakua,Sewa Road,Bo Town,7.9647,-11.7383,104",
	}, "\n") + "\n"

	uploaded, err := imports.Upload(env.Ctx, services.UploadInput{
		FileName: "schools.csv",
		Size:     int64(len(content)),
		Reader:   strings.NewReader(content),
	})
	require.NoError(t, err)

	pipeline.ProcessPending(env.Ctx)
	run, err := runs.GetRun(env.Ctx, uploaded.ID)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusReadyToCommit, run.Status)

	services.SetCommitFault(commits, func(int) error {
		return context.DeadlineExceeded
	})

	_, err = commits.Commit(env.Ctx, run.ID, false)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	failed, err := runs.GetRun(env.Ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, importrun.StatusFailed, failed.Status)
	require.NotNil(t, failed.FailureCode)
	require.Equal(t, importrun.FailureCodeTimeout, *failed.FailureCode)

	var schools int64
	require.NoError(t, env.Pool.QueryRow(context.Background(),
		"SELECT count(*)::bigint FROM schools").Scan(&schools))
	require.Zero(t, schools)
	var sets int64
	require.NoError(t, env.Pool.QueryRow(context.Background(),
		"SELECT count(*)::bigint FROM changesets WHERE run_id = $1", run.ID).Scan(&sets))
	require.Zero(t, sets)
}
