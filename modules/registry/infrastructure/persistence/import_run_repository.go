package persistence

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
	"github.com/edulink-sl/edulink/modules/registry/services"
	"github.com/edulink-sl/edulink/pkg/composables"
	"github.com/edulink-sl/edulink/pkg/repo"
)

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func asUUID(v pgtype.UUID) uuid.UUID {
	if !v.Valid {
		return uuid.Nil
	}
	return uuid.UUID(v.Bytes)
}

func asTime(v pgtype.Timestamptz) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return v.Time
}

func pgNullableUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil || *id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func nullableUUID(v pgtype.UUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	u := uuid.UUID(v.Bytes)
	return &u
}

func pgNullableText(v *string) pgtype.Text {
	if v == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *v, Valid: true}
}

func nullableText(v pgtype.Text) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableTime(v pgtype.Timestamptz) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

const importRunColumns = `
	id,
	file_name,
	file_size,
	stored_path,
	content_type,
	import_type,
	dry_run,
	authoritative,
	status,
	failure_code,
	failure_message,
	total_rows,
	processed_rows,
	created_by,
	started_at,
	completed_at,
	created_at,
	updated_at`

type ImportRunRepository struct{}

func NewImportRunRepository() *ImportRunRepository {
	return &ImportRunRepository{}
}

func scanImportRun(row pgx.Row) (*importrun.ImportRun, error) {
	var (
		id             pgtype.UUID
		failureCode    pgtype.Text
		failureMessage pgtype.Text
		startedAt      pgtype.Timestamptz
		completedAt    pgtype.Timestamptz
		createdAt      pgtype.Timestamptz
		updatedAt      pgtype.Timestamptz
		run            importrun.ImportRun
	)
	if err := row.Scan(
		&id,
		&run.FileName,
		&run.FileSize,
		&run.StoredPath,
		&run.ContentType,
		&run.ImportType,
		&run.DryRun,
		&run.Authoritative,
		&run.Status,
		&failureCode,
		&failureMessage,
		&run.TotalRows,
		&run.ProcessedRows,
		&run.CreatedBy,
		&startedAt,
		&completedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	run.ID = asUUID(id)
	run.FailureCode = nullableText(failureCode)
	run.FailureMessage = nullableText(failureMessage)
	run.StartedAt = nullableTime(startedAt)
	run.CompletedAt = nullableTime(completedAt)
	run.CreatedAt = asTime(createdAt)
	run.UpdatedAt = asTime(updatedAt)
	return &run, nil
}

func (r *ImportRunRepository) Create(ctx context.Context, run *importrun.ImportRun) (*importrun.ImportRun, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	return scanImportRun(tx.QueryRow(ctx, `
INSERT INTO import_runs (file_name, file_size, stored_path, content_type, import_type, dry_run, authoritative, status, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING`+importRunColumns,
		run.FileName,
		run.FileSize,
		run.StoredPath,
		run.ContentType,
		string(run.ImportType),
		run.DryRun,
		run.Authoritative,
		string(run.Status),
		run.CreatedBy,
	))
}

func (r *ImportRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*importrun.ImportRun, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	return scanImportRun(tx.QueryRow(ctx,
		`SELECT`+importRunColumns+` FROM import_runs WHERE id = $1`, pgUUID(id)))
}

func (r *ImportRunRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*importrun.ImportRun, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	return scanImportRun(tx.QueryRow(ctx,
		`SELECT`+importRunColumns+` FROM import_runs WHERE id = $1 FOR UPDATE`, pgUUID(id)))
}

// ClaimUploaded moves the oldest UPLOADED run to PROCESSING and returns it.
// SKIP LOCKED keeps concurrent workers off the same run; pgx.ErrNoRows means
// the queue is empty.
func (r *ImportRunRepository) ClaimUploaded(ctx context.Context) (*importrun.ImportRun, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	return scanImportRun(tx.QueryRow(ctx, `
UPDATE import_runs
SET status = 'PROCESSING', started_at = now(), updated_at = now()
WHERE id = (
	SELECT id FROM import_runs
	WHERE status = 'UPLOADED'
	ORDER BY created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING`+importRunColumns))
}

// UpdateStatus writes the new status. completed_at stamps the first
// transition out of the processing phase and is never overwritten after.
func (r *ImportRunRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status importrun.Status) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	completed := status != importrun.StatusUploaded && status != importrun.StatusProcessing
	_, err = tx.Exec(ctx, `
UPDATE import_runs
SET status = $2,
	completed_at = CASE WHEN $3 AND completed_at IS NULL THEN now() ELSE completed_at END,
	updated_at = now()
WHERE id = $1`, pgUUID(id), string(status), completed)
	return err
}

func (r *ImportRunRepository) SetFailure(ctx context.Context, id uuid.UUID, code, message string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE import_runs
SET status = 'FAILED', failure_code = $2, failure_message = $3, completed_at = COALESCE(completed_at, now()), updated_at = now()
WHERE id = $1`, pgUUID(id), code, message)
	return err
}

func (r *ImportRunRepository) SetTotals(ctx context.Context, id uuid.UUID, totalRows int) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE import_runs SET total_rows = $2, updated_at = now() WHERE id = $1`,
		pgUUID(id), totalRows)
	return err
}

func (r *ImportRunRepository) UpdateProgress(ctx context.Context, id uuid.UUID, processedRows int) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE import_runs SET processed_rows = $2, updated_at = now() WHERE id = $1`,
		pgUUID(id), processedRows)
	return err
}

func (r *ImportRunRepository) List(ctx context.Context, params services.RunListParams) ([]*importrun.ImportRun, int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, 0, err
	}

	where := ""
	args := []any{}
	if params.Status != "" {
		where = "WHERE status = $1"
		args = append(args, string(params.Status))
	}

	var total int
	if err := tx.QueryRow(ctx, repo.Join("SELECT COUNT(*) FROM import_runs", where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := repo.Join(
		"SELECT"+importRunColumns+" FROM import_runs",
		where,
		"ORDER BY created_at DESC",
		repo.FormatLimitOffset(params.Limit, params.Offset),
	)
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]*importrun.ImportRun, 0)
	for rows.Next() {
		run, err := scanImportRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	return out, total, rows.Err()
}

// ListStuckProcessing returns runs that entered PROCESSING before the cutoff
// and never left it. The janitor fails these with a TIMEOUT code.
func (r *ImportRunRepository) ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]*importrun.ImportRun, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT`+importRunColumns+`
FROM import_runs
WHERE status = 'PROCESSING' AND started_at < $1
ORDER BY started_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*importrun.ImportRun, 0)
	for rows.Next() {
		run, err := scanImportRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// AcquireRunLock takes a transaction-scoped advisory lock keyed on the run id.
// Returns false without blocking when another commit, rollback, cancel or
// mapping call holds it.
func (r *ImportRunRepository) AcquireRunLock(ctx context.Context, id uuid.UUID) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, runLockKey(id)).Scan(&acquired); err != nil {
		return false, err
	}
	return acquired, nil
}

func runLockKey(id uuid.UUID) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("import_run:"))
	_, _ = h.Write(id[:])
	return int64(h.Sum64())
}
