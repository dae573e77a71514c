package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/edulink-sl/edulink/modules/registry/domain/entities/stagingrow"
	"github.com/edulink-sl/edulink/modules/registry/services"
	"github.com/edulink-sl/edulink/pkg/composables"
	"github.com/edulink-sl/edulink/pkg/repo"
)

func pgUUIDArray(ids []uuid.UUID) pgtype.FlatArray[uuid.UUID] {
	return pgtype.FlatArray[uuid.UUID](ids)
}

func pgNullableFloat8(v *float64) pgtype.Float8 {
	if v == nil {
		return pgtype.Float8{}
	}
	return pgtype.Float8{Float64: *v, Valid: true}
}

func nullableFloat(v pgtype.Float8) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

const stagingRowColumns = `
	id,
	run_id,
	file_row_number,
	school_name,
	emis_code,
	region,
	district,
	council,
	school_type,
	chiefdom,
	section,
	town,
	latitude_raw,
	longitude_raw,
	altitude_raw,
	latitude,
	longitude,
	altitude,
	validation_status,
	validation_errors,
	match_type,
	matched_council_id,
	match_confidence,
	created_at,
	updated_at`

type StagingRowRepository struct{}

func NewStagingRowRepository() *StagingRowRepository {
	return &StagingRowRepository{}
}

func scanStagingRow(row pgx.Row) (*stagingrow.StagingRow, error) {
	var (
		id         pgtype.UUID
		runID      pgtype.UUID
		latitude   pgtype.Float8
		longitude  pgtype.Float8
		altitude   pgtype.Float8
		errorsJSON []byte
		councilID  pgtype.UUID
		confidence pgtype.Float8
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
		sr         stagingrow.StagingRow
	)
	if err := row.Scan(
		&id,
		&runID,
		&sr.FileRowNumber,
		&sr.SchoolName,
		&sr.EMISCode,
		&sr.Region,
		&sr.District,
		&sr.Council,
		&sr.SchoolType,
		&sr.Chiefdom,
		&sr.Section,
		&sr.Town,
		&sr.LatitudeRaw,
		&sr.LongitudeRaw,
		&sr.AltitudeRaw,
		&latitude,
		&longitude,
		&altitude,
		&sr.ValidationStatus,
		&errorsJSON,
		&sr.MatchType,
		&councilID,
		&confidence,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	sr.ID = asUUID(id)
	sr.RunID = asUUID(runID)
	sr.Latitude = nullableFloat(latitude)
	sr.Longitude = nullableFloat(longitude)
	sr.Altitude = nullableFloat(altitude)
	sr.MatchedCouncilID = nullableUUID(councilID)
	sr.MatchConfidence = nullableFloat(confidence)
	sr.CreatedAt = asTime(createdAt)
	sr.UpdatedAt = asTime(updatedAt)
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &sr.ValidationErrors); err != nil {
			return nil, err
		}
	}
	return &sr, nil
}

// BulkInsert stages freshly parsed rows as PENDING. Callers chunk the input;
// each call expands into a single multi-row INSERT.
func (r *StagingRowRepository) BulkInsert(ctx context.Context, rows []*stagingrow.StagingRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	values := make([][]interface{}, 0, len(rows))
	for _, sr := range rows {
		values = append(values, []interface{}{
			pgUUID(sr.RunID),
			sr.FileRowNumber,
			sr.SchoolName,
			sr.EMISCode,
			sr.Region,
			sr.District,
			sr.Council,
			sr.SchoolType,
			sr.Chiefdom,
			sr.Section,
			sr.Town,
			sr.LatitudeRaw,
			sr.LongitudeRaw,
			sr.AltitudeRaw,
		})
	}

	q, args := repo.BatchInsertQueryN(`
INSERT INTO staging_rows (
	run_id, file_row_number, school_name, emis_code, region, district, council,
	school_type, chiefdom, section, town, latitude_raw, longitude_raw, altitude_raw
) VALUES`, values)
	_, err = tx.Exec(ctx, q, args...)
	return err
}

const updateRowResultQuery = `
UPDATE staging_rows
SET latitude = $2,
	longitude = $3,
	altitude = $4,
	validation_status = $5,
	validation_errors = $6::jsonb,
	match_type = $7,
	matched_council_id = $8,
	match_confidence = $9,
	updated_at = now()
WHERE id = $1`

// UpdateResults writes validation and matching outcomes for a processed
// chunk in one round trip.
func (r *StagingRowRepository) UpdateResults(ctx context.Context, rows []*stagingrow.StagingRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, sr := range rows {
		errorsJSON, err := marshalFieldErrors(sr.ValidationErrors)
		if err != nil {
			return err
		}
		batch.Queue(updateRowResultQuery,
			pgUUID(sr.ID),
			pgNullableFloat8(sr.Latitude),
			pgNullableFloat8(sr.Longitude),
			pgNullableFloat8(sr.Altitude),
			string(sr.ValidationStatus),
			errorsJSON,
			string(sr.MatchType),
			pgNullableUUID(sr.MatchedCouncilID),
			pgNullableFloat8(sr.MatchConfidence),
		)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func (r *StagingRowRepository) UpdateMatch(ctx context.Context, sr *stagingrow.StagingRow) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	errorsJSON, err := marshalFieldErrors(sr.ValidationErrors)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE staging_rows
SET validation_status = $2,
	validation_errors = $3::jsonb,
	match_type = $4,
	matched_council_id = $5,
	match_confidence = $6,
	updated_at = now()
WHERE id = $1`,
		pgUUID(sr.ID),
		string(sr.ValidationStatus),
		errorsJSON,
		string(sr.MatchType),
		pgNullableUUID(sr.MatchedCouncilID),
		pgNullableFloat8(sr.MatchConfidence),
	)
	return err
}

func (r *StagingRowRepository) GetByID(ctx context.Context, id uuid.UUID) (*stagingrow.StagingRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	return scanStagingRow(tx.QueryRow(ctx,
		`SELECT`+stagingRowColumns+` FROM staging_rows WHERE id = $1`, pgUUID(id)))
}

func (r *StagingRowRepository) GetByIDs(ctx context.Context, runID uuid.UUID, ids []uuid.UUID) ([]*stagingrow.StagingRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT`+stagingRowColumns+`
FROM staging_rows
WHERE run_id = $1 AND id = ANY($2)
ORDER BY file_row_number`, pgUUID(runID), pgUUIDArray(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStagingRows(rows)
}

func (r *StagingRowRepository) ListByRun(ctx context.Context, runID uuid.UUID, f services.RowFilter) ([]*stagingrow.StagingRow, int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, 0, err
	}

	conditions := []string{"run_id = $1"}
	args := []any{pgUUID(runID)}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conditions = append(conditions, fmt.Sprintf("validation_status = $%d", len(args)))
	}
	if f.Match != "" {
		args = append(args, string(f.Match))
		conditions = append(conditions, fmt.Sprintf("match_type = $%d", len(args)))
	}
	where := repo.JoinWhere(conditions...)

	var total int
	if err := tx.QueryRow(ctx, repo.Join("SELECT COUNT(*) FROM staging_rows", where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := repo.Join(
		"SELECT"+stagingRowColumns+" FROM staging_rows",
		where,
		"ORDER BY file_row_number",
		repo.FormatLimitOffset(f.Limit, f.Offset),
	)
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out, err := collectStagingRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ListValid returns the committable rows of a run in file order.
func (r *StagingRowRepository) ListValid(ctx context.Context, runID uuid.UUID) ([]*stagingrow.StagingRow, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT`+stagingRowColumns+`
FROM staging_rows
WHERE run_id = $1 AND validation_status = 'VALID'
ORDER BY file_row_number`, pgUUID(runID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStagingRows(rows)
}

func (r *StagingRowRepository) CountByStatus(ctx context.Context, runID uuid.UUID) (map[stagingrow.ValidationStatus]int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT validation_status, COUNT(*)
FROM staging_rows
WHERE run_id = $1
GROUP BY validation_status`, pgUUID(runID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[stagingrow.ValidationStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[stagingrow.ValidationStatus(status)] = count
	}
	return out, rows.Err()
}

func (r *StagingRowRepository) CountByMatchType(ctx context.Context, runID uuid.UUID) (map[stagingrow.MatchType]int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT match_type, COUNT(*)
FROM staging_rows
WHERE run_id = $1
GROUP BY match_type`, pgUUID(runID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[stagingrow.MatchType]int)
	for rows.Next() {
		var (
			mt    string
			count int
		)
		if err := rows.Scan(&mt, &count); err != nil {
			return nil, err
		}
		out[stagingrow.MatchType(mt)] = count
	}
	return out, rows.Err()
}

// CountOutstanding counts rows that keep a run out of READY_TO_COMMIT:
// anything not VALID, or valid but without a resolved council.
func (r *StagingRowRepository) CountOutstanding(ctx context.Context, runID uuid.UUID) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	if err := tx.QueryRow(ctx, `
SELECT COUNT(*)
FROM staging_rows
WHERE run_id = $1 AND (validation_status <> 'VALID' OR match_type = 'NONE')`,
		pgUUID(runID)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func collectStagingRows(rows pgx.Rows) ([]*stagingrow.StagingRow, error) {
	out := make([]*stagingrow.StagingRow, 0)
	for rows.Next() {
		sr, err := scanStagingRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func marshalFieldErrors(errs []stagingrow.FieldError) ([]byte, error) {
	if len(errs) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(errs)
}
