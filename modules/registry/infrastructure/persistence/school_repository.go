package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/school"
	"github.com/edulink-sl/edulink/pkg/composables"
)

const schoolColumns = `
	id,
	emis_code,
	name,
	school_type,
	council_id,
	chiefdom,
	section,
	town,
	latitude,
	longitude,
	altitude,
	active,
	version,
	created_at,
	updated_at`

type SchoolRepository struct{}

func NewSchoolRepository() *SchoolRepository {
	return &SchoolRepository{}
}

func scanSchool(row pgx.Row) (*school.School, error) {
	var (
		id        pgtype.UUID
		councilID pgtype.UUID
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
		sch       school.School
	)
	if err := row.Scan(
		&id,
		&sch.EMISCode,
		&sch.Name,
		&sch.SchoolType,
		&councilID,
		&sch.Chiefdom,
		&sch.Section,
		&sch.Town,
		&sch.Latitude,
		&sch.Longitude,
		&sch.Altitude,
		&sch.Active,
		&sch.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	sch.ID = asUUID(id)
	sch.CouncilID = asUUID(councilID)
	sch.CreatedAt = asTime(createdAt)
	sch.UpdatedAt = asTime(updatedAt)
	return &sch, nil
}

func (r *SchoolRepository) GetByID(ctx context.Context, id uuid.UUID) (*school.School, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	return scanSchool(tx.QueryRow(ctx,
		`SELECT`+schoolColumns+` FROM schools WHERE id = $1`, pgUUID(id)))
}

func (r *SchoolRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*school.School, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	return scanSchool(tx.QueryRow(ctx,
		`SELECT`+schoolColumns+` FROM schools WHERE id = $1 FOR UPDATE`, pgUUID(id)))
}

// GetByEMISCodes loads live entities for a batch of EMIS codes, keyed by code.
// Codes absent from the registry are simply missing from the map.
func (r *SchoolRepository) GetByEMISCodes(ctx context.Context, codes []string) (map[string]*school.School, error) {
	out := make(map[string]*school.School, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx,
		`SELECT`+schoolColumns+` FROM schools WHERE emis_code = ANY($1)`, codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		sch, err := scanSchool(rows)
		if err != nil {
			return nil, err
		}
		out[sch.EMISCode] = sch
	}
	return out, rows.Err()
}

func (r *SchoolRepository) Insert(ctx context.Context, sch *school.School) (*school.School, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	return scanSchool(tx.QueryRow(ctx, `
INSERT INTO schools (emis_code, name, school_type, council_id, chiefdom, section, town, latitude, longitude, altitude, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING`+schoolColumns,
		sch.EMISCode,
		sch.Name,
		string(sch.SchoolType),
		pgUUID(sch.CouncilID),
		sch.Chiefdom,
		sch.Section,
		sch.Town,
		sch.Latitude,
		sch.Longitude,
		sch.Altitude,
		sch.Active,
	))
}

// Update writes every data field and bumps the version. The WHERE clause
// guards on the version the caller read, so a concurrent writer surfaces as
// pgx.ErrNoRows instead of a silent lost update.
func (r *SchoolRepository) Update(ctx context.Context, sch *school.School) (*school.School, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	return scanSchool(tx.QueryRow(ctx, `
UPDATE schools
SET emis_code = $3,
	name = $4,
	school_type = $5,
	council_id = $6,
	chiefdom = $7,
	section = $8,
	town = $9,
	latitude = $10,
	longitude = $11,
	altitude = $12,
	active = $13,
	version = version + 1,
	updated_at = now()
WHERE id = $1 AND version = $2
RETURNING`+schoolColumns,
		pgUUID(sch.ID),
		sch.Version,
		sch.EMISCode,
		sch.Name,
		string(sch.SchoolType),
		pgUUID(sch.CouncilID),
		sch.Chiefdom,
		sch.Section,
		sch.Town,
		sch.Latitude,
		sch.Longitude,
		sch.Altitude,
		sch.Active,
	))
}

// Restore writes a snapshot back verbatim, version included. Rollback owns
// the staleness check and calls this only after verifying the live version.
func (r *SchoolRepository) Restore(ctx context.Context, sch *school.School) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
UPDATE schools
SET emis_code = $2,
	name = $3,
	school_type = $4,
	council_id = $5,
	chiefdom = $6,
	section = $7,
	town = $8,
	latitude = $9,
	longitude = $10,
	altitude = $11,
	active = $12,
	version = $13,
	updated_at = now()
WHERE id = $1`,
		pgUUID(sch.ID),
		sch.EMISCode,
		sch.Name,
		string(sch.SchoolType),
		pgUUID(sch.CouncilID),
		sch.Chiefdom,
		sch.Section,
		sch.Town,
		sch.Latitude,
		sch.Longitude,
		sch.Altitude,
		sch.Active,
		sch.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *SchoolRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM schools WHERE id = $1`, pgUUID(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListActiveInCouncils returns live active schools within the given councils,
// locked for the duration of the transaction. Authoritative commits use this
// as the deactivation scope.
func (r *SchoolRepository) ListActiveInCouncils(ctx context.Context, councilIDs []uuid.UUID) ([]*school.School, error) {
	if len(councilIDs) == 0 {
		return nil, nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT`+schoolColumns+`
FROM schools
WHERE active AND council_id = ANY($1)
ORDER BY emis_code
FOR UPDATE`, pgUUIDArray(councilIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*school.School, 0)
	for rows.Next() {
		sch, err := scanSchool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}
