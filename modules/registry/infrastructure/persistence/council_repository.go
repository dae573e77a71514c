package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/edulink-sl/edulink/modules/registry/domain/entities/council"
	"github.com/edulink-sl/edulink/modules/registry/services"
	"github.com/edulink-sl/edulink/pkg/composables"
	"github.com/edulink-sl/edulink/pkg/repo"
)

type CouncilRepository struct{}

func NewCouncilRepository() *CouncilRepository {
	return &CouncilRepository{}
}

// LoadHierarchy reads the whole administrative hierarchy. It is small for
// Sierra Leone (hundreds of rows) so the matcher keeps it in memory.
func (r *CouncilRepository) LoadHierarchy(ctx context.Context) (*council.Hierarchy, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	regions, err := loadRegions(ctx, tx)
	if err != nil {
		return nil, err
	}
	districts, err := loadDistricts(ctx, tx)
	if err != nil {
		return nil, err
	}
	councils, err := loadCouncils(ctx, tx)
	if err != nil {
		return nil, err
	}
	aliases, err := loadAliases(ctx, tx)
	if err != nil {
		return nil, err
	}

	return council.NewHierarchy(regions, districts, councils, aliases), nil
}

func loadRegions(ctx context.Context, tx repo.Tx) ([]council.Region, error) {
	rows, err := tx.Query(ctx, `SELECT id, name FROM regions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]council.Region, 0)
	for rows.Next() {
		var (
			id pgtype.UUID
			rg council.Region
		)
		if err := rows.Scan(&id, &rg.Name); err != nil {
			return nil, err
		}
		rg.ID = asUUID(id)
		out = append(out, rg)
	}
	return out, rows.Err()
}

func loadDistricts(ctx context.Context, tx repo.Tx) ([]council.District, error) {
	rows, err := tx.Query(ctx, `SELECT id, region_id, name FROM districts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]council.District, 0)
	for rows.Next() {
		var (
			id       pgtype.UUID
			regionID pgtype.UUID
			d        council.District
		)
		if err := rows.Scan(&id, &regionID, &d.Name); err != nil {
			return nil, err
		}
		d.ID = asUUID(id)
		d.RegionID = asUUID(regionID)
		out = append(out, d)
	}
	return out, rows.Err()
}

func loadCouncils(ctx context.Context, tx repo.Tx) ([]council.Council, error) {
	rows, err := tx.Query(ctx, `SELECT id, district_id, name FROM councils ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]council.Council, 0)
	for rows.Next() {
		var (
			id         pgtype.UUID
			districtID pgtype.UUID
			c          council.Council
		)
		if err := rows.Scan(&id, &districtID, &c.Name); err != nil {
			return nil, err
		}
		c.ID = asUUID(id)
		c.DistrictID = asUUID(districtID)
		out = append(out, c)
	}
	return out, rows.Err()
}

func loadAliases(ctx context.Context, tx repo.Tx) ([]council.Alias, error) {
	rows, err := tx.Query(ctx, `SELECT council_id, alias FROM council_aliases ORDER BY alias`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]council.Alias, 0)
	for rows.Next() {
		var (
			councilID pgtype.UUID
			a         council.Alias
		)
		if err := rows.Scan(&councilID, &a.Alias); err != nil {
			return nil, err
		}
		a.CouncilID = asUUID(councilID)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *CouncilRepository) List(ctx context.Context, params services.CouncilListParams) ([]*services.CouncilDetail, int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, 0, err
	}

	where := ""
	args := []any{}
	if params.Search != "" {
		where = "WHERE c.name ILIKE $1 OR a.alias ILIKE $1"
		args = append(args, "%"+params.Search+"%")
	}

	countQuery := repo.Join(`
SELECT COUNT(DISTINCT c.id)
FROM councils c
LEFT JOIN council_aliases a ON a.council_id = c.id`, where)

	var total int
	if err := tx.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := repo.Join(`
SELECT
	c.id,
	c.name,
	d.name,
	rg.name,
	COALESCE(array_agg(a.alias ORDER BY a.alias) FILTER (WHERE a.alias IS NOT NULL), '{}'),
	(SELECT COUNT(*) FROM schools s WHERE s.council_id = c.id AND s.active)
FROM councils c
JOIN districts d ON d.id = c.district_id
JOIN regions rg ON rg.id = d.region_id
LEFT JOIN council_aliases a ON a.council_id = c.id`,
		where,
		"GROUP BY c.id, c.name, d.name, rg.name",
		"ORDER BY c.name",
		repo.FormatLimitOffset(params.Limit, params.Offset),
	)

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]*services.CouncilDetail, 0)
	for rows.Next() {
		var (
			id pgtype.UUID
			cd services.CouncilDetail
		)
		if err := rows.Scan(&id, &cd.Name, &cd.District, &cd.Region, &cd.Aliases, &cd.ActiveSchools); err != nil {
			return nil, 0, err
		}
		cd.ID = asUUID(id)
		out = append(out, &cd)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *CouncilRepository) UpsertRegion(ctx context.Context, name string) (uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	var id pgtype.UUID
	if err := tx.QueryRow(ctx, `
INSERT INTO regions (name) VALUES ($1)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id`, name).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return asUUID(id), nil
}

func (r *CouncilRepository) UpsertDistrict(ctx context.Context, regionID uuid.UUID, name string) (uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	var id pgtype.UUID
	if err := tx.QueryRow(ctx, `
INSERT INTO districts (region_id, name) VALUES ($1, $2)
ON CONFLICT (region_id, name) DO UPDATE SET name = EXCLUDED.name
RETURNING id`, pgUUID(regionID), name).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return asUUID(id), nil
}

func (r *CouncilRepository) UpsertCouncil(ctx context.Context, districtID uuid.UUID, name string) (uuid.UUID, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	var id pgtype.UUID
	if err := tx.QueryRow(ctx, `
INSERT INTO councils (district_id, name) VALUES ($1, $2)
ON CONFLICT (district_id, name) DO UPDATE SET name = EXCLUDED.name
RETURNING id`, pgUUID(districtID), name).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return asUUID(id), nil
}

// UpsertAlias points an alias at a council, repointing it when the alias
// already exists. Aliases are globally unique.
func (r *CouncilRepository) UpsertAlias(ctx context.Context, councilID uuid.UUID, alias string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO council_aliases (council_id, alias) VALUES ($1, $2)
ON CONFLICT (alias) DO UPDATE SET council_id = EXCLUDED.council_id`,
		pgUUID(councilID), alias)
	return err
}
