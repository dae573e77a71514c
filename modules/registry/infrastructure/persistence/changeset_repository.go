package persistence

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/edulink-sl/edulink/modules/registry/domain/changeset"
	"github.com/edulink-sl/edulink/pkg/composables"
	"github.com/edulink-sl/edulink/pkg/repo"
)

type ChangesetRepository struct{}

func NewChangesetRepository() *ChangesetRepository {
	return &ChangesetRepository{}
}

// Create writes the changeset header and all entries. Called from inside the
// commit transaction so the changeset lands atomically with the entity writes.
func (r *ChangesetRepository) Create(ctx context.Context, cs *changeset.Changeset) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO changesets (run_id) VALUES ($1)`, pgUUID(cs.RunID)); err != nil {
		return err
	}
	if len(cs.Entries) == 0 {
		return nil
	}

	values := make([][]interface{}, 0, len(cs.Entries))
	for _, e := range cs.Entries {
		var prev any
		if len(e.PreviousSnapshot) > 0 {
			prev = []byte(e.PreviousSnapshot)
		}
		values = append(values, []interface{}{
			pgUUID(cs.RunID),
			e.Seq,
			e.EntityType,
			pgUUID(e.EntityID),
			string(e.Operation),
			prev,
			[]byte(e.NewSnapshot),
		})
	}

	q, args := repo.BatchInsertQueryN(`
INSERT INTO changeset_entries (run_id, seq, entity_type, entity_id, operation, previous_snapshot, new_snapshot)
VALUES`, values)
	_, err = tx.Exec(ctx, q, args...)
	return err
}

func (r *ChangesetRepository) scanHeader(row pgx.Row, runID uuid.UUID) (*changeset.Changeset, error) {
	var (
		createdAt  pgtype.Timestamptz
		consumedAt pgtype.Timestamptz
	)
	if err := row.Scan(&createdAt, &consumedAt); err != nil {
		return nil, err
	}
	return &changeset.Changeset{
		RunID:      runID,
		CreatedAt:  asTime(createdAt),
		ConsumedAt: nullableTime(consumedAt),
	}, nil
}

func (r *ChangesetRepository) GetHeader(ctx context.Context, runID uuid.UUID) (*changeset.Changeset, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	return r.scanHeader(tx.QueryRow(ctx,
		`SELECT created_at, consumed_at FROM changesets WHERE run_id = $1`, pgUUID(runID)), runID)
}

// GetHeaderForUpdate locks the changeset row so rollback consumes it exactly
// once even under concurrent calls.
func (r *ChangesetRepository) GetHeaderForUpdate(ctx context.Context, runID uuid.UUID) (*changeset.Changeset, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	return r.scanHeader(tx.QueryRow(ctx,
		`SELECT created_at, consumed_at FROM changesets WHERE run_id = $1 FOR UPDATE`, pgUUID(runID)), runID)
}

const changesetEntryColumns = `
	id,
	run_id,
	seq,
	entity_type,
	entity_id,
	operation,
	previous_snapshot,
	new_snapshot,
	created_at`

func scanChangesetEntry(row pgx.Row) (changeset.Entry, error) {
	var (
		id        pgtype.UUID
		runID     pgtype.UUID
		entityID  pgtype.UUID
		prev      []byte
		next      []byte
		createdAt pgtype.Timestamptz
		e         changeset.Entry
	)
	if err := row.Scan(
		&id,
		&runID,
		&e.Seq,
		&e.EntityType,
		&entityID,
		&e.Operation,
		&prev,
		&next,
		&createdAt,
	); err != nil {
		return changeset.Entry{}, err
	}
	e.ID = asUUID(id)
	e.RunID = asUUID(runID)
	e.EntityID = asUUID(entityID)
	e.PreviousSnapshot = json.RawMessage(prev)
	e.NewSnapshot = json.RawMessage(next)
	e.CreatedAt = asTime(createdAt)
	return e, nil
}

// ListAllEntries returns every entry of a run in Seq order. Rollback reverses
// the result in memory.
func (r *ChangesetRepository) ListAllEntries(ctx context.Context, runID uuid.UUID) ([]changeset.Entry, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT`+changesetEntryColumns+`
FROM changeset_entries
WHERE run_id = $1
ORDER BY seq`, pgUUID(runID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]changeset.Entry, 0)
	for rows.Next() {
		e, err := scanChangesetEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *ChangesetRepository) ListEntries(ctx context.Context, runID uuid.UUID, limit, offset int) ([]changeset.Entry, int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM changeset_entries WHERE run_id = $1`, pgUUID(runID)).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := repo.Join(
		"SELECT"+changesetEntryColumns+" FROM changeset_entries WHERE run_id = $1",
		"ORDER BY seq",
		repo.FormatLimitOffset(limit, offset),
	)
	rows, err := tx.Query(ctx, q, pgUUID(runID))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]changeset.Entry, 0)
	for rows.Next() {
		e, err := scanChangesetEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// MarkConsumed stamps the changeset. The WHERE guard makes a second consume
// attempt visible as pgx.ErrNoRows.
func (r *ChangesetRepository) MarkConsumed(ctx context.Context, runID uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
UPDATE changesets
SET consumed_at = now()
WHERE run_id = $1 AND consumed_at IS NULL`, pgUUID(runID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
