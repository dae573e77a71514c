package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx is the querying surface shared by pgx.Tx and *pgxpool.Pool.
// Repositories accept it from context so the same code runs inside and
// outside an explicit transaction.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Join concatenates non-empty SQL fragments with a single space.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, " ")
}

// JoinWhere builds a WHERE clause from AND-ed conditions. Empty input
// yields an empty string so it can be passed straight to Join.
func JoinWhere(conditions ...string) string {
	filtered := make([]string, 0, len(conditions))
	for _, c := range conditions {
		if strings.TrimSpace(c) == "" {
			continue
		}
		filtered = append(filtered, c)
	}
	if len(filtered) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(filtered, " AND ")
}

// FormatLimitOffset renders LIMIT/OFFSET, omitting non-positive parts.
func FormatLimitOffset(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf("LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf("OFFSET %d", offset)
	default:
		return ""
	}
}

// BatchInsertQueryN expands a query ending in VALUES into a multi-row
// insert. Every row must have the same arity.
func BatchInsertQueryN(baseQuery string, rows [][]interface{}) (string, []interface{}) {
	if len(rows) == 0 {
		return baseQuery, nil
	}

	width := len(rows[0])
	args := make([]interface{}, 0, len(rows)*width)
	groups := make([]string, 0, len(rows))

	for i, row := range rows {
		placeholders := make([]string, 0, width)
		for j := range row {
			placeholders = append(placeholders, fmt.Sprintf("$%d", i*width+j+1))
		}
		groups = append(groups, "("+strings.Join(placeholders, ", ")+")")
		args = append(args, row...)
	}

	return baseQuery + " " + strings.Join(groups, ", "), args
}
