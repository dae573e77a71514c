package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

type exportOptions struct {
	output          string
	council         string
	includeInactive bool
}

func newExportCmd() *cobra.Command {
	var opts exportOptions

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export registry schools into a re-importable CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.output, "output", "", "Output CSV path (required)")
	cmd.Flags().StringVar(&opts.council, "council", "", "Only export schools in this council")
	cmd.Flags().BoolVar(&opts.includeInactive, "include-inactive", false, "Include deactivated schools")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

// runExport writes schools with their resolved region/district/council names
// in the import column order, so the file round-trips through an import as
// all no-ops.
func runExport(ctx context.Context, opts exportOptions) error {
	if strings.TrimSpace(opts.output) == "" {
		return withCode(exitUsage, fmt.Errorf("--output is required"))
	}

	pool, err := connectDB(ctx)
	if err != nil {
		return withCode(exitDB, err)
	}
	defer pool.Close()

	f, err := os.Create(opts.output)
	if err != nil {
		return withCode(exitDB, err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	header := []string{
		"School Name", "EMIS Code", "Region", "District", "Council", "School Type",
		"Chiefdom", "Section", "Town", "Latitude", "Longitude", "Altitude",
	}
	if err := w.Write(header); err != nil {
		return withCode(exitDB, err)
	}

	n, err := writeSchools(ctx, pool, w, opts)
	if err != nil {
		return err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return withCode(exitDB, err)
	}
	if err := f.Close(); err != nil {
		return withCode(exitDB, err)
	}

	type exportSummary struct {
		Status  string `json:"status"`
		Schools int    `json:"schools"`
		Output  string `json:"output"`
	}
	return writeJSONLine(exportSummary{
		Status:  "exported",
		Schools: n,
		Output:  opts.output,
	})
}

func writeSchools(ctx context.Context, pool *pgxpool.Pool, w *csv.Writer, opts exportOptions) (int, error) {
	query := `
		SELECT s.name, s.emis_code, r.name, d.name, c.name, s.school_type,
		       s.chiefdom, s.section, s.town, s.latitude, s.longitude, s.altitude
		FROM schools s
		JOIN councils c ON c.id = s.council_id
		JOIN districts d ON d.id = c.district_id
		JOIN regions r ON r.id = d.region_id`
	var conds []string
	var args []any
	if !opts.includeInactive {
		conds = append(conds, "s.active")
	}
	if council := strings.TrimSpace(opts.council); council != "" {
		args = append(args, council)
		conds = append(conds, fmt.Sprintf("c.name = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}
	query += "\n\t\tORDER BY s.emis_code ASC"

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return 0, withCode(exitDB, err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			name, emis, region, district, council, schoolType string
			chiefdom, section, town                           string
			lat, lon, alt                                     float64
		)
		if err := rows.Scan(&name, &emis, &region, &district, &council, &schoolType,
			&chiefdom, &section, &town, &lat, &lon, &alt); err != nil {
			return 0, withCode(exitDB, err)
		}
		record := []string{
			name, emis, region, district, council, schoolType,
			chiefdom, section, town,
			strconv.FormatFloat(lat, 'f', -1, 64),
			strconv.FormatFloat(lon, 'f', -1, 64),
			strconv.FormatFloat(alt, 'f', -1, 64),
		}
		if err := w.Write(record); err != nil {
			return 0, withCode(exitDB, err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, withCode(exitDB, err)
	}
	return count, nil
}
