package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply registry schema migrations (or roll them back with --down)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateCmd(cmd.Context(), down)
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "Roll all registered schemas back instead of applying them")

	return cmd
}

func runMigrateCmd(ctx context.Context, down bool) error {
	pool, err := connectDB(ctx)
	if err != nil {
		return withCode(exitDB, err)
	}
	defer pool.Close()
	app, err := buildApp(pool)
	if err != nil {
		return withCode(exitDB, err)
	}

	if down {
		if err := app.Migrations().Rollback(); err != nil {
			return withCode(exitDB, err)
		}
		return writeJSONLine(map[string]string{"migrations": "rolled back"})
	}
	if err := app.Migrations().Run(); err != nil {
		return withCode(exitDB, err)
	}
	return writeJSONLine(map[string]string{"migrations": "applied"})
}
