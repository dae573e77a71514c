package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
	"github.com/edulink-sl/edulink/modules/registry/services"
)

func newRunsCmd() *cobra.Command {
	var status string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List import runs, newest first, one JSON line per run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsCmd(cmd.Context(), strings.TrimSpace(status), limit, offset)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by run status (e.g. READY_FOR_REVIEW, COMMITTED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Runs to skip")

	return cmd
}

func runRunsCmd(ctx context.Context, status string, limit, offset int) error {
	pool, err := connectDB(ctx)
	if err != nil {
		return withCode(exitDB, err)
	}
	defer pool.Close()
	app, err := buildApp(pool)
	if err != nil {
		return withCode(exitDB, err)
	}
	ctx = serviceContext(ctx, pool)

	runs := app.Service(services.RunService{}).(*services.RunService)
	list, _, err := runs.ListRuns(ctx, services.RunListParams{
		Status: importrun.Status(status),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return serviceErr(err)
	}
	for _, run := range list {
		if err := writeJSONLine(run); err != nil {
			return err
		}
	}
	return nil
}
