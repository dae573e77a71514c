package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/edulink-sl/edulink/modules/registry/services"
)

type rollbackOptions struct {
	runID uuid.UUID
	yes   bool
}

func newRollbackCmd() *cobra.Command {
	var opts rollbackOptions
	var run string

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back a committed run by replaying its changeset in reverse",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollbackCmd(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&run, "run", "", "Import run UUID (required)")
	cmd.Flags().BoolVar(&opts.yes, "yes", false, "Confirm destructive rollback")
	_ = cmd.MarkFlagRequired("run")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(strings.TrimSpace(run))
		if err != nil {
			return withCode(exitUsage, fmt.Errorf("invalid --run: %w", err))
		}
		opts.runID = id
		return nil
	}

	return cmd
}

func runRollbackCmd(ctx context.Context, opts rollbackOptions) error {
	if opts.runID == uuid.Nil {
		return withCode(exitUsage, fmt.Errorf("--run is required"))
	}
	if !opts.yes {
		return withCode(exitUsage, fmt.Errorf("rollback undoes committed registry changes; pass --yes to confirm"))
	}

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

	rollbacks := app.Service(services.RollbackService{}).(*services.RollbackService)
	res, err := rollbacks.Rollback(ctx, opts.runID)
	if err != nil {
		return serviceErr(err)
	}
	return writeJSONLine(res)
}
