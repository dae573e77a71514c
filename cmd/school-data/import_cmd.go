package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
	"github.com/edulink-sl/edulink/modules/registry/domain/entities/stagingrow"
	"github.com/edulink-sl/edulink/modules/registry/services"
)

type importOptions struct {
	file          string
	dryRun        bool
	authoritative bool
	apply         bool
	yes           bool
	operator      string
	showRows      int
}

func newImportCmd() *cobra.Command {
	var opts importOptions

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a school workbook (CSV/XLSX/XLS) through the registry pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImportCmd(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.file, "file", "", "Workbook to import (required)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Validate and match only; the run can never be committed")
	cmd.Flags().BoolVar(&opts.authoritative, "authoritative", false, "Deactivate schools absent from the file within the touched councils")
	cmd.Flags().BoolVar(&opts.apply, "apply", false, "Commit the run if it comes out READY_TO_COMMIT")
	cmd.Flags().BoolVar(&opts.yes, "yes", false, "Confirm overwrites of existing schools")
	cmd.Flags().StringVar(&opts.operator, "operator", "cli", "Initiator recorded on the run")
	cmd.Flags().IntVar(&opts.showRows, "show-rows", 20, "Outstanding rows to print when the run needs review")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runImportCmd(ctx context.Context, opts importOptions) error {
	if strings.TrimSpace(opts.file) == "" {
		return withCode(exitUsage, fmt.Errorf("--file is required"))
	}
	if opts.dryRun && opts.apply {
		return withCode(exitUsage, fmt.Errorf("--dry-run and --apply are mutually exclusive"))
	}

	f, err := os.Open(opts.file)
	if err != nil {
		return withCode(exitUsage, fmt.Errorf("open %s: %w", opts.file, err))
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return withCode(exitUsage, fmt.Errorf("stat %s: %w", opts.file, err))
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

	imports := app.Service(services.ImportService{}).(*services.ImportService)
	pipeline := app.Service(services.PipelineService{}).(*services.PipelineService)
	commits := app.Service(services.CommitService{}).(*services.CommitService)

	run, err := imports.Upload(ctx, services.UploadInput{
		FileName:      filepath.Base(opts.file),
		Size:          info.Size(),
		Reader:        f,
		DryRun:        opts.dryRun,
		Authoritative: opts.authoritative,
		CreatedBy:     opts.operator,
	})
	if err != nil {
		return serviceErr(err)
	}

	pipeline.ProcessPending(ctx)

	detail, err := imports.GetRunDetail(ctx, run.ID)
	if err != nil {
		return serviceErr(err)
	}
	if err := writeJSONLine(detail); err != nil {
		return err
	}

	switch detail.Run.Status {
	case importrun.StatusFailed:
		code, message := "", ""
		if detail.Run.FailureCode != nil {
			code = *detail.Run.FailureCode
		}
		if detail.Run.FailureMessage != nil {
			message = *detail.Run.FailureMessage
		}
		return withCode(exitValidation, fmt.Errorf("run %s failed (%s): %s", run.ID, code, message))

	case importrun.StatusReadyForReview:
		if err := printOutstandingRows(ctx, imports, run, opts.showRows); err != nil {
			return err
		}
		outstanding := detail.Validation.Errors + detail.Validation.RequiresReview
		return withCode(exitValidation, fmt.Errorf("run %s requires review: %d rows outstanding", run.ID, outstanding))

	case importrun.StatusReadyToCommit:
		if !opts.apply {
			return nil
		}
		res, err := commits.Commit(ctx, run.ID, opts.yes)
		if err != nil {
			var svcErr *services.ServiceError
			if errors.As(err, &svcErr) && svcErr.Code == "REGISTRY_OVERWRITE_CONFIRMATION" {
				return withCode(exitConflict, fmt.Errorf("%s (pass --yes to confirm)", svcErr.Message))
			}
			return serviceErr(err)
		}
		return writeJSONLine(res)

	default:
		return withCode(exitDB, fmt.Errorf("run %s did not finish processing (status %s)", run.ID, detail.Run.Status))
	}
}

func printOutstandingRows(ctx context.Context, imports *services.ImportService, run *importrun.ImportRun, max int) error {
	if max <= 0 {
		return nil
	}
	for _, status := range []stagingrow.ValidationStatus{stagingrow.ValidationError, stagingrow.ValidationRequiresReview} {
		if max <= 0 {
			return nil
		}
		rows, _, err := imports.ListRows(ctx, run.ID, services.RowFilter{Status: status, Limit: max})
		if err != nil {
			return serviceErr(err)
		}
		for _, row := range rows {
			if err := writeJSONLine(row); err != nil {
				return err
			}
		}
		max -= len(rows)
	}
	return nil
}
