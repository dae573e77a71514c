package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edulink-sl/edulink/modules/registry/services"
)

func newSeedCouncilsCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed-councils",
		Short: "Load the region/district/council hierarchy from a JSON file",
		Long: `Upserts the council hierarchy the matcher resolves against. The file holds
regions, each with districts, each with councils and their known aliases.
Re-running with the same file is a no-op; new aliases are added in place.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeedCouncilsCmd(cmd.Context(), file)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Hierarchy JSON file (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runSeedCouncilsCmd(ctx context.Context, file string) error {
	if strings.TrimSpace(file) == "" {
		return withCode(exitUsage, fmt.Errorf("--file is required"))
	}

	var seed services.HierarchySeed
	if err := readJSONFile(file, &seed); err != nil {
		return err
	}
	if len(seed.Regions) == 0 {
		return withCode(exitValidation, fmt.Errorf("%s: no regions to seed", file))
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

	councils := app.Service(services.CouncilService{}).(*services.CouncilService)
	if err := councils.Seed(ctx, seed); err != nil {
		return serviceErr(err)
	}

	regions, districts, count := 0, 0, 0
	for _, r := range seed.Regions {
		regions++
		for _, d := range r.Districts {
			districts++
			count += len(d.Councils)
		}
	}
	return writeJSONLine(map[string]int{
		"regions":   regions,
		"districts": districts,
		"councils":  count,
	})
}
