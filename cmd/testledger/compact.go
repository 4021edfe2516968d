package main

import (
	"context"
	"fmt"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/testledger/pkg/ledger"
	"github.com/ethpandaops/testledger/pkg/metrics"
)

var (
	compactProject  string
	compactRetain   []string
	compactKeepLast int
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Delete the builds of a project that are no longer retained",
	Long: `Delete every test case and summary of a project whose build id is not
retained, then reclaim disk space once the store has grown past its
threshold. Retain builds by id with --retain or the newest N with --keep-last.`,
	RunE: runCompact,
}

func init() {
	rootCmd.AddCommand(compactCmd)
	compactCmd.Flags().StringVar(&compactProject, "project", "", "project name")
	compactCmd.Flags().StringSliceVar(&compactRetain, "retain", nil,
		"build ids to keep (comma-separated or repeated flag)")
	compactCmd.Flags().IntVar(&compactKeepLast, "keep-last", 0, "keep the newest N builds")

	_ = compactCmd.MarkFlagRequired("project")
	compactCmd.MarkFlagsMutuallyExclusive("retain", "keep-last")
	compactCmd.MarkFlagsOneRequired("retain", "keep-last")
}

func runCompact(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	registry, err := openRegistry(cfg, metrics.New())
	if err != nil {
		return err
	}
	defer closeRegistry(registry)

	ctx := cmd.Context()

	store, err := registry.Existing(ctx, compactProject)
	if err != nil {
		return err
	}

	retained := compactRetain

	if cmd.Flags().Changed("keep-last") {
		if compactKeepLast < 1 {
			return fmt.Errorf("--keep-last must be positive, got %d", compactKeepLast)
		}

		retained, err = newestBuildIDs(ctx, store, compactProject, compactKeepLast)
		if err != nil {
			return err
		}
	}

	result, err := store.Compact(ctx, compactProject, retained)
	if err != nil {
		return fmt.Errorf("compacting project: %w", err)
	}

	log.WithFields(logrus.Fields{
		"project":     result.Project,
		"retained":    result.Retained,
		"deleted":     result.Deleted,
		"size_before": units.BytesSize(float64(result.SizeBefore)),
		"size_after":  units.BytesSize(float64(result.SizeAfter)),
		"threshold":   units.BytesSize(float64(result.Threshold)),
		"reclaimed":   result.Reclaimed,
	}).Info("Project compacted")

	return nil
}

// newestBuildIDs returns the ids of the newest n builds of project.
func newestBuildIDs(ctx context.Context, store ledger.Reader, project string, n int) ([]string, error) {
	builds, err := store.Builds(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}

	if len(builds) > n {
		builds = builds[:n]
	}

	ids := make([]string, 0, len(builds))
	for _, b := range builds {
		ids = append(ids, b.BuildID)
	}

	return ids, nil
}
