package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/testledger/pkg/ingest"
	"github.com/ethpandaops/testledger/pkg/metrics"
)

var (
	ingestProject     string
	ingestBuildNumber int
	ingestBuildID     string
	ingestKeepLast    int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [flags] FILE...",
	Short: "Record the test results of one build",
	Long: `Read NDJSON test case reports, one record per line, store them as one
build of a project and persist the build's module, package and project
summaries. With --keep-last the project is compacted afterwards.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestProject, "project", "", "project name")
	ingestCmd.Flags().IntVar(&ingestBuildNumber, "build-number", 0, "build number")
	ingestCmd.Flags().StringVar(&ingestBuildID, "build-id", "",
		"build id (defaults to the build number)")
	ingestCmd.Flags().IntVar(&ingestKeepLast, "keep-last", 0,
		"compact the project down to the newest N builds after ingesting")

	_ = ingestCmd.MarkFlagRequired("project")
	_ = ingestCmd.MarkFlagRequired("build-number")
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestBuildNumber <= 0 {
		return fmt.Errorf("--build-number must be positive, got %d", ingestBuildNumber)
	}

	if ingestKeepLast < 0 {
		return fmt.Errorf("--keep-last must not be negative, got %d", ingestKeepLast)
	}

	if ingestBuildID == "" {
		ingestBuildID = fmt.Sprintf("%d", ingestBuildNumber)
	}

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

	store, err := registry.Store(ctx, ingestProject)
	if err != nil {
		return err
	}

	ing := ingest.New(log, store, ingest.OptionsFromConfig(&cfg.Ingest))
	build := ing.Begin(ingestProject, ingestBuildNumber, ingestBuildID)

	if err := build.AddFiles(ctx, args...); err != nil {
		return fmt.Errorf("ingesting reports: %w", err)
	}

	if err := build.Finish(ctx); err != nil {
		return fmt.Errorf("summarizing build: %w", err)
	}

	if ingestKeepLast == 0 {
		return nil
	}

	retained, err := newestBuildIDs(ctx, store, ingestProject, ingestKeepLast)
	if err != nil {
		return err
	}

	result, err := ing.Retain(ctx, ingestProject, retained)
	if err != nil {
		return fmt.Errorf("compacting project: %w", err)
	}

	log.WithFields(logrus.Fields{
		"retained":  result.Retained,
		"deleted":   result.Deleted,
		"reclaimed": result.Reclaimed,
	}).Info("Project compacted")

	return nil
}
