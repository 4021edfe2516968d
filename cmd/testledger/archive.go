package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/testledger/pkg/archive"
	"github.com/ethpandaops/testledger/pkg/config"
	"github.com/ethpandaops/testledger/pkg/fsutil"
	"github.com/ethpandaops/testledger/pkg/ledger"
	"github.com/ethpandaops/testledger/pkg/metrics"
)

var (
	archiveProject string
	restoreKey     string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Copy project stores to and from S3-compatible storage",
}

var archivePushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload a consistent snapshot of a project store",
	RunE:  runArchivePush,
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the archived snapshots of a project",
	RunE:  runArchiveList,
}

var archiveRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Download an archived snapshot as the project's store",
	Long: `Download an archived snapshot, the newest unless --key is given, into the
project's store directory. The project must not have a store yet.`,
	RunE: runArchiveRestore,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archivePushCmd, archiveListCmd, archiveRestoreCmd)
	archiveCmd.PersistentFlags().StringVar(&archiveProject, "project", "", "project name")
	archiveRestoreCmd.Flags().StringVar(&restoreKey, "key", "", "snapshot key to restore")

	_ = archiveCmd.MarkPersistentFlagRequired("project")
}

// loadArchiver loads the configuration and builds the configured archiver.
func loadArchiver(cmd *cobra.Command) (*config.Config, archive.Archiver, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	if !cfg.Archive.S3.Enabled {
		return nil, nil, fmt.Errorf("S3 archive is not configured or not enabled in config")
	}

	return cfg, archive.NewS3Archiver(log, &cfg.Archive.S3), nil
}

func runArchivePush(cmd *cobra.Command, args []string) error {
	cfg, archiver, err := loadArchiver(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	if err := archiver.Preflight(ctx); err != nil {
		return fmt.Errorf("s3 preflight: %w", err)
	}

	registry, err := openRegistry(cfg, metrics.New())
	if err != nil {
		return err
	}
	defer closeRegistry(registry)

	store, err := registry.Existing(ctx, archiveProject)
	if err != nil {
		return err
	}

	tmp, err := os.MkdirTemp("", "testledger-snapshot-")
	if err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	snapshot := filepath.Join(tmp, ledger.DatabaseFile)

	if err := store.Snapshot(ctx, snapshot); err != nil {
		return err
	}

	key, err := archiver.Archive(ctx, archiveProject, snapshot)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), key)

	return err
}

func runArchiveList(cmd *cobra.Command, args []string) error {
	_, archiver, err := loadArchiver(cmd)
	if err != nil {
		return err
	}

	keys, err := archiver.List(cmd.Context(), archiveProject)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), key); err != nil {
			return err
		}
	}

	return nil
}

func runArchiveRestore(cmd *cobra.Command, args []string) error {
	cfg, archiver, err := loadArchiver(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	key := restoreKey
	if key == "" {
		keys, err := archiver.List(ctx, archiveProject)
		if err != nil {
			return err
		}

		if len(keys) == 0 {
			return fmt.Errorf("%w for project %s", archive.ErrNoSnapshot, archiveProject)
		}

		key = keys[len(keys)-1]
	}

	registry, err := openRegistry(cfg, nil)
	if err != nil {
		return err
	}

	dir, err := registry.ProjectDir(archiveProject)
	if err != nil {
		return err
	}

	owner, err := fsutil.ParseOwner(cfg.Global.DataDirOwner)
	if err != nil {
		return err
	}

	if err := fsutil.MkdirAll(dir, 0o755, owner); err != nil {
		return fmt.Errorf("creating store dir: %w", err)
	}

	dest := filepath.Join(dir, ledger.DatabaseFile)

	if err := archiver.Restore(ctx, key, dest); err != nil {
		return err
	}

	fsutil.Chown(dest, owner)

	log.WithField("key", key).WithField("path", dest).Info("Snapshot restored")

	return nil
}
