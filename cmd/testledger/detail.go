package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/testledger/pkg/ledger"
	"github.com/ethpandaops/testledger/pkg/metrics"
)

var (
	detailFlags        nodeFlags
	detailStream       string
	detailModuleOutput bool
)

var detailCmd = &cobra.Command{
	Use:   "detail",
	Short: "Print the error text or output of one test case",
	Long: `Print the error message and stack trace of one test case in one build.
With --stream stdout or --stream stderr the captured output is printed instead.
--module-output addresses the output recorded for the module as a whole.`,
	RunE: runDetail,
}

func init() {
	rootCmd.AddCommand(detailCmd)
	detailFlags.register(detailCmd, true)
	detailCmd.Flags().StringVar(&detailStream, "stream", "", "print captured output (stdout or stderr)")
	detailCmd.Flags().BoolVar(&detailModuleOutput, "module-output", false,
		"read the output recorded for --module rather than one case")
}

func runDetail(cmd *cobra.Command, args []string) error {
	if detailStream != "" && detailStream != "stdout" && detailStream != "stderr" {
		return fmt.Errorf("--stream must be stdout or stderr, got %q", detailStream)
	}

	detailFlags.level = ledger.LevelCase.String()

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

	store, err := registry.Existing(ctx, detailFlags.project)
	if err != nil {
		return err
	}

	_, key, err := detailFlags.resolve(ctx, store)
	if err != nil {
		return err
	}

	var detail *ledger.Detail
	if detailModuleOutput {
		detail, err = store.ModuleOutput(ctx, detailFlags.build, key.Project, key.Module)
	} else {
		detail, err = store.ReadDetail(ctx, detailFlags.build, key)
	}

	if err != nil {
		return err
	}

	if detail == nil {
		return fmt.Errorf("case %s has no result in build %d", key, detailFlags.build)
	}

	out := cmd.OutOrStdout()

	switch detailStream {
	case "stdout":
		_, err = io.Copy(out, detail.Stdout)
	case "stderr":
		_, err = io.Copy(out, detail.Stderr)
	default:
		_, err = fmt.Fprintf(out, "%s\n\n%s\n", detail.ErrorMessage, detail.ErrorStackTrace)
	}

	return err
}
