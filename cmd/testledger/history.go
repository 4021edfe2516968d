package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/testledger/pkg/metrics"
)

var (
	historyFlags nodeFlags
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the per-build counts of a node",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyFlags.register(historyCmd, false)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of builds to print (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyLimit < 0 {
		return fmt.Errorf("--limit must not be negative, got %d", historyLimit)
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

	store, err := registry.Existing(ctx, historyFlags.project)
	if err != nil {
		return err
	}

	level, key, err := historyFlags.resolve(ctx, nil)
	if err != nil {
		return err
	}

	history, err := store.History(ctx, level, key, historyLimit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUILD\tID\tPASS\tFAIL\tERROR\tSKIP\tTOTAL\tDURATION")

	for _, h := range history {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			h.BuildNumber, h.BuildID, h.PassCount, h.FailCount, h.ErrorCount,
			h.SkipCount, h.TotalCount, time.Duration(h.DurationMillis)*time.Millisecond)
	}

	return tw.Flush()
}
