package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/testledger/pkg/config"
	"github.com/ethpandaops/testledger/pkg/ledger"
	"github.com/ethpandaops/testledger/pkg/metrics"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFiles []string
	logLevel string
	log      *logrus.Logger
)

func main() {
	log = logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Failed to execute command")
	}
}

var rootCmd = &cobra.Command{
	Use:   "testledger",
	Short: "Hierarchical test result store",
	Long: `Testledger records test case results per build and rolls them up into
module, package and project summaries. It answers "what changed since the
previous build" and "since when has this been failing" at every level.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}

		log.SetLevel(level)

		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("testledger %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&cfgFiles, "config", nil,
		"config file path (repeat to merge several files)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level ("+strings.Join(logLevels(), ", ")+")")

	rootCmd.AddCommand(versionCmd)
}

func logLevels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}

	return levels
}

// loadConfig loads and validates the configuration. The config file's log
// level applies unless --log-level was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") {
		level, _ := logrus.ParseLevel(cfg.Global.LogLevel)
		log.SetLevel(level)
	}

	return cfg, nil
}

// openRegistry creates the project store registry below the data dir.
func openRegistry(cfg *config.Config, rec *metrics.Recorder) (*ledger.Registry, error) {
	opts, err := ledger.OptionsFromConfig(cfg, rec)
	if err != nil {
		return nil, err
	}

	log.WithField("data_dir", cfg.Global.DataDir).Debug("Using data dir")

	return ledger.NewRegistry(log, cfg.Global.DataDir, opts), nil
}

// closeRegistry stops every store opened through registry.
func closeRegistry(registry *ledger.Registry) {
	if err := registry.Close(); err != nil {
		log.WithError(err).Warn("Failed to close stores")
	}
}
