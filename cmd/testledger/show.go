package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/testledger/pkg/ledger"
	"github.com/ethpandaops/testledger/pkg/metrics"
	"github.com/ethpandaops/testledger/pkg/view"
)

// nodeFlags address one node of a project's hierarchy.
type nodeFlags struct {
	project string
	build   int
	level   string
	key     ledger.Key
}

func (f *nodeFlags) register(cmd *cobra.Command, withBuild bool) {
	cmd.Flags().StringVar(&f.project, "project", "", "project name")
	cmd.Flags().StringVar(&f.level, "level", "project",
		"hierarchy level (project, module, package, class, case)")
	cmd.Flags().StringVar(&f.key.Module, "module", "", "module name")
	cmd.Flags().StringVar(&f.key.Package, "package", "", "package name")
	cmd.Flags().StringVar(&f.key.Class, "class", "", "class name")
	cmd.Flags().StringVar(&f.key.Case, "case", "", "case name")

	if withBuild {
		cmd.Flags().IntVar(&f.build, "build", 0, "build number (defaults to the newest build)")
	}

	_ = cmd.MarkFlagRequired("project")
}

// resolve parses the level, truncates the key to it and fills in the newest
// build when none was given.
func (f *nodeFlags) resolve(ctx context.Context, store ledger.Reader) (ledger.Level, ledger.Key, error) {
	level, err := ledger.ParseLevel(f.level)
	if err != nil {
		return 0, ledger.Key{}, err
	}

	key := f.key
	key.Project = f.project

	if f.build == 0 && store != nil {
		builds, err := store.Builds(ctx, f.project)
		if err != nil {
			return 0, ledger.Key{}, fmt.Errorf("listing builds: %w", err)
		}

		if len(builds) == 0 {
			return 0, ledger.Key{}, fmt.Errorf("project %s has no builds", f.project)
		}

		f.build = builds[0].BuildNumber
	}

	return level, key.Truncate(level), nil
}

var (
	showFlags   nodeFlags
	showDepth   int
	showFailing bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a build's result tree",
	Long: `Print the counts of a node and its descendants for one build, each with
its change against the previous build and the build it has been failing since.`,
	RunE: runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
	showFlags.register(showCmd, true)
	showCmd.Flags().IntVar(&showDepth, "depth", 2, "number of levels below the node to print")
	showCmd.Flags().BoolVar(&showFailing, "failing", false,
		"list the failing cases below the node instead of the tree")
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	rec := metrics.New()

	registry, err := openRegistry(cfg, rec)
	if err != nil {
		return err
	}
	defer closeRegistry(registry)

	ctx := cmd.Context()

	store, err := registry.Existing(ctx, showFlags.project)
	if err != nil {
		return err
	}

	level, key, err := showFlags.resolve(ctx, store)
	if err != nil {
		return err
	}

	nav, err := view.NewNavigator(log, store, view.OptionsFromConfig(&cfg.View, rec))
	if err != nil {
		return err
	}

	node, err := nav.Node(ctx, level, showFlags.build, key)
	if err != nil {
		return err
	}

	if node == nil {
		return fmt.Errorf("%s %s has no results in build %d", level, key, showFlags.build)
	}

	out := cmd.OutOrStdout()

	if showFailing {
		return printFailing(ctx, out, node)
	}

	return printTree(ctx, out, node, 0, showDepth)
}

func printTree(ctx context.Context, w io.Writer, node *view.Node, indent, depth int) error {
	diff, err := node.Diff(ctx)
	if err != nil {
		return err
	}

	since, err := node.FailedSince(ctx)
	if err != nil {
		return err
	}

	name := node.Name()
	if node.Level() == ledger.LevelProject {
		name = fmt.Sprintf("%s #%d", name, node.BuildNumber())
	}

	line := fmt.Sprintf("%s%s  pass=%d fail=%d skip=%d total=%d (%+d fail, %+d total) %s",
		strings.Repeat("  ", indent), name,
		node.PassCount(), node.FailCount(), node.SkipCount(), node.TotalCount(),
		diff.Fail, diff.Total, node.Duration())

	if since != view.FailedSinceUnknown {
		line += fmt.Sprintf(" failing since #%d", since)
	}

	if _, err := fmt.Fprintln(w, line); err != nil {
		return err
	}

	if depth == 0 {
		return nil
	}

	children, err := node.Children(ctx)
	if err != nil {
		return err
	}

	for _, child := range children {
		if err := printTree(ctx, w, child, indent+1, depth-1); err != nil {
			return err
		}
	}

	return nil
}

func printFailing(ctx context.Context, w io.Writer, node *view.Node) error {
	tests, err := node.Tests(ctx, ledger.StatusFailure, ledger.StatusError)
	if err != nil {
		return err
	}

	for i := range tests {
		t := &tests[i]

		if _, err := fmt.Fprintf(w, "%-7s %s\n", t.Status, t.Key()); err != nil {
			return err
		}
	}

	return nil
}
