// Package view navigates the rollup hierarchy of one build lazily. Nodes wrap
// a single summary and only query the store for what callers actually touch.
package view

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testledger/pkg/config"
	"github.com/ethpandaops/testledger/pkg/ledger"
	"github.com/ethpandaops/testledger/pkg/metrics"
)

// FailedSinceUnknown is reported when no earlier failing build was found
// within the lookback window, or the node is not failing.
const FailedSinceUnknown = 0

// Options tunes a navigator.
type Options struct {
	// ChildCacheSize bounds the number of parents whose children are cached.
	ChildCacheSize int
	// FailedSinceLookback is the number of historical builds scanned for the
	// failed-since boundary.
	FailedSinceLookback int
	Metrics             *metrics.Recorder
}

// OptionsFromConfig builds navigator options from the view configuration.
func OptionsFromConfig(cfg *config.ViewConfig, rec *metrics.Recorder) Options {
	return Options{
		ChildCacheSize:      cfg.ChildCacheSize,
		FailedSinceLookback: cfg.FailedSinceLookback,
		Metrics:             rec,
	}
}

// Navigator creates nodes over a store and caches their children.
type Navigator struct {
	log    logrus.FieldLogger
	reader ledger.Reader
	opts   Options
	// children maps a parent cache key to its *childIndex. Entries may be
	// evicted at any time.
	children *lru.Cache
}

// childIndex is the cached child list of one parent with a name lookup.
type childIndex struct {
	nodes  []*Node
	byName map[string]*Node
}

// NewNavigator creates a navigator reading from reader.
func NewNavigator(
	log logrus.FieldLogger, reader ledger.Reader, opts Options,
) (*Navigator, error) {
	if opts.ChildCacheSize <= 0 {
		opts.ChildCacheSize = config.DefaultChildCacheSize
	}

	if opts.FailedSinceLookback <= 0 {
		opts.FailedSinceLookback = config.DefaultFailedSinceLookback
	}

	cache, err := lru.New(opts.ChildCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating child cache: %w", err)
	}

	return &Navigator{
		log:      log.WithField("component", "view"),
		reader:   reader,
		opts:     opts,
		children: cache,
	}, nil
}

// Node returns the node of key at level for one build, or nil when the
// build has no test cases under key.
func (n *Navigator) Node(
	ctx context.Context, level ledger.Level, buildNumber int, key ledger.Key,
) (*Node, error) {
	sum, err := n.reader.ForBuild(ctx, level, buildNumber, key)
	if err != nil {
		return nil, err
	}

	if sum == nil {
		return nil, nil
	}

	return n.wrap(sum), nil
}

// Project returns the root node of a project for one build.
func (n *Navigator) Project(
	ctx context.Context, project string, buildNumber int,
) (*Node, error) {
	return n.Node(ctx, ledger.LevelProject, buildNumber, ledger.ProjectKey(project))
}

// Reset drops every cached child list.
func (n *Navigator) Reset() {
	n.children.Purge()
}

func (n *Navigator) wrap(sum *ledger.SummaryRecord) *Node {
	return &Node{nav: n, summary: *sum}
}

// childIndexOf returns the cached children of parent, loading them on a miss.
func (n *Navigator) childIndexOf(ctx context.Context, parent *Node) (*childIndex, error) {
	cacheKey := parent.cacheKey()

	if cached, ok := n.children.Get(cacheKey); ok {
		n.opts.Metrics.CacheLookup(true)

		idx, _ := cached.(*childIndex)

		return idx, nil
	}

	n.opts.Metrics.CacheLookup(false)

	rows, err := n.reader.Children(ctx, parent.Level(), parent.BuildNumber(), parent.Key())
	if err != nil {
		return nil, err
	}

	child, _ := parent.Level().Child()

	idx := &childIndex{
		nodes:  make([]*Node, 0, len(rows)),
		byName: make(map[string]*Node, len(rows)),
	}

	for i := range rows {
		node := n.wrap(&rows[i])
		idx.nodes = append(idx.nodes, node)
		idx.byName[node.Key().Name(child)] = node
	}

	n.children.Add(cacheKey, idx)

	n.log.WithField("parent", parent.Key().String()).
		WithField("children", len(rows)).
		Debug("Loaded child rollups")

	return idx, nil
}
