package view

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/testledger/pkg/ledger"
)

// Diff is the change of a node's counts against the previous build that
// has the same key. Without a previous build the diff equals the counts.
type Diff struct {
	PreviousBuild int   `json:"previous_build,omitempty"`
	Pass          int64 `json:"pass"`
	Fail          int64 `json:"fail"`
	Skip          int64 `json:"skip"`
	Total         int64 `json:"total"`
}

// Node is one rollup of the hierarchy for one build. The summary is fixed at
// construction; everything else is loaded on first use.
type Node struct {
	nav     *Navigator
	summary ledger.SummaryRecord

	mu          sync.Mutex
	previous    *ledger.SummaryRecord
	hasPrevious bool
	failedSince int
	cumulative  *ledger.SummaryRecord
	hasMetrics  bool
}

func (n *Node) Level() ledger.Level { return n.summary.Level }

func (n *Node) Key() ledger.Key { return n.summary.Key() }

// Name is the last component of the key.
func (n *Node) Name() string { return n.summary.Key().Name(n.summary.Level) }

func (n *Node) BuildNumber() int { return n.summary.BuildNumber }

// Summary returns a copy of the wrapped rollup.
func (n *Node) Summary() ledger.SummaryRecord { return n.summary }

func (n *Node) PassCount() int64 { return n.summary.PassCount }

// FailCount counts failures and errors together.
func (n *Node) FailCount() int64 { return n.summary.FailCount + n.summary.ErrorCount }

func (n *Node) SkipCount() int64 { return n.summary.SkipCount }

func (n *Node) TotalCount() int64 { return n.summary.TotalCount }

// Duration is the summed duration of the node's cases.
func (n *Node) Duration() time.Duration {
	return time.Duration(n.summary.DurationMillis) * time.Millisecond
}

// Previous returns the rollup of the same key in the closest earlier build,
// or nil when there is none. The result is memoized.
func (n *Node) Previous(ctx context.Context) (*ledger.SummaryRecord, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.hasPrevious {
		return n.previous, nil
	}

	prev, err := n.nav.reader.ForBuildPriorTo(ctx, n.Level(), n.BuildNumber(), n.Key())
	if err != nil {
		return nil, err
	}

	n.previous = prev
	n.hasPrevious = true

	return prev, nil
}

// Diff compares the node against its previous build.
func (n *Node) Diff(ctx context.Context) (Diff, error) {
	prev, err := n.Previous(ctx)
	if err != nil {
		return Diff{}, err
	}

	diff := Diff{
		Pass:  n.PassCount(),
		Fail:  n.FailCount(),
		Skip:  n.SkipCount(),
		Total: n.TotalCount(),
	}

	if prev == nil {
		return diff, nil
	}

	diff.PreviousBuild = prev.BuildNumber
	diff.Pass -= prev.PassCount
	diff.Fail -= prev.FailCount + prev.ErrorCount
	diff.Skip -= prev.SkipCount
	diff.Total -= prev.TotalCount

	return diff, nil
}

// Children returns the nodes one level below, ordered by name. The list may
// come from the navigator cache.
func (n *Node) Children(ctx context.Context) ([]*Node, error) {
	if _, ok := n.Level().Child(); !ok {
		return nil, nil
	}

	idx, err := n.nav.childIndexOf(ctx, n)
	if err != nil {
		return nil, err
	}

	return idx.nodes, nil
}

// ChildByName returns the child with the given name, or nil.
func (n *Node) ChildByName(ctx context.Context, name string) (*Node, error) {
	if _, ok := n.Level().Child(); !ok {
		return nil, nil
	}

	idx, err := n.nav.childIndexOf(ctx, n)
	if err != nil {
		return nil, err
	}

	return idx.byName[name], nil
}

// FailedSince returns the newest earlier build in which the node had
// failures or errors. Passing nodes and nodes whose history holds no such
// build within the lookback report FailedSinceUnknown, which is not memoized.
func (n *Node) FailedSince(ctx context.Context) (int, error) {
	if n.FailCount() == 0 {
		return FailedSinceUnknown, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failedSince != FailedSinceUnknown {
		return n.failedSince, nil
	}

	history, err := n.nav.reader.History(ctx, n.Level(), n.Key(), n.nav.opts.FailedSinceLookback)
	if err != nil {
		return FailedSinceUnknown, fmt.Errorf("scanning history of %s: %w", n.Key(), err)
	}

	for i := range history {
		h := &history[i]
		if h.BuildNumber < n.BuildNumber() && h.FailCount+h.ErrorCount > 0 {
			n.failedSince = h.BuildNumber

			break
		}
	}

	return n.failedSince, nil
}

// History returns up to limit rollups of the node's key, newest first.
func (n *Node) History(ctx context.Context, limit int) ([]ledger.SummaryRecord, error) {
	return n.nav.reader.History(ctx, n.Level(), n.Key(), limit)
}

// Metrics returns the node's counts summed over every build up to its own.
// The result is memoized.
func (n *Node) Metrics(ctx context.Context) (*ledger.SummaryRecord, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.hasMetrics {
		return n.cumulative, nil
	}

	m, err := n.nav.reader.Metrics(ctx, n.Level(), n.BuildNumber(), n.Key())
	if err != nil {
		return nil, err
	}

	n.cumulative = m
	n.hasMetrics = true

	return m, nil
}

// Tests lists the case executions below the node, optionally filtered.
func (n *Node) Tests(ctx context.Context, statuses ...ledger.Status) ([]ledger.TestCaseRecord, error) {
	return n.nav.reader.Tests(ctx, n.Level(), n.BuildNumber(), n.Key(), statuses...)
}

func (n *Node) cacheKey() string {
	return fmt.Sprintf("%d/%s/%#v", n.BuildNumber(), n.Level(), n.Key())
}
