// Package ingest feeds parsed test results of a build into a ledger store
// and triggers the per-build summary and compaction.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testledger/pkg/config"
	"github.com/ethpandaops/testledger/pkg/ledger"
)

// ErrBuildFinished is returned when a finished build session is used again.
var ErrBuildFinished = errors.New("build already finished")

// Sink is the part of a store that ingest writes to.
type Sink interface {
	InsertBatch(ctx context.Context, records []ledger.TestCaseRecord) error
	SummarizeBuild(ctx context.Context, project string, buildNumber int) error
	Compact(ctx context.Context, project string, retainedBuildIDs []string) (*ledger.CompactResult, error)
}

// Options tunes an ingester.
type Options struct {
	// BatchSize is the number of records handed to the sink at a time.
	BatchSize int
	// Concurrency bounds the number of files decoded in parallel.
	Concurrency int
}

// OptionsFromConfig builds ingest options from the configuration.
func OptionsFromConfig(cfg *config.IngestConfig) Options {
	return Options{
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
	}
}

// Ingester writes builds into one sink.
type Ingester struct {
	log  logrus.FieldLogger
	sink Sink
	opts Options
}

// New creates an ingester writing to sink.
func New(log logrus.FieldLogger, sink Sink, opts Options) *Ingester {
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultIngestBatchSize
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = config.DefaultIngestConcurrency
	}

	return &Ingester{
		log:  log.WithField("component", "ingest"),
		sink: sink,
		opts: opts,
	}
}

// Ingest stamps the build identity onto records and inserts them in
// batches. It may be called several times per build; callers finish the
// build with Summarize.
func (i *Ingester) Ingest(
	ctx context.Context,
	buildNumber int,
	buildID, project string,
	records []ledger.TestCaseRecord,
) error {
	for start := 0; start < len(records); start += i.opts.BatchSize {
		end := min(start+i.opts.BatchSize, len(records))

		batch := make([]ledger.TestCaseRecord, end-start)
		copy(batch, records[start:end])

		for j := range batch {
			batch[j].Project = project
			batch[j].BuildID = buildID
			batch[j].BuildNumber = buildNumber

			if err := batch[j].Validate(); err != nil {
				return fmt.Errorf("record %d: %w", start+j, err)
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if err := i.sink.InsertBatch(ctx, batch); err != nil {
			return fmt.Errorf("inserting records %d-%d of build %d: %w",
				start, end-1, buildNumber, err)
		}
	}

	i.log.WithFields(logrus.Fields{
		"project": project,
		"build":   buildNumber,
		"records": len(records),
	}).Debug("Ingested records")

	return nil
}

// Summarize persists the module, package and project rollups of a build.
func (i *Ingester) Summarize(ctx context.Context, project string, buildNumber int) error {
	return i.sink.SummarizeBuild(ctx, project, buildNumber)
}

// Retain compacts the project down to the retained build ids.
func (i *Ingester) Retain(
	ctx context.Context, project string, retainedBuildIDs []string,
) (*ledger.CompactResult, error) {
	return i.sink.Compact(ctx, project, retainedBuildIDs)
}
