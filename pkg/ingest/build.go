package ingest

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/testledger/pkg/ledger"
)

// Build is an ingest session for one build. Records may be added from
// several goroutines; Finish summarizes the build exactly once.
type Build struct {
	ing         *Ingester
	project     string
	buildNumber int
	buildID     string

	mu       sync.Mutex
	finished bool
	records  int
}

// Begin opens an ingest session for one build.
func (i *Ingester) Begin(project string, buildNumber int, buildID string) *Build {
	return &Build{
		ing:         i,
		project:     project,
		buildNumber: buildNumber,
		buildID:     buildID,
	}
}

// Records returns the number of records added so far.
func (b *Build) Records() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.records
}

// Add ingests records into the build.
func (b *Build) Add(ctx context.Context, records []ledger.TestCaseRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return ErrBuildFinished
	}

	if err := b.ing.Ingest(ctx, b.buildNumber, b.buildID, b.project, records); err != nil {
		return err
	}

	b.records += len(records)

	return nil
}

// AddFiles decodes NDJSON files concurrently and ingests their records
// through a single writer. Each file is streamed in batches of the ingest
// batch size, so memory is bounded by the batches in flight rather than by
// file size.
func (b *Build) AddFiles(ctx context.Context, paths ...string) error {
	b.mu.Lock()
	finished := b.finished
	b.mu.Unlock()

	if finished {
		return ErrBuildFinished
	}

	g, gctx := errgroup.WithContext(ctx)
	decoded := make(chan []ledger.TestCaseRecord)

	g.Go(func() error {
		defer close(decoded)

		dec, dctx := errgroup.WithContext(gctx)
		dec.SetLimit(b.ing.opts.Concurrency)

		for _, path := range paths {
			dec.Go(func() error {
				records := 0

				err := ReadFile(path, b.ing.opts.BatchSize, func(batch []ledger.TestCaseRecord) error {
					records += len(batch)

					select {
					case decoded <- batch:
						return nil
					case <-dctx.Done():
						return dctx.Err()
					}
				})
				if err != nil {
					return err
				}

				b.ing.log.WithField("file", path).
					WithField("records", records).
					Debug("Decoded result file")

				return nil
			})
		}

		return dec.Wait()
	})

	g.Go(func() error {
		for batch := range decoded {
			if err := b.Add(gctx, batch); err != nil {
				return err
			}
		}

		return nil
	})

	return g.Wait()
}

// Finish summarizes the build. Later calls and adds return ErrBuildFinished.
func (b *Build) Finish(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return ErrBuildFinished
	}

	if err := b.ing.Summarize(ctx, b.project, b.buildNumber); err != nil {
		return err
	}

	b.finished = true

	b.ing.log.WithFields(logrus.Fields{
		"project": b.project,
		"build":   b.buildNumber,
		"records": b.records,
	}).Info("Build ingested")

	return nil
}
