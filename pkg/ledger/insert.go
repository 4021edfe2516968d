package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"gorm.io/gorm"
)

// insertChunkSize is the number of rows built and written at a time, which
// bounds how much console output is held in memory inside one insert.
const insertChunkSize = 100

// InsertBatch inserts records in a single transaction. Error text is
// truncated and console output is compressed as it is read.
func (s *store) InsertBatch(ctx context.Context, records []TestCaseRecord) error {
	if len(records) == 0 {
		return nil
	}

	if len(records) > s.opts.MaxBatchSize {
		return fmt.Errorf("%w: %d records, limit %d",
			ErrBatchTooLarge, len(records), s.opts.MaxBatchSize)
	}

	for i := range records {
		if err := records[i].Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}

	db, release, err := s.conn(ctx)
	if err != nil {
		return err
	}

	defer release()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = db.Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(records); start += insertChunkSize {
			end := min(start+insertChunkSize, len(records))

			rows := make([]testRow, 0, end-start)

			for i := start; i < end; i++ {
				row, err := newTestRow(&records[i])
				if err != nil {
					return fmt.Errorf("record %d: %w", i, err)
				}

				rows = append(rows, row)
			}

			if err := tx.CreateInBatches(rows, len(rows)).Error; err != nil {
				return fmt.Errorf("inserting test cases: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	perProject := make(map[string]int, 1)
	for i := range records {
		perProject[records[i].Project]++
	}

	for project, n := range perProject {
		s.opts.Metrics.RecordsInserted(project, n)
	}

	s.log.WithField("records", len(records)).Debug("Inserted test cases")

	return nil
}

func newTestRow(r *TestCaseRecord) (testRow, error) {
	row := testRow{
		ProjectName: r.Project,
		BuildID:     r.BuildID,
		BuildNumber: r.BuildNumber,
		ModuleName:  r.Module,
		PackageName: r.Package,
		ClassName:   r.Class,
		CaseName:    r.Case,
		Ordinal:     r.Index,
		Status:      int(r.Status),
		StartTime:   r.StartTime,
		Duration:    r.DurationMillis,
	}

	if r.Detail == nil {
		return row, nil
	}

	row.ErrorMessage = truncateRunes(r.Detail.ErrorMessage, MaxErrorMessageLength)
	row.ErrorStackTrace = truncateRunes(r.Detail.ErrorStackTrace, MaxErrorStackTraceLength)

	var err error

	if row.Stdout, err = compressOutput(r.Detail.Stdout); err != nil {
		return row, fmt.Errorf("reading stdout: %w", err)
	}

	if row.Stderr, err = compressOutput(r.Detail.Stderr); err != nil {
		return row, fmt.Errorf("reading stderr: %w", err)
	}

	return row, nil
}

// compressOutput streams r through an lz4 frame writer. A nil reader
// yields a nil blob.
func compressOutput(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}

	var buf bytes.Buffer

	zw := lz4.NewWriter(&buf)

	if _, err := io.Copy(zw, r); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing lz4 frame: %w", err)
	}

	return buf.Bytes(), nil
}

// decompressOutput returns a reader over a stored output blob. Missing
// output reads as empty.
func decompressOutput(blob []byte) io.Reader {
	if len(blob) == 0 {
		return bytes.NewReader(nil)
	}

	return lz4.NewReader(bytes.NewReader(blob))
}
