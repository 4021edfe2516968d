package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethpandaops/testledger/pkg/config"
	"github.com/ethpandaops/testledger/pkg/ledger"
)

// fileRecord is one line of a results file. Console output and error text
// travel inline.
type fileRecord struct {
	ledger.TestCaseRecord

	ErrorMessage    string  `json:"error_message,omitempty"`
	ErrorStackTrace string  `json:"error_stack_trace,omitempty"`
	Stdout          *string `json:"stdout,omitempty"`
	Stderr          *string `json:"stderr,omitempty"`
}

func (f *fileRecord) record() ledger.TestCaseRecord {
	r := f.TestCaseRecord

	if f.ErrorMessage == "" && f.ErrorStackTrace == "" && f.Stdout == nil && f.Stderr == nil {
		return r
	}

	r.Detail = &ledger.Detail{
		ErrorMessage:    f.ErrorMessage,
		ErrorStackTrace: f.ErrorStackTrace,
	}

	if f.Stdout != nil {
		r.Detail.Stdout = strings.NewReader(*f.Stdout)
	}

	if f.Stderr != nil {
		r.Detail.Stderr = strings.NewReader(*f.Stderr)
	}

	return r
}

// ReadRecords decodes newline-delimited JSON test case records and hands
// them to fn in batches of at most batchSize as soon as each batch is
// decoded, so a file is never held in memory as a whole. A non-positive
// batchSize uses the default ingest batch size. The slice passed to fn is
// not reused.
func ReadRecords(
	r io.Reader, batchSize int, fn func([]ledger.TestCaseRecord) error,
) error {
	if batchSize <= 0 {
		batchSize = config.DefaultIngestBatchSize
	}

	dec := json.NewDecoder(r)
	batch := make([]ledger.TestCaseRecord, 0, batchSize)
	decoded := 0

	for {
		var f fileRecord

		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("decoding record %d: %w", decoded+1, err)
		}

		decoded++

		batch = append(batch, f.record())
		if len(batch) < batchSize {
			continue
		}

		if err := fn(batch); err != nil {
			return err
		}

		batch = make([]ledger.TestCaseRecord, 0, batchSize)
	}

	if len(batch) == 0 {
		return nil
	}

	return fn(batch)
}

// ReadFile decodes a results file in batches. See ReadRecords.
func ReadFile(
	path string, batchSize int, fn func([]ledger.TestCaseRecord) error,
) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening results file: %w", err)
	}
	defer f.Close()

	if err := ReadRecords(f, batchSize, fn); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	return nil
}
