package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrBatchTooLarge is returned when a single insert exceeds the
	// configured maximum batch size.
	ErrBatchTooLarge = errors.New("batch too large")

	// ErrInvalidRecord is returned for records missing project or build.
	ErrInvalidRecord = errors.New("invalid test case record")

	// ErrInvalidLevel is returned for unknown hierarchy levels.
	ErrInvalidLevel = errors.New("invalid hierarchy level")

	// ErrStoreClosed is returned when a stopped store is used.
	ErrStoreClosed = errors.New("store is closed")
)

const (
	// MaxErrorMessageLength is the number of characters of an error message
	// that are persisted.
	MaxErrorMessageLength = 1024

	// MaxErrorStackTraceLength is the number of characters of a stack trace
	// that are persisted.
	MaxErrorStackTraceLength = 8192

	// InitName is the class and case name under which module-level console
	// output is recorded.
	InitName = "<init>"
)

// Status is the outcome of a single test case execution.
type Status int

const (
	StatusSuccess Status = 0
	StatusFailure Status = 1
	StatusError   Status = 2
	StatusSkipped Status = 3
)

var statusNames = map[Status]string{
	StatusSuccess: "success",
	StatusFailure: "failure",
	StatusError:   "error",
	StatusSkipped: "skipped",
}

// String returns the lower-case name of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	_, ok := statusNames[s]

	return ok
}

// ParseStatus parses a status name. "passed", "pass", "failed", "fail" and
// "skip" are accepted as aliases.
func ParseStatus(name string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "success", "passed", "pass":
		return StatusSuccess, nil
	case "failure", "failed", "fail":
		return StatusFailure, nil
	case "error":
		return StatusError, nil
	case "skipped", "skip":
		return StatusSkipped, nil
	default:
		return 0, fmt.Errorf("unknown status %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}

	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

// UnmarshalJSON accepts a status name or its numeric code.
func (s *Status) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] != '"' {
		code, err := strconv.Atoi(string(data))
		if err != nil {
			return fmt.Errorf("unknown status %s", data)
		}

		if !Status(code).Valid() {
			return fmt.Errorf("unknown status %d", code)
		}

		*s = Status(code)

		return nil
	}

	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	return s.UnmarshalText([]byte(name))
}

// TestCaseRecord is one execution of one test case in one build.
type TestCaseRecord struct {
	Project        string `json:"project"`
	BuildID        string `json:"build_id"`
	BuildNumber    int    `json:"build_number"`
	Module         string `json:"module"`
	Package        string `json:"package"`
	Class          string `json:"class"`
	Case           string `json:"case"`
	Index          int    `json:"index"`
	Status         Status `json:"status"`
	StartTime      int64  `json:"start_time"`
	DurationMillis int64  `json:"duration_ms"`

	Detail *Detail `json:"-"`
}

// Key returns the case-level key of the record.
func (r *TestCaseRecord) Key() Key {
	return Key{
		Project: r.Project,
		Module:  r.Module,
		Package: r.Package,
		Class:   r.Class,
		Case:    r.Case,
	}
}

// Validate checks that the record carries its project and build identity.
func (r *TestCaseRecord) Validate() error {
	if r.Project == "" {
		return fmt.Errorf("%w: project is empty", ErrInvalidRecord)
	}

	if r.BuildID == "" {
		return fmt.Errorf("%w: build id is empty", ErrInvalidRecord)
	}

	if r.BuildNumber <= 0 {
		return fmt.Errorf("%w: build number %d", ErrInvalidRecord, r.BuildNumber)
	}

	if !r.Status.Valid() {
		return fmt.Errorf("%w: status %d", ErrInvalidRecord, int(r.Status))
	}

	return nil
}

// Start returns the start time as a time.Time.
func (r *TestCaseRecord) Start() time.Time {
	return time.UnixMilli(r.StartTime)
}

// Detail holds the large per-case output. On insert Stdout and Stderr are
// consumed once and may be nil. When read back they are never nil.
type Detail struct {
	ErrorMessage    string
	ErrorStackTrace string
	Stdout          io.Reader
	Stderr          io.Reader
}

// SummaryRecord is a rollup of test case records sharing a build and a key
// prefix at one hierarchy level. Keys finer than the level are empty.
type SummaryRecord struct {
	Level          Level  `json:"level"`
	Project        string `json:"project"`
	Module         string `json:"module,omitempty"`
	Package        string `json:"package,omitempty"`
	Class          string `json:"class,omitempty"`
	Case           string `json:"case,omitempty"`
	BuildID        string `json:"build_id"`
	BuildNumber    int    `json:"build_number"`
	TotalCount     int64  `json:"total"`
	PassCount      int64  `json:"pass"`
	FailCount      int64  `json:"fail"`
	ErrorCount     int64  `json:"error"`
	SkipCount      int64  `json:"skip"`
	StartTime      int64  `json:"start_time"`
	DurationMillis int64  `json:"duration_ms"`
}

// Key returns the key of the summary.
func (s *SummaryRecord) Key() Key {
	return Key{
		Project: s.Project,
		Module:  s.Module,
		Package: s.Package,
		Class:   s.Class,
		Case:    s.Case,
	}
}

// Consistent reports whether the total equals the sum of the outcomes.
func (s *SummaryRecord) Consistent() bool {
	return s.TotalCount == s.PassCount+s.FailCount+s.ErrorCount+s.SkipCount
}

// FilterByStartTime returns the records whose start time lies within
// [from, to]. A zero bound is open.
func FilterByStartTime(
	records []TestCaseRecord, from, to time.Time,
) []TestCaseRecord {
	out := make([]TestCaseRecord, 0, len(records))

	for i := range records {
		start := records[i].Start()

		if !from.IsZero() && start.Before(from) {
			continue
		}

		if !to.IsZero() && start.After(to) {
			continue
		}

		out = append(out, records[i])
	}

	return out
}

// truncateRunes cuts s to at most n characters.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}

	count := 0

	for i := range s {
		if count == n {
			return s[:i]
		}

		count++
	}

	return s
}
