package ledger

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/testledger/pkg/fsutil"
	"github.com/ethpandaops/testledger/pkg/metrics"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DatabaseFile is the name of the database file inside a project directory.
const DatabaseFile = "ledger.db"

// Reader is the read-only query surface used by the view and API layers.
type Reader interface {
	ForBuild(ctx context.Context, level Level, buildNumber int, key Key) (*SummaryRecord, error)
	ForBuildNoLaterThan(ctx context.Context, level Level, buildNumber int, key Key) (*SummaryRecord, error)
	ForBuildPriorTo(ctx context.Context, level Level, buildNumber int, key Key) (*SummaryRecord, error)
	History(ctx context.Context, level Level, key Key, limit int) ([]SummaryRecord, error)
	Children(ctx context.Context, level Level, buildNumber int, key Key) ([]SummaryRecord, error)
	Metrics(ctx context.Context, level Level, buildNumber int, key Key) (*SummaryRecord, error)
	Builds(ctx context.Context, project string) ([]BuildRef, error)

	Tests(ctx context.Context, level Level, buildNumber int, key Key, statuses ...Status) ([]TestCaseRecord, error)
	ReadDetail(ctx context.Context, buildNumber int, key Key) (*Detail, error)
	ModuleOutput(ctx context.Context, buildNumber int, project, module string) (*Detail, error)
}

// Store persists test case records and their rollups for the projects
// sharing one directory.
type Store interface {
	Reader

	Start(ctx context.Context) error
	Stop() error
	Dir() string

	InsertBatch(ctx context.Context, records []TestCaseRecord) error
	Summarize(ctx context.Context, level Level, buildNumber int, key Key) (*SummaryRecord, error)
	SummarizeBuild(ctx context.Context, project string, buildNumber int) error

	Compact(ctx context.Context, project string, retainedBuildIDs []string) (*CompactResult, error)
	Snapshot(ctx context.Context, dest string) error
	Size() (int64, error)

	Property(ctx context.Context, project, name string) (string, bool, error)
	SetProperty(ctx context.Context, project, name, value string) error
}

// BuildRef identifies one build present in the store.
type BuildRef struct {
	BuildNumber int    `json:"build_number"`
	BuildID     string `json:"build_id"`
}

// Options tunes a store.
type Options struct {
	// MaxBatchSize is the largest slice InsertBatch accepts.
	MaxBatchSize int
	// ReclaimHeadroom is added to the post-reclaim size to form the next
	// reclaim threshold.
	ReclaimHeadroom int64
	BusyTimeout     time.Duration
	MaxOpenConns    int
	// Owner, if set, owns the created store directory.
	Owner   *fsutil.OwnerConfig
	Metrics *metrics.Recorder
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxBatchSize:    10000,
		ReclaimHeadroom: 500 * units.MiB,
		BusyTimeout:     5 * time.Second,
		MaxOpenConns:    4,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()

	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = def.MaxBatchSize
	}

	if o.ReclaimHeadroom <= 0 {
		o.ReclaimHeadroom = def.ReclaimHeadroom
	}

	if o.BusyTimeout <= 0 {
		o.BusyTimeout = def.BusyTimeout
	}

	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = def.MaxOpenConns
	}
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log  logrus.FieldLogger
	dir  string
	opts Options

	// lifeMu guards db. Operations hold it shared for their whole duration,
	// so Stop waits for them before closing the connection pool.
	lifeMu sync.RWMutex
	db     *gorm.DB

	// writeMu serialises every write. The engine does not serve
	// overlapping writers reliably.
	writeMu sync.Mutex
	// gate is held shared by readers and exclusively by the physical
	// reclaim, which cannot run beside open read transactions.
	gate sync.RWMutex
}

// NewStore creates a store rooted at dir. Call Start before use.
func NewStore(log logrus.FieldLogger, dir string, opts Options) Store {
	opts.applyDefaults()

	return &store{
		log:  log.WithField("component", "ledger").WithField("dir", dir),
		dir:  dir,
		opts: opts,
	}
}

// Open creates and starts a store rooted at dir.
func Open(
	ctx context.Context, log logrus.FieldLogger, dir string, opts Options,
) (Store, error) {
	s := NewStore(log, dir, opts)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Dir returns the directory holding the database files.
func (s *store) Dir() string {
	return s.dir
}

// Start creates the directory, opens the database and creates the schema.
// It is idempotent with respect to an existing database.
func (s *store) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.db != nil {
		return nil
	}

	if err := fsutil.MkdirAll(s.dir, 0o755, s.opts.Owner); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(s.dsn()), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return fmt.Errorf("opening ledger database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	sqlDB.SetMaxOpenConns(s.opts.MaxOpenConns)

	if err := createSchema(ctx, db); err != nil {
		_ = sqlDB.Close()

		return err
	}

	s.db = db

	s.log.Debug("Ledger database opened")

	return nil
}

// Stop closes the underlying database connection once in-flight operations
// have returned. Later operations fail with ErrStoreClosed.
func (s *store) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	s.db = nil

	return sqlDB.Close()
}

func (s *store) dsn() string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", s.opts.BusyTimeout.Milliseconds()))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")

	return filepath.Join(s.dir, DatabaseFile) + "?" + params.Encode()
}

// conn returns a context-bound session or ErrStoreClosed. The caller must
// call release when done; the store cannot be stopped until then.
func (s *store) conn(ctx context.Context) (*gorm.DB, func(), error) {
	s.lifeMu.RLock()

	if s.db == nil {
		s.lifeMu.RUnlock()

		return nil, nil, ErrStoreClosed
	}

	return s.db.WithContext(ctx), s.lifeMu.RUnlock, nil
}

// createSchema creates the relations and their indices.
func createSchema(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(
		&testRow{},
		&moduleSummaryRow{},
		&packageSummaryRow{},
		&projectSummaryRow{},
		&property{},
		&activeBuild{},
	); err != nil {
		return fmt.Errorf("running ledger migrations: %w", err)
	}

	for i, cols := range testIndexes {
		stmt := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_tests_%d ON %s (%s)",
			i+1, tableTests, strings.Join(cols, ", "),
		)

		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("creating index idx_tests_%d: %w", i+1, err)
		}
	}

	return nil
}
