package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethpandaops/testledger/pkg/config"
	"github.com/ethpandaops/testledger/pkg/fsutil"
	"github.com/ethpandaops/testledger/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// ErrUnknownProject is returned when a project has no store on disk.
var ErrUnknownProject = errors.New("unknown project")

// OptionsFromConfig builds store options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config, rec *metrics.Recorder) (Options, error) {
	headroom, err := cfg.Store.ReclaimHeadroomBytes()
	if err != nil {
		return Options{}, err
	}

	busy, err := cfg.Store.BusyTimeoutDuration()
	if err != nil {
		return Options{}, err
	}

	owner, err := fsutil.ParseOwner(cfg.Global.DataDirOwner)
	if err != nil {
		return Options{}, fmt.Errorf("parsing data_dir_owner: %w", err)
	}

	return Options{
		MaxBatchSize:    cfg.Store.MaxBatchSize,
		ReclaimHeadroom: headroom,
		BusyTimeout:     busy,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		Owner:           owner,
		Metrics:         rec,
	}, nil
}

// Registry hands out one store per project, each in its own directory below
// a common root. Stores are opened on first use and kept until Close.
type Registry struct {
	log  logrus.FieldLogger
	root string
	opts Options

	mu     sync.Mutex
	stores map[string]Store
}

// NewRegistry creates a registry rooted at root.
func NewRegistry(log logrus.FieldLogger, root string, opts Options) *Registry {
	return &Registry{
		log:    log,
		root:   root,
		opts:   opts,
		stores: make(map[string]Store, 8),
	}
}

// ProjectDir returns the directory that holds a project's store.
func (r *Registry) ProjectDir(project string) (string, error) {
	if project == "" || project == "." || project == ".." {
		return "", fmt.Errorf("%w: invalid project name %q", ErrInvalidRecord, project)
	}

	return filepath.Join(r.root, url.PathEscape(project)), nil
}

// Store returns the store of project, creating it when needed.
func (r *Registry) Store(ctx context.Context, project string) (Store, error) {
	return r.open(ctx, project, true)
}

// Existing returns the store of project only if it already exists on disk.
func (r *Registry) Existing(ctx context.Context, project string) (Store, error) {
	return r.open(ctx, project, false)
}

func (r *Registry) open(ctx context.Context, project string, create bool) (Store, error) {
	dir, err := r.ProjectDir(project)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[project]; ok {
		return s, nil
	}

	if !create {
		if _, err := os.Stat(filepath.Join(dir, DatabaseFile)); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownProject, project)
			}

			return nil, fmt.Errorf("checking store of %s: %w", project, err)
		}
	}

	s, err := Open(ctx, r.log.WithField("project", project), dir, r.opts)
	if err != nil {
		return nil, fmt.Errorf("opening store of %s: %w", project, err)
	}

	r.stores[project] = s

	return s, nil
}

// Projects lists the projects that have a store below the root.
func (r *Registry) Projects() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("listing data dir: %w", err)
	}

	projects := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dbPath := filepath.Join(r.root, entry.Name(), DatabaseFile)
		if _, err := os.Stat(dbPath); err != nil {
			continue
		}

		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}

		projects = append(projects, name)
	}

	sort.Strings(projects)

	return projects, nil
}

// Close stops every opened store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error

	for project, s := range r.stores {
		if err := s.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping store of %s: %w", project, err))
		}

		delete(r.stores, project)
	}

	return errors.Join(errs...)
}
