// Package api serves the read-only query API over the project stores.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testledger/pkg/config"
	"github.com/ethpandaops/testledger/pkg/ledger"
	"github.com/ethpandaops/testledger/pkg/metrics"
	"github.com/ethpandaops/testledger/pkg/view"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	registry   *ledger.Registry
	viewOpts   view.Options
	metrics    *metrics.Recorder
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server reading from the stores of registry.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	registry *ledger.Registry,
	viewOpts view.Options,
	rec *metrics.Recorder,
) Server {
	viewOpts.Metrics = rec

	return &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		registry: registry,
		viewOpts: viewOpts,
		metrics:  rec,
		done:     make(chan struct{}),
	}
}

// Start builds the router and starts the HTTP server.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server. The registry is owned by the
// caller and left open.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}

// navigator opens the store of an existing project and wraps it for one
// request.
func (s *server) navigator(ctx context.Context, project string) (ledger.Store, *view.Navigator, error) {
	store, err := s.registry.Existing(ctx, project)
	if err != nil {
		return nil, nil, err
	}

	nav, err := view.NewNavigator(s.log, store, s.viewOpts)
	if err != nil {
		return nil, nil, err
	}

	return store, nav, nil
}
