package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/testledger/pkg/ledger"
	"github.com/ethpandaops/testledger/pkg/view"
)

// ErrNotFound is returned when a requested node or case does not exist.
var ErrNotFound = errors.New("not found")

// maxChildFetches bounds the concurrent diff lookups of a children listing.
const maxChildFetches = 8

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps err onto a status code and writes it.
func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ledger.ErrUnknownProject):
		status = http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, ledger.ErrInvalidLevel),
		errors.Is(err, ledger.ErrInvalidRecord):
		status = http.StatusBadRequest
	default:
		s.log.WithError(err).Error("Request failed")
	}

	writeJSON(w, status, errorResponse{err.Error()})
}

// nodeResponse is a node summary with its change against the previous build.
type nodeResponse struct {
	ledger.SummaryRecord

	Name        string    `json:"name"`
	Diff        view.Diff `json:"diff"`
	FailedSince int       `json:"failed_since,omitempty"`
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleProjects lists the projects with a store.
func (s *server) handleProjects(w http.ResponseWriter, _ *http.Request) {
	projects, err := s.registry.Projects()
	if err != nil {
		s.writeError(w, err)

		return
	}

	if projects == nil {
		projects = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// handleBuilds lists the builds of a project, newest first.
func (s *server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")

	store, err := s.registry.Existing(r.Context(), project)
	if err != nil {
		s.writeError(w, err)

		return
	}

	builds, err := store.Builds(r.Context(), project)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if builds == nil {
		builds = []ledger.BuildRef{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"builds": builds})
}

// loadNode resolves the node addressed by the request.
func (s *server) loadNode(r *http.Request) (*nodeParams, *view.Node, error) {
	params, err := parseNodeParams(r)
	if err != nil {
		return nil, nil, err
	}

	_, nav, err := s.navigator(r.Context(), params.project)
	if err != nil {
		return nil, nil, err
	}

	node, err := nav.Node(r.Context(), params.level, params.build, params.key())
	if err != nil {
		return nil, nil, err
	}

	if node == nil {
		return nil, nil, fmt.Errorf("%w: %s %s in build %d",
			ErrNotFound, params.level, params.key(), params.build)
	}

	return params, node, nil
}

// describe builds the response of one node, loading its diff and
// failed-since concurrently.
func describe(r *http.Request, node *view.Node) (*nodeResponse, error) {
	resp := &nodeResponse{
		SummaryRecord: node.Summary(),
		Name:          node.Name(),
	}

	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		diff, err := node.Diff(ctx)
		resp.Diff = diff

		return err
	})

	g.Go(func() error {
		since, err := node.FailedSince(ctx)
		resp.FailedSince = since

		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return resp, nil
}

// handleNode returns one node with its diff and failed-since build.
func (s *server) handleNode(w http.ResponseWriter, r *http.Request) {
	_, node, err := s.loadNode(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	resp, err := describe(r, node)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleChildren returns the nodes one level below, each with its diff.
func (s *server) handleChildren(w http.ResponseWriter, r *http.Request) {
	_, node, err := s.loadNode(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	children, err := node.Children(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	out := make([]*nodeResponse, len(children))

	g, _ := errgroup.WithContext(r.Context())
	g.SetLimit(maxChildFetches)

	for i, child := range children {
		g.Go(func() error {
			resp, err := describe(r, child)
			if err != nil {
				return err
			}

			out[i] = resp

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"parent":   node.Summary(),
		"children": out,
	})
}

// handleTests lists the case executions below a node.
func (s *server) handleTests(w http.ResponseWriter, r *http.Request) {
	params, node, err := s.loadNode(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	statuses, err := params.query.statuses()
	if err != nil {
		s.writeError(w, err)

		return
	}

	tests, err := node.Tests(r.Context(), statuses...)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if tests == nil {
		tests = []ledger.TestCaseRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"tests": tests})
}

// handleNodeMetrics returns the node's counts summed over its history.
func (s *server) handleNodeMetrics(w http.ResponseWriter, r *http.Request) {
	_, node, err := s.loadNode(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	m, err := node.Metrics(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, m)
}

// handleHistory returns the newest rollups of a key, at most
// maxHistoryLimit of them.
func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	params, err := parseNodeParams(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	store, err := s.registry.Existing(r.Context(), params.project)
	if err != nil {
		s.writeError(w, err)

		return
	}

	history, err := store.History(
		r.Context(), params.level, params.key(), params.query.historyLimit(),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if history == nil {
		history = []ledger.SummaryRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// detailResponse is the error text of one case.
type detailResponse struct {
	ledger.Key

	BuildNumber     int    `json:"build_number"`
	ErrorMessage    string `json:"error_message"`
	ErrorStackTrace string `json:"error_stack_trace"`
}

// readDetail loads the detail of the case addressed by the request.
func (s *server) readDetail(r *http.Request) (*nodeParams, *ledger.Detail, error) {
	params, err := parseNodeParams(r)
	if err != nil {
		return nil, nil, err
	}

	params.level = ledger.LevelCase

	store, err := s.registry.Existing(r.Context(), params.project)
	if err != nil {
		return nil, nil, err
	}

	detail, err := store.ReadDetail(r.Context(), params.build, params.key())
	if err != nil {
		return nil, nil, err
	}

	if detail == nil {
		return nil, nil, fmt.Errorf("%w: case %s in build %d",
			ErrNotFound, params.key(), params.build)
	}

	return params, detail, nil
}

// handleDetail returns the error message and stack trace of one case.
func (s *server) handleDetail(w http.ResponseWriter, r *http.Request) {
	params, detail, err := s.readDetail(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, detailResponse{
		Key:             params.key(),
		BuildNumber:     params.build,
		ErrorMessage:    detail.ErrorMessage,
		ErrorStackTrace: detail.ErrorStackTrace,
	})
}

// handleDetailOutput streams the stdout or stderr of one case.
func (s *server) handleDetailOutput(w http.ResponseWriter, r *http.Request) {
	_, detail, err := s.readDetail(r)
	if err != nil {
		s.writeError(w, err)

		return
	}

	src := detail.Stdout
	if chi.URLParam(r, "stream") == "stderr" {
		src = detail.Stderr
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, src); err != nil {
		s.log.WithError(err).Warn("Streaming case output failed")
	}
}
