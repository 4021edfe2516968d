package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mitchellh/mapstructure"

	"github.com/ethpandaops/testledger/pkg/ledger"
)

const (
	// defaultHistoryLimit applies when a history request names no limit.
	defaultHistoryLimit = 100
	// maxHistoryLimit caps the rows a single history request may return.
	maxHistoryLimit = 1000
)

// errBadRequest marks malformed request parameters.
var errBadRequest = errors.New("bad request")

// nodeQuery holds the query string parameters shared by the node endpoints.
type nodeQuery struct {
	Module  string `mapstructure:"module"`
	Package string `mapstructure:"package"`
	Class   string `mapstructure:"class"`
	Case    string `mapstructure:"case"`
	Limit   int    `mapstructure:"limit"`
	Status  string `mapstructure:"status"`
}

// decodeQuery decodes the request's query string into q. Repeated keys keep
// their first value.
func decodeQuery(r *http.Request, q *nodeQuery) error {
	values := r.URL.Query()

	input := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) > 0 {
			input[k] = v[0]
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           q,
	})
	if err != nil {
		return err
	}

	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}

	return nil
}

// key builds the node key from the project path parameter and the query.
func (q *nodeQuery) key(project string) ledger.Key {
	return ledger.Key{
		Project: project,
		Module:  q.Module,
		Package: q.Package,
		Class:   q.Class,
		Case:    q.Case,
	}
}

// historyLimit returns the requested limit bounded to maxHistoryLimit, or
// defaultHistoryLimit when none was given.
func (q *nodeQuery) historyLimit() int {
	switch {
	case q.Limit <= 0:
		return defaultHistoryLimit
	case q.Limit > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return q.Limit
	}
}

// statuses parses the comma-separated status filter.
func (q *nodeQuery) statuses() ([]ledger.Status, error) {
	if q.Status == "" {
		return nil, nil
	}

	parts := strings.Split(q.Status, ",")
	out := make([]ledger.Status, 0, len(parts))

	for _, p := range parts {
		st, err := ledger.ParseStatus(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errBadRequest, err)
		}

		out = append(out, st)
	}

	return out, nil
}

// nodeParams are the path and query parameters addressing one node.
type nodeParams struct {
	project string
	build   int
	level   ledger.Level
	query   nodeQuery
}

func (p *nodeParams) key() ledger.Key {
	return p.query.key(p.project).Truncate(p.level)
}

// parseNodeParams reads project, build and level from the path and the key
// from the query string. Missing path parameters are left zero.
func parseNodeParams(r *http.Request) (*nodeParams, error) {
	p := &nodeParams{project: chi.URLParam(r, "project")}

	if raw := chi.URLParam(r, "build"); raw != "" {
		build, err := strconv.Atoi(raw)
		if err != nil || build <= 0 {
			return nil, fmt.Errorf("%w: invalid build number %q", errBadRequest, raw)
		}

		p.build = build
	}

	if raw := chi.URLParam(r, "level"); raw != "" {
		level, err := ledger.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errBadRequest, err)
		}

		p.level = level
	}

	if err := decodeQuery(r, &p.query); err != nil {
		return nil, err
	}

	if p.query.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", errBadRequest)
	}

	return p, nil
}
