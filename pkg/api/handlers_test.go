package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testledger/pkg/config"
	"github.com/ethpandaops/testledger/pkg/ledger"
	"github.com/ethpandaops/testledger/pkg/metrics"
	"github.com/ethpandaops/testledger/pkg/view"
)

func record(build int, class, name string, status ledger.Status) ledger.TestCaseRecord {
	return ledger.TestCaseRecord{
		Project:        "proj",
		BuildID:        fmt.Sprintf("build-%d", build),
		BuildNumber:    build,
		Module:         "mod",
		Package:        "pkg",
		Class:          class,
		Case:           name,
		Status:         status,
		DurationMillis: 10,
	}
}

func setupTestServer(t *testing.T, cfg config.APIConfig) (*server, http.Handler) {
	t.Helper()

	ctx := context.Background()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	registry := ledger.NewRegistry(log, t.TempDir(), ledger.Options{})

	t.Cleanup(func() { _ = registry.Close() })

	store, err := registry.Store(ctx, "proj")
	require.NoError(t, err)

	require.NoError(t, store.InsertBatch(ctx, []ledger.TestCaseRecord{
		record(1, "Cls", "a", ledger.StatusSuccess),
		record(1, "Cls", "b", ledger.StatusSuccess),
		record(1, "Cls", "c", ledger.StatusFailure),
	}))

	failing := record(2, "Cls", "c", ledger.StatusError)
	failing.Detail = &ledger.Detail{
		ErrorMessage: "connection refused",
		Stdout:       strings.NewReader("dialing 10.0.0.1\n"),
	}

	require.NoError(t, store.InsertBatch(ctx, []ledger.TestCaseRecord{
		record(2, "Cls", "a", ledger.StatusSuccess),
		record(2, "Cls", "b", ledger.StatusSuccess),
		record(2, "Other", "a", ledger.StatusSkipped),
		failing,
	}))

	require.NoError(t, store.SummarizeBuild(ctx, "proj", 1))
	require.NoError(t, store.SummarizeBuild(ctx, "proj", 2))

	srv, ok := NewServer(log, &cfg, registry, view.Options{}, metrics.New()).(*server)
	require.True(t, ok)

	t.Cleanup(func() { _ = srv.Stop() })

	return srv, srv.buildRouter()
}

func get(t *testing.T, h http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}

	return rec
}

func TestHandleHealth(t *testing.T) {
	_, h := setupTestServer(t, config.APIConfig{})

	rec := get(t, h, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleProjectsAndBuilds(t *testing.T) {
	_, h := setupTestServer(t, config.APIConfig{})

	var projects struct {
		Projects []string `json:"projects"`
	}

	get(t, h, "/api/v1/projects", &projects)
	assert.Equal(t, []string{"proj"}, projects.Projects)

	var builds struct {
		Builds []ledger.BuildRef `json:"builds"`
	}

	rec := get(t, h, "/api/v1/projects/proj/builds", &builds)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, builds.Builds, 2)
	assert.Equal(t, 2, builds.Builds[0].BuildNumber)

	rec = get(t, h, "/api/v1/projects/nope/builds", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleNode(t *testing.T) {
	_, h := setupTestServer(t, config.APIConfig{})

	var node nodeResponse

	rec := get(t, h, "/api/v1/projects/proj/builds/2/nodes/class?module=mod&package=pkg&class=Cls", &node)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, ledger.LevelClass, node.Level)
	assert.Equal(t, "Cls", node.Name)
	assert.Equal(t, int64(3), node.TotalCount)
	assert.Equal(t, int64(1), node.ErrorCount)
	assert.Equal(t, view.Diff{PreviousBuild: 1, Pass: 0, Fail: 0, Total: 0}, node.Diff)
	assert.Equal(t, 1, node.FailedSince)

	rec = get(t, h, "/api/v1/projects/proj/builds/9/nodes/project", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, h, "/api/v1/projects/proj/builds/x/nodes/project", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, h, "/api/v1/projects/proj/builds/2/nodes/method", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, h, "/api/v1/projects/proj/history/module?limit=many", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChildren(t *testing.T) {
	_, h := setupTestServer(t, config.APIConfig{})

	var resp struct {
		Parent   ledger.SummaryRecord `json:"parent"`
		Children []nodeResponse       `json:"children"`
	}

	rec := get(t, h, "/api/v1/projects/proj/builds/2/nodes/package/children?module=mod&package=pkg", &resp)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, int64(4), resp.Parent.TotalCount)
	require.Len(t, resp.Children, 2)
	assert.Equal(t, "Cls", resp.Children[0].Name)
	assert.Equal(t, "Other", resp.Children[1].Name)

	// Other is new in build 2, so its diff equals its counts.
	assert.Equal(t, view.Diff{Skip: 1, Total: 1}, resp.Children[1].Diff)
}

func TestHandleTests(t *testing.T) {
	_, h := setupTestServer(t, config.APIConfig{})

	var resp struct {
		Tests []ledger.TestCaseRecord `json:"tests"`
	}

	rec := get(t, h, "/api/v1/projects/proj/builds/2/nodes/module/tests?module=mod&status=failure,error", &resp)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, resp.Tests, 1)
	assert.Equal(t, "c", resp.Tests[0].Case)
	assert.Equal(t, ledger.StatusError, resp.Tests[0].Status)

	rec = get(t, h, "/api/v1/projects/proj/builds/2/nodes/module/tests?module=mod&status=flaky", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleNodeMetricsAndHistory(t *testing.T) {
	_, h := setupTestServer(t, config.APIConfig{})

	var m ledger.SummaryRecord

	rec := get(t, h, "/api/v1/projects/proj/builds/2/nodes/project/metrics", &m)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), m.TotalCount)

	var history struct {
		History []ledger.SummaryRecord `json:"history"`
	}

	rec = get(t, h, "/api/v1/projects/proj/history/module?module=mod&limit=1", &history)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, history.History, 1)
	assert.Equal(t, 2, history.History[0].BuildNumber)
}

func TestHistoryLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{name: "unset uses default", limit: 0, want: defaultHistoryLimit},
		{name: "within bound", limit: 25, want: 25},
		{name: "at bound", limit: maxHistoryLimit, want: maxHistoryLimit},
		{name: "above bound is capped", limit: maxHistoryLimit + 1, want: maxHistoryLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := nodeQuery{Limit: tt.limit}
			assert.Equal(t, tt.want, q.historyLimit())
		})
	}
}

func TestHandleHistory_DefaultLimit(t *testing.T) {
	_, h := setupTestServer(t, config.APIConfig{})

	var history struct {
		History []ledger.SummaryRecord `json:"history"`
	}

	rec := get(t, h, "/api/v1/projects/proj/history/project", &history)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, history.History, 2)
	assert.Equal(t, 2, history.History[0].BuildNumber)
	assert.Equal(t, 1, history.History[1].BuildNumber)
}

func TestHandleDetail(t *testing.T) {
	_, h := setupTestServer(t, config.APIConfig{})

	base := "/api/v1/projects/proj/builds/2/detail"
	query := "?module=mod&package=pkg&class=Cls&case=c"

	var detail detailResponse

	rec := get(t, h, base+query, &detail)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connection refused", detail.ErrorMessage)
	assert.Equal(t, "c", detail.Case)

	rec = get(t, h, base+"/stdout"+query, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dialing 10.0.0.1\n", rec.Body.String())

	rec = get(t, h, base+"/stderr"+query, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = get(t, h, base+"?module=mod&package=pkg&class=Cls&case=zzz", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	_, h := setupTestServer(t, config.APIConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2},
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/health", nil).Code)
	}

	assert.Equal(t, http.StatusTooManyRequests, get(t, h, "/api/v1/health", nil).Code)
}

func TestRequestMetrics(t *testing.T) {
	srv, h := setupTestServer(t, config.APIConfig{})

	get(t, h, "/api/v1/health", nil)

	count, err := testutil.GatherAndCount(srv.metrics.Registry(), "testledger_api_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rec := get(t, h, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "testledger_api_requests_total")
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", extractIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", extractIP(req))
}
