// Package metrics exposes Prometheus collectors for the ledger, its view
// layer and the query API. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "testledger"

// Recorder owns a private registry and the collectors registered on it.
type Recorder struct {
	registry *prometheus.Registry

	recordsInserted    *prometheus.CounterVec
	summariesPersisted *prometheus.CounterVec
	rowsCompacted      *prometheus.CounterVec
	reclaims           *prometheus.CounterVec
	storeSize          *prometheus.GaugeVec
	cacheLookups       *prometheus.CounterVec
	requests           *prometheus.CounterVec
}

// New creates a Recorder with its own registry, so several recorders can
// coexist in one process.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		recordsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_inserted_total",
			Help:      "Test case records inserted.",
		}, []string{"project"}),
		summariesPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_persisted_total",
			Help:      "Rollup rows upserted by level.",
		}, []string{"project", "level"}),
		rowsCompacted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compacted_rows_total",
			Help:      "Rows deleted by compaction per relation.",
		}, []string{"project", "table"}),
		reclaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Compactions, by whether the physical reclaim ran.",
		}, []string{"project", "reclaimed"}),
		storeSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_size_bytes",
			Help:      "On-disk size of a store directory after compaction.",
		}, []string{"dir"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_cache_lookups_total",
			Help:      "Child cache lookups by result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "API requests by route pattern and status code.",
		}, []string{"route", "code"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.recordsInserted,
		r.summariesPersisted,
		r.rowsCompacted,
		r.reclaims,
		r.storeSize,
		r.cacheLookups,
		r.requests,
	)

	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}

	return r.registry
}

func (r *Recorder) RecordsInserted(project string, n int) {
	if r == nil {
		return
	}

	r.recordsInserted.WithLabelValues(project).Add(float64(n))
}

func (r *Recorder) SummariesPersisted(project, level string, n int) {
	if r == nil {
		return
	}

	r.summariesPersisted.WithLabelValues(project, level).Add(float64(n))
}

func (r *Recorder) RowsCompacted(project, table string, n int64) {
	if r == nil {
		return
	}

	r.rowsCompacted.WithLabelValues(project, table).Add(float64(n))
}

func (r *Recorder) Compaction(project string, reclaimed bool) {
	if r == nil {
		return
	}

	r.reclaims.WithLabelValues(project, strconv.FormatBool(reclaimed)).Inc()
}

func (r *Recorder) StoreSize(dir string, bytes int64) {
	if r == nil {
		return
	}

	r.storeSize.WithLabelValues(dir).Set(float64(bytes))
}

func (r *Recorder) CacheLookup(hit bool) {
	if r == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}

	r.cacheLookups.WithLabelValues(result).Inc()
}

func (r *Recorder) Request(route string, code int) {
	if r == nil {
		return
	}

	r.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
