package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/keystone/internal/audit"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keystone"

// Metrics holds the collectors exported on /metrics. Each instance owns its
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups    *prometheus.CounterVec
	cacheInvalidate *prometheus.CounterVec
	auditOutcomes   *prometheus.CounterVec
	loginOutcomes   *prometheus.CounterVec
	accessDenied    prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New registers every collector. pool may be nil.
func New(pool *pgxpool.Pool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rbac_cache_lookups_total",
			Help:      "RBAC cache lookups by result.",
		}, []string{"result"}), // hit|miss
		cacheInvalidate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rbac_cache_invalidations_total",
			Help:      "RBAC cache invalidations by scope and origin.",
		}, []string{"scope", "origin"}), // one|all, local|remote
		auditOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_records_total",
			Help:      "Audit and login history writes by sink outcome.",
		}, []string{"kind", "outcome"}),
		loginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		accessDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_denied_total",
			Help:      "Requests rejected by permission checks.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.cacheLookups,
		m.cacheInvalidate,
		m.auditOutcomes,
		m.loginOutcomes,
		m.accessDenied,
		m.httpRequests,
		m.httpDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	if pool != nil {
		m.registry.MustRegister(newPoolCollector(pool))
	}
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CacheLookup counts one RBAC cache read.
func (m *Metrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// CacheInvalidation counts one cache clear.
func (m *Metrics) CacheInvalidation(all, remote bool) {
	scope, origin := "one", "local"
	if all {
		scope = "all"
	}
	if remote {
		origin = "remote"
	}
	m.cacheInvalidate.WithLabelValues(scope, origin).Inc()
}

// AuditOutcome matches the audit.Pipeline observer signature.
func (m *Metrics) AuditOutcome(kind audit.Kind, outcome audit.Outcome) {
	m.auditOutcomes.WithLabelValues(string(kind), string(outcome)).Inc()
}

// LoginAttempt counts a login by result: success, failed, locked,
// disabled or 2fa_required.
func (m *Metrics) LoginAttempt(result string) {
	m.loginOutcomes.WithLabelValues(result).Inc()
}

// AccessDenied counts a permission middleware rejection.
func (m *Metrics) AccessDenied() {
	m.accessDenied.Inc()
}

// Middleware records request counts and latency. Routes are labelled with
// the chi route pattern to keep cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// poolCollector exports pgxpool statistics.
type poolCollector struct {
	pool *pgxpool.Pool

	acquired *prometheus.Desc
	idle     *prometheus.Desc
	total    *prometheus.Desc
	max      *prometheus.Desc
}

func newPoolCollector(pool *pgxpool.Pool) *poolCollector {
	return &poolCollector{
		pool:     pool,
		acquired: prometheus.NewDesc(namespace+"_db_pool_acquired_conns", "Connections currently in use.", nil, nil),
		idle:     prometheus.NewDesc(namespace+"_db_pool_idle_conns", "Idle connections.", nil, nil),
		total:    prometheus.NewDesc(namespace+"_db_pool_total_conns", "Open connections.", nil, nil),
		max:      prometheus.NewDesc(namespace+"_db_pool_max_conns", "Configured connection limit.", nil, nil),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns()))
}
