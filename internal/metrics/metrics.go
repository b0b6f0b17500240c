// Package metrics exposes Seraph's Prometheus registry and the HTTP
// middleware/handler pair that serves it.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge/histogram Seraph's components record
// against. A single instance is constructed at startup and threaded through
// the pools, scheduler, and ingress.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	LogsIngestedTotal       prometheus.Counter
	LogsDroppedTotal        *prometheus.CounterVec
	TriageDecisionsTotal    *prometheus.CounterVec
	QueueDepth              prometheus.Gauge
	QueueDropsTotal         prometheus.Counter
	InvestigationsStarted   prometheus.Counter
	InvestigationsFinished  *prometheus.CounterVec
	InvestigationDuration   prometheus.Histogram
	ToolCallsTotal          *prometheus.CounterVec
	ModelCallsTotal         *prometheus.CounterVec
	ModelCallDuration       prometheus.Histogram
	CacheHitsTotal          prometheus.Counter
	CacheMissesTotal        prometheus.Counter
	AlertsFiredTotal        prometheus.Counter
	AlertsResolvedTotal     prometheus.Counter
	WorkerRestartsTotal     *prometheus.CounterVec
	PreemptionsTotal        prometheus.Counter
	SystemAlertsTotal       *prometheus.CounterVec
	BurstModeActivations    prometheus.Counter
}

var (
	once     sync.Once
	instance *Metrics
)

// New builds and registers all Seraph metrics against a fresh registry.
// Safe to call once per process; subsequent calls return the first
// instance, matching the teacher's sync.Once-guarded InitMetrics.
func New() *Metrics {
	once.Do(func() {
		reg := prometheus.NewRegistry()
		m := &Metrics{
			registry: reg,
			HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "seraph_http_requests_total",
				Help: "Total HTTP requests received by the ingress API.",
			}, []string{"method", "path", "status"}),
			HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "seraph_http_request_duration_seconds",
				Help:    "Duration of HTTP requests served by the ingress API.",
				Buckets: prometheus.DefBuckets,
			}, []string{"method", "path"}),
			LogsIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "seraph_logs_ingested_total",
				Help: "Total log records accepted by the ingress API.",
			}),
			LogsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "seraph_logs_dropped_total",
				Help: "Total log records dropped, labeled by reason.",
			}, []string{"reason"}),
			TriageDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "seraph_triage_decisions_total",
				Help: "Total triage decisions, labeled by verdict.",
			}, []string{"verdict"}),
			QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "seraph_priority_queue_depth",
				Help: "Current number of alerts waiting in the priority queue.",
			}),
			QueueDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "seraph_priority_queue_drops_total",
				Help: "Total alerts dropped because the priority queue was full.",
			}),
			InvestigationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "seraph_investigations_started_total",
				Help: "Total investigations started.",
			}),
			InvestigationsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "seraph_investigations_finished_total",
				Help: "Total investigations finished, labeled by outcome.",
			}, []string{"outcome"}),
			InvestigationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "seraph_investigation_duration_seconds",
				Help:    "Duration of completed investigations.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			}),
			ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "seraph_tool_calls_total",
				Help: "Total tool calls executed, labeled by tool name and outcome.",
			}, []string{"tool", "outcome"}),
			ModelCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "seraph_model_calls_total",
				Help: "Total Model generate() calls, labeled by outcome.",
			}, []string{"outcome"}),
			ModelCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "seraph_model_call_duration_seconds",
				Help:    "Duration of Model generate() calls.",
				Buckets: prometheus.DefBuckets,
			}),
			CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "seraph_response_cache_hits_total",
				Help: "Total ResponseCache hits.",
			}),
			CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "seraph_response_cache_misses_total",
				Help: "Total ResponseCache misses.",
			}),
			AlertsFiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "seraph_alerts_fired_total",
				Help: "Total alerts sent to Alertmanager.",
			}),
			AlertsResolvedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "seraph_alerts_resolved_total",
				Help: "Total resolved notifications sent to Alertmanager.",
			}),
			WorkerRestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "seraph_worker_restarts_total",
				Help: "Total supervised worker restarts, labeled by pool.",
			}, []string{"pool"}),
			PreemptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "seraph_preemptions_total",
				Help: "Total running investigations preempted by a higher-priority alert.",
			}),
			SystemAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "seraph_system_alerts_total",
				Help: "Total SeraphSystemEvent alerts fired, labeled by source and type.",
			}, []string{"source", "type"}),
			BurstModeActivations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "seraph_burst_mode_activations_total",
				Help: "Total times the scheduler entered burst mode.",
			}),
		}

		reg.MustRegister(
			m.HTTPRequestsTotal, m.HTTPRequestDuration, m.LogsIngestedTotal,
			m.LogsDroppedTotal, m.TriageDecisionsTotal, m.QueueDepth,
			m.QueueDropsTotal, m.InvestigationsStarted, m.InvestigationsFinished,
			m.InvestigationDuration, m.ToolCallsTotal, m.ModelCallsTotal,
			m.ModelCallDuration, m.CacheHitsTotal, m.CacheMissesTotal,
			m.AlertsFiredTotal, m.AlertsResolvedTotal, m.WorkerRestartsTotal,
			m.PreemptionsTotal, m.SystemAlertsTotal, m.BurstModeActivations,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		instance = m
	})
	return instance
}

// Handler returns an http.Handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency for every HTTP request
// passing through the ingress.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(lw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
