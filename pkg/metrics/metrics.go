// Package metrics exposes the Prometheus instruments shared by the feed
// ingester, the publishing orchestrator and the HTTP layer.
//
// A nil *Registry is valid and records nothing, so components can be built
// without metrics in tests and in the CLI.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pons"

// DefaultBuckets are the latency buckets (in seconds) used for outbound calls.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Registry owns a private prometheus registry and the pons instruments.
type Registry struct {
	reg *prometheus.Registry

	ingestRecords   *prometheus.CounterVec
	parseErrors     *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	fetchErrors     *prometheus.CounterVec
	jobs            *prometheus.CounterVec
	channelResults  *prometheus.CounterVec
	channelDuration *prometheus.HistogramVec
	channelRetries  *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates a Registry with every instrument registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		ingestRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingest_records_total",
			Help: "Feed records processed, by source and outcome (valid, rejected, stored).",
		}, []string{"source", "outcome"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingest_parse_errors_total",
			Help: "Feed payloads that failed to parse, by format.",
		}, []string{"format"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "feed_fetch_duration_seconds",
			Help: "Feed fetch round-trip latency.", Buckets: DefaultBuckets,
		}, []string{"source"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_fetch_errors_total",
			Help: "Feed fetches that failed.",
		}, []string{"source"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_jobs_total",
			Help: "Publish jobs reaching a terminal status.",
		}, []string{"status"}),
		channelResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_channel_results_total",
			Help: "Per-channel bridge outcomes.",
		}, []string{"channel", "operation", "outcome"}),
		channelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "publish_channel_duration_seconds",
			Help: "Bridge call latency per channel.", Buckets: DefaultBuckets,
		}, []string{"channel"}),
		channelRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_channel_retries_total",
			Help: "Bridge calls retried after a transient failure.",
		}, []string{"channel"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help: "HTTP request latency.", Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	r.reg.MustRegister(
		r.ingestRecords, r.parseErrors, r.fetchDuration, r.fetchErrors,
		r.jobs, r.channelResults, r.channelDuration, r.channelRetries,
		r.breakerState, r.httpRequests, r.httpDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordIngest adds n records for source under outcome.
func (r *Registry) RecordIngest(source, outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.ingestRecords.WithLabelValues(source, outcome).Add(float64(n))
}

// RecordParseError counts a payload that could not be parsed.
func (r *Registry) RecordParseError(format string) {
	if r == nil {
		return
	}
	r.parseErrors.WithLabelValues(format).Inc()
}

// RecordFetch observes one feed fetch.
func (r *Registry) RecordFetch(source string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	r.fetchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	if err != nil {
		r.fetchErrors.WithLabelValues(source).Inc()
	}
}

// RecordJob counts a job reaching a terminal status.
func (r *Registry) RecordJob(status string) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(status).Inc()
}

// RecordChannel observes one bridge call.
func (r *Registry) RecordChannel(channel, operation string, success bool, elapsed time.Duration) {
	if r == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.channelResults.WithLabelValues(channel, operation, outcome).Inc()
	r.channelDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
}

// RecordRetry counts a retried bridge call.
func (r *Registry) RecordRetry(channel string) {
	if r == nil {
		return
	}
	r.channelRetries.WithLabelValues(channel).Inc()
}

// SetBreakerState records a circuit breaker state by its numeric value.
func (r *Registry) SetBreakerState(name string, state int) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveRequest implements mid.RequestObserver.
func (r *Registry) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
