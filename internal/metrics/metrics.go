// Package metrics provides Prometheus instrumentation for togglez.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only togglez metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by togglez.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	GRPCRequestsTotal    *prometheus.CounterVec
	GRPCRequestDuration  *prometheus.HistogramVec
	ActiveStreams        *prometheus.GaugeVec
	FetchesTotal         *prometheus.CounterVec
	FetchDuration        prometheus.Histogram
	GenerationsTotal     *prometheus.CounterVec
	GenerationToggles    prometheus.Gauge
	GenerationSegments   prometheus.Gauge
	CompileWarningsTotal prometheus.Counter
	MetricsFlushesTotal  *prometheus.CounterVec
	BackupSavesTotal     *prometheus.CounterVec
	EvaluationsTotal     *prometheus.CounterVec
	AuthFailuresTotal    prometheus.Counter
}

// New creates and registers all togglez metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglez_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "togglez_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglez_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "togglez_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "togglez_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),

		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglez_upstream_fetches_total",
			Help: "Total number of flag definition fetches by result.",
		}, []string{"result"}),

		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "togglez_upstream_fetch_duration_seconds",
			Help:    "Upstream definition fetch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		GenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglez_generations_total",
			Help: "Total number of flag generations published by source.",
		}, []string{"source"}),

		GenerationToggles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "togglez_generation_toggles",
			Help: "Number of flags in the current generation.",
		}),

		GenerationSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "togglez_generation_segments",
			Help: "Number of segments in the current generation.",
		}),

		CompileWarningsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "togglez_compile_warnings_total",
			Help: "Total number of problems found while compiling flag definitions.",
		}),

		MetricsFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglez_usage_flushes_total",
			Help: "Total number of usage buckets sent upstream by result.",
		}, []string{"result"}),

		BackupSavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglez_backup_saves_total",
			Help: "Total number of definition backups written by result.",
		}, []string{"result"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "togglez_flag_evaluations_total",
			Help: "Total number of flag evaluations served.",
		}, []string{"kind", "result"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "togglez_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.ActiveStreams,
		m.FetchesTotal,
		m.FetchDuration,
		m.GenerationsTotal,
		m.GenerationToggles,
		m.GenerationSegments,
		m.CompileWarningsTotal,
		m.MetricsFlushesTotal,
		m.BackupSavesTotal,
		m.EvaluationsTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request count and latency. The route label is the
// matched [http.ServeMux] pattern so path parameters do not explode
// cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(rec.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
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

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// RecordEvaluation counts a served evaluation. kind is "is_enabled" or
// "variant".
func (m *Metrics) RecordEvaluation(kind string, result bool) {
	m.EvaluationsTotal.WithLabelValues(kind, strconv.FormatBool(result)).Inc()
}

// ObserveFetch records one upstream fetch.
func (m *Metrics) ObserveFetch(result string, duration time.Duration) {
	m.FetchesTotal.WithLabelValues(result).Inc()
	m.FetchDuration.Observe(duration.Seconds())
}

// ObserveGeneration records a published generation.
func (m *Metrics) ObserveGeneration(source string, toggles, segments int) {
	m.GenerationsTotal.WithLabelValues(source).Inc()
	m.GenerationToggles.Set(float64(toggles))
	m.GenerationSegments.Set(float64(segments))
}

// ObserveCompileWarnings adds to the compile warning counter.
func (m *Metrics) ObserveCompileWarnings(count int) {
	m.CompileWarningsTotal.Add(float64(count))
}

// ObserveMetricsFlush records a usage bucket submission.
func (m *Metrics) ObserveMetricsFlush(err error) {
	m.MetricsFlushesTotal.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveBackupSave records a backup write.
func (m *Metrics) ObserveBackupSave(err error) {
	m.BackupSavesTotal.WithLabelValues(resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
