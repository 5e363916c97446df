package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the engine.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	assignTotal   *prometheus.CounterVec
	emailMessages *prometheus.CounterVec
	syncWrites    *prometheus.CounterVec
	syncDuration  prometheus.Histogram
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
}

// NewMetricsService registers the engine's collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	assignTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assignment_mutations_total",
		Help: "Assignment mutation attempts by outcome",
	}, []string{"outcome"})

	emailMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "email_messages_total",
		Help: "Outbox messages produced per report shape",
	}, []string{"report"})

	syncWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sis_sync_writes_total",
		Help: "SIS reconcile writes by kind",
	}, []string{"kind"})

	syncDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sis_sync_duration_seconds",
		Help:    "Duration of SIS reconcile runs",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grid_cache_hits_total",
		Help: "Grid projection cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grid_cache_misses_total",
		Help: "Grid projection cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, assignTotal, emailMessages,
		syncWrites, syncDuration, cacheHits, cacheMisses, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		assignTotal:     assignTotal,
		emailMessages:   emailMessages,
		syncWrites:      syncWrites,
		syncDuration:    syncDuration,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
	}
}

// Handler exposes the Prometheus scrape endpoint.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records one request.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordAssignment counts one mutation attempt by outcome code.
func (m *MetricsService) RecordAssignment(outcome string) {
	if m == nil {
		return
	}
	m.assignTotal.WithLabelValues(outcome).Inc()
}

// RecordEmailMessages counts produced outbox messages for a report shape.
func (m *MetricsService) RecordEmailMessages(report string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.emailMessages.WithLabelValues(report).Add(float64(count))
}

// RecordSync observes one reconcile run.
func (m *MetricsService) RecordSync(result SyncResult, duration time.Duration) {
	if m == nil {
		return
	}
	m.syncWrites.WithLabelValues("added").Add(float64(result.Added))
	m.syncWrites.WithLabelValues("updated").Add(float64(result.Updated))
	m.syncWrites.WithLabelValues("removed").Add(float64(result.Removed))
	m.syncDuration.Observe(duration.Seconds())
}

// RecordCacheLookup counts one grid cache lookup.
func (m *MetricsService) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}
