// Package metrics exposes Prometheus instrumentation for the billing engine.
// All methods are safe to call on a nil *Billing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Billing holds all Prometheus metrics
type Billing struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing metrics
	RecordsCreatedTotal    *prometheus.CounterVec
	GatewayErrorsTotal     *prometheus.CounterVec
	CycleSubscriptionTotal *prometheus.CounterVec
	CycleDuration          prometheus.Histogram

	// Lifecycle metrics
	TransitionsTotal *prometheus.CounterVec

	// Usage metrics
	UsageRecordedTotal *prometheus.CounterVec
	UsageDroppedTotal  prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics on registry
func New(registry *prometheus.Registry) *Billing {
	m := &Billing{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RecordsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_records_created_total",
				Help: "Billing records created, by kind",
			},
			[]string{"kind"},
		),
		GatewayErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_gateway_errors_total",
				Help: "Payment gateway failures, by operation",
			},
			[]string{"operation"},
		),
		CycleSubscriptionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_cycle_subscriptions_total",
				Help: "Subscriptions handled by the billing cycle, by outcome",
			},
			[]string{"outcome"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "billing_cycle_duration_seconds",
				Help:    "Duration of a full billing cycle pass",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_subscription_transitions_total",
				Help: "Subscription status transitions",
			},
			[]string{"from", "to"},
		),
		UsageRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_usage_recorded_total",
				Help: "Usage metrics recorded, by metric type",
			},
			[]string{"metric"},
		),
		UsageDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_usage_dropped_total",
				Help: "Usage reports dropped because the organization had no billable subscription",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RecordsCreatedTotal,
		m.GatewayErrorsTotal,
		m.CycleSubscriptionTotal,
		m.CycleDuration,
		m.TransitionsTotal,
		m.UsageRecordedTotal,
		m.UsageDroppedTotal,
	)

	return m
}

func (m *Billing) RecordCreated(kind string) {
	if m == nil {
		return
	}
	m.RecordsCreatedTotal.WithLabelValues(kind).Inc()
}

func (m *Billing) GatewayError(op string) {
	if m == nil {
		return
	}
	m.GatewayErrorsTotal.WithLabelValues(op).Inc()
}

// CycleOutcome counts one subscription as billed, skipped or failed
func (m *Billing) CycleOutcome(outcome string) {
	if m == nil {
		return
	}
	m.CycleSubscriptionTotal.WithLabelValues(outcome).Inc()
}

func (m *Billing) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Billing) Transition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Billing) UsageRecorded(metric string) {
	if m == nil {
		return
	}
	m.UsageRecordedTotal.WithLabelValues(metric).Inc()
}

func (m *Billing) UsageDropped() {
	if m == nil {
		return
	}
	m.UsageDroppedTotal.Inc()
}

// statusWriter captures the response status code
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware instruments requests, labelled by chi route pattern to keep cardinality bounded
func (m *Billing) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); len(pattern) > 0 {
				route = pattern
			}
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format
func (m *Billing) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
