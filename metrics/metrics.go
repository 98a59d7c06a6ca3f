/*
Package metrics exposes Prometheus instruments for the stock ledger.

PURPOSE:
  Counts every business operation by outcome code and times it, and
  tracks HTTP traffic per route. Instruments live on a Metrics value bound
  to its own registry, so tests can build as many routers as they like
  without duplicate registration panics.

USAGE:
  m := metrics.New(prometheus.NewRegistry())
  done := m.Start("dispatch")
  err := svc.DispatchOrder(ctx, in)
  done(err)
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/stock-ledger/generic"
)

const namespace = "stockledger"

type Metrics struct {
	gatherer prometheus.Gatherer

	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	PiecesMoved       *prometheus.CounterVec
	PointsEarned      prometheus.Counter

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge
}

// New registers all instruments on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Business operations by outcome code.",
		}, []string{"operation", "code"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Business operation latency, unit of work included.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}),
		PiecesMoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pieces_moved_total",
			Help:      "Absolute stock pieces written to the ledger by kind.",
		}, []string{"kind"}),
		PointsEarned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incentive_points_earned_total",
			Help:      "Incentive points credited (skipped duplicates excluded).",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		}, []string{"method", "route"}),
		HTTPInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests being served.",
		}),
	}
}

// Start times one operation. The returned func records its outcome.
func (m *Metrics) Start(operation string) func(err error) {
	start := time.Now()
	return func(err error) {
		code := "OK"
		if err != nil {
			code = generic.Code(err)
		}
		m.Operations.WithLabelValues(operation, code).Inc()
		m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records HTTP metrics labelled by the matched chi route pattern,
// which keeps path parameters out of the label set.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPInFlight.Inc()
		defer m.HTTPInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
