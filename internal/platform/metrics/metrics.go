// Package metrics exposes Prometheus counters and histograms for the HTTP
// surface, the transmitter and the background loops.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "claims"

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	transmissions *prometheus.CounterVec
	sendLatency   *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	dispatched    prometheus.Counter
	inFlight      prometheus.Gauge
	healthChecks  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		transmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transmissions_total",
			Help:      "Claim transmissions by provider and outcome.",
		}, []string{"provider", "outcome"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transmission_duration_seconds",
			Help:      "Gateway round-trip latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status transitions by target status.",
		}, []string{"status"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one scheduler sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs handed to the worker pool.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being processed by this instance.",
		}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_health_checks_total",
			Help:      "Provider health probes by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpLatency,
		m.transmissions, m.sendLatency,
		m.transitions, m.sweepDuration, m.dispatched, m.inFlight,
		m.healthChecks,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency keyed by the matched route
// rather than the raw path.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpLatency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (m *Metrics) ObserveTransmission(provider, outcome string, latency time.Duration) {
	m.transmissions.WithLabelValues(provider, outcome).Inc()
	if latency > 0 {
		m.sendLatency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

func (m *Metrics) ObserveTransition(status string) {
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration, dispatched int) {
	m.sweepDuration.Observe(d.Seconds())
	m.dispatched.Add(float64(dispatched))
}

func (m *Metrics) JobStarted()  { m.inFlight.Inc() }
func (m *Metrics) JobFinished() { m.inFlight.Dec() }

func (m *Metrics) ObserveHealthCheck(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.healthChecks.WithLabelValues(result).Inc()
}
