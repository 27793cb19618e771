package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	routingTotal    *prometheus.CounterVec
	cacheTotal      *prometheus.CounterVec
	sessions        prometheus.Gauge
	activeTasks     prometheus.Gauge
}

// NewPrometheusRecorder registers the metrics on a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diagramflow_requests_total",
				Help: "Finished diagram requests by outcome",
			},
			[]string{"outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "diagramflow_request_duration_seconds",
				Help:    "Time from acceptance to terminal outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diagramflow_attempts_total",
				Help: "Backend attempts by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "diagramflow_attempt_duration_seconds",
				Help:    "Duration of backend attempts",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
			},
			[]string{"method"},
		),
		routingTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diagramflow_routing_decisions_total",
				Help: "Strategies computed by source",
			},
			[]string{"source"},
		),
		cacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diagramflow_cache_lookups_total",
				Help: "Result cache lookups",
			},
			[]string{"result"},
		),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "diagramflow_sessions",
			Help: "Connected sessions",
		}),
		activeTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "diagramflow_active_tasks",
			Help: "In-flight generations",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusRecorder) ObserveRequest(outcome string, d time.Duration) {
	p.requestsTotal.WithLabelValues(outcome).Inc()
	p.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveAttempt(method, outcome string, d time.Duration) {
	p.attemptsTotal.WithLabelValues(method, outcome).Inc()
	p.attemptDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveRouting(source string) {
	p.routingTotal.WithLabelValues(source).Inc()
}

func (p *PrometheusRecorder) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheTotal.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) SetSessions(n int) {
	p.sessions.Set(float64(n))
}

func (p *PrometheusRecorder) SetActiveTasks(n int) {
	p.activeTasks.Set(float64(n))
}
