package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	latencyMs     *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	rejected      prometheus.Counter
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ondevice_gateway_requests_total",
			Help: "Total number of requests processed by the gateway.",
		}, []string{"endpoint", "status"}),
		latencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ondevice_gateway_request_latency_ms",
			Help:    "Request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}, []string{"endpoint", "status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ondevice_gateway_queue_depth",
			Help: "Generation tasks currently queued or running.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ondevice_gateway_queue_rejected_total",
			Help: "Admissions rejected because the queue was full.",
		}),
	}
	r.MustRegister(m.requestsTotal, m.latencyMs, m.queueDepth, m.rejected)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(endpoint string, status int, dur time.Duration) {
	s := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(endpoint, s).Inc()
	m.latencyMs.WithLabelValues(endpoint, s).Observe(float64(dur.Milliseconds()))
	if status == http.StatusTooManyRequests {
		m.rejected.Inc()
	}
}

// SetQueueDepth is wired as the executor's depth observer.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
