package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process's Prometheus collectors. A fresh registry per
// server keeps test fixtures isolated.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	commandsEnqueued prometheus.Counter
	commandsRejected prometheus.Counter
	wsConnections    prometheus.Gauge
}

// NewMetrics creates and registers the collectors. The gauge funcs report
// live state pulled from their owners at scrape time.
func NewMetrics(containerCount func() int, nodeCount func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simforge_http_requests_total",
			Help: "HTTP requests by method, route, and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "simforge_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		commandsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simforge_commands_enqueued_total",
			Help: "Commands accepted into container queues.",
		}),
		commandsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simforge_commands_rejected_total",
			Help: "Commands rejected at enqueue (queue full, bad match).",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simforge_ws_connections",
			Help: "Open WebSocket connections.",
		}),
	}
	reg.MustRegister(m.requests, m.latency, m.commandsEnqueued, m.commandsRejected, m.wsConnections)

	if containerCount != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "simforge_containers",
			Help: "Live containers on this node.",
		}, func() float64 { return float64(containerCount()) }))
	}
	if nodeCount != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "simforge_cluster_nodes",
			Help: "Registered cluster nodes.",
		}, func() float64 { return float64(nodeCount()) }))
	}
	return m
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
