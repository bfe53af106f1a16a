package api

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VenkatGGG/proxylease/internal/proxy"
)

// HealthSource supplies the point-in-time counters exported as gauges.
type HealthSource interface {
	Health() proxy.Health
}

type Metrics struct {
	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	operations *prometheus.CounterVec
}

func NewMetrics(source HealthSource) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxylease",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxylease",
			Name:      "lease_operations_total",
			Help:      "Lease operations by kind and result.",
		}, []string{"operation", "result"}),
	}
	registry.MustRegister(
		m.requests,
		m.operations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if source != nil {
		registry.MustRegister(newLeaseCollector(source))
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// leaseCollector reads Health once per scrape and reports it as gauges.
type leaseCollector struct {
	source    HealthSource
	connected *prometheus.Desc
	leases    *prometheus.Desc
	timers    *prometheus.Desc
	queue     *prometheus.Desc
	uptime    *prometheus.Desc
}

func newLeaseCollector(source HealthSource) *leaseCollector {
	return &leaseCollector{
		source:    source,
		connected: prometheus.NewDesc("proxylease_firewall_connected", "Whether the firewall connection is up, labeled by mode.", []string{"mode"}, nil),
		leases:    prometheus.NewDesc("proxylease_active_leases", "Leases currently registered.", nil, nil),
		timers:    prometheus.NewDesc("proxylease_active_timers", "Pending expiry jobs.", nil, nil),
		queue:     prometheus.NewDesc("proxylease_cleanup_queue_size", "Revocations waiting for the cleanup worker.", nil, nil),
		uptime:    prometheus.NewDesc("proxylease_uptime_seconds", "Seconds since the service started.", nil, nil),
	}
}

func (c *leaseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connected
	ch <- c.leases
	ch <- c.timers
	ch <- c.queue
	ch <- c.uptime
}

func (c *leaseCollector) Collect(ch chan<- prometheus.Metric) {
	health := c.source.Health()
	connected := 0.0
	if health.Connected {
		connected = 1
	}
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected, string(health.Mode))
	ch <- prometheus.MustNewConstMetric(c.leases, prometheus.GaugeValue, float64(health.Leases))
	ch <- prometheus.MustNewConstMetric(c.timers, prometheus.GaugeValue, float64(health.ActiveTimers))
	ch <- prometheus.MustNewConstMetric(c.queue, prometheus.GaugeValue, float64(health.QueueSize))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, health.Uptime.Seconds())
}
