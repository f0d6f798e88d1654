// Package metrics holds the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reading sources.
const (
	SourcePoll = "poll"
	SourceSub  = "sub"
)

// Metrics is the gateway collector set on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	readings           *prometheus.CounterVec
	readingErrors      *prometheus.CounterVec
	pollDuration       prometheus.Histogram
	pollingJobs        *prometheus.GaugeVec
	subscriptions      *prometheus.GaugeVec
	connected          *prometheus.GaugeVec
	connectionAttempts *prometheus.CounterVec
	alerts             *prometheus.CounterVec
	publishErrors      *prometheus.CounterVec
}

// New creates and registers the collectors, plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgate_readings_total",
			Help: "Readings persisted, by tenant and source.",
		}, []string{"tenant", "source"}),
		readingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgate_reading_errors_total",
			Help: "Failed reads or reading writes, by tenant and source.",
		}, []string{"tenant", "source"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldgate_poll_duration_seconds",
			Help:    "Duration of one polling tick from read to publish.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		pollingJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldgate_polling_jobs_active",
			Help: "Active polling jobs per tenant.",
		}, []string{"tenant"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldgate_subscriptions_active",
			Help: "Active node subscriptions per tenant.",
		}, []string{"tenant"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldgate_datasource_connected",
			Help: "1 when the datasource connection is up.",
		}, []string{"datasource"}),
		connectionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgate_connection_attempts_total",
			Help: "Datasource connection attempts by result.",
		}, []string{"datasource", "result"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgate_alerts_total",
			Help: "Alerts raised by alert rules.",
		}, []string{"tenant"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldgate_event_publish_errors_total",
			Help: "Events that could not be forwarded to the event sink.",
		}, []string{"tenant", "topic"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.readings,
		m.readingErrors,
		m.pollDuration,
		m.pollingJobs,
		m.subscriptions,
		m.connected,
		m.connectionAttempts,
		m.alerts,
		m.publishErrors,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ReadingStored(tenantID, source string) {
	if m == nil {
		return
	}
	m.readings.WithLabelValues(tenantID, source).Inc()
}

func (m *Metrics) ReadingFailed(tenantID, source string) {
	if m == nil {
		return
	}
	m.readingErrors.WithLabelValues(tenantID, source).Inc()
}

func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.pollDuration.Observe(d.Seconds())
}

func (m *Metrics) SetPollingJobs(tenantID string, n int) {
	if m == nil {
		return
	}
	m.pollingJobs.WithLabelValues(tenantID).Set(float64(n))
}

func (m *Metrics) SetSubscriptions(tenantID string, n int) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(tenantID).Set(float64(n))
}

func (m *Metrics) AlertRaised(tenantID string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(tenantID).Inc()
}

func (m *Metrics) PublishFailed(tenantID, topic string) {
	if m == nil {
		return
	}
	m.publishErrors.WithLabelValues(tenantID, topic).Inc()
}

// ConnectionState implements connection.Observer.
func (m *Metrics) ConnectionState(source string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.connected.WithLabelValues(source).Set(v)
}

// ConnectionAttempt implements connection.Observer.
func (m *Metrics) ConnectionAttempt(source string, success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.connectionAttempts.WithLabelValues(source, result).Inc()
}
