// Package metrics exposes Prometheus metrics for certificate delivery.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for certmailer
type Metrics struct {
	// Delivery counters
	EmailsSentTotal          *prometheus.CounterVec
	DeliveryFailuresTotal    *prometheus.CounterVec
	DeliveryRetriesTotal     *prometheus.CounterVec
	FeedbackSubmissionsTotal *prometheus.CounterVec
	SendsTotal               *prometheus.CounterVec

	// Delivery timings and gauges
	SendDurationSeconds   prometheus.Histogram
	RenderDurationSeconds prometheus.Histogram
	SendsActive           prometheus.Gauge
	Participants          *prometheus.GaugeVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
	// counters by metric name, for persistence
	counters map[string]*prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certmailer_emails_sent_total",
				Help: "Total number of emails accepted by the mail transport",
			},
			[]string{"kind"},
		),
		DeliveryFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certmailer_delivery_failures_total",
				Help: "Total number of participants whose delivery step failed",
			},
			[]string{"action", "error_kind"},
		),
		DeliveryRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certmailer_delivery_retries_total",
				Help: "Total number of retried delivery attempts",
			},
			[]string{"action"},
		),
		FeedbackSubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certmailer_feedback_submissions_total",
				Help: "Total number of feedback submissions by result",
			},
			[]string{"result"},
		),
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certmailer_sends_total",
				Help: "Total number of bulk send invocations by mode and result",
			},
			[]string{"mode", "result"},
		),

		SendDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "certmailer_send_duration_seconds",
				Help:    "Duration of bulk send invocations in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900, 1800},
			},
		),
		RenderDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "certmailer_render_duration_seconds",
				Help:    "Certificate rendering duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		SendsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "certmailer_sends_active",
				Help: "Number of bulk sends currently running",
			},
		),
		Participants: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "certmailer_participants",
				Help: "Number of participants across all events by status",
			},
			[]string{"status"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certmailer_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "certmailer_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certmailer_api_errors_total",
				Help: "Total number of API error responses by error kind",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certmailer_ratelimit_exceeded_total",
				Help: "Total number of messages refused by the rate limiter",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "certmailer_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "certmailer_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "certmailer_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	m.counters = map[string]*prometheus.CounterVec{
		"certmailer_emails_sent_total":          m.EmailsSentTotal,
		"certmailer_delivery_failures_total":    m.DeliveryFailuresTotal,
		"certmailer_delivery_retries_total":     m.DeliveryRetriesTotal,
		"certmailer_feedback_submissions_total": m.FeedbackSubmissionsTotal,
		"certmailer_sends_total":                m.SendsTotal,
		"certmailer_api_requests_total":         m.APIRequestsTotal,
		"certmailer_api_errors_total":           m.APIErrorsTotal,
		"certmailer_ratelimit_exceeded_total":   m.RateLimitExceededTotal,
	}

	reg.MustRegister(
		m.EmailsSentTotal,
		m.DeliveryFailuresTotal,
		m.DeliveryRetriesTotal,
		m.FeedbackSubmissionsTotal,
		m.SendsTotal,
		m.SendDurationSeconds,
		m.RenderDurationSeconds,
		m.SendsActive,
		m.Participants,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncEmailsSent counts an email accepted by the transport
func IncEmailsSent(kind string) {
	if m := Global(); m != nil {
		m.EmailsSentTotal.WithLabelValues(kind).Inc()
	}
}

// IncDeliveryFailures counts a failed delivery step
func IncDeliveryFailures(action, errorKind string) {
	if m := Global(); m != nil {
		m.DeliveryFailuresTotal.WithLabelValues(action, errorKind).Inc()
	}
}

// IncDeliveryRetries counts a retried delivery attempt
func IncDeliveryRetries(action string) {
	if m := Global(); m != nil {
		m.DeliveryRetriesTotal.WithLabelValues(action).Inc()
	}
}

// IncFeedbackSubmissions counts a feedback submission
func IncFeedbackSubmissions(result string) {
	if m := Global(); m != nil {
		m.FeedbackSubmissionsTotal.WithLabelValues(result).Inc()
	}
}

// SendStarted marks a bulk send as running
func SendStarted() {
	if m := Global(); m != nil {
		m.SendsActive.Inc()
	}
}

// SendFinished records a finished bulk send
func SendFinished(mode, result string, seconds float64) {
	if m := Global(); m != nil {
		m.SendsActive.Dec()
		m.SendsTotal.WithLabelValues(mode, result).Inc()
		m.SendDurationSeconds.Observe(seconds)
	}
}

// ObserveRender records certificate rendering time
func ObserveRender(seconds float64) {
	if m := Global(); m != nil {
		m.RenderDurationSeconds.Observe(seconds)
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncSendsRejected counts a bulk send refused before any work started
func IncSendsRejected(mode string) {
	if m := Global(); m != nil {
		m.SendsTotal.WithLabelValues(mode, "rejected").Inc()
	}
}
