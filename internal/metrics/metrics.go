// Package metrics exposes Prometheus collectors for the consent core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector of the service.
type Metrics struct {
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	otpAttempts   *prometheus.CounterVec
	notifyDropped *prometheus.CounterVec
	swept         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consent",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "consent",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consent",
			Name:      "audit_events_total",
			Help:      "Audited events by action",
		}, []string{"action"}),
		otpAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consent",
			Name:      "otp_attempts_total",
			Help:      "OTP verification attempts by outcome",
		}, []string{"outcome"}),
		notifyDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consent",
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the delivery queue was full or delivery failed",
		}, []string{"kind", "reason"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consent",
			Name:      "sweeper_transitions_total",
			Help:      "Grants closed by the expiry sweeper",
		}, []string{"status"}),
	}
	reg.MustRegister(m.httpRequests, m.httpDuration, m.transitions, m.otpAttempts, m.notifyDropped, m.swept)
	return m
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Audited counts one audited event.
func (m *Metrics) Audited(action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action).Inc()
}

// Attempt counts one OTP verification outcome.
func (m *Metrics) Attempt(outcome string) {
	if m == nil {
		return
	}
	m.otpAttempts.WithLabelValues(outcome).Inc()
}

// NotifyDropped counts a notification that was not delivered.
func (m *Metrics) NotifyDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.notifyDropped.WithLabelValues(kind, reason).Inc()
}

// Swept counts grants closed by one sweep pass.
func (m *Metrics) Swept(expired, denied int) {
	if m == nil {
		return
	}
	m.swept.WithLabelValues("EXPIRED").Add(float64(expired))
	m.swept.WithLabelValues("DENIED").Add(float64(denied))
}
