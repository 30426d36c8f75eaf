package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Audited("GRANT_ACTIVATED")
	m.Audited("GRANT_ACTIVATED")
	m.Attempt("mismatch")
	m.NotifyDropped("otp", "queue_full")
	m.Swept(3, 1)
	m.ObserveHTTP("GET", "/patients/{health_id}", 200, 15*time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("GRANT_ACTIVATED")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.otpAttempts.WithLabelValues("mismatch")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.notifyDropped.WithLabelValues("otp", "queue_full")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.swept.WithLabelValues("EXPIRED")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/patients/{health_id}", "200")))

	n, err := testutil.GatherAndCount(reg, "consent_http_request_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Audited("x")
		m.Attempt("x")
		m.NotifyDropped("x", "y")
		m.Swept(1, 1)
		m.ObserveHTTP("GET", "/", 200, time.Second)
	})
}
