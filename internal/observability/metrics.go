// Package observability holds the Prometheus metrics and OpenTelemetry
// providers shared by the session core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Mailria.
// Pass to components that need to record metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	RefreshTotal      *prometheus.CounterVec
	RefreshWaiters    prometheus.Gauge
	LogoutsTotal      *prometheus.CounterVec
	HeartbeatsTotal   *prometheus.CounterVec
	PermissionDenials *prometheus.CounterVec
	SessionActive     prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailria",
				Name:      "requests_total",
				Help:      "Total number of web shell requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mailria",
				Name:      "request_duration_seconds",
				Help:      "Web shell request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RefreshTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailria",
				Name:      "token_refresh_total",
				Help:      "Token refresh cycles by outcome",
			},
			[]string{"result"}, // result=ok/error/adopted/no_token
		),
		RefreshWaiters: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mailria",
				Name:      "token_refresh_waiters",
				Help:      "Requests queued behind the in-flight token refresh",
			},
		),
		LogoutsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailria",
				Name:      "logouts_total",
				Help:      "Session terminations by reason",
			},
			[]string{"reason"}, // reason=user/refresh_failed/timeout/remote/unverified
		),
		HeartbeatsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailria",
				Name:      "heartbeats_total",
				Help:      "Heartbeat pings by result",
			},
			[]string{"result"},
		),
		PermissionDenials: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mailria",
				Name:      "permission_denials_total",
				Help:      "Permission gate denials by required key",
			},
			[]string{"key"},
		),
		SessionActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mailria",
				Name:      "session_active",
				Help:      "1 while an access token is held, 0 otherwise",
			},
		),
	}
}

// RecordRefresh counts a refresh cycle outcome.
func (m *Metrics) RecordRefresh(result string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(result).Inc()
}

// SetRefreshWaiters sets the current refresh queue depth.
func (m *Metrics) SetRefreshWaiters(n int) {
	if m == nil {
		return
	}
	m.RefreshWaiters.Set(float64(n))
}

// RecordLogout counts a session termination.
func (m *Metrics) RecordLogout(reason string) {
	if m == nil {
		return
	}
	m.LogoutsTotal.WithLabelValues(reason).Inc()
}

// RecordHeartbeat counts a heartbeat ping.
func (m *Metrics) RecordHeartbeat(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.HeartbeatsTotal.WithLabelValues(result).Inc()
}

// RecordDenial counts a permission gate denial.
func (m *Metrics) RecordDenial(key string) {
	if m == nil {
		return
	}
	m.PermissionDenials.WithLabelValues(key).Inc()
}

// SetSessionActive records whether a token is held.
func (m *Metrics) SetSessionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.SessionActive.Set(1)
		return
	}
	m.SessionActive.Set(0)
}

// RecordRequest records a served web shell request.
func (m *Metrics) RecordRequest(method string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method).Observe(seconds)
	m.RequestsTotal.WithLabelValues(method, statusToLabel(status)).Inc()
}

// statusToLabel converts HTTP status code to label value.
func statusToLabel(code int) string {
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}
