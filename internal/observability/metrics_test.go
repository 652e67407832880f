package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil || m.RequestDuration == nil {
		t.Error("request metrics not initialized")
	}
	if m.RefreshTotal == nil || m.RefreshWaiters == nil {
		t.Error("refresh metrics not initialized")
	}
	if m.LogoutsTotal == nil || m.HeartbeatsTotal == nil || m.PermissionDenials == nil || m.SessionActive == nil {
		t.Error("session metrics not initialized")
	}
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRefresh("ok")
	m.RecordRefresh("ok")
	if got := testutil.ToFloat64(m.RefreshTotal.WithLabelValues("ok")); got != 2 {
		t.Errorf("RefreshTotal{ok} = %v, want 2", got)
	}

	m.SetRefreshWaiters(3)
	if got := testutil.ToFloat64(m.RefreshWaiters); got != 3 {
		t.Errorf("RefreshWaiters = %v, want 3", got)
	}

	m.RecordHeartbeat(false)
	if got := testutil.ToFloat64(m.HeartbeatsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("HeartbeatsTotal{error} = %v, want 1", got)
	}

	m.SetSessionActive(true)
	if got := testutil.ToFloat64(m.SessionActive); got != 1 {
		t.Errorf("SessionActive = %v, want 1", got)
	}

	m.RecordRequest("GET", 503, 0.1)
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "error")); got != 1 {
		t.Errorf("RequestsTotal{GET,error} = %v, want 1", got)
	}

	gathered, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	found := false
	for _, mf := range gathered {
		if strings.HasPrefix(mf.GetName(), "mailria_") {
			found = true
		}
	}
	if !found {
		t.Error("no mailria_ metrics gathered")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRefresh("ok")
	m.SetRefreshWaiters(1)
	m.RecordLogout("user")
	m.RecordHeartbeat(true)
	m.RecordDenial("faq")
	m.SetSessionActive(true)
	m.RecordRequest("GET", 200, 0)
}

func TestStatusToLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "ok"},
		{302, "ok"},
		{401, "error"},
		{500, "error"},
	}
	for _, tt := range tests {
		if got := statusToLabel(tt.code); got != tt.want {
			t.Errorf("statusToLabel(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
