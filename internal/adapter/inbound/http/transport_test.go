package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mailria/mailria/internal/domain/session"
	"github.com/Mailria/mailria/internal/domain/storage"
	"github.com/Mailria/mailria/internal/observability"
	"github.com/Mailria/mailria/internal/service"
)

func newBareServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	logger := discardLogger()
	nav := NewPendingNavigator()
	manager := session.NewManager(storage.NewSafeStorage(nil, logger), nav, session.WithLogger(logger))
	manager.Hydrate()
	shell := NewShell(ShellDeps{
		Manager:   manager,
		Gate:      service.NewPermissionGate(manager, nav, nil, service.WithGateLogger(logger)),
		Guard:     service.NewAuthGuard(manager, nil, nav, logger),
		Navigator: nav,
		Logger:    logger,
	})
	return NewServer(shell, append([]Option{WithLogger(logger)}, opts...)...)
}

func TestServer_Routing(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := newBareServer(t, WithMetrics(observability.NewMetrics(reg), reg))
	handler := srv.Handler()

	tests := []struct {
		name       string
		method     string
		path       string
		origin     string
		wantStatus int
	}{
		{name: "health", method: http.MethodGet, path: "/health", wantStatus: http.StatusOK},
		{name: "metrics", method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK},
		{name: "favicon", method: http.MethodGet, path: "/favicon.ico", wantStatus: http.StatusNoContent},
		{name: "login page", method: http.MethodGet, path: "/login", wantStatus: http.StatusOK},
		{name: "guarded page", method: http.MethodGet, path: "/inbox", wantStatus: http.StatusSeeOther},
		{name: "unknown page", method: http.MethodGet, path: "/nope", wantStatus: http.StatusNotFound},
		{name: "wrong method", method: http.MethodDelete, path: "/login", wantStatus: http.StatusMethodNotAllowed},
		{name: "foreign origin", method: http.MethodPost, path: "/login", origin: "https://evil.test", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestServer_MetricsExposeShellRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := newBareServer(t, WithMetrics(observability.NewMetrics(reg), reg))
	handler := srv.Handler()

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/login", nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `mailria_requests_total{method="GET",status="ok"} 1`) {
		t.Errorf("metrics output missing shell request:\n%s", rec.Body.String())
	}
}

func TestServer_RequestIDEchoed(t *testing.T) {
	handler := newBareServer(t).Handler()

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
}

func TestServer_StartStopsOnCancel(t *testing.T) {
	srv := newBareServer(t, WithAddr("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}
