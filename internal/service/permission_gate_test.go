package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Mailria/mailria/internal/domain/auth"
	"github.com/Mailria/mailria/internal/domain/permission"
	"github.com/Mailria/mailria/internal/domain/session"
	"github.com/Mailria/mailria/internal/domain/storage"
	"github.com/Mailria/mailria/internal/observability"
)

func TestPermissionGate_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		session      session.Session
		key          string
		wantAllowed  bool
		wantRedirect string
	}{
		{
			name:        "super admin ignores permission set",
			session:     session.Session{AccessToken: "t", RoleID: auth.IntPtr(permission.RoleSuperAdmin)},
			key:         permission.RoleManagement,
			wantAllowed: true,
		},
		{
			name:        "member",
			session:     session.Session{AccessToken: "t", RoleID: auth.IntPtr(permission.RoleUser), Permissions: permission.NewSet(permission.SendEmail)},
			key:         permission.SendEmail,
			wantAllowed: true,
		},
		{
			name:         "denied redirects by priority",
			session:      session.Session{AccessToken: "t", RoleID: auth.IntPtr(permission.RoleRestrictedAdmin), Permissions: permission.NewSet(permission.FAQ, permission.BulkSend)},
			key:          permission.UserManagement,
			wantRedirect: "/bulk-send",
		},
		{
			name:         "denied without permissions falls back",
			session:      session.Session{AccessToken: "t", RoleID: auth.IntPtr(permission.RoleUser)},
			key:          permission.EmailList,
			wantRedirect: permission.FallbackRoute,
		},
		{
			name:         "unknown role is not super admin",
			session:      session.Session{AccessToken: "t", Permissions: permission.NewSet(permission.EmailList)},
			key:          permission.FAQ,
			wantRedirect: "/inbox",
		},
		{
			name:    "no token does nothing",
			session: session.Session{RoleID: auth.IntPtr(permission.RoleSuperAdmin)},
			key:     permission.FAQ,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, _, nav := newTestSession(t)
			m.Establish(tt.session)
			notifier := &recordingNotifier{}
			metrics := observability.NewMetrics(prometheus.NewRegistry())
			g := NewPermissionGate(m, nav, notifier, WithGateLogger(quietLogger()), WithGateMetrics(metrics))

			allowed, err := g.Check(context.Background(), tt.key)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if allowed != tt.wantAllowed {
				t.Errorf("Check() = %v, want %v", allowed, tt.wantAllowed)
			}

			routes := nav.Routes()
			if tt.wantRedirect == "" {
				if len(routes) != 0 || len(notifier.Notices()) != 0 {
					t.Errorf("unexpected side effects: routes=%v notices=%v", routes, notifier.Notices())
				}
				return
			}
			if len(routes) != 1 || routes[0] != tt.wantRedirect {
				t.Errorf("navigations = %v, want [%s]", routes, tt.wantRedirect)
			}
			if n := notifier.Notices(); len(n) != 1 || n[0].message != AccessDeniedMessage {
				t.Errorf("notices = %+v", n)
			}
			if got := testutil.ToFloat64(metrics.PermissionDenials.WithLabelValues(tt.key)); got != 1 {
				t.Errorf("denials = %v, want 1", got)
			}
		})
	}
}

func TestPermissionGate_WaitsForHydration(t *testing.T) {
	t.Parallel()
	kv := storage.NewSafeStorage(nil, quietLogger())
	raw, err := session.EncodeSnapshot(session.Session{AccessToken: "t", Permissions: permission.NewSet(permission.FAQ)})
	if err != nil {
		t.Fatalf("EncodeSnapshot() error = %v", err)
	}
	kv.SetItem(session.StorageKey, raw)
	m := session.NewManager(kv, &recordingNavigator{}, session.WithLogger(quietLogger()))
	g := NewPermissionGate(m, &recordingNavigator{}, nil, WithGateLogger(quietLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Check(ctx, permission.FAQ); err == nil {
		t.Fatal("Check() should fail when hydration never completes")
	}

	result := make(chan bool, 1)
	go func() {
		allowed, _ := g.Check(context.Background(), permission.FAQ)
		result <- allowed
	}()
	m.Hydrate()

	select {
	case allowed := <-result:
		if !allowed {
			t.Error("Check() = false after hydration restored the permission")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Check() did not return after Hydrate")
	}
}
