package session

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mailria/mailria/internal/domain/permission"
	"github.com/Mailria/mailria/internal/domain/storage"
)

// recordingNavigator captures navigation targets.
type recordingNavigator struct {
	mu     sync.Mutex
	routes []string
}

func (n *recordingNavigator) Navigate(route string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, route)
}

func (n *recordingNavigator) Routes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes...)
}

func newTestManager(t *testing.T) (*Manager, *storage.SafeStorage, *recordingNavigator) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kv := storage.NewSafeStorage(nil, logger)
	nav := &recordingNavigator{}
	return NewManager(kv, nav, WithLogger(logger)), kv, nav
}

func TestManager_WriteThrough(t *testing.T) {
	t.Parallel()
	m, kv, _ := newTestManager(t)
	m.Hydrate()

	m.SetTokens("access-1", "refresh-1")
	m.SetEmail("alice@mailria.test")
	m.SetRoleID(func() *int { r := permission.RoleUser; return &r }())
	m.SetPermissions(permission.NewSet(permission.EmailList))
	m.SetRememberMe(true)

	stored, ok, err := ReadSnapshot(kv)
	if err != nil || !ok {
		t.Fatalf("ReadSnapshot() = %v, %v", ok, err)
	}
	live := m.Snapshot()

	if stored.AccessToken != live.AccessToken || stored.RefreshToken != live.RefreshToken {
		t.Errorf("stored tokens %q/%q diverge from live %q/%q",
			stored.AccessToken, stored.RefreshToken, live.AccessToken, live.RefreshToken)
	}
	if stored.Email != "alice@mailria.test" || !stored.RememberMe {
		t.Errorf("stored = %+v", stored)
	}
	if stored.RoleID == nil || *stored.RoleID != permission.RoleUser {
		t.Errorf("stored RoleID = %v", stored.RoleID)
	}
	if !stored.Permissions.Has(permission.EmailList) {
		t.Errorf("stored permissions = %v", stored.Permissions.Keys())
	}
}

func TestManager_EnvelopeShape(t *testing.T) {
	t.Parallel()
	m, kv, _ := newTestManager(t)
	m.SetTokens("a", "r")

	raw, ok := kv.GetItem(StorageKey)
	if !ok {
		t.Fatal("snapshot not written")
	}
	for _, want := range []string{`"state":{`, `"token":"a"`, `"refreshToken":"r"`, `"version":0`} {
		if !strings.Contains(raw, want) {
			t.Errorf("snapshot %s missing %s", raw, want)
		}
	}

	m.SetTokens("", "")
	raw, _ = kv.GetItem(StorageKey)
	if !strings.Contains(raw, `"token":null`) {
		t.Errorf("absent token should encode as null: %s", raw)
	}
}

func TestManager_Hydrate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		stored    string
		wantToken string
	}{
		{name: "no snapshot", stored: "", wantToken: ""},
		{name: "valid snapshot", stored: `{"state":{"token":"t1","refreshToken":"r1","rememberMe":true},"version":0}`, wantToken: "t1"},
		{name: "corrupt snapshot", stored: `{not json`, wantToken: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, kv, _ := newTestManager(t)
			if tt.stored != "" {
				kv.SetItem(StorageKey, tt.stored)
			}
			if m.HasHydrated() {
				t.Fatal("HasHydrated() = true before Hydrate")
			}

			m.Hydrate()

			if !m.HasHydrated() {
				t.Error("HasHydrated() = false after Hydrate")
			}
			select {
			case <-m.Hydrated():
			default:
				t.Error("Hydrated() channel not closed")
			}
			if got := m.Token(); got != tt.wantToken {
				t.Errorf("Token() = %q, want %q", got, tt.wantToken)
			}
		})
	}
}

func TestManager_WaitHydrated(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.WaitHydrated(ctx); err == nil {
		t.Fatal("WaitHydrated() should time out before Hydrate")
	}

	go m.Hydrate()
	if err := m.WaitHydrated(context.Background()); err != nil {
		t.Fatalf("WaitHydrated() error = %v", err)
	}
}

func TestManager_Logout(t *testing.T) {
	t.Parallel()
	m, kv, nav := newTestManager(t)
	m.Hydrate()
	m.Establish(Session{AccessToken: "a", RefreshToken: "r", Email: "bob@mailria.test"})

	var seen []Session
	m.Subscribe(func(s Session) { seen = append(seen, s) })

	m.Logout()

	if m.Snapshot().LoggedIn() || m.Snapshot().Email != "" {
		t.Errorf("live state not cleared: %+v", m.Snapshot())
	}
	if _, ok := kv.GetItem(StorageKey); ok {
		t.Error("snapshot still stored after Logout")
	}
	if routes := nav.Routes(); len(routes) != 1 || routes[0] != DefaultLoginRoute {
		t.Errorf("navigations = %v, want [%s]", routes, DefaultLoginRoute)
	}
	if len(seen) != 1 || seen[0].LoggedIn() {
		t.Errorf("subscriber saw %+v", seen)
	}
}

func TestManager_LogoutIdempotent(t *testing.T) {
	t.Parallel()
	m, kv, nav := newTestManager(t)
	m.Hydrate()

	m.Logout()
	m.Logout()

	if _, ok := kv.GetItem(StorageKey); ok {
		t.Error("snapshot present after repeated Logout")
	}
	if got := m.Snapshot(); got.LoggedIn() || got.RoleID != nil || len(got.Permissions) != 0 {
		t.Errorf("state = %+v, want defaults", got)
	}
	if len(nav.Routes()) != 2 {
		t.Errorf("navigations = %v", nav.Routes())
	}
}

func TestManager_ResetLocalKeepsStorage(t *testing.T) {
	t.Parallel()
	m, kv, nav := newTestManager(t)
	m.SetTokens("a", "r")

	m.ResetLocal()

	if m.Snapshot().LoggedIn() {
		t.Error("ResetLocal did not clear live state")
	}
	if _, ok := kv.GetItem(StorageKey); !ok {
		t.Error("ResetLocal must not touch durable storage")
	}
	if len(nav.Routes()) != 0 {
		t.Errorf("ResetLocal navigated: %v", nav.Routes())
	}
}

func TestManager_StoredTokensReadsDurable(t *testing.T) {
	t.Parallel()
	m, kv, _ := newTestManager(t)
	m.SetTokens("live-a", "live-r")

	// Another context rotated the tokens.
	raw, err := EncodeSnapshot(Session{AccessToken: "other-a", RefreshToken: "other-r"})
	if err != nil {
		t.Fatalf("EncodeSnapshot() error = %v", err)
	}
	kv.SetItem(StorageKey, raw)

	access, refresh := m.StoredTokens()
	if access != "other-a" || refresh != "other-r" {
		t.Errorf("StoredTokens() = %q, %q; want durable values", access, refresh)
	}
	if m.Token() != "live-a" {
		t.Errorf("live token changed to %q", m.Token())
	}
}

func TestManager_Unsubscribe(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	calls := 0
	unsubscribe := m.Subscribe(func(Session) { calls++ })
	m.SetEmail("x@mailria.test")
	unsubscribe()
	m.SetEmail("y@mailria.test")

	if calls != 1 {
		t.Errorf("subscriber called %d times, want 1", calls)
	}
}

func TestManager_SnapshotIsCopy(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	m.SetPermissions(permission.NewSet(permission.FAQ))

	snap := m.Snapshot()
	snap.Permissions[permission.UserManagement] = struct{}{}

	if m.Snapshot().Permissions.Has(permission.UserManagement) {
		t.Error("mutating a snapshot leaked into the live state")
	}
}

func TestManager_ApplyIdentity(t *testing.T) {
	t.Parallel()
	role := permission.RoleUser

	tests := []struct {
		name   string
		change func(m *Manager)
		want   bool
	}{
		{name: "unchanged session", change: func(*Manager) {}, want: true},
		{name: "tokens rotated", change: func(m *Manager) { m.UpdateTokens("a2", "r2") }, want: true},
		{name: "logged out", change: func(m *Manager) { m.Logout() }, want: false},
		{name: "logged out elsewhere", change: func(m *Manager) { m.ResetLocal() }, want: false},
		{name: "new login", change: func(m *Manager) { m.Establish(Session{AccessToken: "b", RefreshToken: "rb"}) }, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, kv, _ := newTestManager(t)
			m.Hydrate()
			m.Establish(Session{AccessToken: "a", RefreshToken: "r", Permissions: permission.NewSet(permission.FAQ)})
			epoch := m.Epoch()

			tt.change(m)
			before, hadSnapshot := kv.GetItem(StorageKey)

			if got := m.ApplyIdentity(epoch, "alice@mailria.test", &role, nil); got != tt.want {
				t.Fatalf("ApplyIdentity() = %v, want %v", got, tt.want)
			}

			after, hasSnapshot := kv.GetItem(StorageKey)
			snap := m.Snapshot()
			if !tt.want {
				if hasSnapshot != hadSnapshot || after != before {
					t.Errorf("rejected identity touched storage: %q -> %q", before, after)
				}
				if snap.Email != "" {
					t.Errorf("Email = %q after rejected identity", snap.Email)
				}
				return
			}
			if snap.Email != "alice@mailria.test" || snap.RoleID == nil || *snap.RoleID != role {
				t.Errorf("identity not applied: %+v", snap)
			}
			if !snap.Permissions.Has(permission.FAQ) {
				t.Error("nil permissions replaced the stored set")
			}
			stored, ok, _ := ReadSnapshot(kv)
			if !ok || stored.Email != "alice@mailria.test" {
				t.Errorf("identity not persisted: %+v", stored)
			}
		})
	}
}
