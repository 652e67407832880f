package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"github.com/Mailria/mailria/internal/domain/auth"
	"github.com/Mailria/mailria/internal/domain/permission"
	"github.com/Mailria/mailria/internal/domain/session"
)

type stubVerifier struct {
	calls    atomic.Int32
	identity *auth.Identity
	err      error
	release  chan struct{}
}

func (v *stubVerifier) Me(ctx context.Context) (*auth.Identity, error) {
	v.calls.Add(1)
	if v.release != nil {
		select {
		case <-v.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return v.identity, v.err
}

func TestAuthGuard_NoTokenRedirectsImmediately(t *testing.T) {
	t.Parallel()
	m, _, nav := newTestSession(t)
	verifier := &stubVerifier{}
	g := NewAuthGuard(m, verifier, nav, quietLogger())

	mount := g.Mount(context.Background())

	if mount.State() != GuardRedirected {
		t.Errorf("State() = %v, want redirected", mount.State())
	}
	if routes := nav.Routes(); len(routes) != 1 || routes[0] != session.DefaultLoginRoute {
		t.Errorf("navigations = %v", routes)
	}
	if verifier.calls.Load() != 0 {
		t.Error("identity endpoint called without a token")
	}
}

func TestAuthGuard_VerifiedPopulatesSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, _, nav := newTestSession(t)
	m.SetTokens("tok", "ref")
	verifier := &stubVerifier{
		identity: &auth.Identity{
			Email:       "carol@mailria.test",
			RoleID:      auth.IntPtr(permission.RoleRestrictedAdmin),
			Permissions: permission.NewSet(permission.UserManagement),
		},
		release: make(chan struct{}),
	}
	g := NewAuthGuard(m, verifier, nav, quietLogger())

	mount := g.Mount(context.Background())
	if mount.State() != GuardLoading {
		t.Errorf("State() before verification = %v, want loading", mount.State())
	}
	close(verifier.release)

	state, err := mount.Wait(context.Background())
	if err != nil || state != GuardAuthorized {
		t.Fatalf("Wait() = %v, %v; want authorized", state, err)
	}

	got := m.Snapshot()
	if got.Email != "carol@mailria.test" {
		t.Errorf("Email = %q", got.Email)
	}
	if got.RoleID == nil || *got.RoleID != permission.RoleRestrictedAdmin {
		t.Errorf("RoleID = %v", got.RoleID)
	}
	if !got.Permissions.Has(permission.UserManagement) {
		t.Errorf("Permissions = %v", got.Permissions.Keys())
	}
	if len(nav.Routes()) != 0 {
		t.Errorf("navigations = %v", nav.Routes())
	}
	if verifier.calls.Load() != 1 {
		t.Errorf("Me() calls = %d, want 1", verifier.calls.Load())
	}
}

func TestAuthGuard_KeepsPermissionsWhenAbsent(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, _, nav := newTestSession(t)
	m.Establish(session.Session{AccessToken: "tok", Permissions: permission.NewSet(permission.FAQ)})
	g := NewAuthGuard(m, &stubVerifier{identity: &auth.Identity{Email: "dan@mailria.test"}}, nav, quietLogger())

	state, _ := g.Mount(context.Background()).Wait(context.Background())
	if state != GuardAuthorized {
		t.Fatalf("state = %v", state)
	}
	if !m.Snapshot().Permissions.Has(permission.FAQ) {
		t.Error("permissions dropped although the identity carried none")
	}
}

func TestAuthGuard_FailureRedirects(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, _, nav := newTestSession(t)
	m.SetTokens("expired", "ref")
	boom := errors.New("token expired")
	g := NewAuthGuard(m, &stubVerifier{err: boom}, nav, quietLogger())

	mount := g.Mount(context.Background())
	state, _ := mount.Wait(context.Background())

	if state != GuardRedirected {
		t.Errorf("state = %v, want redirected", state)
	}
	if !errors.Is(mount.Err(), boom) {
		t.Errorf("Err() = %v, want %v", mount.Err(), boom)
	}
	if routes := nav.Routes(); len(routes) != 1 || routes[0] != session.DefaultLoginRoute {
		t.Errorf("navigations = %v", routes)
	}
}

func TestGuardState_String(t *testing.T) {
	t.Parallel()
	tests := map[GuardState]string{
		GuardLoading:    "loading",
		GuardAuthorized: "authorized",
		GuardRedirected: "redirected",
		GuardState(42):  "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("GuardState(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestAuthGuard_LogoutDuringCheck(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, kv, nav := newTestSession(t)
	m.SetTokens("tok", "ref")
	verifier := &stubVerifier{
		identity: &auth.Identity{Email: "erin@mailria.test", RoleID: auth.IntPtr(permission.RoleUser)},
		release:  make(chan struct{}),
	}
	g := NewAuthGuard(m, verifier, nav, quietLogger())

	mount := g.Mount(context.Background())
	waitFor(t, "identity check started", func() bool { return verifier.calls.Load() == 1 })
	m.Logout()
	close(verifier.release)

	state, _ := mount.Wait(context.Background())
	if state != GuardRedirected {
		t.Errorf("state = %v, want redirected", state)
	}
	if !errors.Is(mount.Err(), ErrSessionEnded) {
		t.Errorf("Err() = %v, want ErrSessionEnded", mount.Err())
	}
	if mount.Identity() != nil {
		t.Error("identity exposed for an ended session")
	}
	if raw, ok := kv.GetItem(session.StorageKey); ok {
		t.Errorf("snapshot recreated after logout: %s", raw)
	}
	if got := m.Snapshot(); got.LoggedIn() || got.Email != "" {
		t.Errorf("live state = %+v, want empty", got)
	}
	if routes := nav.Routes(); len(routes) != 1 {
		t.Errorf("navigations = %v, want only the logout", routes)
	}
}
