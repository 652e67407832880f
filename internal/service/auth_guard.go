package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Mailria/mailria/internal/domain/auth"
	"github.com/Mailria/mailria/internal/domain/session"
	"github.com/Mailria/mailria/internal/port/outbound"
)

// ErrSessionEnded is the mount error when the session was logged out or
// replaced while the identity check was in flight.
var ErrSessionEnded = errors.New("session ended during identity check")

// GuardState is the progress of a guarded mount.
type GuardState int

const (
	// GuardLoading means the identity check is in flight.
	GuardLoading GuardState = iota
	// GuardAuthorized means the wrapped view may render.
	GuardAuthorized
	// GuardRedirected means the user was sent to the entry route.
	GuardRedirected
)

// String returns the state name.
func (s GuardState) String() string {
	switch s {
	case GuardLoading:
		return "loading"
	case GuardAuthorized:
		return "authorized"
	case GuardRedirected:
		return "redirected"
	default:
		return "unknown"
	}
}

// GuardMount is one mount of a protected view. The identity check runs once
// per mount.
type GuardMount struct {
	mu       sync.Mutex
	state    GuardState
	identity *auth.Identity
	err      error
	done     chan struct{}
}

func newGuardMount() *GuardMount {
	return &GuardMount{state: GuardLoading, done: make(chan struct{})}
}

// State returns the current state.
func (m *GuardMount) State() GuardState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done is closed once the state leaves GuardLoading.
func (m *GuardMount) Done() <-chan struct{} {
	return m.done
}

// Identity returns the verified identity once authorized.
func (m *GuardMount) Identity() *auth.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Err returns the verification failure, if any.
func (m *GuardMount) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Wait blocks until the mount settles or ctx is done.
func (m *GuardMount) Wait(ctx context.Context) (GuardState, error) {
	select {
	case <-m.done:
		return m.State(), nil
	case <-ctx.Done():
		return GuardLoading, ctx.Err()
	}
}

func (m *GuardMount) finish(state GuardState, identity *auth.Identity, err error) {
	m.mu.Lock()
	m.state = state
	m.identity = identity
	m.err = err
	m.mu.Unlock()
	close(m.done)
}

// AuthGuard protects views that need a verified identity.
type AuthGuard struct {
	manager   *session.Manager
	verifier  outbound.IdentityVerifier
	navigator outbound.Navigator
	logger    *slog.Logger
}

// NewAuthGuard creates a guard.
func NewAuthGuard(manager *session.Manager, verifier outbound.IdentityVerifier, navigator outbound.Navigator, logger *slog.Logger) *AuthGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthGuard{
		manager:   manager,
		verifier:  verifier,
		navigator: navigator,
		logger:    logger,
	}
}

// Mount starts the check for one mount of a protected view. Without a
// token the mount is redirected before Mount returns.
func (g *AuthGuard) Mount(ctx context.Context) *GuardMount {
	m := newGuardMount()
	if g.manager.HasHydrated() && !g.manager.Snapshot().LoggedIn() {
		g.redirect(m, nil)
		return m
	}
	go g.verify(ctx, m)
	return m
}

func (g *AuthGuard) verify(ctx context.Context, m *GuardMount) {
	if err := g.manager.WaitHydrated(ctx); err != nil {
		m.finish(GuardRedirected, nil, err)
		return
	}
	epoch := g.manager.Epoch()
	if !g.manager.Snapshot().LoggedIn() {
		g.redirect(m, nil)
		return
	}

	identity, err := g.verifier.Me(ctx)
	if err != nil {
		g.logger.Info("identity check failed", "error", err)
		g.redirect(m, err)
		return
	}

	// Whatever ended the session has already navigated away.
	if !g.manager.ApplyIdentity(epoch, identity.Email, identity.RoleID, identity.Permissions) {
		g.logger.Info("session ended during identity check")
		m.finish(GuardRedirected, nil, ErrSessionEnded)
		return
	}
	m.finish(GuardAuthorized, identity, nil)
}

func (g *AuthGuard) redirect(m *GuardMount, err error) {
	if g.navigator != nil {
		g.navigator.Navigate(g.manager.LoginRoute())
	}
	m.finish(GuardRedirected, nil, err)
}
