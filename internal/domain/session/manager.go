package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Mailria/mailria/internal/domain/permission"
	"github.com/Mailria/mailria/internal/domain/storage"
	"github.com/Mailria/mailria/internal/port/outbound"
)

// Manager is the persistent session store. One Manager exists per context
// and is injected into every component that reads or mutates the session.
//
// Every mutation is written through to durable storage before it becomes
// visible to readers or subscribers.
type Manager struct {
	storage    storage.KeyValue
	navigator  outbound.Navigator
	loginRoute string
	logger     *slog.Logger

	mu       sync.RWMutex
	state    Session
	epoch    uint64
	hydrated bool
	subs     map[int]func(Session)
	nextSub  int

	hydratedOnce sync.Once
	hydratedCh   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLoginRoute sets the route Logout navigates to.
func WithLoginRoute(route string) Option {
	return func(m *Manager) {
		if route != "" {
			m.loginRoute = route
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a Manager backed by kv. The Manager starts
// un-hydrated; call Hydrate once at startup.
func NewManager(kv storage.KeyValue, navigator outbound.Navigator, opts ...Option) *Manager {
	m := &Manager{
		storage:    kv,
		navigator:  navigator,
		loginRoute: DefaultLoginRoute,
		logger:     slog.Default(),
		subs:       make(map[int]func(Session)),
		hydratedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Hydrate loads the persisted snapshot into the live state. HasHydrated
// becomes true afterwards even when nothing was stored or the snapshot
// could not be parsed.
func (m *Manager) Hydrate() {
	stored, ok, err := ReadSnapshot(m.storage)
	if err != nil {
		m.logger.Warn("ignoring unreadable session snapshot", "error", err)
	}

	m.mu.Lock()
	if ok {
		m.state = stored
	}
	m.hydrated = true
	subs := m.subscribersLocked()
	state := m.state.Clone()
	m.mu.Unlock()

	m.hydratedOnce.Do(func() { close(m.hydratedCh) })
	m.logger.Debug("session hydrated", "restored", ok, "logged_in", state.LoggedIn())
	notify(subs, state)
}

// HasHydrated reports whether Hydrate has completed.
func (m *Manager) HasHydrated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hydrated
}

// Hydrated returns a channel closed once Hydrate has completed.
func (m *Manager) Hydrated() <-chan struct{} {
	return m.hydratedCh
}

// WaitHydrated blocks until Hydrate has completed or ctx is done.
func (m *Manager) WaitHydrated(ctx context.Context) error {
	select {
	case <-m.hydratedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the live state.
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// Token returns the live access token.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.AccessToken
}

// StoredTokens reads the token pair from durable storage rather than the
// live state, so a token rotated by another context is seen immediately.
func (m *Manager) StoredTokens() (access, refresh string) {
	stored, ok, err := ReadSnapshot(m.storage)
	if err != nil {
		m.logger.Debug("stored tokens unreadable", "error", err)
		return "", ""
	}
	if !ok {
		return "", ""
	}
	return stored.AccessToken, stored.RefreshToken
}

// Epoch identifies the current login. It changes on Establish, Logout and
// ResetLocal but not when tokens are rotated.
func (m *Manager) Epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// Establish replaces the whole session, typically after a login.
func (m *Manager) Establish(s Session) {
	m.updateIf(nil, func(cur *Session) { *cur = s.Clone() }, true)
}

// ApplyIdentity stores a verified identity if the session is still the login
// identified by epoch. A nil perms keeps the stored permissions. It reports
// whether the identity was applied.
func (m *Manager) ApplyIdentity(epoch uint64, email string, roleID *int, perms permission.Set) bool {
	applied := false
	m.updateIf(func(cur Session) bool {
		applied = m.epoch == epoch && cur.LoggedIn()
		return applied
	}, func(s *Session) {
		s.Email = email
		s.RoleID = nil
		if roleID != nil {
			role := *roleID
			s.RoleID = &role
		}
		if perms != nil {
			s.Permissions = perms.Clone()
		}
	}, false)
	return applied
}

// SetTokens stores a new token pair.
func (m *Manager) SetTokens(access, refresh string) {
	m.update(func(s *Session) {
		s.AccessToken = access
		s.RefreshToken = refresh
	})
}

// UpdateTokens is SetTokens under the name the HTTP client expects.
func (m *Manager) UpdateTokens(access, refresh string) {
	m.SetTokens(access, refresh)
}

// SetAccessToken stores a new access token.
func (m *Manager) SetAccessToken(token string) {
	m.update(func(s *Session) { s.AccessToken = token })
}

// SetRefreshToken stores a new refresh token.
func (m *Manager) SetRefreshToken(token string) {
	m.update(func(s *Session) { s.RefreshToken = token })
}

// SetEmail stores the verified email address.
func (m *Manager) SetEmail(email string) {
	m.update(func(s *Session) { s.Email = email })
}

// SetRoleID stores the role classifier.
func (m *Manager) SetRoleID(roleID *int) {
	m.update(func(s *Session) {
		if roleID == nil {
			s.RoleID = nil
			return
		}
		role := *roleID
		s.RoleID = &role
	})
}

// SetPermissions stores the permission set.
func (m *Manager) SetPermissions(perms permission.Set) {
	m.update(func(s *Session) { s.Permissions = perms.Clone() })
}

// SetRememberMe stores the remember-me flag.
func (m *Manager) SetRememberMe(remember bool) {
	m.update(func(s *Session) { s.RememberMe = remember })
}

// Logout clears the live state, removes the durable snapshot and then
// navigates to the login route. Safe to call when already logged out.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.state = Session{}
	m.epoch++
	m.storage.RemoveItem(StorageKey)
	subs := m.subscribersLocked()
	m.mu.Unlock()

	m.logger.Info("session cleared")
	notify(subs, Session{})
	if m.navigator != nil {
		m.navigator.Navigate(m.loginRoute)
	}
}

// ResetLocal clears the live state without touching durable storage.
// It mirrors a logout performed by another context; removing the key here
// would echo the event back to every other context.
func (m *Manager) ResetLocal() {
	m.mu.Lock()
	m.state = Session{}
	m.epoch++
	subs := m.subscribersLocked()
	m.mu.Unlock()

	notify(subs, Session{})
}

// LoginRoute returns the unauthenticated entry point.
func (m *Manager) LoginRoute() string {
	return m.loginRoute
}

// Subscribe registers fn to receive the new state after every change.
// fn runs on the mutating goroutine, outside the Manager's lock.
// The returned function removes the subscription.
func (m *Manager) Subscribe(fn func(Session)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// update applies fn to a copy of the state, persists it and then commits.
func (m *Manager) update(fn func(*Session)) {
	m.updateIf(nil, fn, false)
}

// updateIf is update guarded by cond, which runs under the lock. newLogin
// starts a new epoch.
func (m *Manager) updateIf(cond func(Session) bool, fn func(*Session), newLogin bool) {
	m.mu.Lock()
	if cond != nil && !cond(m.state) {
		m.mu.Unlock()
		return
	}
	next := m.state.Clone()
	fn(&next)

	raw, err := EncodeSnapshot(next)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("session not updated", "error", err)
		return
	}
	m.storage.SetItem(StorageKey, raw)
	m.state = next
	if newLogin {
		m.epoch++
	}
	subs := m.subscribersLocked()
	m.mu.Unlock()

	notify(subs, next.Clone())
}

func (m *Manager) subscribersLocked() []func(Session) {
	out := make([]func(Session), 0, len(m.subs))
	for i := 0; i < m.nextSub; i++ {
		if fn, ok := m.subs[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func notify(subs []func(Session), s Session) {
	for _, fn := range subs {
		fn(s.Clone())
	}
}
