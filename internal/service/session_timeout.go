package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Mailria/mailria/internal/domain/session"
	"github.com/Mailria/mailria/internal/domain/storage"
	"github.com/Mailria/mailria/internal/observability"
	"github.com/Mailria/mailria/internal/port/inbound"
	"github.com/Mailria/mailria/internal/port/outbound"
)

const (
	// LoginTimeKey holds the login time in epoch milliseconds. It lives in
	// the context-scoped store, so each context runs its own clock.
	LoginTimeKey = "session-login-time"

	// DefaultSessionMaxAge is how long a session without remember-me lasts.
	DefaultSessionMaxAge = 7 * 24 * time.Hour

	// SessionExpiredMessage is shown when the session times out.
	SessionExpiredMessage = "Session expired, please log in again"
)

// stopper is the part of *time.Timer the enforcer needs.
type stopper interface {
	Stop() bool
}

// SessionTimeout logs the user out a fixed time after login unless
// remember-me is set. It watches the Manager and re-evaluates whenever the
// token or the remember-me flag changes.
type SessionTimeout struct {
	manager  *session.Manager
	marker   storage.KeyValue
	notifier outbound.Notifier
	maxAge   time.Duration
	now      func() time.Time
	after    func(time.Duration, func()) stopper
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu          sync.Mutex
	started     bool
	closed      bool
	evaluated   bool
	token       string
	remember    bool
	timer       stopper
	gen         uint64
	unsubscribe func()
}

// TimeoutOption configures SessionTimeout.
type TimeoutOption func(*SessionTimeout)

// WithMaxAge overrides DefaultSessionMaxAge.
func WithMaxAge(d time.Duration) TimeoutOption {
	return func(s *SessionTimeout) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) TimeoutOption {
	return func(s *SessionTimeout) {
		s.now = now
	}
}

// WithAfterFunc sets the scheduler used for the deferred logout.
func WithAfterFunc(after func(time.Duration, func()) stopper) TimeoutOption {
	return func(s *SessionTimeout) {
		s.after = after
	}
}

// WithTimeoutLogger sets the logger.
func WithTimeoutLogger(logger *slog.Logger) TimeoutOption {
	return func(s *SessionTimeout) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeoutMetrics sets the metrics sink.
func WithTimeoutMetrics(m *observability.Metrics) TimeoutOption {
	return func(s *SessionTimeout) {
		s.metrics = m
	}
}

// NewSessionTimeout creates an enforcer. marker is the context-scoped store
// holding LoginTimeKey.
func NewSessionTimeout(manager *session.Manager, marker storage.KeyValue, notifier outbound.Notifier, opts ...TimeoutOption) *SessionTimeout {
	s := &SessionTimeout{
		manager:  manager,
		marker:   marker,
		notifier: notifier,
		maxAge:   DefaultSessionMaxAge,
		now:      time.Now,
		after:    func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the Manager and evaluates the current session.
func (s *SessionTimeout) Start(_ context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session timeout already started")
	}
	s.started = true
	s.mu.Unlock()

	unsubscribe := s.manager.Subscribe(s.evaluate)

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.evaluate(s.manager.Snapshot())
	return nil
}

// Close cancels any scheduled logout and stops watching the Manager.
func (s *SessionTimeout) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cancelLocked()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return nil
}

// Pending reports whether a deferred logout is scheduled.
func (s *SessionTimeout) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *SessionTimeout) evaluate(cur session.Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.evaluated && cur.AccessToken == s.token && cur.RememberMe == s.remember {
		s.mu.Unlock()
		return
	}
	s.evaluated = true
	s.token = cur.AccessToken
	s.remember = cur.RememberMe
	s.cancelLocked()

	if cur.AccessToken == "" {
		s.marker.RemoveItem(LoginTimeKey)
		s.mu.Unlock()
		return
	}
	if cur.RememberMe {
		s.mu.Unlock()
		return
	}

	now := s.now()
	elapsed := now.Sub(s.loginTimeLocked(now))
	if elapsed >= s.maxAge {
		s.marker.RemoveItem(LoginTimeKey)
		s.mu.Unlock()
		s.expire()
		return
	}

	remaining := s.maxAge - elapsed
	gen := s.gen
	s.timer = s.after(remaining, func() { s.fire(gen) })
	s.mu.Unlock()

	s.logger.Debug("session logout scheduled", "in", remaining)
}

// loginTimeLocked reads the marker, stamping now when it is missing or
// unreadable.
func (s *SessionTimeout) loginTimeLocked(now time.Time) time.Time {
	if raw, ok := s.marker.GetItem(LoginTimeKey); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		s.logger.Debug("replacing unreadable login time", "value", raw)
	}
	s.marker.SetItem(LoginTimeKey, strconv.FormatInt(now.UnixMilli(), 10))
	return now
}

func (s *SessionTimeout) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.marker.RemoveItem(LoginTimeKey)
	s.mu.Unlock()

	s.expire()
}

// expire runs without s.mu held; Logout re-enters evaluate.
func (s *SessionTimeout) expire() {
	s.logger.Info("session expired")
	s.metrics.RecordLogout("timeout")
	if s.notifier != nil {
		s.notifier.Notify(outbound.LevelError, SessionExpiredMessage)
	}
	s.manager.Logout()
}

func (s *SessionTimeout) cancelLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

var _ inbound.Worker = (*SessionTimeout)(nil)
