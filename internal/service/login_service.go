package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mailria/mailria/internal/domain/session"
	"github.com/Mailria/mailria/internal/domain/storage"
	"github.com/Mailria/mailria/internal/observability"
	"github.com/Mailria/mailria/internal/port/outbound"
)

// ErrMissingCredentials is returned when email or password is empty.
var ErrMissingCredentials = errors.New("email and password are required")

// LoginService establishes and ends sessions.
type LoginService struct {
	manager       *session.Manager
	authenticator outbound.Authenticator
	marker        storage.KeyValue
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// NewLoginService creates a LoginService. marker is the store holding the
// session timeout's login time; it may be nil.
func NewLoginService(manager *session.Manager, authenticator outbound.Authenticator, marker storage.KeyValue, logger *slog.Logger, metrics *observability.Metrics) *LoginService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginService{
		manager:       manager,
		authenticator: authenticator,
		marker:        marker,
		logger:        logger,
		metrics:       metrics,
	}
}

// Login exchanges credentials for a token pair and stores the new session.
func (s *LoginService) Login(ctx context.Context, email, password string, rememberMe bool) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return ErrMissingCredentials
	}

	// A new login starts a new timeout clock.
	if s.marker != nil {
		s.marker.RemoveItem(LoginTimeKey)
	}

	grant, err := s.authenticator.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	s.manager.Establish(session.Session{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		RoleID:       grant.RoleID,
		Permissions:  grant.Permissions,
		RememberMe:   rememberMe,
	})
	s.metrics.SetSessionActive(true)
	s.logger.Info("logged in", "email", email, "remember_me", rememberMe)
	return nil
}

// Logout ends the session in every context sharing the durable store.
func (s *LoginService) Logout() {
	s.manager.Logout()
	s.metrics.RecordLogout("user")
	s.metrics.SetSessionActive(false)
}
