// Package session holds the client-side authentication session: the live
// in-memory state, its durable snapshot and the Manager that keeps both in
// step.
package session

import (
	"github.com/Mailria/mailria/internal/domain/permission"
)

// StorageKey is the durable storage key of the session snapshot.
const StorageKey = "auth-storage"

// DefaultLoginRoute is the unauthenticated entry point.
const DefaultLoginRoute = "/login"

// Session is the client's view of the authenticated user.
// A Session with an empty AccessToken is logged out regardless of its
// other fields.
type Session struct {
	// AccessToken is the bearer credential attached to API requests.
	AccessToken string
	// RefreshToken is exchanged for a new access token on 401.
	RefreshToken string
	// Email is set once the identity has been verified.
	Email string
	// RoleID drives routing; nil until known.
	RoleID *int
	// Permissions are only meaningful when RoleID is set.
	Permissions permission.Set
	// RememberMe disables the session timeout when true.
	RememberMe bool
}

// LoggedIn reports whether the session carries an access token.
func (s Session) LoggedIn() bool {
	return s.AccessToken != ""
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	out := s
	if s.RoleID != nil {
		role := *s.RoleID
		out.RoleID = &role
	}
	out.Permissions = s.Permissions.Clone()
	return out
}
