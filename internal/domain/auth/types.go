// Package auth contains the domain types exchanged with the Mailria backend
// during authentication.
package auth

import (
	"github.com/Mailria/mailria/internal/domain/permission"
)

// Identity is the verified user behind an access token.
type Identity struct {
	// Email is the authenticated user's address.
	Email string
	// RoleID is the role classifier (see permission.Role* constants).
	RoleID *int
	// Permissions are the keys granted to the role. Nil when the backend
	// did not include them.
	Permissions permission.Set
}

// IsSuperAdmin reports whether the identity bypasses permission checks.
func (i *Identity) IsSuperAdmin() bool {
	return permission.IsSuperAdmin(i.RoleID)
}

// Grant is the result of a successful login.
type Grant struct {
	// AccessToken is the short-lived bearer credential.
	AccessToken string
	// RefreshToken is exchanged for new access tokens.
	RefreshToken string
	// RoleID is set when the backend returns it with the token pair.
	RoleID *int
	// Permissions is set when the backend returns it with the token pair.
	Permissions permission.Set
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
