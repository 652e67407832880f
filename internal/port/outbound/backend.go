// Package outbound defines the outbound port interfaces the session core
// uses to reach the Mailria backend and the hosting user interface.
package outbound

import (
	"context"

	"github.com/Mailria/mailria/internal/domain/auth"
)

// IdentityVerifier resolves the identity behind the current access token.
// Adapters: api.Client (GET /user/get_user_me).
type IdentityVerifier interface {
	Me(ctx context.Context) (*auth.Identity, error)
}

// Authenticator exchanges credentials for a token pair.
// Adapters: api.Client (POST /login).
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*auth.Grant, error)
}

// Pinger reports liveness to the backend.
// Adapters: api.Client (POST /heartbeat).
type Pinger interface {
	Heartbeat(ctx context.Context) error
}
