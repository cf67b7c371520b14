// Package auth defines the authentication collaborator consumed by the
// connection gateway. Credential formats and verification protocols are out
// of scope for this subsystem: the gateway hands the opaque credential from
// the hello frame to an Authenticator and receives back the client identity
// and tenant scope, or ErrUnauthorized.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied. The gateway closes the connection without admitting it.
var ErrUnauthorized = errors.New("unauthorized")

// Identity represents an authenticated client. Implementations should be
// lightweight and safe for concurrent use.
type Identity interface {
	// ClientID returns the stable opaque identity the session is keyed by.
	ClientID() string
	// TenantID returns the tenant scope the client belongs to. May be empty
	// in single-tenant deployments.
	TenantID() string
}

// Authenticator validates an opaque credential and returns the associated
// identity. It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}
