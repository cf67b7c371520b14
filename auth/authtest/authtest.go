// Package authtest provides authenticators for tests and development
// environments where real credential verification is not required.
package authtest

import (
	"context"

	"github.com/pushwire/pushwire-go/auth"
)

// Static resolves credentials from a fixed map. Unknown credentials yield
// auth.ErrUnauthorized.
type Static struct {
	identities map[string]identity
}

type identity struct {
	clientID string
	tenantID string
}

func (i identity) ClientID() string { return i.clientID }
func (i identity) TenantID() string { return i.tenantID }

// NewStatic creates an empty static authenticator.
func NewStatic() *Static {
	return &Static{identities: make(map[string]identity)}
}

// Allow registers a credential and the identity it resolves to. Returns the
// receiver for chaining.
func (s *Static) Allow(credential, clientID, tenantID string) *Static {
	s.identities[credential] = identity{clientID: clientID, tenantID: tenantID}
	return s
}

func (s *Static) Authenticate(ctx context.Context, credential string) (auth.Identity, error) {
	id, ok := s.identities[credential]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return id, nil
}

var _ auth.Authenticator = (*Static)(nil)

// Passthrough treats every credential as the client ID itself. Useful for
// demos and tests that do not exercise authentication failures.
type Passthrough struct {
	// Tenant applied to every identity. Optional.
	Tenant string
}

func (p Passthrough) Authenticate(ctx context.Context, credential string) (auth.Identity, error) {
	if credential == "" {
		return nil, auth.ErrUnauthorized
	}
	return identity{clientID: credential, tenantID: p.Tenant}, nil
}

var _ auth.Authenticator = Passthrough{}
