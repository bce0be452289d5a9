package auth

import (
	"context"
	"time"
)

type identityContextKey struct{}

// Identity is the authenticated caller attached to a request after Authorize.
type Identity struct {
	PrincipalID string
	// Roles and Permissions come from the resolver when the route checked
	// roles, permissions or ownership. On plain authenticated routes Roles
	// holds the token's claim and Permissions is nil until Grants is called.
	Roles       []string
	Permissions PermissionSet
	TokenID     string
	IssuedAt    time.Time
	ExpiresAt   time.Time

	source   GrantSource
	resolved bool
}

// Grants returns the caller's current roles and permissions, resolving them
// on first use when Authorize did not need them. Not safe for concurrent use.
func (id *Identity) Grants(ctx context.Context) (Grants, error) {
	if id.resolved || id.source == nil {
		return Grants{Roles: id.Roles, Permissions: id.Permissions}, nil
	}
	g, err := id.source.Grants(ctx, id.PrincipalID)
	if err != nil {
		return Grants{}, err
	}
	id.Roles, id.Permissions, id.resolved = g.Roles, g.Permissions, true
	return g, nil
}

// ContextWithIdentity attaches the authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if id == nil {
		return ctx
	}
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the authenticated identity from the context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// PrincipalIDFromContext returns the authenticated principal id, if any.
func PrincipalIDFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	if !ok || id.PrincipalID == "" {
		return "", false
	}
	return id.PrincipalID, true
}
