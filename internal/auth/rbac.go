package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// RBACStore reads role assignments and permission grants.
type RBACStore interface {
	// AssignedRoles lists the roles held by a principal. No assignments is an
	// empty slice, not an error.
	AssignedRoles(ctx context.Context, principalID string) ([]Role, error)
	RolePermissions(ctx context.Context, roleID string) ([]Permission, error)
}

// Grants is a principal's resolved roles and permissions.
type Grants struct {
	Roles       []string
	Permissions PermissionSet
}

// HasRole is true for the role itself or for any admin holder.
func (g Grants) HasRole(code string) bool {
	code = normalizeCode(code)
	for _, r := range g.Roles {
		if r == RoleAdmin || r == code {
			return true
		}
	}
	return false
}

// HasAnyRole applies OR semantics across codes.
func (g Grants) HasAnyRole(codes []string) bool {
	for _, code := range codes {
		if g.HasRole(code) {
			return true
		}
	}
	return false
}

// IsAdmin reports the break-glass bypass.
func (g Grants) IsAdmin() bool {
	for _, r := range g.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

func (g Grants) HasPermission(code string) bool { return g.Permissions.Has(code) }

func (g Grants) HasAnyPermission(codes []string) bool { return g.Permissions.HasAny(codes) }

// GrantSource resolves grants for a principal. Both Resolver and CachedResolver
// implement it.
type GrantSource interface {
	Grants(ctx context.Context, principalID string) (Grants, error)
}

// Resolver computes effective permissions straight from the store.
type Resolver struct {
	store RBACStore
}

func NewResolver(store RBACStore) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	return &Resolver{store: store}, nil
}

// Grants loads assigned active roles and unions their permissions. Loading stops
// once the wildcard is seen.
func (r *Resolver) Grants(ctx context.Context, principalID string) (Grants, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return Grants{}, fmt.Errorf("%w: principal_id is required", ErrInvalidInput)
	}
	roles, err := r.store.AssignedRoles(ctx, principalID)
	if err != nil {
		return Grants{}, fmt.Errorf("load roles: %w", err)
	}
	g := Grants{Permissions: PermissionSet{}}
	active := make([]Role, 0, len(roles))
	for _, role := range roles {
		if role.Status == RoleInactive {
			continue
		}
		active = append(active, role)
		g.Roles = append(g.Roles, role.Code)
	}
	g.Roles = dedupeCodes(g.Roles)

	for _, role := range active {
		perms, err := r.store.RolePermissions(ctx, role.ID)
		if err != nil {
			return Grants{}, fmt.Errorf("load permissions for role %s: %w", role.Code, err)
		}
		for _, p := range perms {
			code := normalizeCode(p.Code)
			if code == "" {
				continue
			}
			g.Permissions[code] = struct{}{}
			if code == PermissionWildcard {
				return g, nil
			}
		}
	}
	return g, nil
}

func (r *Resolver) EffectivePermissions(ctx context.Context, principalID string) (PermissionSet, error) {
	return effectivePermissions(ctx, r, principalID)
}

func (r *Resolver) HasRole(ctx context.Context, principalID, role string) (bool, error) {
	return hasRole(ctx, r, principalID, role)
}

func (r *Resolver) HasPermission(ctx context.Context, principalID, code string) (bool, error) {
	return hasAnyPermission(ctx, r, principalID, []string{code})
}

func (r *Resolver) HasAnyPermission(ctx context.Context, principalID string, codes []string) (bool, error) {
	return hasAnyPermission(ctx, r, principalID, codes)
}

func effectivePermissions(ctx context.Context, src GrantSource, principalID string) (PermissionSet, error) {
	g, err := src.Grants(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return g.Permissions, nil
}

func hasRole(ctx context.Context, src GrantSource, principalID, role string) (bool, error) {
	g, err := src.Grants(ctx, principalID)
	if err != nil {
		return false, err
	}
	return g.HasRole(role), nil
}

func hasAnyPermission(ctx context.Context, src GrantSource, principalID string, codes []string) (bool, error) {
	g, err := src.Grants(ctx, principalID)
	if err != nil {
		return false, err
	}
	return g.HasAnyPermission(codes), nil
}
