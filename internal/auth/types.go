package auth

import (
	"sort"
	"strings"
	"time"
)

const (
	// RoleAdmin satisfies every role requirement and every ownership check.
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleGuest = "guest"

	// PermissionWildcard satisfies every permission requirement.
	PermissionWildcard = "*:*"
)

// PrincipalStatus describes whether a principal may authenticate.
type PrincipalStatus string

const (
	StatusActive   PrincipalStatus = "active"
	StatusInactive PrincipalStatus = "inactive"
	StatusLocked   PrincipalStatus = "locked"
)

// Principal is an authenticated identity.
type Principal struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Username     string          `json:"username"`
	Nickname     string          `json:"nickname,omitempty"`
	PasswordHash string          `json:"-"`
	Status       PrincipalStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`
}

// CanAuthenticate reports whether the principal is active and not tombstoned.
func (p *Principal) CanAuthenticate() bool {
	return p != nil && p.Status == StatusActive && p.DeletedAt == nil
}

// NewPrincipal carries registration input.
type NewPrincipal struct {
	Email    string
	Username string
	Nickname string
	Password string
}

// RoleStatus marks whether a role contributes grants.
type RoleStatus string

const (
	RoleActive   RoleStatus = "active"
	RoleInactive RoleStatus = "inactive"
)

// Role groups permissions.
type Role struct {
	ID       string     `json:"id"`
	Code     string     `json:"code"`
	Name     string     `json:"name"`
	IsSystem bool       `json:"is_system"`
	Status   RoleStatus `json:"status"`
}

// Permission is a "resource:action" capability or the wildcard.
type Permission struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Module string `json:"module,omitempty"`
	Name   string `json:"name,omitempty"`
}

// PermissionSet is the union of permission codes granted to a principal.
type PermissionSet map[string]struct{}

// Has reports membership, honouring the wildcard.
func (s PermissionSet) Has(code string) bool {
	if _, ok := s[PermissionWildcard]; ok {
		return true
	}
	_, ok := s[normalizeCode(code)]
	return ok
}

// HasAny is true when any code matches; the wildcard matches an empty list too.
func (s PermissionSet) HasAny(codes []string) bool {
	if _, ok := s[PermissionWildcard]; ok {
		return true
	}
	for _, code := range codes {
		if _, ok := s[normalizeCode(code)]; ok {
			return true
		}
	}
	return false
}

// Codes returns the sorted permission codes.
func (s PermissionSet) Codes() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeCode(code string) string {
	return strings.TrimSpace(strings.ToLower(code))
}

func dedupeCodes(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(codes))
	var normalized []string
	for _, code := range codes {
		code = normalizeCode(code)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		normalized = append(normalized, code)
	}
	return normalized
}
