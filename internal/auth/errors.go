package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("auth: not found")
	ErrConflict            = errors.New("auth: conflict")
	ErrInvalidInput        = errors.New("auth: invalid input")
	ErrUnauthorized        = errors.New("auth: unauthorized")
	ErrForbidden           = errors.New("auth: forbidden")
	ErrUnavailable         = errors.New("auth: service unavailable")
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrDuplicateIdentifier = errors.New("auth: duplicate identifier")

	// ErrTokenInvalid covers bad signatures, malformed claims and class mismatches.
	ErrTokenInvalid = errors.New("auth: token invalid")
	// ErrTokenExpired is returned once now is past the token's expiry.
	ErrTokenExpired = errors.New("auth: token expired")
)

// DenialKind classifies why a request was refused.
type DenialKind int

const (
	DenyUnauthorized DenialKind = iota + 1
	DenyForbidden
	DenyUnavailable
)

func (k DenialKind) String() string {
	switch k {
	case DenyUnauthorized:
		return "unauthorized"
	case DenyForbidden:
		return "forbidden"
	case DenyUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Stable reason codes rendered by the transport layer.
const (
	ReasonTokenMissing          = "token_missing"
	ReasonTokenInvalid          = "token_invalid"
	ReasonTokenExpired          = "token_expired"
	ReasonTokenRevoked          = "token_revoked"
	ReasonRoleRequired          = "role_required"
	ReasonPermissionRequired    = "permission_required"
	ReasonResourceForbidden     = "resource_forbidden"
	ReasonRevocationUnavailable = "revocation_unavailable"
	ReasonRBACUnavailable       = "rbac_unavailable"
	ReasonInvalidCredentials    = "invalid_credentials"
	ReasonPrincipalInactive     = "principal_inactive"
	ReasonStoreUnavailable      = "store_unavailable"
)

// Denial is the typed outcome of a failed authorization step.
type Denial struct {
	Kind   DenialKind
	Reason string
	Err    error
}

func (d *Denial) Error() string {
	if d.Err != nil {
		return fmt.Sprintf("%s (%s): %v", d.Kind, d.Reason, d.Err)
	}
	return fmt.Sprintf("%s (%s)", d.Kind, d.Reason)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (d *Denial) Unwrap() []error {
	out := []error{d.kindErr()}
	if d.Err != nil {
		out = append(out, d.Err)
	}
	return out
}

func (d *Denial) kindErr() error {
	switch d.Kind {
	case DenyForbidden:
		return ErrForbidden
	case DenyUnavailable:
		return ErrUnavailable
	default:
		return ErrUnauthorized
	}
}

func unauthorized(reason string, err error) *Denial {
	return &Denial{Kind: DenyUnauthorized, Reason: reason, Err: err}
}

func forbidden(reason string, err error) *Denial {
	return &Denial{Kind: DenyForbidden, Reason: reason, Err: err}
}

func unavailable(reason string, err error) *Denial {
	return &Denial{Kind: DenyUnavailable, Reason: reason, Err: err}
}

// AsDenial extracts a Denial from err.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
