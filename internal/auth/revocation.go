package auth

import (
	"context"
	"time"
)

// RevocationRegistry records tokens and principals revoked ahead of natural expiry.
// Implementations return errors wrapping ErrUnavailable when the backing store
// cannot be reached; callers treat that as a denial.
type RevocationRegistry interface {
	// RevokeToken marks a single token id revoked for ttl. ttl must cover the
	// token's remaining lifetime or the token becomes usable again.
	RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error
	// ClaimToken revokes tokenID for ttl and reports whether this call did it.
	// Exactly one of any number of concurrent callers gets true.
	ClaimToken(ctx context.Context, tokenID string, ttl time.Duration) (bool, error)
	// RevokeAllForPrincipal revokes every token issued to the principal before now.
	// ttl must be at least the longest token lifetime.
	RevokeAllForPrincipal(ctx context.Context, principalID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	// IsRevokedForPrincipal is true when a principal-wide revocation was recorded
	// after issuedAt.
	IsRevokedForPrincipal(ctx context.Context, principalID string, issuedAt time.Time) (bool, error)
}

// remainingTTL is the revocation lifetime for a token expiring at exp.
func remainingTTL(exp, now time.Time) time.Duration {
	d := exp.Sub(now)
	if d <= 0 {
		return 0
	}
	// Round up so the entry never expires before the token does.
	return d.Truncate(time.Second) + time.Second
}
