package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bastion.dev/internal/obs"
)

// CredentialStore looks up and creates principals.
type CredentialStore interface {
	// FindPrincipalByIdentifier matches an email or username. Returns ErrNotFound.
	FindPrincipalByIdentifier(ctx context.Context, identifier string) (*Principal, error)
	FindPrincipalByID(ctx context.Context, id string) (*Principal, error)
	// CreatePrincipal returns ErrConflict when the email or username is taken.
	CreatePrincipal(ctx context.Context, in NewPrincipal, passwordHash string) (*Principal, error)
}

// SessionTokens is one access+refresh pair.
type SessionTokens struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

type grantInvalidator interface {
	Invalidate(principalID string)
}

// SessionService runs login, registration, refresh and logout.
type SessionService struct {
	creds       CredentialStore
	hasher      Hasher
	codec       *TokenCodec
	revocations RevocationRegistry
	grants      GrantSource
	now         func() time.Time
	log         logrus.FieldLogger

	dummyOnce   sync.Once
	dummyDigest string
}

// SessionOption configures SessionService behavior.
type SessionOption func(*SessionService)

// WithSessionClock overrides time source (useful for tests).
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(s *SessionService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSessionLogger overrides the logger.
func WithSessionLogger(l logrus.FieldLogger) SessionOption {
	return func(s *SessionService) {
		if l != nil {
			s.log = l
		}
	}
}

func NewSessionService(creds CredentialStore, hasher Hasher, codec *TokenCodec, revocations RevocationRegistry, grants GrantSource, opts ...SessionOption) (*SessionService, error) {
	if creds == nil || hasher == nil || codec == nil || revocations == nil || grants == nil {
		return nil, errors.New("session service requires credential store, hasher, codec, revocation registry and grant source")
	}
	s := &SessionService{
		creds:       creds,
		hasher:      hasher,
		codec:       codec,
		revocations: revocations,
		grants:      grants,
		now:         time.Now,
		log:         obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login authenticates by email or username and issues a token pair.
func (s *SessionService) Login(ctx context.Context, identifier, secret string) (SessionTokens, *Principal, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return SessionTokens{}, nil, ErrInvalidCredentials
	}
	p, err := s.creds.FindPrincipalByIdentifier(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		// Burn a comparison so unknown identifiers cost the same as bad secrets.
		s.hasher.Verify(secret, s.dummy())
		s.log.WithField("reason", "unknown_identifier").Info("login failed")
		return SessionTokens{}, nil, ErrInvalidCredentials
	}
	if err != nil {
		s.log.WithError(err).Error("credential lookup failed")
		return SessionTokens{}, nil, fmt.Errorf("%w: find principal: %v", ErrUnavailable, err)
	}
	if !s.hasher.Verify(secret, p.PasswordHash) {
		s.log.WithFields(logrus.Fields{"sub": p.ID, "reason": "bad_secret"}).Info("login failed")
		return SessionTokens{}, nil, ErrInvalidCredentials
	}
	if !p.CanAuthenticate() {
		s.log.WithFields(logrus.Fields{"sub": p.ID, "reason": string(p.Status)}).Info("login failed")
		return SessionTokens{}, nil, ErrInvalidCredentials
	}
	tokens, err := s.issue(ctx, p.ID)
	if err != nil {
		return SessionTokens{}, nil, err
	}
	return tokens, p, nil
}

// Register creates a principal and logs it in. No role is assigned.
func (s *SessionService) Register(ctx context.Context, in NewPrincipal) (SessionTokens, *Principal, error) {
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.Username = strings.TrimSpace(in.Username)
	in.Nickname = strings.TrimSpace(in.Nickname)
	if in.Email == "" && in.Username == "" {
		return SessionTokens{}, nil, fmt.Errorf("%w: email or username is required", ErrInvalidInput)
	}
	if in.Password == "" {
		return SessionTokens{}, nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	digest, err := s.hasher.Hash(in.Password)
	if err != nil {
		return SessionTokens{}, nil, fmt.Errorf("hash password: %w", err)
	}
	p, err := s.creds.CreatePrincipal(ctx, in, digest)
	if errors.Is(err, ErrConflict) {
		return SessionTokens{}, nil, ErrDuplicateIdentifier
	}
	if err != nil {
		s.log.WithError(err).Error("create principal failed")
		return SessionTokens{}, nil, fmt.Errorf("%w: create principal: %v", ErrUnavailable, err)
	}
	tokens, err := s.issue(ctx, p.ID)
	if err != nil {
		return SessionTokens{}, nil, err
	}
	return tokens, p, nil
}

// Refresh exchanges a refresh token for a new pair carrying the principal's
// current roles. The presented refresh token is revoked; when the same token
// is replayed concurrently only one caller receives a pair.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (SessionTokens, error) {
	claims, err := s.codec.Verify(refreshToken, ClassRefresh)
	if err != nil {
		return SessionTokens{}, verifyDenial(err)
	}
	if d := checkRevocation(ctx, s.revocations, claims); d != nil {
		return SessionTokens{}, d
	}
	p, err := s.creds.FindPrincipalByID(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return SessionTokens{}, unauthorized(ReasonTokenInvalid, nil)
	}
	if err != nil {
		return SessionTokens{}, unavailable(ReasonStoreUnavailable, err)
	}
	if !p.CanAuthenticate() {
		return SessionTokens{}, unauthorized(ReasonPrincipalInactive, nil)
	}

	ttl := remainingTTL(claims.ExpiresAt.Time, s.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	won, err := s.revocations.ClaimToken(ctx, claims.ID, ttl)
	if err != nil {
		return SessionTokens{}, unavailable(ReasonRevocationUnavailable, err)
	}
	if !won {
		s.log.WithFields(logrus.Fields{"sub": p.ID, "jti": claims.ID}).Warn("refresh token replayed")
		return SessionTokens{}, unauthorized(ReasonTokenRevoked, nil)
	}
	s.invalidate(p.ID)
	return s.issue(ctx, p.ID)
}

// Logout revokes the caller's access token and, when given one belonging to
// the same principal, a refresh token.
func (s *SessionService) Logout(ctx context.Context, id *Identity, refreshToken string) error {
	if id == nil {
		return ErrUnauthorized
	}
	now := s.now()
	if ttl := remainingTTL(id.ExpiresAt, now); ttl > 0 {
		if err := s.revocations.RevokeToken(ctx, id.TokenID, ttl); err != nil {
			return err
		}
	}
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	claims, err := s.codec.Verify(refreshToken, ClassRefresh)
	if err != nil || claims.Subject != id.PrincipalID {
		s.log.WithField("sub", id.PrincipalID).Debug("ignoring unusable refresh token on logout")
		return nil
	}
	if ttl := remainingTTL(claims.ExpiresAt.Time, now); ttl > 0 {
		return s.revocations.RevokeToken(ctx, claims.ID, ttl)
	}
	return nil
}

// LogoutEverywhere revokes every token issued to the caller so far.
func (s *SessionService) LogoutEverywhere(ctx context.Context, id *Identity) error {
	if id == nil {
		return ErrUnauthorized
	}
	return s.RevokePrincipal(ctx, id.PrincipalID)
}

// RevokePrincipal records a principal-wide revocation lasting as long as the
// longest-lived token class.
func (s *SessionService) RevokePrincipal(ctx context.Context, principalID string) error {
	if err := s.revocations.RevokeAllForPrincipal(ctx, principalID, s.codec.MaxLifetime()); err != nil {
		return err
	}
	s.invalidate(principalID)
	return nil
}

func (s *SessionService) issue(ctx context.Context, principalID string) (SessionTokens, error) {
	grants, err := s.grants.Grants(ctx, principalID)
	if err != nil {
		s.log.WithError(err).WithField("sub", principalID).Error("role lookup failed")
		return SessionTokens{}, fmt.Errorf("%w: load roles: %v", ErrUnavailable, err)
	}
	access, err := s.codec.Issue(TokenClaims{Subject: principalID, Roles: grants.Roles}, ClassAccess)
	if err != nil {
		return SessionTokens{}, err
	}
	refresh, err := s.codec.Issue(TokenClaims{Subject: principalID}, ClassRefresh)
	if err != nil {
		return SessionTokens{}, err
	}
	return SessionTokens{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

func (s *SessionService) invalidate(principalID string) {
	if inv, ok := s.grants.(grantInvalidator); ok {
		inv.Invalidate(principalID)
	}
}

func (s *SessionService) dummy() string {
	s.dummyOnce.Do(func() {
		digest, err := s.hasher.Hash("bastion-timing-equalizer")
		if err != nil {
			s.log.WithError(err).Warn("dummy digest unavailable")
			return
		}
		s.dummyDigest = digest
	})
	return s.dummyDigest
}
