package auth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"bastion.dev/internal/ids"
	"bastion.dev/internal/obs"
)

const (
	defaultIssuer     = "bastion"
	defaultAccessTTL  = 2 * time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour
	issuedAtSkew      = 5 * time.Second
)

func init() {
	// Principal-wide revocation compares iat against the revocation instant,
	// so iat must distinguish tokens minted within the same second.
	jwt.TimePrecision = time.Millisecond
}

// TokenClass separates short-lived access tokens from long-lived refresh tokens.
type TokenClass string

const (
	ClassAccess  TokenClass = "access"
	ClassRefresh TokenClass = "refresh"
)

func (c TokenClass) valid() bool { return c == ClassAccess || c == ClassRefresh }

// Claims are the verified contents of a token.
type Claims struct {
	Class TokenClass `json:"typ"`
	Roles []string   `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenClaims is the caller-supplied part of a token; the codec fills in the rest.
type TokenClaims struct {
	Subject string
	Roles   []string
}

// IssuedToken is a signed token plus the registered claims it was minted with.
type IssuedToken struct {
	Token     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// CodecConfig holds the secrets and expiry strings for both token classes.
type CodecConfig struct {
	Issuer           string
	AccessSecret     string
	RefreshSecret    string
	AccessExpiresIn  string
	RefreshExpiresIn string
}

// TokenCodec signs and verifies HS256 tokens with a distinct secret per class.
type TokenCodec struct {
	issuer  string
	secrets map[TokenClass][]byte
	now     func() time.Time
	log     logrus.FieldLogger

	mu  sync.RWMutex
	ttl map[TokenClass]time.Duration
	// longest is the longest lifetime this codec has ever issued with. It only
	// grows, so tokens minted before a reload stay covered by revocations.
	longest time.Duration
}

// CodecOption configures TokenCodec behavior.
type CodecOption func(*TokenCodec)

// WithCodecClock overrides the time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithCodecLogger overrides the logger used for configuration diagnostics.
func WithCodecLogger(l logrus.FieldLogger) CodecOption {
	return func(c *TokenCodec) {
		if l != nil {
			c.log = l
		}
	}
}

// NewTokenCodec validates cfg and fails on any unusable setting.
func NewTokenCodec(cfg CodecConfig, opts ...CodecOption) (*TokenCodec, error) {
	access := strings.TrimSpace(cfg.AccessSecret)
	refresh := strings.TrimSpace(cfg.RefreshSecret)
	if access == "" || refresh == "" {
		return nil, fmt.Errorf("%w: access and refresh secrets are required", ErrInvalidInput)
	}
	if access == refresh {
		return nil, fmt.Errorf("%w: access and refresh secrets must differ", ErrInvalidInput)
	}
	accessTTL, err := expiryOrDefault(cfg.AccessExpiresIn, defaultAccessTTL)
	if err != nil {
		return nil, fmt.Errorf("access expiry: %w", err)
	}
	refreshTTL, err := expiryOrDefault(cfg.RefreshExpiresIn, defaultRefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("refresh expiry: %w", err)
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	c := &TokenCodec{
		issuer: issuer,
		secrets: map[TokenClass][]byte{
			ClassAccess:  []byte(access),
			ClassRefresh: []byte(refresh),
		},
		ttl: map[TokenClass]time.Duration{
			ClassAccess:  accessTTL,
			ClassRefresh: refreshTTL,
		},
		longest: max(accessTTL, refreshTTL),
		now:     time.Now,
		log:     obs.Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func expiryOrDefault(raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return ParseExpiry(raw)
}

// Reconfigure swaps expiry settings at runtime. Unparseable values fall back to
// the class default with a warning instead of failing.
func (c *TokenCodec) Reconfigure(accessExpiresIn, refreshExpiresIn string) {
	access := c.runtimeExpiry(ClassAccess, accessExpiresIn, defaultAccessTTL)
	refresh := c.runtimeExpiry(ClassRefresh, refreshExpiresIn, defaultRefreshTTL)
	c.mu.Lock()
	c.ttl[ClassAccess] = access
	c.ttl[ClassRefresh] = refresh
	c.longest = max(c.longest, access, refresh)
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{
		"access_ttl":  access.String(),
		"refresh_ttl": refresh.String(),
	}).Info("token expiry reconfigured")
}

func (c *TokenCodec) runtimeExpiry(class TokenClass, raw string, def time.Duration) time.Duration {
	d, err := expiryOrDefault(raw, def)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"class":   string(class),
			"value":   raw,
			"default": def.String(),
		}).Warn("unparseable token expiry, using default")
		return def
	}
	return d
}

// TTL returns the configured lifetime for class.
func (c *TokenCodec) TTL(class TokenClass) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttl[class]
}

// MaxLifetime is the longest lifetime any token from this codec can have,
// including tokens issued under settings that have since been reloaded.
func (c *TokenCodec) MaxLifetime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.longest
}

// Issue signs a token of the given class for claims.Subject.
func (c *TokenCodec) Issue(in TokenClaims, class TokenClass) (IssuedToken, error) {
	if !class.valid() {
		return IssuedToken{}, fmt.Errorf("%w: unknown token class %q", ErrInvalidInput, class)
	}
	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		return IssuedToken{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	now := c.now().UTC().Truncate(time.Millisecond)
	exp := now.Add(c.TTL(class))
	claims := Claims{
		Class: class,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.NewAt(now),
		},
	}
	// Refresh tokens carry only the subject and timing claims.
	if class == ClassAccess {
		claims.Roles = dedupeCodes(in.Roles)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secrets[class])
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign token: %w", err)
	}
	return IssuedToken{Token: signed, ID: claims.ID, IssuedAt: now, ExpiresAt: exp}, nil
}

// Verify checks signature, structure and class, then expiry.
func (c *TokenCodec) Verify(token string, class TokenClass) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" || !class.valid() {
		return nil, ErrTokenInvalid
	}
	secret := c.secrets[class]
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	roundDates(claims)
	if err := c.validateClaims(claims, class); err != nil {
		return nil, err
	}
	claims.Roles = dedupeCodes(claims.Roles)
	return claims, nil
}

// roundDates undoes float decoding error: "1700000000.001" can decode a hair
// below the encoded millisecond and then truncate to the one before.
func roundDates(claims *Claims) {
	for _, d := range []*jwt.NumericDate{claims.IssuedAt, claims.ExpiresAt, claims.NotBefore} {
		if d != nil {
			d.Time = d.Time.Round(time.Millisecond)
		}
	}
}

func (c *TokenCodec) validateClaims(claims *Claims, class TokenClass) error {
	if claims.Class != class {
		return fmt.Errorf("%w: class %q, want %q", ErrTokenInvalid, claims.Class, class)
	}
	if claims.Issuer != c.issuer {
		return fmt.Errorf("%w: unexpected issuer", ErrTokenInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ID) == "" {
		return fmt.Errorf("%w: subject or id missing", ErrTokenInvalid)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return fmt.Errorf("%w: timestamps missing", ErrTokenInvalid)
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return fmt.Errorf("%w: expiry precedes issued-at", ErrTokenInvalid)
	}
	now := c.now().UTC()
	if claims.IssuedAt.Time.After(now.Add(issuedAtSkew)) {
		return fmt.Errorf("%w: issued in the future", ErrTokenInvalid)
	}
	if now.After(claims.ExpiresAt.Time) {
		return ErrTokenExpired
	}
	return nil
}
