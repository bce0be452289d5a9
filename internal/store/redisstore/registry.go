package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"bastion.dev/internal/auth"
)

const (
	tokenPrefix     = "revoked:token:"
	principalPrefix = "revoked:principal:"
)

var _ auth.RevocationRegistry = (*Registry)(nil)

// advanceScript raises a principal's revoked-as-of instant but never lowers it,
// and never shortens the entry's remaining lifetime.
var advanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	if redis.call('PTTL', KEYS[1]) < tonumber(ARGV[2]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// Options configures the redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Registry is a revocation registry backed by expiring redis keys. Every
// operation touches a single key.
type Registry struct {
	client *redis.Client
	now    func() time.Time
}

// Option configures Registry behavior.
type Option func(*Registry)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// Open connects to redis and verifies the connection.
func Open(ctx context.Context, o Options, opts ...Option) (*Registry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolTimeout:  2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(client, opts...), nil
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Registry {
	r := &Registry{client: client, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Close() error { return r.client.Close() }

// Ping reports whether redis is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Registry) RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return fmt.Errorf("%w: token id is required", auth.ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be greater than zero", auth.ErrInvalidInput)
	}
	if err := r.client.Set(ctx, tokenPrefix+tokenID, "1", ttl).Err(); err != nil {
		return unavailable("revoke token", err)
	}
	return nil
}

// ClaimToken is SET NX: only the caller that creates the entry wins.
func (r *Registry) ClaimToken(ctx context.Context, tokenID string, ttl time.Duration) (bool, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return false, fmt.Errorf("%w: token id is required", auth.ErrInvalidInput)
	}
	if ttl <= 0 {
		return false, fmt.Errorf("%w: ttl must be greater than zero", auth.ErrInvalidInput)
	}
	won, err := r.client.SetNX(ctx, tokenPrefix+tokenID, "1", ttl).Result()
	if err != nil {
		return false, unavailable("claim token", err)
	}
	return won, nil
}

func (r *Registry) RevokeAllForPrincipal(ctx context.Context, principalID string, ttl time.Duration) error {
	return r.RevokeAllForPrincipalAt(ctx, principalID, r.now(), ttl)
}

// RevokeAllForPrincipalAt revokes the principal's tokens issued before at.
// The instant is stored in milliseconds, rounded up.
func (r *Registry) RevokeAllForPrincipalAt(ctx context.Context, principalID string, at time.Time, ttl time.Duration) error {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return fmt.Errorf("%w: principal id is required", auth.ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be greater than zero", auth.ErrInvalidInput)
	}
	ms := ceilMillis(at)
	err := advanceScript.Run(ctx, r.client, []string{principalPrefix + principalID}, ms, ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("revoke principal", err)
	}
	return nil
}

func (r *Registry) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, tokenPrefix+tokenID).Result()
	if err != nil {
		return false, unavailable("check token", err)
	}
	return n > 0, nil
}

func (r *Registry) IsRevokedForPrincipal(ctx context.Context, principalID string, issuedAt time.Time) (bool, error) {
	revokedAt, ok, err := r.principalRevokedAt(ctx, principalID)
	if err != nil || !ok {
		return false, err
	}
	return issuedAt.UnixMilli() < revokedAt, nil
}

// RevokedAt returns the principal's revoked-as-of instant, if one is recorded.
func (r *Registry) RevokedAt(ctx context.Context, principalID string) (time.Time, bool, error) {
	ms, ok, err := r.principalRevokedAt(ctx, principalID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (r *Registry) principalRevokedAt(ctx context.Context, principalID string) (int64, bool, error) {
	raw, err := r.client.Get(ctx, principalPrefix+principalID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("check principal", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// A corrupt entry must not silently re-enable tokens.
		return 0, false, unavailable("check principal", fmt.Errorf("malformed revocation entry: %w", err))
	}
	return ms, true, nil
}

// Stats counts live revocation entries.
type Stats struct {
	Tokens     int64 `json:"tokens"`
	Principals int64 `json:"principals"`
}

// Stats walks the keyspace with SCAN; it is meant for admin tooling, not the
// request path.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	tokens, err := r.count(ctx, tokenPrefix+"*")
	if err != nil {
		return Stats{}, err
	}
	principals, err := r.count(ctx, principalPrefix+"*")
	if err != nil {
		return Stats{}, err
	}
	return Stats{Tokens: tokens, Principals: principals}, nil
}

func (r *Registry) count(ctx context.Context, match string) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return 0, unavailable("scan", err)
		}
		total += int64(len(keys))
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

func ceilMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}
	return ms
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", auth.ErrUnavailable, op, err)
}
