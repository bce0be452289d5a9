package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var errStoreDown = errors.New("connection refused")

// clock is a settable time source shared by codec, registry and session.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memRevocations mirrors the redis registry semantics in memory.
type memRevocations struct {
	mu         sync.Mutex
	now        func() time.Time
	tokens     map[string]time.Time
	principals map[string]principalEntry
	down       bool
}

type principalEntry struct {
	at, expires time.Time
}

func newMemRevocations(now func() time.Time) *memRevocations {
	return &memRevocations{now: now, tokens: map[string]time.Time{}, principals: map[string]principalEntry{}}
}

func (m *memRevocations) RevokeToken(_ context.Context, tokenID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return fmt.Errorf("%w: %v", ErrUnavailable, errStoreDown)
	}
	if ttl <= 0 {
		return ErrInvalidInput
	}
	m.tokens[tokenID] = m.now().Add(ttl)
	return nil
}

func (m *memRevocations) ClaimToken(_ context.Context, tokenID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, errStoreDown)
	}
	if ttl <= 0 {
		return false, ErrInvalidInput
	}
	if exp, ok := m.tokens[tokenID]; ok && m.now().Before(exp) {
		return false, nil
	}
	m.tokens[tokenID] = m.now().Add(ttl)
	return true, nil
}

func (m *memRevocations) RevokeAllForPrincipal(_ context.Context, principalID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return fmt.Errorf("%w: %v", ErrUnavailable, errStoreDown)
	}
	at := m.now().Truncate(time.Millisecond)
	if !m.now().Equal(at) {
		at = at.Add(time.Millisecond)
	}
	expires := m.now().Add(ttl)
	prev, ok := m.principals[principalID]
	if ok && m.now().Before(prev.expires) {
		if prev.at.After(at) {
			at = prev.at
		}
		if prev.expires.After(expires) {
			expires = prev.expires
		}
	}
	m.principals[principalID] = principalEntry{at: at, expires: expires}
	return nil
}

func (m *memRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, errStoreDown)
	}
	exp, ok := m.tokens[tokenID]
	return ok && m.now().Before(exp), nil
}

func (m *memRevocations) IsRevokedForPrincipal(_ context.Context, principalID string, issuedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, errStoreDown)
	}
	e, ok := m.principals[principalID]
	if !ok || !m.now().Before(e.expires) {
		return false, nil
	}
	return issuedAt.UnixMilli() < e.at.UnixMilli(), nil
}

func (m *memRevocations) setDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

// memRBAC is an RBACStore backed by maps.
type memRBAC struct {
	mu          sync.Mutex
	assignments map[string][]Role
	grants      map[string][]Permission
	permCalls   int
	down        bool
}

func newMemRBAC() *memRBAC {
	return &memRBAC{assignments: map[string][]Role{}, grants: map[string][]Permission{}}
}

func (m *memRBAC) AssignedRoles(_ context.Context, principalID string) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errStoreDown
	}
	return append([]Role(nil), m.assignments[principalID]...), nil
}

func (m *memRBAC) RolePermissions(_ context.Context, roleID string) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permCalls++
	if m.down {
		return nil, errStoreDown
	}
	return append([]Permission(nil), m.grants[roleID]...), nil
}

func (m *memRBAC) assign(principalID string, role Role, perms ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if role.ID == "" {
		role.ID = "role-" + role.Code
	}
	if role.Status == "" {
		role.Status = RoleActive
	}
	m.assignments[principalID] = append(m.assignments[principalID], role)
	for _, code := range perms {
		m.grants[role.ID] = append(m.grants[role.ID], Permission{ID: "perm-" + code, Code: code})
	}
}

func (m *memRBAC) unassignAll(principalID string) {
	m.mu.Lock()
	delete(m.assignments, principalID)
	m.mu.Unlock()
}

func (m *memRBAC) setDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

// memCreds is a CredentialStore backed by a slice.
type memCreds struct {
	mu         sync.Mutex
	principals map[string]*Principal
	seq        int
	down       bool
}

func newMemCreds() *memCreds {
	return &memCreds{principals: map[string]*Principal{}}
}

func (m *memCreds) FindPrincipalByIdentifier(_ context.Context, identifier string) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errStoreDown
	}
	for _, p := range m.principals {
		if p.DeletedAt != nil {
			continue
		}
		if strings.EqualFold(p.Email, identifier) || p.Username == identifier {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memCreds) FindPrincipalByID(_ context.Context, id string) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errStoreDown
	}
	p, ok := m.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memCreds) CreatePrincipal(_ context.Context, in NewPrincipal, passwordHash string) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errStoreDown
	}
	for _, p := range m.principals {
		if (in.Email != "" && p.Email == in.Email) || (in.Username != "" && p.Username == in.Username) {
			return nil, ErrConflict
		}
	}
	m.seq++
	p := &Principal{
		ID:           fmt.Sprintf("p-%d", m.seq),
		Email:        in.Email,
		Username:     in.Username,
		Nickname:     in.Nickname,
		PasswordHash: passwordHash,
		Status:       StatusActive,
	}
	m.principals[p.ID] = p
	cp := *p
	return &cp, nil
}

func (m *memCreds) setStatus(id string, status PrincipalStatus) {
	m.mu.Lock()
	m.principals[id].Status = status
	m.mu.Unlock()
}

// countingHasher wraps bcrypt at minimum cost and counts comparisons.
type countingHasher struct {
	mu       sync.Mutex
	inner    BcryptHasher
	verifies int
}

func newCountingHasher() *countingHasher {
	return &countingHasher{inner: BcryptHasher{Cost: bcrypt.MinCost}}
}

func (h *countingHasher) Hash(plain string) (string, error) { return h.inner.Hash(plain) }

func (h *countingHasher) Verify(plain, digest string) bool {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	return h.inner.Verify(plain, digest)
}

func (h *countingHasher) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verifies
}

func testCodecConfig() CodecConfig {
	return CodecConfig{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
	}
}

func newTestCodec(t interface{ Fatalf(string, ...any) }, clk *clock) *TokenCodec {
	c, err := NewTokenCodec(testCodecConfig(), WithCodecClock(clk.Now))
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	return c
}
