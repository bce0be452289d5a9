package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/auth"
	"bastion.dev/internal/store/pg"
	"bastion.dev/internal/store/redisstore"
	"bastion.dev/internal/stream"
)

// memDirectory is an in-memory principal, role and order store.
type memDirectory struct {
	mu          sync.Mutex
	seq         int
	principals  map[string]*auth.Principal
	roles       map[string]auth.Role
	permissions map[string][]auth.Permission
	assigned    map[string][]string
	orders      map[string]*pg.Order
}

func newMemDirectory() *memDirectory {
	d := &memDirectory{
		principals:  map[string]*auth.Principal{},
		roles:       map[string]auth.Role{},
		permissions: map[string][]auth.Permission{},
		assigned:    map[string][]string{},
		orders:      map[string]*pg.Order{},
	}
	d.addRole(auth.RoleAdmin, auth.PermissionWildcard)
	d.addRole(auth.RoleUser, "user:read", "order:read")
	d.addRole(auth.RoleGuest)
	return d
}

func (d *memDirectory) addRole(code string, perms ...string) {
	d.roles[code] = auth.Role{ID: "role-" + code, Code: code, Name: code, IsSystem: true, Status: auth.RoleActive}
	for _, p := range perms {
		d.permissions["role-"+code] = append(d.permissions["role-"+code], auth.Permission{ID: p, Code: p})
	}
}

func (d *memDirectory) FindPrincipalByIdentifier(_ context.Context, identifier string) (*auth.Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.principals {
		if strings.EqualFold(p.Email, identifier) || p.Username == identifier {
			cp := *p
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (d *memDirectory) FindPrincipalByID(_ context.Context, id string) (*auth.Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.principals[id]
	if !ok || p.DeletedAt != nil {
		return nil, auth.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *memDirectory) CreatePrincipal(_ context.Context, in auth.NewPrincipal, hash string) (*auth.Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.principals {
		if (in.Email != "" && p.Email == in.Email) || (in.Username != "" && p.Username == in.Username) {
			return nil, auth.ErrConflict
		}
	}
	d.seq++
	now := time.Now().UTC()
	p := &auth.Principal{
		ID:           fmt.Sprintf("p-%d", d.seq),
		Email:        in.Email,
		Username:     in.Username,
		Nickname:     in.Nickname,
		PasswordHash: hash,
		Status:       auth.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	d.principals[p.ID] = p
	cp := *p
	return &cp, nil
}

func (d *memDirectory) ListPrincipals(_ context.Context, limit int) ([]auth.Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := []auth.Principal{}
	for _, p := range d.principals {
		if p.DeletedAt == nil {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *memDirectory) SoftDeletePrincipal(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.principals[id]
	if !ok || p.DeletedAt != nil {
		return auth.ErrNotFound
	}
	now := time.Now().UTC()
	p.DeletedAt = &now
	return nil
}

func (d *memDirectory) AssignedRoles(_ context.Context, principalID string) ([]auth.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := []auth.Role{}
	for _, code := range d.assigned[principalID] {
		out = append(out, d.roles[code])
	}
	return out, nil
}

func (d *memDirectory) RolePermissions(_ context.Context, roleID string) ([]auth.Permission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]auth.Permission(nil), d.permissions[roleID]...), nil
}

func (d *memDirectory) AssignRole(_ context.Context, principalID, roleCode string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.roles[roleCode]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := d.principals[principalID]; !ok {
		return auth.ErrNotFound
	}
	for _, c := range d.assigned[principalID] {
		if c == roleCode {
			return auth.ErrConflict
		}
	}
	d.assigned[principalID] = append(d.assigned[principalID], roleCode)
	return nil
}

func (d *memDirectory) RemoveRole(_ context.Context, principalID, roleCode string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	codes := d.assigned[principalID]
	for i, c := range codes {
		if c == roleCode {
			d.assigned[principalID] = append(codes[:i:i], codes[i+1:]...)
			return nil
		}
	}
	return auth.ErrNotFound
}

func (d *memDirectory) DeleteRole(_ context.Context, roleCode string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	role, ok := d.roles[roleCode]
	if !ok || role.IsSystem {
		return auth.ErrNotFound
	}
	for _, codes := range d.assigned {
		for _, c := range codes {
			if c == roleCode {
				return fmt.Errorf("%w: role is still assigned", auth.ErrConflict)
			}
		}
	}
	delete(d.roles, roleCode)
	return nil
}

func (d *memDirectory) GetOrder(_ context.Context, id string) (*pg.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (d *memDirectory) ownsOrder(_ context.Context, q auth.OwnershipQuery) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o, ok := d.orders[q.ResourceID]; ok && o.OwnerID == q.OwnerID {
		return 1, nil
	}
	return 0, nil
}

func (d *memDirectory) ownsPrincipal(_ context.Context, q auth.OwnershipQuery) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.principals[q.ResourceID]; ok && p.DeletedAt == nil && p.ID == q.OwnerID {
		return 1, nil
	}
	return 0, nil
}

// writeGate lets a test refuse principal-wide revocations while reads keep
// working.
type writeGate struct {
	auth.RevocationRegistry
	refuse atomic.Bool
}

func (g *writeGate) RevokeAllForPrincipal(ctx context.Context, principalID string, ttl time.Duration) error {
	if g.refuse.Load() {
		return fmt.Errorf("%w: write refused", auth.ErrUnavailable)
	}
	return g.RevocationRegistry.RevokeAllForPrincipal(ctx, principalID, ttl)
}

type testAPI struct {
	t      *testing.T
	srv    *httptest.Server
	dir    *memDirectory
	redis  *miniredis.Miniredis
	grants *auth.CachedResolver
	events *stream.Hub
	writes *writeGate
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	mr := miniredis.RunT(t)
	revocations, err := redisstore.Open(context.Background(), redisstore.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = revocations.Close() })

	codec, err := auth.NewTokenCodec(auth.CodecConfig{
		AccessSecret:     "access-secret",
		RefreshSecret:    "refresh-secret",
		AccessExpiresIn:  "15m",
		RefreshExpiresIn: "7d",
	})
	require.NoError(t, err)

	dir := newMemDirectory()
	resolver, err := auth.NewResolver(dir)
	require.NoError(t, err)
	grants := auth.NewCachedResolver(resolver, 128, time.Minute)

	resources := auth.NewResourceRegistry()
	require.NoError(t, resources.Register("order", dir.ownsOrder, "ownerId"))
	require.NoError(t, resources.Register("user", dir.ownsPrincipal, "id"))

	pipeline, err := auth.NewPipeline(codec, revocations, grants, resources)
	require.NoError(t, err)
	writes := &writeGate{RevocationRegistry: revocations}
	sessions, err := auth.NewSessionService(dir, auth.BcryptHasher{Cost: bcrypt.MinCost}, codec, writes, grants)
	require.NoError(t, err)
	events := stream.New(16)

	api, err := New(Deps{
		Codec:       codec,
		Pipeline:    pipeline,
		Sessions:    sessions,
		Grants:      grants,
		Principals:  dir,
		Orders:      dir,
		Roles:       dir,
		Revocations: revocations,
		Ready:       ReadyProbe{Redis: revocations},
		Version:     "test",
		Events:      events,
		RatePerSec:  1000,
		RateBurst:   1000,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testAPI{t: t, srv: srv, dir: dir, redis: mr, grants: grants, events: events, writes: writes}
}

type response struct {
	status int
	header http.Header
	body   map[string]any
}

func (c *testAPI) do(method, path, token string, body any) response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, payload)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	out := response{status: resp.StatusCode, header: resp.Header}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(c.t, json.Unmarshal(raw, &out.body), string(raw))
	}
	return out
}

type session struct {
	id      string
	access  string
	refresh string
}

func sessionFrom(t *testing.T, r response) session {
	t.Helper()
	s := session{}
	s.access, _ = r.body["access_token"].(string)
	s.refresh, _ = r.body["refresh_token"].(string)
	if p, ok := r.body["principal"].(map[string]any); ok {
		s.id, _ = p["id"].(string)
	}
	require.NotEmpty(t, s.access)
	require.NotEmpty(t, s.refresh)
	return s
}

func (c *testAPI) register(email string) session {
	c.t.Helper()
	r := c.do(http.MethodPost, "/v1/auth/register", "", map[string]string{"email": email, "password": "hunter22"})
	require.Equal(c.t, http.StatusCreated, r.status, r.body)
	return sessionFrom(c.t, r)
}

func (c *testAPI) login(identifier string) session {
	c.t.Helper()
	r := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"identifier": identifier, "password": "hunter22"})
	require.Equal(c.t, http.StatusOK, r.status, r.body)
	return sessionFrom(c.t, r)
}

// admin registers a principal, grants it the admin role in the store and
// logs it in again so the token carries the role.
func (c *testAPI) admin() session {
	c.t.Helper()
	s := c.register("root@bastion.dev")
	require.NoError(c.t, c.dir.AssignRole(context.Background(), s.id, auth.RoleAdmin))
	c.grants.Invalidate(s.id)
	return c.login("root@bastion.dev")
}

func requireDenied(t *testing.T, r response, status int, reason string) {
	t.Helper()
	require.Equal(t, status, r.status, r.body)
	require.Equal(t, reason, r.body["reason"])
	require.NotEmpty(t, r.body["request_id"])
}

func TestHealthAndInfo(t *testing.T) {
	c := newTestAPI(t)

	r := c.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, r.status)
	require.Equal(t, serviceName, r.body["service"])

	r = c.do(http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, r.status)

	r = c.do(http.MethodGet, "/v1/info", "", nil)
	require.Equal(t, "test", r.body["version"])
	require.Equal(t, "nosniff", r.header.Get("X-Content-Type-Options"))

	c.redis.Close()
	r = c.do(http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, r.status)
}

func TestRegisterLoginProfile(t *testing.T) {
	c := newTestAPI(t)

	r := c.do(http.MethodPost, "/v1/auth/register", "", map[string]string{"email": " Alice@Example.com ", "password": "hunter22"})
	require.Equal(t, http.StatusCreated, r.status, r.body)
	require.Equal(t, "Bearer", r.body["token_type"])
	require.EqualValues(t, 15*60, r.body["access_expires_in"])
	require.EqualValues(t, 7*24*60*60, r.body["refresh_expires_in"])
	alice := sessionFrom(t, r)

	r = c.do(http.MethodPost, "/v1/auth/register", "", map[string]string{"email": "alice@example.com", "password": "other"})
	require.Equal(t, http.StatusConflict, r.status)
	require.EqualValues(t, codeUserExists, r.body["code"])

	r = c.do(http.MethodPost, "/v1/auth/register", "", map[string]string{"email": "bob@example.com"})
	require.Equal(t, http.StatusBadRequest, r.status)

	r = c.do(http.MethodGet, "/v1/auth/profile", alice.access, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	require.Empty(t, r.body["roles"])
	require.Empty(t, r.body["permissions"])
	principal := r.body["principal"].(map[string]any)
	require.Equal(t, "alice@example.com", principal["email"])
	require.NotContains(t, principal, "password_hash")

	c.login("ALICE@example.com")

	unknown := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"identifier": "nobody@example.com", "password": "hunter22"})
	wrong := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"identifier": "alice@example.com", "password": "nope"})
	requireDenied(t, unknown, http.StatusUnauthorized, auth.ReasonInvalidCredentials)
	requireDenied(t, wrong, http.StatusUnauthorized, auth.ReasonInvalidCredentials)
	require.Equal(t, unknown.body["error"], wrong.body["error"])
}

func TestProtectedRouteDenials(t *testing.T) {
	c := newTestAPI(t)
	alice := c.register("alice@example.com")

	r := c.do(http.MethodGet, "/v1/auth/profile", "", nil)
	requireDenied(t, r, http.StatusUnauthorized, auth.ReasonTokenMissing)
	require.Contains(t, r.header.Get("WWW-Authenticate"), "Bearer")

	r = c.do(http.MethodGet, "/v1/auth/profile", "not-a-jwt", nil)
	requireDenied(t, r, http.StatusUnauthorized, auth.ReasonTokenInvalid)
	require.Contains(t, r.header.Get("WWW-Authenticate"), "invalid_token")

	r = c.do(http.MethodGet, "/v1/auth/profile", alice.refresh, nil)
	requireDenied(t, r, http.StatusUnauthorized, auth.ReasonTokenInvalid)

	// No role yet, so no user:read.
	r = c.do(http.MethodGet, "/v1/users/"+alice.id, alice.access, nil)
	requireDenied(t, r, http.StatusForbidden, auth.ReasonPermissionRequired)

	r = c.do(http.MethodGet, "/v1/admin/revocations", alice.access, nil)
	requireDenied(t, r, http.StatusForbidden, auth.ReasonRoleRequired)

	r = c.do(http.MethodGet, "/v1/nowhere", alice.access, nil)
	require.Equal(t, http.StatusNotFound, r.status)
}

func TestRoleChangesApplyWithoutRelogin(t *testing.T) {
	c := newTestAPI(t)
	root := c.admin()
	alice := c.register("alice@example.com")

	r := c.do(http.MethodPut, "/v1/admin/principals/"+alice.id+"/roles/user", root.access, nil)
	require.Equal(t, http.StatusNoContent, r.status, r.body)

	r = c.do(http.MethodGet, "/v1/users/"+alice.id, alice.access, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	require.Equal(t, alice.id, r.body["id"])

	r = c.do(http.MethodPut, "/v1/admin/principals/"+alice.id+"/roles/user", root.access, nil)
	require.Equal(t, http.StatusConflict, r.status)
	r = c.do(http.MethodPut, "/v1/admin/principals/"+alice.id+"/roles/ghost", root.access, nil)
	require.Equal(t, http.StatusNotFound, r.status)

	r = c.do(http.MethodDelete, "/v1/admin/principals/"+alice.id+"/roles/user", root.access, nil)
	require.Equal(t, http.StatusNoContent, r.status)
	r = c.do(http.MethodGet, "/v1/users/"+alice.id, alice.access, nil)
	requireDenied(t, r, http.StatusForbidden, auth.ReasonPermissionRequired)
}

func TestOrderOwnership(t *testing.T) {
	c := newTestAPI(t)
	root := c.admin()
	alice := c.register("alice@example.com")
	bob := c.register("bob@example.com")
	for _, id := range []string{alice.id, bob.id} {
		r := c.do(http.MethodPut, "/v1/admin/principals/"+id+"/roles/user", root.access, nil)
		require.Equal(t, http.StatusNoContent, r.status)
	}
	c.dir.orders["o-1"] = &pg.Order{ID: "o-1", OwnerID: alice.id, Status: "open", Amount: 1200, Currency: "EUR"}
	c.dir.orders["o-2"] = &pg.Order{ID: "o-2", OwnerID: bob.id, Status: "open", Amount: 800, Currency: "EUR"}

	r := c.do(http.MethodGet, "/v1/orders/o-1", alice.access, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	require.Equal(t, alice.id, r.body["ownerId"])

	r = c.do(http.MethodGet, "/v1/orders/o-2", alice.access, nil)
	requireDenied(t, r, http.StatusForbidden, auth.ReasonResourceForbidden)

	// Users read only themselves.
	r = c.do(http.MethodGet, "/v1/users/"+bob.id, alice.access, nil)
	requireDenied(t, r, http.StatusForbidden, auth.ReasonResourceForbidden)

	r = c.do(http.MethodGet, "/v1/orders/o-2", root.access, nil)
	require.Equal(t, http.StatusOK, r.status)
	r = c.do(http.MethodGet, "/v1/orders/o-404", root.access, nil)
	require.Equal(t, http.StatusNotFound, r.status)
}

func TestRefreshRotationAndLogout(t *testing.T) {
	c := newTestAPI(t)
	alice := c.register("alice@example.com")

	r := c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": alice.refresh})
	require.Equal(t, http.StatusOK, r.status, r.body)
	rotated := sessionFrom(t, r)
	require.NotEqual(t, alice.refresh, rotated.refresh)

	r = c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": alice.refresh})
	requireDenied(t, r, http.StatusUnauthorized, auth.ReasonTokenRevoked)

	r = c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": rotated.access})
	requireDenied(t, r, http.StatusUnauthorized, auth.ReasonTokenInvalid)

	r = c.do(http.MethodPost, "/v1/auth/logout", rotated.access, map[string]string{"refresh_token": rotated.refresh})
	require.Equal(t, http.StatusNoContent, r.status, r.body)

	r = c.do(http.MethodGet, "/v1/auth/profile", rotated.access, nil)
	requireDenied(t, r, http.StatusUnauthorized, auth.ReasonTokenRevoked)
	r = c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": rotated.refresh})
	requireDenied(t, r, http.StatusUnauthorized, auth.ReasonTokenRevoked)

	// The first access token was never revoked individually.
	r = c.do(http.MethodGet, "/v1/auth/profile", alice.access, nil)
	require.Equal(t, http.StatusOK, r.status)
}

func TestLogoutEverywhere(t *testing.T) {
	c := newTestAPI(t)
	first := c.register("alice@example.com")
	second := c.login("alice@example.com")

	r := c.do(http.MethodPost, "/v1/auth/logout-all", second.access, nil)
	require.Equal(t, http.StatusNoContent, r.status, r.body)

	for _, tok := range []string{first.access, second.access} {
		r = c.do(http.MethodGet, "/v1/auth/profile", tok, nil)
		requireDenied(t, r, http.StatusUnauthorized, auth.ReasonTokenRevoked)
	}
	r = c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": first.refresh})
	requireDenied(t, r, http.StatusUnauthorized, auth.ReasonTokenRevoked)

	// Revocation is recorded at millisecond resolution, rounded up.
	time.Sleep(5 * time.Millisecond)
	fresh := c.login("alice@example.com")
	r = c.do(http.MethodGet, "/v1/auth/profile", fresh.access, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
}

func TestAdminRevokeAndDelete(t *testing.T) {
	c := newTestAPI(t)
	root := c.admin()
	alice := c.register("alice@example.com")

	r := c.do(http.MethodPost, "/v1/admin/principals/"+alice.id+"/revoke", root.access,
		map[string]string{"before": time.Now().Add(time.Hour).UTC().Format(time.RFC3339)})
	require.Equal(t, http.StatusBadRequest, r.status)

	r = c.do(http.MethodPost, "/v1/admin/principals/"+alice.id+"/revoke", root.access,
		map[string]string{"before": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)})
	require.Equal(t, http.StatusNoContent, r.status, r.body)
	r = c.do(http.MethodGet, "/v1/auth/profile", alice.access, nil)
	require.Equal(t, http.StatusOK, r.status, "tokens issued after the cutoff stay valid")

	r = c.do(http.MethodPost, "/v1/admin/principals/"+alice.id+"/revoke", root.access, nil)
	require.Equal(t, http.StatusNoContent, r.status, r.body)
	r = c.do(http.MethodGet, "/v1/auth/profile", alice.access, nil)
	requireDenied(t, r, http.StatusUnauthorized, auth.ReasonTokenRevoked)

	r = c.do(http.MethodGet, "/v1/admin/revocations", root.access, nil)
	require.Equal(t, http.StatusOK, r.status)
	require.EqualValues(t, 1, r.body["principals"])

	bob := c.register("bob@example.com")
	r = c.do(http.MethodDelete, "/v1/users/"+bob.id, root.access, nil)
	require.Equal(t, http.StatusNoContent, r.status, r.body)
	r = c.do(http.MethodGet, "/v1/auth/profile", bob.access, nil)
	requireDenied(t, r, http.StatusUnauthorized, auth.ReasonTokenRevoked)
	r = c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"identifier": "bob@example.com", "password": "hunter22"})
	requireDenied(t, r, http.StatusUnauthorized, auth.ReasonInvalidCredentials)
}

func TestDeleteUserRevokesBeforeTombstoning(t *testing.T) {
	c := newTestAPI(t)
	root := c.admin()
	bob := c.register("bob@example.com")

	c.writes.refuse.Store(true)
	r := c.do(http.MethodDelete, "/v1/users/"+bob.id, root.access, nil)
	require.Equal(t, http.StatusServiceUnavailable, r.status, r.body)
	p, err := c.dir.FindPrincipalByID(context.Background(), bob.id)
	require.NoError(t, err, "principal must survive a failed revocation")
	require.Nil(t, p.DeletedAt)

	c.writes.refuse.Store(false)
	r = c.do(http.MethodDelete, "/v1/users/"+bob.id, root.access, nil)
	require.Equal(t, http.StatusNoContent, r.status, r.body)
	r = c.do(http.MethodGet, "/v1/auth/profile", bob.access, nil)
	requireDenied(t, r, http.StatusUnauthorized, auth.ReasonTokenRevoked)

	r = c.do(http.MethodDelete, "/v1/users/"+bob.id, root.access, nil)
	require.Equal(t, http.StatusNotFound, r.status)
}

func TestAdminListPrincipals(t *testing.T) {
	c := newTestAPI(t)
	root := c.admin()
	alice := c.register("alice@example.com")
	bob := c.register("bob@example.com")
	require.NoError(t, c.dir.SoftDeletePrincipal(context.Background(), bob.id))

	r := c.do(http.MethodGet, "/v1/admin/principals", root.access, nil)
	require.Equal(t, http.StatusOK, r.status, r.body)
	list, ok := r.body["principals"].([]any)
	require.True(t, ok, r.body)
	var ids []string
	for _, item := range list {
		p := item.(map[string]any)
		require.NotContains(t, p, "password_hash")
		ids = append(ids, p["id"].(string))
	}
	require.ElementsMatch(t, []string{root.id, alice.id}, ids)

	r = c.do(http.MethodGet, "/v1/admin/principals?limit=1", root.access, nil)
	require.Equal(t, http.StatusOK, r.status)
	require.Len(t, r.body["principals"], 1)

	r = c.do(http.MethodGet, "/v1/admin/principals?limit=-1", root.access, nil)
	require.Equal(t, http.StatusBadRequest, r.status)

	r = c.do(http.MethodGet, "/v1/admin/principals", alice.access, nil)
	requireDenied(t, r, http.StatusForbidden, auth.ReasonRoleRequired)
}

func TestDeleteRole(t *testing.T) {
	c := newTestAPI(t)
	root := c.admin()
	c.dir.roles["auditor"] = auth.Role{ID: "role-auditor", Code: "auditor", Status: auth.RoleActive}
	require.NoError(t, c.dir.AssignRole(context.Background(), root.id, "auditor"))

	r := c.do(http.MethodDelete, "/v1/admin/roles/auditor", root.access, nil)
	require.Equal(t, http.StatusConflict, r.status)

	require.NoError(t, c.dir.RemoveRole(context.Background(), root.id, "auditor"))
	r = c.do(http.MethodDelete, "/v1/admin/roles/auditor", root.access, nil)
	require.Equal(t, http.StatusNoContent, r.status, r.body)
}

func TestRevocationStoreDownFailsClosed(t *testing.T) {
	c := newTestAPI(t)
	alice := c.register("alice@example.com")

	c.redis.Close()
	r := c.do(http.MethodGet, "/v1/auth/profile", alice.access, nil)
	requireDenied(t, r, http.StatusServiceUnavailable, auth.ReasonRevocationUnavailable)
}

func TestNewRejectsUnservableOwnership(t *testing.T) {
	codec, err := auth.NewTokenCodec(auth.CodecConfig{AccessSecret: "a", RefreshSecret: "r"})
	require.NoError(t, err)
	dir := newMemDirectory()
	resolver, err := auth.NewResolver(dir)
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	revocations, err := redisstore.Open(context.Background(), redisstore.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer revocations.Close()

	// Empty registry: the order and user routes cannot be served.
	pipeline, err := auth.NewPipeline(codec, revocations, resolver, auth.NewResourceRegistry())
	require.NoError(t, err)
	sessions, err := auth.NewSessionService(dir, auth.BcryptHasher{Cost: bcrypt.MinCost}, codec, revocations, resolver)
	require.NoError(t, err)

	_, err = New(Deps{
		Codec:    codec,
		Pipeline: pipeline,
		Sessions: sessions,
		Grants:   auth.NewCachedResolver(resolver, 8, time.Second),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "/v1/orders/{id}")
}

func TestAdminEventStream(t *testing.T) {
	c := newTestAPI(t)
	audit.SetPublisher(c.events)
	t.Cleanup(func() { audit.SetPublisher(nil) })
	root := c.admin()
	alice := c.register("alice@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.srv.URL+"/v1/admin/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+root.access)
	resp, err := c.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	require.Equal(t, ": stream started", <-lines)
	require.Eventually(t, func() bool { return c.events.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	r := c.do(http.MethodPost, "/v1/auth/logout-all", alice.access, nil)
	require.Equal(t, http.StatusNoContent, r.status)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var evt stream.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
			if evt.Type != audit.EventLogoutAll {
				continue
			}
			require.Equal(t, alice.id, evt.PrincipalID)
			return
		case <-deadline:
			t.Fatal("no logout event on the stream")
		}
	}
}

func TestEventStreamRequiresAdmin(t *testing.T) {
	c := newTestAPI(t)
	alice := c.register("alice@example.com")
	r := c.do(http.MethodGet, "/v1/admin/events", alice.access, nil)
	requireDenied(t, r, http.StatusForbidden, auth.ReasonRoleRequired)
}
