package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"bastion.dev/internal/auth"
	"bastion.dev/internal/obs"
	"bastion.dev/internal/store/pg"
	"bastion.dev/internal/store/redisstore"
	"bastion.dev/internal/stream"
)

const (
	serviceName  = "bastion-api"
	maxBodyBytes = 1 << 20
)

var errEmptyBody = errors.New("request body is required")

type pinger interface {
	Ping(ctx context.Context) error
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe checks the backing stores. Nil members are skipped.
type ReadyProbe struct {
	DB    pinger
	Redis pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// PrincipalStore reads and tombstones principals.
type PrincipalStore interface {
	FindPrincipalByID(ctx context.Context, id string) (*auth.Principal, error)
	ListPrincipals(ctx context.Context, limit int) ([]auth.Principal, error)
	SoftDeletePrincipal(ctx context.Context, id string) error
}

type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*pg.Order, error)
}

// RoleStore changes role assignments.
type RoleStore interface {
	AssignRole(ctx context.Context, principalID, roleCode string) error
	RemoveRole(ctx context.Context, principalID, roleCode string) error
	DeleteRole(ctx context.Context, roleCode string) error
}

// RevocationAdmin is the operator view of the revocation registry.
type RevocationAdmin interface {
	Stats(ctx context.Context) (redisstore.Stats, error)
	RevokeAllForPrincipalAt(ctx context.Context, principalID string, at time.Time, ttl time.Duration) error
}

// GrantCache resolves grants and drops stale snapshots after role changes.
type GrantCache interface {
	auth.GrantSource
	Invalidate(principalID string)
}

// Deps wires the API to the auth core and stores.
type Deps struct {
	Codec       *auth.TokenCodec
	Pipeline    *auth.Pipeline
	Sessions    *auth.SessionService
	Grants      GrantCache
	Principals  PrincipalStore
	Orders      OrderStore
	Roles       RoleStore
	Revocations RevocationAdmin
	Ready       readinessChecker
	Version     string

	// Events feeds /v1/admin/events. Nil disables the feed.
	Events *stream.Hub

	// Session endpoint rate limit per client IP.
	RatePerSec float64
	RateBurst  int
}

// API is the HTTP layer.
type API struct {
	router *mux.Router
	deps   Deps
	now    func() time.Time

	limit    func(http.Handler) http.Handler
	routeErr error
}

// New builds the route table. It fails when a route's policy names an
// ownership check the resource registry cannot serve.
func New(d Deps) (*API, error) {
	if d.Codec == nil || d.Pipeline == nil || d.Sessions == nil || d.Grants == nil {
		return nil, errors.New("httpapi: codec, pipeline, sessions and grants are required")
	}
	if d.Ready == nil {
		d.Ready = ReadyProbe{}
	}
	if d.RatePerSec <= 0 {
		d.RatePerSec = 5
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 10
	}
	a := &API{
		router: mux.NewRouter(),
		deps:   d,
		now:    time.Now,
	}
	// One bucket set shared by every session endpoint.
	a.limit = newIPLimiter(d.RateBurst, d.RatePerSec).wrap
	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	})
	a.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, codeValidation, "method not allowed")
	})

	// health/ready/metrics
	a.router.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	a.router.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	a.router.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	a.router.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	a.sessionRoutes()
	a.resourceRoutes()
	a.adminRoutes()

	if a.routeErr != nil {
		return nil, a.routeErr
	}
	return a, nil
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, maxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		obs.Logger().WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.deps.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(w, r, dst); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}
