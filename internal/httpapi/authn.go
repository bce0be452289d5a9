package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"bastion.dev/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "bearer "
)

// route registers h behind policy. Policies are checked against the resource
// registry here so a bad ownership declaration fails startup, not a request.
func (a *API) route(method, path string, policy auth.Policy, h http.HandlerFunc) {
	if err := a.deps.Pipeline.Resources().ValidatePolicy(policy); err != nil {
		a.routeErr = errors.Join(a.routeErr, fmt.Errorf("%s %s: %w", method, path, err))
		return
	}
	a.router.Handle(path, a.withPolicy(policy, h)).Methods(method)
}

func (a *API) withPolicy(policy auth.Policy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.deps.Pipeline.Authorize(r.Context(), policy, auth.Request{
			BearerToken: bearerToken(r.Header.Get(authHeader)),
			Params:      mux.Vars(r),
		})
		if err != nil {
			if d, ok := auth.AsDenial(err); ok {
				writeDenial(w, r, d)
				return
			}
			writeServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), id)))
	})
}

// bearerToken extracts the credential. A header with another scheme is passed
// through whole so it fails verification as an invalid token rather than
// reading as a missing one.
func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if len(header) >= len(bearer) && strings.EqualFold(header[:len(bearer)], bearer) {
		return strings.TrimSpace(header[len(bearer):])
	}
	return header
}

func identity(r *http.Request) *auth.Identity {
	id, _ := auth.IdentityFromContext(r.Context())
	return id
}
