package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/auth"
)

func (a *API) resourceRoutes() {
	// Principals read themselves; admins read anyone.
	a.route(http.MethodGet, "/v1/users/{id}",
		auth.Authenticated().WithPermissions("user:read").WithOwnership("user", "id", "id"),
		a.handleGetUser)
	a.route(http.MethodDelete, "/v1/users/{id}",
		auth.Authenticated().WithRoles(auth.RoleAdmin).WithPermissions("user:delete"),
		a.handleDeleteUser)
	a.route(http.MethodGet, "/v1/orders/{id}",
		auth.Authenticated().WithPermissions("order:read").WithOwnership("order", "id", "ownerId"),
		a.handleGetOrder)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if a.deps.Principals == nil {
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "principal store not configured")
		return
	}
	p, err := a.deps.Principals.FindPrincipalByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleDeleteUser revokes everything the principal holds, then tombstones it.
// A failed revocation leaves the principal in place so the call can be retried.
func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if a.deps.Principals == nil {
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "principal store not configured")
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := a.deps.Principals.FindPrincipalByID(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := a.deps.Sessions.RevokePrincipal(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := a.deps.Principals.SoftDeletePrincipal(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventPrincipalDelete, map[string]any{"target": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	if a.deps.Orders == nil {
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "order store not configured")
		return
	}
	o, err := a.deps.Orders.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
