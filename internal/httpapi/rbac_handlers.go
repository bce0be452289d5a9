package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/auth"
)

type revokeRequest struct {
	// Before revokes tokens issued before this instant instead of now.
	Before string `json:"before"`
}

func (a *API) adminRoutes() {
	admin := auth.Authenticated().WithRoles(auth.RoleAdmin)

	a.route(http.MethodGet, "/v1/admin/revocations", admin, a.handleRevocationStats)
	a.route(http.MethodGet, "/v1/admin/events", admin, a.handleEvents)
	a.route(http.MethodGet, "/v1/admin/principals", admin, a.handleListPrincipals)
	a.route(http.MethodPost, "/v1/admin/principals/{id}/revoke", admin, a.handleRevokePrincipal)
	a.route(http.MethodPut, "/v1/admin/principals/{id}/roles/{role}", admin, a.handleAssignRole)
	a.route(http.MethodDelete, "/v1/admin/principals/{id}/roles/{role}", admin, a.handleRemoveRole)
	a.route(http.MethodDelete, "/v1/admin/roles/{code}", admin, a.handleDeleteRole)
}

func (a *API) handleRevocationStats(w http.ResponseWriter, r *http.Request) {
	if a.deps.Revocations == nil {
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "revocation registry not configured")
		return
	}
	stats, err := a.deps.Revocations.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type principalList struct {
	Principals []auth.Principal `json:"principals"`
}

// handleListPrincipals returns live principals oldest first. The store caps
// limit; zero or absent means its default page.
func (a *API) handleListPrincipals(w http.ResponseWriter, r *http.Request) {
	if a.deps.Principals == nil {
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "principal store not configured")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, codeValidation, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := a.deps.Principals.ListPrincipals(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []auth.Principal{}
	}
	writeJSON(w, http.StatusOK, principalList{Principals: list})
}

func (a *API) handleRevokePrincipal(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	id := mux.Vars(r)["id"]
	fields := map[string]any{"target": id}

	if before := strings.TrimSpace(req.Before); before != "" {
		at, err := time.Parse(time.RFC3339, before)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, codeValidation, "before must be RFC3339")
			return
		}
		if at.After(a.now()) {
			writeError(w, r, http.StatusBadRequest, codeValidation, "before must not be in the future")
			return
		}
		if a.deps.Revocations == nil {
			writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "revocation registry not configured")
			return
		}
		if err := a.deps.Revocations.RevokeAllForPrincipalAt(r.Context(), id, at, a.deps.Codec.MaxLifetime()); err != nil {
			writeServiceError(w, r, err)
			return
		}
		a.deps.Grants.Invalidate(id)
		fields["before"] = at.UTC().Format(time.RFC3339)
	} else if err := a.deps.Sessions.RevokePrincipal(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogoutAll, fields)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	a.changeRole(w, r, audit.EventRoleAssign, func(principalID, role string) error {
		return a.deps.Roles.AssignRole(r.Context(), principalID, role)
	})
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	a.changeRole(w, r, audit.EventRoleRemove, func(principalID, role string) error {
		return a.deps.Roles.RemoveRole(r.Context(), principalID, role)
	})
}

// changeRole applies fn and drops the principal's cached grants so the change
// is visible on its next request.
func (a *API) changeRole(w http.ResponseWriter, r *http.Request, event string, fn func(principalID, role string) error) {
	if a.deps.Roles == nil {
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "role store not configured")
		return
	}
	vars := mux.Vars(r)
	principalID, role := vars["id"], strings.ToLower(vars["role"])
	if err := fn(principalID, role); err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.deps.Grants.Invalidate(principalID)
	_ = audit.LogEvent(r.Context(), event, map[string]any{"target": principalID, "role": role})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if a.deps.Roles == nil {
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "role store not configured")
		return
	}
	code := strings.ToLower(mux.Vars(r)["code"])
	if err := a.deps.Roles.DeleteRole(r.Context(), code); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRoleDelete, map[string]any{"role": code})
	w.WriteHeader(http.StatusNoContent)
}
