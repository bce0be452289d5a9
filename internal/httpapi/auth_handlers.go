package httpapi

import (
	"errors"
	"net/http"
	"time"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/auth"
)

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string          `json:"access_token"`
	RefreshToken     string          `json:"refresh_token"`
	TokenType        string          `json:"token_type"`
	AccessExpiresIn  int64           `json:"access_expires_in"`
	RefreshExpiresIn int64           `json:"refresh_expires_in"`
	Principal        *auth.Principal `json:"principal,omitempty"`
}

type profileResponse struct {
	Principal   *auth.Principal `json:"principal"`
	Roles       []string        `json:"roles"`
	Permissions []string        `json:"permissions"`
}

func (a *API) sessionRoutes() {
	a.router.Handle("/v1/auth/register", a.limit(http.HandlerFunc(a.handleRegister))).Methods(http.MethodPost)
	a.router.Handle("/v1/auth/login", a.limit(http.HandlerFunc(a.handleLogin))).Methods(http.MethodPost)
	a.router.Handle("/v1/auth/refresh", a.limit(http.HandlerFunc(a.handleRefresh))).Methods(http.MethodPost)

	a.route(http.MethodPost, "/v1/auth/logout", auth.Authenticated(), a.handleLogout)
	a.route(http.MethodPost, "/v1/auth/logout-all", auth.Authenticated(), a.handleLogoutAll)
	a.route(http.MethodGet, "/v1/auth/profile", auth.Authenticated(), a.handleProfile)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	tokens, p, err := a.deps.Sessions.Register(r.Context(), auth.NewPrincipal{
		Email:    req.Email,
		Username: req.Username,
		Nickname: req.Nickname,
		Password: req.Password,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(auth.ContextWithIdentity(r.Context(), &auth.Identity{PrincipalID: p.ID}), audit.EventRegister, nil)
	writeJSON(w, http.StatusCreated, a.tokenResponse(tokens, p))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	tokens, p, err := a.deps.Sessions.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{"remote_ip": clientIP(r)})
		}
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(auth.ContextWithIdentity(r.Context(), &auth.Identity{PrincipalID: p.ID}), audit.EventLogin, map[string]any{"remote_ip": clientIP(r)})
	writeJSON(w, http.StatusOK, a.tokenResponse(tokens, p))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, codeValidation, "refresh_token is required")
		return
	}
	tokens, err := a.deps.Sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRefresh, nil)
	writeJSON(w, http.StatusOK, a.tokenResponse(tokens, nil))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	if err := a.deps.Sessions.Logout(r.Context(), identity(r), req.RefreshToken); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogout, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Sessions.LogoutEverywhere(r.Context(), identity(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogoutAll, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleProfile reports the caller and grants resolved from the store, which
// may be newer than the roles embedded in the token.
func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	p, err := a.deps.Principals.FindPrincipalByID(r.Context(), id.PrincipalID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	g, err := id.Grants(r.Context())
	if err != nil {
		writeServiceError(w, r, &auth.Denial{Kind: auth.DenyUnavailable, Reason: auth.ReasonRBACUnavailable, Err: err})
		return
	}
	perms := g.Permissions.Codes()
	roles := g.Roles
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, profileResponse{Principal: p, Roles: roles, Permissions: perms})
}

func (a *API) tokenResponse(t auth.SessionTokens, p *auth.Principal) tokenResponse {
	now := a.now()
	return tokenResponse{
		AccessToken:      t.AccessToken,
		RefreshToken:     t.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresIn:  secondsUntil(t.AccessExpiresAt, now),
		RefreshExpiresIn: secondsUntil(t.RefreshExpiresAt, now),
		Principal:        p,
	}
}

func secondsUntil(t, now time.Time) int64 {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
