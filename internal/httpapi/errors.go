package httpapi

import (
	"errors"
	"net/http"

	"bastion.dev/internal/auth"
	"bastion.dev/internal/obs"
)

// Numeric error codes returned in every error body.
const (
	codeInternal         = 10000
	codeUnavailable      = 10004
	codeUnauthorized     = 20000
	codeTokenExpired     = 20001
	codeTokenInvalid     = 20002
	codePermissionDenied = 20005
	codeUserExists       = 30002
	codeValidation       = 40000
	codeNotFound         = 40004
	codeConflict         = 40009
	codeRateLimited      = 42900
)

type errorBody struct {
	Code      int    `json:"code"`
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status, code int, msg string) {
	writeJSON(w, status, errorBody{
		Code:      code,
		Error:     msg,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// writeDenial renders a pipeline or session denial. The reason code is
// exposed; the underlying cause is not.
func writeDenial(w http.ResponseWriter, r *http.Request, d *auth.Denial) {
	status, code, msg := http.StatusUnauthorized, codeUnauthorized, "unauthorized"
	switch d.Kind {
	case auth.DenyUnauthorized:
		switch d.Reason {
		case auth.ReasonTokenExpired:
			code, msg = codeTokenExpired, "token expired"
		case auth.ReasonTokenInvalid, auth.ReasonTokenRevoked:
			code, msg = codeTokenInvalid, "token invalid"
		}
		challenge := `Bearer realm="` + serviceName + `"`
		if d.Reason != auth.ReasonTokenMissing {
			challenge += `, error="invalid_token"`
		}
		w.Header().Set("WWW-Authenticate", challenge)
	case auth.DenyForbidden:
		status, code, msg = http.StatusForbidden, codePermissionDenied, "permission denied"
	case auth.DenyUnavailable:
		status, code, msg = http.StatusServiceUnavailable, codeUnavailable, "service unavailable"
	}
	writeJSON(w, status, errorBody{
		Code:      code,
		Error:     msg,
		Reason:    d.Reason,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// writeServiceError maps auth and store errors to responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if d, ok := auth.AsDenial(err); ok {
		writeDenial(w, r, d)
		return
	}
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Code:      codeUnauthorized,
			Error:     "invalid credentials",
			Reason:    auth.ReasonInvalidCredentials,
			RequestID: RequestIDFromContext(r.Context()),
		})
	case errors.Is(err, auth.ErrDuplicateIdentifier):
		writeError(w, r, http.StatusConflict, codeUserExists, "user already exists")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, codeConflict, "conflict")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrUnavailable):
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("dependency unavailable")
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "service unavailable")
	default:
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("request failed")
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
	}
}
