package audit

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"bastion.dev/internal/auth"
	"bastion.dev/internal/obs"
	"bastion.dev/internal/stream"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Security-relevant events.
const (
	EventLogin           = "auth.login"
	EventLoginFailed     = "auth.login_failed"
	EventRegister        = "auth.register"
	EventRefresh         = "auth.refresh"
	EventLogout          = "auth.logout"
	EventLogoutAll       = "auth.logout_all"
	EventPrincipalDelete = "principal.delete"
	EventRoleAssign      = "rbac.role_assign"
	EventRoleRemove      = "rbac.role_remove"
	EventRoleDelete      = "rbac.role_delete"
)

// Publisher receives every audit event after it is logged.
type Publisher interface {
	Publish(evt stream.Event)
}

var (
	sinkMu sync.RWMutex
	sink   Publisher
)

// SetPublisher forwards subsequent events to p. Nil stops forwarding.
func SetPublisher(p Publisher) {
	sinkMu.Lock()
	sink = p
	sinkMu.Unlock()
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and principal context.
// Secrets and tokens must never be passed in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := logrus.Fields{
		"type":  "audit",
		"event": event,
	}
	evt := stream.Event{Type: event}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
		evt.RequestID = rid
	}
	if principalID, ok := auth.PrincipalIDFromContext(ctx); ok {
		entry["principal_id"] = principalID
		evt.PrincipalID = principalID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields
	evt.Fields = copyFields

	obs.Logger().WithFields(entry).Info("audit")

	sinkMu.RLock()
	p := sink
	sinkMu.RUnlock()
	if p != nil {
		p.Publish(evt)
	}
	return nil
}
