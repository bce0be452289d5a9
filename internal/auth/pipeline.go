package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"bastion.dev/internal/obs"
)

// Request is what the transport hands to the pipeline: the raw bearer
// credential and the route parameters.
type Request struct {
	BearerToken string
	Params      map[string]string
}

// Pipeline evaluates a Policy for one request. Steps run in a fixed order and
// the first failure ends evaluation.
type Pipeline struct {
	codec       *TokenCodec
	revocations RevocationRegistry
	grants      GrantSource
	resources   *ResourceRegistry
	log         logrus.FieldLogger
}

// PipelineOption configures Pipeline behavior.
type PipelineOption func(*Pipeline)

// WithPipelineLogger overrides the logger.
func WithPipelineLogger(l logrus.FieldLogger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func NewPipeline(codec *TokenCodec, revocations RevocationRegistry, grants GrantSource, resources *ResourceRegistry, opts ...PipelineOption) (*Pipeline, error) {
	if codec == nil || revocations == nil || grants == nil {
		return nil, errors.New("pipeline requires codec, revocation registry and grant source")
	}
	if resources == nil {
		resources = NewResourceRegistry()
	}
	p := &Pipeline{
		codec:       codec,
		revocations: revocations,
		grants:      grants,
		resources:   resources,
		log:         obs.Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Resources exposes the registry so routes can be validated at registration.
func (p *Pipeline) Resources() *ResourceRegistry { return p.resources }

// Authorize returns the caller identity, or a *Denial. Public routes yield a
// nil identity and nil error.
func (p *Pipeline) Authorize(ctx context.Context, policy Policy, req Request) (*Identity, error) {
	id, denial := p.authorize(ctx, policy, req)
	if denial != nil {
		obs.RecordAuthDecision("deny", denial.Reason)
		return nil, denial
	}
	if policy.IsPublic() {
		obs.RecordAuthDecision("allow", "public")
	} else {
		obs.RecordAuthDecision("allow", "granted")
	}
	return id, nil
}

func (p *Pipeline) authorize(ctx context.Context, policy Policy, req Request) (*Identity, *Denial) {
	if policy.IsPublic() {
		return nil, nil
	}

	token := strings.TrimSpace(req.BearerToken)
	if token == "" {
		return nil, unauthorized(ReasonTokenMissing, nil)
	}
	claims, err := p.codec.Verify(token, ClassAccess)
	if err != nil {
		d := verifyDenial(err)
		p.log.WithField("reason", d.Reason).Debug("access token rejected")
		return nil, d
	}
	if d := checkRevocation(ctx, p.revocations, claims); d != nil {
		p.logDenial(claims, d)
		return nil, d
	}

	id := &Identity{
		PrincipalID: claims.Subject,
		Roles:       claims.Roles,
		TokenID:     claims.ID,
		IssuedAt:    claims.IssuedAt.Time,
		ExpiresAt:   claims.ExpiresAt.Time,
		source:      p.grants,
	}
	if !policy.needsGrants() {
		return id, nil
	}

	grants, err := p.grants.Grants(ctx, claims.Subject)
	if err != nil {
		d := unavailable(ReasonRBACUnavailable, err)
		p.logDenial(claims, d)
		return nil, d
	}
	id.Roles, id.Permissions, id.resolved = grants.Roles, grants.Permissions, true

	if roles := policy.Roles(); len(roles) > 0 && !grants.HasAnyRole(roles) {
		return nil, forbidden(ReasonRoleRequired, nil)
	}
	if perms := policy.Permissions(); len(perms) > 0 && !grants.HasAnyPermission(perms) {
		return nil, forbidden(ReasonPermissionRequired, nil)
	}
	if rc, ok := policy.Resource(); ok && !grants.IsAdmin() {
		owns, err := p.resources.Owns(ctx, rc, req.Params[rc.IDParam], claims.Subject)
		if err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{
				"resource": rc.Type,
				"jti":      claims.ID,
			}).Error("ownership lookup failed")
		}
		if !owns {
			// Missing, foreign and failed lookups look the same to the caller.
			return nil, forbidden(ReasonResourceForbidden, nil)
		}
	}
	return id, nil
}

func (p *Pipeline) logDenial(claims *Claims, d *Denial) {
	entry := p.log.WithFields(logrus.Fields{
		"reason": d.Reason,
		"sub":    claims.Subject,
		"jti":    claims.ID,
	})
	if d.Kind == DenyUnavailable {
		entry.WithError(d.Err).Error("authorization store unavailable")
		return
	}
	entry.Info("authorization denied")
}

func verifyDenial(err error) *Denial {
	if errors.Is(err, ErrTokenExpired) {
		return unauthorized(ReasonTokenExpired, ErrTokenExpired)
	}
	return unauthorized(ReasonTokenInvalid, ErrTokenInvalid)
}

// checkRevocation consults the token id first, then the principal-wide entry.
// Store failures deny.
func checkRevocation(ctx context.Context, reg RevocationRegistry, claims *Claims) *Denial {
	revoked, err := reg.IsRevoked(ctx, claims.ID)
	if err != nil {
		return unavailable(ReasonRevocationUnavailable, err)
	}
	if revoked {
		return unauthorized(ReasonTokenRevoked, nil)
	}
	revoked, err = reg.IsRevokedForPrincipal(ctx, claims.Subject, claims.IssuedAt.Time)
	if err != nil {
		return unavailable(ReasonRevocationUnavailable, err)
	}
	if revoked {
		return unauthorized(ReasonTokenRevoked, nil)
	}
	return nil
}
