package auth

const (
	defaultIDParam    = "id"
	defaultOwnerField = "userId"
)

// ResourceCheck names the resource type, the route parameter carrying its id,
// and the field that must equal the principal id.
type ResourceCheck struct {
	Type       string
	IDParam    string
	OwnerField string
}

// Policy is the authorization declaration attached to one route. Values are
// built with Public or Authenticated and the With* methods, which copy.
type Policy struct {
	public      bool
	roles       []string
	permissions []string
	resource    *ResourceCheck
}

// Public lets every request through without a token.
func Public() Policy { return Policy{public: true} }

// Authenticated requires a valid, unrevoked access token.
func Authenticated() Policy { return Policy{} }

// WithRoles requires any one of roles.
func (p Policy) WithRoles(roles ...string) Policy {
	p.roles = dedupeCodes(append(append([]string(nil), p.roles...), roles...))
	return p
}

// WithPermissions requires any one of perms.
func (p Policy) WithPermissions(perms ...string) Policy {
	p.permissions = dedupeCodes(append(append([]string(nil), p.permissions...), perms...))
	return p
}

// WithOwnership requires the principal to own the resource addressed by the
// route. Empty idParam and ownerField default to "id" and "userId".
func (p Policy) WithOwnership(resourceType, idParam, ownerField string) Policy {
	if idParam == "" {
		idParam = defaultIDParam
	}
	if ownerField == "" {
		ownerField = defaultOwnerField
	}
	p.resource = &ResourceCheck{Type: resourceType, IDParam: idParam, OwnerField: ownerField}
	return p
}

func (p Policy) IsPublic() bool { return p.public }

func (p Policy) Roles() []string { return append([]string(nil), p.roles...) }

func (p Policy) Permissions() []string { return append([]string(nil), p.permissions...) }

// Resource returns a copy of the ownership requirement, if any.
func (p Policy) Resource() (ResourceCheck, bool) {
	if p.resource == nil {
		return ResourceCheck{}, false
	}
	return *p.resource, true
}

func (p Policy) needsGrants() bool {
	return len(p.roles) > 0 || len(p.permissions) > 0 || p.resource != nil
}
