package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// OwnershipQuery asks whether OwnerID owns the live resource with ResourceID.
type OwnershipQuery struct {
	ResourceID string
	OwnerField string
	OwnerID    string
}

// OwnershipLookup counts non-deleted rows matching q. Implementations must bind
// ResourceID and OwnerID as parameters.
type OwnershipLookup func(ctx context.Context, q OwnershipQuery) (int, error)

type resourceEntry struct {
	lookup      OwnershipLookup
	ownerFields map[string]struct{}
}

// ResourceRegistry maps resource type names to typed ownership lookups. It is
// filled at startup and read concurrently afterwards.
type ResourceRegistry struct {
	mu      sync.RWMutex
	entries map[string]resourceEntry
}

func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{entries: make(map[string]resourceEntry)}
}

// Register binds resourceType to lookup. ownerFields whitelists the fields a
// policy may name for this type.
func (r *ResourceRegistry) Register(resourceType string, lookup OwnershipLookup, ownerFields ...string) error {
	resourceType = strings.TrimSpace(resourceType)
	if resourceType == "" || lookup == nil {
		return fmt.Errorf("%w: resource type and lookup are required", ErrInvalidInput)
	}
	if len(ownerFields) == 0 {
		return fmt.Errorf("%w: resource %s needs at least one owner field", ErrInvalidInput, resourceType)
	}
	fields := make(map[string]struct{}, len(ownerFields))
	for _, f := range ownerFields {
		fields[f] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[resourceType]; ok {
		return fmt.Errorf("%w: resource %s already registered", ErrConflict, resourceType)
	}
	r.entries[resourceType] = resourceEntry{lookup: lookup, ownerFields: fields}
	return nil
}

// ValidatePolicy rejects ownership checks against unknown types or fields.
func (r *ResourceRegistry) ValidatePolicy(p Policy) error {
	rc, ok := p.Resource()
	if !ok {
		return nil
	}
	_, err := r.resolve(rc)
	return err
}

func (r *ResourceRegistry) resolve(rc ResourceCheck) (OwnershipLookup, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no resource registry", ErrInvalidInput)
	}
	r.mu.RLock()
	entry, ok := r.entries[rc.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown resource type %q", ErrInvalidInput, rc.Type)
	}
	if _, ok := entry.ownerFields[rc.OwnerField]; !ok {
		return nil, fmt.Errorf("%w: resource %s has no owner field %q", ErrInvalidInput, rc.Type, rc.OwnerField)
	}
	return entry.lookup, nil
}

// Owns reports whether exactly one live row of rc.Type with id is owned by ownerID.
func (r *ResourceRegistry) Owns(ctx context.Context, rc ResourceCheck, id, ownerID string) (bool, error) {
	lookup, err := r.resolve(rc)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(id) == "" || strings.TrimSpace(ownerID) == "" {
		return false, nil
	}
	n, err := lookup(ctx, OwnershipQuery{ResourceID: id, OwnerField: rc.OwnerField, OwnerID: ownerID})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
