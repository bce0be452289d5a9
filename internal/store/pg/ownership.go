package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"bastion.dev/internal/auth"
)

// OwnedTable describes a table whose rows belong to a principal. Identifiers
// here are fixed at startup; request input only ever reaches bind parameters.
type OwnedTable struct {
	Table     string
	IDColumn  string
	DeletedAt string
	// OwnerColumns maps policy owner field names to columns.
	OwnerColumns map[string]string
}

// Orders is the ownership description of the orders table.
var Orders = OwnedTable{
	Table:        "orders",
	IDColumn:     "id",
	DeletedAt:    "deleted_at",
	OwnerColumns: map[string]string{"ownerId": "owner_id"},
}

// Principals lets a principal address its own record.
var Principals = OwnedTable{
	Table:        "principals",
	IDColumn:     "id",
	DeletedAt:    "deleted_at",
	OwnerColumns: map[string]string{"id": "id"},
}

// OwnerFields lists the owner field names t accepts.
func (t OwnedTable) OwnerFields() []string {
	out := make([]string, 0, len(t.OwnerColumns))
	for f := range t.OwnerColumns {
		out = append(out, f)
	}
	return out
}

// OwnershipLookup returns a lookup counting live rows of t with the given id
// and owner.
func (s *Store) OwnershipLookup(t OwnedTable) auth.OwnershipLookup {
	queries := make(map[string]string, len(t.OwnerColumns))
	for field, column := range t.OwnerColumns {
		q := fmt.Sprintf(`select count(*) from %s where %s = $1 and %s = $2`,
			pgx.Identifier{t.Table}.Sanitize(),
			pgx.Identifier{t.IDColumn}.Sanitize(),
			pgx.Identifier{column}.Sanitize())
		if t.DeletedAt != "" {
			q += fmt.Sprintf(` and %s is null`, pgx.Identifier{t.DeletedAt}.Sanitize())
		}
		queries[field] = q
	}
	return func(ctx context.Context, q auth.OwnershipQuery) (int, error) {
		if s.db == nil {
			return 0, errNoDB
		}
		stmt, ok := queries[q.OwnerField]
		if !ok {
			return 0, fmt.Errorf("%w: %s has no owner field %q", auth.ErrInvalidInput, t.Table, q.OwnerField)
		}
		var n int
		if err := s.db.QueryRowContext(ctx, stmt, q.ResourceID, q.OwnerID).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}
}

// RegisterOwnedTables binds the built-in owned tables into reg.
func (s *Store) RegisterOwnedTables(reg *auth.ResourceRegistry) error {
	for name, t := range map[string]OwnedTable{"order": Orders, "user": Principals} {
		if err := reg.Register(name, s.OwnershipLookup(t), t.OwnerFields()...); err != nil {
			return err
		}
	}
	return nil
}
