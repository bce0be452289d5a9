package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bastion.dev/internal/auth"
)

// AssignRole grants the role with code to a principal.
func (s *Store) AssignRole(ctx context.Context, principalID, roleCode string) error {
	if s.db == nil {
		return errNoDB
	}
	roleCode = strings.TrimSpace(strings.ToLower(roleCode))
	if principalID == "" || roleCode == "" {
		return fmt.Errorf("%w: principal_id and role are required", auth.ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var roleID string
	err = tx.QueryRowContext(ctx, `select id from roles where code = $1 and status = 'active'`, roleCode).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: role %s", auth.ErrNotFound, roleCode)
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into role_assignments (principal_id, role_id)
		values ($1, $2)
	`, principalID, roleID); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.ErrConflict
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: principal %s", auth.ErrNotFound, principalID)
			}
		}
		return err
	}
	return tx.Commit()
}

// RemoveRole drops a role assignment.
func (s *Store) RemoveRole(ctx context.Context, principalID, roleCode string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from role_assignments ra
		using roles r
		where ra.role_id = r.id and ra.principal_id = $1 and r.code = $2
	`, principalID, strings.TrimSpace(strings.ToLower(roleCode)))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// DeleteRole removes a non-system role. It is blocked while any principal
// holds the role.
func (s *Store) DeleteRole(ctx context.Context, roleCode string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from roles where code = $1 and not is_system
	`, strings.TrimSpace(strings.ToLower(roleCode)))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: role is still assigned", auth.ErrConflict)
		}
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
