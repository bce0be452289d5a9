package pg

import (
	"context"

	"bastion.dev/internal/auth"
)

var _ auth.RBACStore = (*Store)(nil)

func (s *Store) AssignedRoles(ctx context.Context, principalID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.code, r.name, r.is_system, r.status
		from role_assignments ra
		join roles r on r.id = ra.role_id
		where ra.principal_id = $1
		order by r.code
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		var (
			role   auth.Role
			status string
		)
		if err := rows.Scan(&role.ID, &role.Code, &role.Name, &role.IsSystem, &status); err != nil {
			return nil, err
		}
		role.Status = auth.RoleStatus(status)
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.code, coalesce(p.module, ''), coalesce(p.name, '')
		from permission_grants pg
		join permissions p on p.id = pg.permission_id
		where pg.role_id = $1
		order by p.code
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Module, &p.Name); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
