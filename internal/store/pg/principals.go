package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"bastion.dev/internal/auth"
	"bastion.dev/internal/ids"
)

var _ auth.CredentialStore = (*Store)(nil)

const principalColumns = `id, coalesce(email, ''), coalesce(username, ''), coalesce(nickname, ''),
		password_hash, status, created_at, updated_at, deleted_at`

func (s *Store) FindPrincipalByIdentifier(ctx context.Context, identifier string) (*auth.Principal, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	identifier = strings.TrimSpace(identifier)
	row := s.db.QueryRowContext(ctx, `
		select `+principalColumns+`
		from principals
		where (email = lower($1) or username = $1) and deleted_at is null
		limit 1
	`, identifier)
	return scanPrincipal(row)
}

func (s *Store) FindPrincipalByID(ctx context.Context, id string) (*auth.Principal, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+principalColumns+`
		from principals
		where id = $1
	`, id)
	return scanPrincipal(row)
}

func (s *Store) CreatePrincipal(ctx context.Context, in auth.NewPrincipal, passwordHash string) (*auth.Principal, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		insert into principals (id, email, username, nickname, password_hash, status)
		values ($1, $2, $3, $4, $5, $6)
		returning `+principalColumns,
		ids.New(), nullIfEmpty(in.Email), nullIfEmpty(in.Username), nullIfEmpty(in.Nickname),
		passwordHash, string(auth.StatusActive))
	p, err := scanPrincipal(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil, auth.ErrConflict
		}
		return nil, err
	}
	return p, nil
}

// ListPrincipals returns live principals ordered by creation.
func (s *Store) ListPrincipals(ctx context.Context, limit int) ([]auth.Principal, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+principalColumns+`
		from principals
		where deleted_at is null
		order by created_at asc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []auth.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}
	return res, rows.Err()
}

// SoftDeletePrincipal flips status to inactive and stamps deleted_at.
func (s *Store) SoftDeletePrincipal(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update principals
		set status = $2, deleted_at = now(), updated_at = now()
		where id = $1 and deleted_at is null
	`, id, string(auth.StatusInactive))
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

type scanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row scanner) (*auth.Principal, error) {
	var (
		p       auth.Principal
		status  string
		deleted sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Email, &p.Username, &p.Nickname, &p.PasswordHash, &status,
		&p.CreatedAt, &p.UpdatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = auth.PrincipalStatus(status)
	if deleted.Valid {
		t := deleted.Time
		p.DeletedAt = &t
	}
	return &p, nil
}
