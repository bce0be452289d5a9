package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bastion.dev/internal/auth"
)

// Order is the sample owned resource served behind ownership checks.
type Order struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Store) GetOrder(ctx context.Context, id string) (*Order, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var o Order
	err := s.db.QueryRowContext(ctx, `
		select id, owner_id, status, amount, currency, created_at
		from orders
		where id = $1 and deleted_at is null
	`, id).Scan(&o.ID, &o.OwnerID, &o.Status, &o.Amount, &o.Currency, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}
