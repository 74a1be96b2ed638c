package balance

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists balances in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed balance store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID int64) (*Balance, error) {
	b := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, locked, updated_at FROM user_balances WHERE user_id = $1`,
		userID,
	).Scan(&b.Available, &b.Locked, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return &Balance{UserID: userID, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Apply is a single upsert; GREATEST clamps each column inside the row lock.
func (p *PostgresStore) Apply(ctx context.Context, userID int64, availableDelta, lockedDelta int64) (*Balance, error) {
	b := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO user_balances (user_id, available, locked, updated_at)
		VALUES ($1, GREATEST(0, $2::BIGINT), GREATEST(0, $3::BIGINT), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available  = GREATEST(0, user_balances.available + $2::BIGINT),
			locked     = GREATEST(0, user_balances.locked + $3::BIGINT),
			updated_at = NOW()
		RETURNING available, locked, updated_at`,
		userID, availableDelta, lockedDelta,
	).Scan(&b.Available, &b.Locked, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

var _ Store = (*PostgresStore)(nil)
