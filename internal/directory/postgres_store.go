package directory

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const profileColumns = `user_id, wallet_address, default_contract, reputation, green_credits, referred_by, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*Profile, error) {
	p := &Profile{}
	var (
		wallet, contract sql.NullString
		referredBy       sql.NullInt64
	)
	if err := row.Scan(&p.UserID, &wallet, &contract, &p.Reputation, &p.GreenCredits, &referredBy, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.WalletAddress = wallet.String
	p.DefaultContract = contract.String
	p.ReferredBy = referredBy.Int64
	return p, nil
}

func (p *PostgresStore) Get(ctx context.Context, userID int64) (*Profile, error) {
	prof, err := scanProfile(p.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM user_profiles WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return prof, err
}

func (p *PostgresStore) SetWallet(ctx context.Context, userID int64, wallet, contract string) (*Profile, error) {
	return scanProfile(p.db.QueryRowContext(ctx, `
		INSERT INTO user_profiles (user_id, wallet_address, default_contract, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			wallet_address   = EXCLUDED.wallet_address,
			default_contract = COALESCE(EXCLUDED.default_contract, user_profiles.default_contract),
			updated_at       = NOW()
		RETURNING `+profileColumns,
		userID, wallet, contract))
}

func (p *PostgresStore) AddCounters(ctx context.Context, userID int64, reputation, greenCredits int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, reputation, green_credits, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			reputation    = user_profiles.reputation + EXCLUDED.reputation,
			green_credits = user_profiles.green_credits + EXCLUDED.green_credits,
			updated_at    = NOW()`,
		userID, reputation, greenCredits)
	return err
}

var _ Store = (*PostgresStore)(nil)
