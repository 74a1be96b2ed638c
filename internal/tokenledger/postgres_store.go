package tokenledger

import (
	"context"
	"database/sql"
	"math/big"
)

// PostgresStore persists ledger entries in PostgreSQL. Amounts are
// NUMERIC(78,0), wide enough for any uint256.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, e *Entry) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO token_ledger_entries (
			call_id, contract_address, action, from_address, to_address, amount, order_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(78,0), $7, $8)
		ON CONFLICT (call_id) DO NOTHING`,
		e.CallID, e.Contract, string(e.Action), e.From, e.To, e.Amount, nullInt64(e.OrderID), e.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) Delete(ctx context.Context, callID string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM token_ledger_entries WHERE call_id = $1`, callID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const entryColumns = `call_id, contract_address, action, from_address, to_address, amount::TEXT, order_id, created_at`

func (p *PostgresStore) Get(ctx context.Context, callID string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM token_ledger_entries WHERE call_id = $1`, callID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Flows(ctx context.Context, contract, wallet string) (*big.Int, *big.Int, error) {
	var in, out string
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE to_address = $2), 0)::TEXT,
			COALESCE(SUM(amount) FILTER (WHERE from_address = $2), 0)::TEXT
		FROM token_ledger_entries
		WHERE contract_address = $1 AND $2 <> ''`, contract, wallet,
	).Scan(&in, &out)
	if err != nil {
		return nil, nil, err
	}
	return parseNumeric(in), parseNumeric(out), nil
}

func (p *PostgresStore) EscrowTotals(ctx context.Context, orderID int64) (map[Action]*big.Int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT action, SUM(amount)::TEXT
		FROM token_ledger_entries
		WHERE order_id = $1
		  AND action IN ('ESCROW_DEPOSIT', 'ESCROW_RELEASE', 'ESCROW_REFUND')
		GROUP BY action`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	totals := make(map[Action]*big.Int)
	for rows.Next() {
		var action, sum string
		if err := rows.Scan(&action, &sum); err != nil {
			return nil, err
		}
		totals[Action(action)] = parseNumeric(sum)
	}
	return totals, rows.Err()
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID int64) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM token_ledger_entries
		WHERE order_id = $1
		ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var (
		action  string
		orderID sql.NullInt64
	)
	if err := s.Scan(&e.CallID, &e.Contract, &action, &e.From, &e.To, &e.Amount, &orderID, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Action = Action(action)
	e.OrderID = orderID.Int64
	return e, nil
}

func parseNumeric(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
