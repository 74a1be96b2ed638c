package settlement

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists the call log in PostgreSQL. The payload column is
// BYTEA so retries replay the exact bytes of the first attempt.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed call log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const callColumns = `id, method, caller_address, contract_address, payload, status,
		       attempts, retries, max_retries, last_error, next_run_at,
		       order_id, user_id, tx_hash, block_number, verified, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Call) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_calls (
			id, method, caller_address, contract_address, payload, status,
			attempts, retries, max_retries, last_error, next_run_at,
			order_id, user_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.Method, c.Caller, nullString(c.Contract), []byte(c.Payload), string(c.Status),
		c.Attempts, c.Retries, c.MaxRetries, nullString(c.LastError), nullTime(c.NextRunAt),
		nullInt64(c.OrderID), nullInt64(c.UserID), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Call, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM settlement_calls WHERE id = $1`, id)
	c, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, ErrCallNotFound
	}
	return c, err
}

func (p *PostgresStore) List(ctx context.Context, filter Filter) ([]*Call, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+callColumns+`
		FROM settlement_calls
		WHERE ($1 = '' OR status = $1)
		  AND ($2::BIGINT = 0 OR order_id = $2)
		ORDER BY created_at DESC
		LIMIT $3`, string(filter.Status), filter.OrderID, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCalls(rows)
}

// Claim is the single conditional UPDATE that arbitrates between the worker
// and manual retries.
func (p *PostgresStore) Claim(ctx context.Context, id string, now time.Time) (*Call, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE settlement_calls
		SET status = 'processing', attempts = attempts + 1, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'queued')
		RETURNING `+callColumns, id, now)
	c, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, p.claimMiss(ctx, id)
	}
	return c, err
}

func (p *PostgresStore) ReclaimStale(ctx context.Context, id string, before, now time.Time) (*Call, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE settlement_calls
		SET updated_at = $3
		WHERE id = $1 AND status = 'processing' AND updated_at < $2
		RETURNING `+callColumns, id, before, now)
	c, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, p.claimMiss(ctx, id)
	}
	return c, err
}

func (p *PostgresStore) Withdraw(ctx context.Context, id, reason string, now time.Time) (*Call, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE settlement_calls
		SET status = 'cancelled', last_error = $2, next_run_at = NULL, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'queued')
		RETURNING `+callColumns, id, reason, now)
	c, err := scanCall(row)
	if err == sql.ErrNoRows {
		return nil, p.claimMiss(ctx, id)
	}
	return c, err
}

// claimMiss distinguishes a missing row from a lost race.
func (p *PostgresStore) claimMiss(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM settlement_calls WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrCallNotFound
	}
	return ErrClaimLost
}

func (p *PostgresStore) Finish(ctx context.Context, id string, res Result, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlement_calls SET
			status = $2, retries = $3, last_error = $4, next_run_at = $5,
			tx_hash = COALESCE($6, tx_hash), block_number = COALESCE($7, block_number),
			updated_at = $8
		WHERE id = $1 AND status = 'processing'`,
		id, string(res.Status), res.Retries, nullString(res.LastError), nullTime(res.NextRunAt),
		nullString(res.TxHash), nullBlock(res.TxHash, res.BlockNumber), now,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotProcessing
	}
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Call, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+callColumns+`
		FROM settlement_calls
		WHERE status IN ('pending', 'queued')
		  AND retries < max_retries
		  AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY created_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCalls(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*Call, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+callColumns+`
		FROM settlement_calls
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCalls(rows)
}

func (p *PostgresStore) LastContractFor(ctx context.Context, caller string) (string, error) {
	var contract sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT contract_address
		FROM settlement_calls
		WHERE LOWER(caller_address) = LOWER($1) AND contract_address IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1`, caller).Scan(&contract)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return contract.String, nil
}

func (p *PostgresStore) SetVerification(ctx context.Context, id, txHash string, blockNumber uint64, verified bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settlement_calls
		SET tx_hash = $2, block_number = $3, verified = $4, updated_at = NOW()
		WHERE id = $1`, id, txHash, int64(blockNumber), verified) //nolint:gosec // block numbers fit int64
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCallNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCall(s scanner) (*Call, error) {
	c := &Call{}
	var (
		contract  sql.NullString
		status    string
		lastError sql.NullString
		nextRunAt sql.NullTime
		orderID   sql.NullInt64
		userID    sql.NullInt64
		txHash    sql.NullString
		block     sql.NullInt64
		payload   []byte
	)
	err := s.Scan(
		&c.ID, &c.Method, &c.Caller, &contract, &payload, &status,
		&c.Attempts, &c.Retries, &c.MaxRetries, &lastError, &nextRunAt,
		&orderID, &userID, &txHash, &block, &c.Verified, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Contract = contract.String
	c.Payload = payload
	c.Status = Status(status)
	c.LastError = lastError.String
	if nextRunAt.Valid {
		c.NextRunAt = &nextRunAt.Time
	}
	c.OrderID = orderID.Int64
	c.UserID = userID.Int64
	c.TxHash = txHash.String
	c.BlockNumber = uint64(block.Int64) //nolint:gosec // stored from uint64
	return c, nil
}

func scanCalls(rows *sql.Rows) ([]*Call, error) {
	var result []*Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullBlock(txHash string, block uint64) sql.NullInt64 {
	if txHash == "" {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(block), Valid: true} //nolint:gosec // block numbers fit int64
}

var _ Store = (*PostgresStore)(nil)
