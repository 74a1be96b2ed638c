package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowmart/internal/idgen"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_id, seller_id, total_amount, base_amount, status,
	is_green, is_green_confirmed, shipping_address, buyer_wallet, seller_wallet,
	contract_address, deposit_call_id, release_call_id,
	created_at, updated_at, completed_at, cancelled_at`

func (p *PostgresStore) Create(ctx context.Context, order *Order, lines []*OrderLine) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (buyer_id, seller_id, total_amount, base_amount, status,
			is_green, is_green_confirmed, shipping_address, buyer_wallet, seller_wallet,
			contract_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		order.BuyerID, order.SellerID, order.TotalAmount, order.BaseAmount, string(order.Status),
		order.IsGreen, order.IsGreenConfirmed, order.ShippingAddress, order.BuyerWallet, order.SellerWallet,
		nullString(order.ContractAddress), order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, l := range lines {
		l.OrderID = order.ID
		err := tx.QueryRowContext(ctx, `
			INSERT INTO order_lines (order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			l.OrderID, l.ProductID, l.Quantity, l.UnitPrice,
		).Scan(&l.ID)
		if err != nil {
			return fmt.Errorf("insert order line: %w", err)
		}
	}
	return tx.Commit()
}

// Delete removes the order; order_lines cascade.
func (p *PostgresStore) Delete(ctx context.Context, id int64) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	lines, err := p.lines(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Lines = lines
	return o, nil
}

func (p *PostgresStore) lines(ctx context.Context, orderID int64) ([]*OrderLine, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price
		FROM order_lines WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*OrderLine
	for rows.Next() {
		l := &OrderLine{}
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.Quantity, &l.UnitPrice); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID, beforeID int64, limit int) ([]*Order, error) {
	return p.list(ctx, `buyer_id = $1`, buyerID, beforeID, limit)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID, beforeID int64, limit int) ([]*Order, error) {
	return p.list(ctx, `seller_id = $1`, sellerID, beforeID, limit)
}

func (p *PostgresStore) list(ctx context.Context, where string, userID, beforeID int64, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE `+where+` AND ($2::bigint = 0 OR id < $2) ORDER BY id DESC LIMIT $3`,
		userID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Transition(ctx context.Context, id int64, t Transition) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $3,
			is_green_confirmed = is_green_confirmed OR $4,
			updated_at = $5,
			completed_at = CASE WHEN $3 = 'completed' THEN $5 ELSE completed_at END,
			cancelled_at = CASE WHEN $3 = 'cancelled' THEN $5 ELSE cancelled_at END
		WHERE id = $1 AND status = $2`,
		id, string(t.From), string(t.To), t.GreenConfirmed, t.At,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrStaleOrder
}

func (p *PostgresStore) SetDepositCall(ctx context.Context, id int64, callID, contract string) error {
	return p.exec(ctx, `
		UPDATE orders SET deposit_call_id = $2,
			contract_address = COALESCE(NULLIF($3, ''), contract_address),
			updated_at = NOW()
		WHERE id = $1`, id, callID, contract)
}

func (p *PostgresStore) SetReleaseCall(ctx context.Context, id int64, callID string) error {
	return p.exec(ctx, `UPDATE orders SET release_call_id = $2, updated_at = NOW() WHERE id = $1`, id, callID)
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) AppendEscrowEntry(ctx context.Context, e *EscrowEntry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("esc_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_ledger_entries (id, order_id, status, tx_hash, block_number, call_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.OrderID, string(e.Status), nullString(e.TxHash), int64(e.BlockNumber), nullString(e.CallID), e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListEscrowEntries(ctx context.Context, orderID int64) ([]*EscrowEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, status, tx_hash, block_number, call_id, created_at
		FROM escrow_ledger_entries
		WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*EscrowEntry
	for rows.Next() {
		e := &EscrowEntry{}
		var (
			status         string
			txHash, callID sql.NullString
			block          int64
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &status, &txHash, &block, &callID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = EscrowStatus(status)
		e.TxHash = txHash.String
		e.CallID = callID.String
		e.BlockNumber = uint64(block)
		result = append(result, e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status                             string
		contract, depositCall, releaseCall sql.NullString
		completedAt, cancelledAt           sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.TotalAmount, &o.BaseAmount, &status,
		&o.IsGreen, &o.IsGreenConfirmed, &o.ShippingAddress, &o.BuyerWallet, &o.SellerWallet,
		&contract, &depositCall, &releaseCall,
		&o.CreatedAt, &o.UpdatedAt, &completedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.ContractAddress = contract.String
	o.DepositCallID = depositCall.String
	o.ReleaseCallID = releaseCall.String
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}
	return o, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
