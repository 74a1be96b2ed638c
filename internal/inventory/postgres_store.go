package inventory

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore reads the catalog and stock rows from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed inventory store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	prod := &Product{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, name, unit_price, active, is_green, created_at
		FROM products WHERE id = $1`, id,
	).Scan(&prod.ID, &prod.SellerID, &prod.Name, &prod.UnitPrice, &prod.Active, &prod.IsGreen, &prod.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return prod, nil
}

func (p *PostgresStore) ListStock(ctx context.Context, productID int64) ([]StockRow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT product_id, location_id, quantity
		FROM stock_locations
		WHERE product_id = $1
		ORDER BY quantity DESC, location_id ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StockRow
	for rows.Next() {
		var r StockRow
		if err := rows.Scan(&r.ProductID, &r.LocationID, &r.Quantity); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Decrement is guarded in the WHERE clause so the row can never go negative.
func (p *PostgresStore) Decrement(ctx context.Context, productID, locationID, qty int64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE stock_locations SET quantity = quantity - $3, updated_at = NOW()
		WHERE product_id = $1 AND location_id = $2 AND quantity >= $3`,
		productID, locationID, qty)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) Increment(ctx context.Context, productID, locationID, qty int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE stock_locations SET quantity = quantity + $3, updated_at = NOW()
		WHERE product_id = $1 AND location_id = $2`,
		productID, locationID, qty)
	return err
}

var _ Store = (*PostgresStore)(nil)
