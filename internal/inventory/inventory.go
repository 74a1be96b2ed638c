// Package inventory reads the product catalog and reserves stock across
// storage locations.
//
// Stock is held per (product, location). Reservation takes from the
// largest location first with a guarded decrement on each row, so
// concurrent reservations can never drive a row negative. Under contention
// a reservation may fail with ErrInsufficientStock even though enough
// stock exists in total; that is the accepted trade-off for not locking
// the product.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

// Product is the catalog view the order flow needs.
type Product struct {
	ID        int64     `json:"id"`
	SellerID  int64     `json:"sellerId"`
	Name      string    `json:"name"`
	UnitPrice int64     `json:"unitPrice"` // fiat minor units
	Active    bool      `json:"active"`
	IsGreen   bool      `json:"isGreen"`
	CreatedAt time.Time `json:"createdAt"`
}

// StockRow is the quantity of one product at one location.
type StockRow struct {
	ProductID  int64 `json:"productId"`
	LocationID int64 `json:"locationId"`
	Quantity   int64 `json:"quantity"`
}

// Take is the part of a reservation drawn from one location.
type Take struct {
	LocationID int64 `json:"locationId"`
	Quantity   int64 `json:"quantity"`
}

// Reservation records where reserved stock came from, so it can be put back.
type Reservation struct {
	ProductID int64  `json:"productId"`
	Takes     []Take `json:"takes"`
}

// Total returns the reserved quantity.
func (r *Reservation) Total() int64 {
	var n int64
	for _, t := range r.Takes {
		n += t.Quantity
	}
	return n
}

// Store persists products and stock rows.
type Store interface {
	GetProduct(ctx context.Context, id int64) (*Product, error)
	// ListStock returns the product's rows, largest quantity first.
	ListStock(ctx context.Context, productID int64) ([]StockRow, error)
	// Decrement subtracts qty only if the row holds at least qty. It reports
	// whether the row was updated.
	Decrement(ctx context.Context, productID, locationID, qty int64) (bool, error)
	Increment(ctx context.Context, productID, locationID, qty int64) error
}

// Service wraps the store with the reservation algorithm.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates an inventory service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// GetProduct returns a product.
func (s *Service) GetProduct(ctx context.Context, id int64) (*Product, error) {
	return s.store.GetProduct(ctx, id)
}

// Available sums the product's stock across locations.
func (s *Service) Available(ctx context.Context, productID int64) (int64, error) {
	rows, err := s.store.ListStock(ctx, productID)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, r := range rows {
		n += r.Quantity
	}
	return n, nil
}

// Reserve takes qty units of the product, greedily from the largest
// location. Either the full quantity is reserved or nothing is.
func (s *Service) Reserve(ctx context.Context, productID, qty int64) (*Reservation, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	rows, err := s.store.ListStock(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("list stock: %w", err)
	}
	var total int64
	for _, r := range rows {
		total += r.Quantity
	}
	if total < qty {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrInsufficientStock, qty, total)
	}

	res := &Reservation{ProductID: productID}
	remaining := qty
	for _, r := range rows {
		if remaining == 0 {
			break
		}
		take := min(r.Quantity, remaining)
		if take <= 0 {
			continue
		}
		ok, err := s.store.Decrement(ctx, productID, r.LocationID, take)
		if err != nil {
			s.Release(ctx, res)
			return nil, fmt.Errorf("decrement stock: %w", err)
		}
		if !ok {
			// Another reservation got there first.
			s.Release(ctx, res)
			return nil, fmt.Errorf("%w: location %d changed concurrently", ErrInsufficientStock, r.LocationID)
		}
		res.Takes = append(res.Takes, Take{LocationID: r.LocationID, Quantity: take})
		remaining -= take
	}
	if remaining > 0 {
		s.Release(ctx, res)
		return nil, fmt.Errorf("%w: want %d", ErrInsufficientStock, qty)
	}
	return res, nil
}

// Release puts reserved stock back. Failures are logged; the caller is
// already unwinding.
func (s *Service) Release(ctx context.Context, res *Reservation) {
	if res == nil {
		return
	}
	for _, t := range res.Takes {
		if err := s.store.Increment(ctx, res.ProductID, t.LocationID, t.Quantity); err != nil {
			s.logger.Error("failed to restore stock",
				"productId", res.ProductID, "locationId", t.LocationID, "quantity", t.Quantity, "error", err)
		}
	}
}
