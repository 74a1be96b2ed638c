package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/escrowmart/internal/alerts"
	"github.com/mbd888/escrowmart/internal/balance"
	"github.com/mbd888/escrowmart/internal/directory"
	"github.com/mbd888/escrowmart/internal/health"
	"github.com/mbd888/escrowmart/internal/inventory"
	"github.com/mbd888/escrowmart/internal/orders"
	"github.com/mbd888/escrowmart/internal/settlement"
	"github.com/mbd888/escrowmart/internal/tokenledger"
)

// stores groups the persistence layer of every package.
type stores struct {
	balances balance.Store
	calls    settlement.Store
	tokens   tokenledger.Store
	alerts   alerts.Store
	catalog  inventory.Store
	profiles directory.Store
	orders   orders.Store
}

func memoryStores() stores {
	return stores{
		balances: balance.NewMemoryStore(),
		calls:    settlement.NewMemoryStore(),
		tokens:   tokenledger.NewMemoryStore(),
		alerts:   alerts.NewMemoryStore(),
		catalog:  inventory.NewMemoryStore(),
		profiles: directory.NewMemoryStore(),
		orders:   orders.NewMemoryStore(),
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		balances: balance.NewPostgresStore(db),
		calls:    settlement.NewPostgresStore(db),
		tokens:   tokenledger.NewPostgresStore(db),
		alerts:   alerts.NewPostgresStore(db),
		catalog:  inventory.NewPostgresStore(db),
		profiles: directory.NewPostgresStore(db),
		orders:   orders.NewPostgresStore(db),
	}
}

// openStores uses Postgres when DATABASE_URL is set and in-memory stores
// otherwise.
func (s *Server) openStores(ctx context.Context) (stores, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory storage (data will not persist)")
		return memoryStores(), nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return stores{}, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return stores{}, fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.health.Register("database", health.SQL(db))
	s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	return postgresStores(db), nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
