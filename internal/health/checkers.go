package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTimeout bounds a single checker run.
const DefaultTimeout = 2 * time.Second

// PingChecker adapts a ping function into a Checker. The ping gets at most
// timeout to answer.
func PingChecker(name string, timeout time.Duration, ping func(ctx context.Context) error) Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// SQL reports whether the database pool can reach the server.
func SQL(db *sql.DB) Checker {
	return PingChecker("database", DefaultTimeout, db.PingContext)
}

// Redis reports whether the cache answers PING.
func Redis(client *redis.Client) Checker {
	return PingChecker("cache", DefaultTimeout, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}
