// Command migrate applies the escrowmart schema with goose.
//
//	migrate up | down | redo | status | version
//	migrate up-to <version> | down-to <version>
//	migrate check     # exit 1 when migrations are pending
//
// DATABASE_URL selects the database; MIGRATIONS_DIR overrides ./migrations.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/escrowmart/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|redo|status|version|up-to N|down-to N|check>")
		os.Exit(2)
	}
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migrate failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
	logger.Info("migrate done", "command", os.Args[1])
}

func run(command string, args []string) error {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is not set")
	}
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if command == "check" {
		return check(db, dir)
	}
	return goose.RunContext(ctx, command, db, dir, args...)
}

// check fails when the database is behind the newest migration file.
func check(db *sql.DB, dir string) error {
	current, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	migrations, err := goose.CollectMigrations(dir, 0, goose.MaxVersion)
	if err != nil {
		return fmt.Errorf("collect migrations: %w", err)
	}
	last, err := migrations.Last()
	if err != nil {
		return err
	}
	if current < last.Version {
		return fmt.Errorf("schema at version %d, latest is %d", current, last.Version)
	}
	return nil
}
