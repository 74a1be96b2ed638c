// Command server runs the escrowmart marketplace API.
package main

import (
	"context"
	"os"

	"github.com/mbd888/escrowmart/internal/config"
	"github.com/mbd888/escrowmart/internal/logging"
	"github.com/mbd888/escrowmart/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting escrowmart",
		"version", Version,
		"commit", Commit,
		"buildTime", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"settlementContract", cfg.SettlementContract,
		"maxRetries", cfg.RetryMaxRetries,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
