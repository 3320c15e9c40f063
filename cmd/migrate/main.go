// Command migrate manages the policy store schema. The migrations are
// compiled into the binary.
//
// Usage:
//
//	migrate up                # apply all pending migrations
//	migrate down              # roll back the last migration
//	migrate status            # show migration status
//	migrate version           # show current schema version
//	migrate redo              # roll back and re-apply the last migration
//	migrate up-to <version>
//	migrate down-to <version>
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/zafegard/zafegard/internal/config"
	"github.com/zafegard/zafegard/internal/logging"
	"github.com/zafegard/zafegard/migrations"
)

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if len(os.Args) < 2 {
		logger.Error("usage: migrate <up|down|status|version|redo|up-to N|down-to N>")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	command := os.Args[1]
	// goose reports each step through a std logger
	gooseLog := log.New(os.Stderr, "", log.LstdFlags)
	if err := migrations.Run(ctx, db, gooseLog, command, os.Args[2:]...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command)
}
