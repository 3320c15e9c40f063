// Package migrations embeds the goose migrations of the policy store.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// goose keeps its dialect, filesystem and logger in package state.
var mu sync.Mutex

// Run executes a goose command ("up", "down", "status", "version", "redo",
// "up-to", "down-to", ...) against db. A nil logger silences goose.
func Run(ctx context.Context, db *sql.DB, logger goose.Logger, command string, args ...string) error {
	mu.Lock()
	defer mu.Unlock()

	if logger == nil {
		logger = goose.NopLogger()
	}
	goose.SetLogger(logger)
	goose.SetBaseFS(FS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}

// Up applies every pending migration quietly.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, nil, "up")
}
