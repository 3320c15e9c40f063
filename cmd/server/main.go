// Command server runs the Zafegard policy API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zafegard/zafegard/internal/config"
	"github.com/zafegard/zafegard/internal/logging"
	"github.com/zafegard/zafegard/internal/server"
)

// Set by -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print the build version and exit")
	checkConfig := flag.Bool("check-config", false, "validate the environment configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("zafegard %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return
	}

	if err := run(*checkConfig); err != nil {
		// The configured logger may not exist yet.
		logging.NewWithWriter(os.Stderr, "error", "text").Error("zafegard exited", "error", err)
		os.Exit(1)
	}
}

func run(checkOnly bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if checkOnly {
		fmt.Println("configuration ok")
		return nil
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting zafegard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"policy_address", cfg.PolicyAddress,
		"postgres", cfg.DatabaseURL != "",
		"hook", cfg.HookURL != "",
	)

	if Version != "dev" {
		server.Version = Version
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
