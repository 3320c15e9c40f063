// Command mcp serves the Zafegard policy API as MCP tools over stdio.
package main

import (
	"flag"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zafegard/zafegard/internal/identity"
	"github.com/zafegard/zafegard/internal/logging"
	"github.com/zafegard/zafegard/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	apiURL := flag.String("api-url", envOr("ZAFEGARD_API_URL", "http://localhost:8080"), "policy API base URL")
	wallet := flag.String("wallet", os.Getenv("ZAFEGARD_WALLET"), "default smart wallet address for authorize_spend")
	flag.Parse()

	// stdout carries the protocol.
	logger := logging.NewWithWriter(os.Stderr, envOr("LOG_LEVEL", "info"), "text")

	cfg := mcpserver.Config{APIURL: *apiURL}
	if *wallet != "" {
		addr, err := identity.ParseAddress(*wallet)
		if err != nil {
			logger.Error("invalid wallet address", "wallet", *wallet, "error", err)
			os.Exit(2)
		}
		cfg.Wallet = addr
	} else {
		logger.Warn("no default wallet; authorize_spend needs an explicit source")
	}

	logger.Info("serving MCP over stdio", "api_url", cfg.APIURL, "wallet", cfg.Wallet.Short())
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("MCP server stopped", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
