package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/zafegard/zafegard/internal/apiclient"
	"github.com/zafegard/zafegard/internal/identity"
)

// Version is advertised to MCP clients during initialization.
var Version = "1.0.0"

// Config holds the configuration for connecting to a Zafegard server.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	// Wallet is the smart wallet address used as the source of
	// authorize_spend when the tool call does not name one.
	Wallet identity.Address
}

// tools pairs every tool definition with its handler.
func tools(h *Handlers) []server.ServerTool {
	return []server.ServerTool{
		{Tool: ToolGetPolicyInfo, Handler: h.HandleGetPolicyInfo},
		{Tool: ToolGetAdmin, Handler: h.HandleGetAdmin},
		{Tool: ToolGetWalletPolicy, Handler: h.HandleGetWalletPolicy},
		{Tool: ToolListWallets, Handler: h.HandleListWallets},
		{Tool: ToolGetUsage, Handler: h.HandleGetUsage},
		{Tool: ToolAuthorizeSpend, Handler: h.HandleAuthorizeSpend},
	}
}

// NewMCPServer returns a stdio-ready MCP server exposing the policy tools.
// A panicking handler becomes a tool error instead of killing the process.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("zafegard", Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.AddTools(tools(NewHandlers(apiclient.New(apiclient.Config{BaseURL: cfg.APIURL}), cfg.Wallet))...)
	return s
}
