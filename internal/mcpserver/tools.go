package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Zafegard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetPolicyInfo = mcp.NewTool("get_policy_info",
	mcp.WithDescription(
		"Describe the Zafegard spending policy server: its policy contract address, "+
			"storage backend, and live decision stream statistics."),
)

var ToolGetAdmin = mcp.NewTool("get_admin",
	mcp.WithDescription(
		"Get the administrator of the spending policy. Only the admin can add, update "+
			"or remove wallet signers. Shows the previous admin after a rotation."),
)

var ToolGetWalletPolicy = mcp.NewTool("get_wallet_policy",
	mcp.WithDescription(
		"Get the spending policy registered for a signer: the protected asset, the minimum "+
			"interval between authorizations, and the per-batch amount cap."),
	mcp.WithString("signer",
		mcp.Required(),
		mcp.Description("Canonical signer key, e.g. 'ed25519:<64 hex chars>', 'secp256r1:<hex>' or 'policy:C...'")),
)

var ToolListWallets = mcp.NewTool("list_wallets",
	mcp.WithDescription(
		"List registered signers and their spending policies in signer key order. "+
			"Pass the returned cursor to fetch the next page."),
	mcp.WithString("asset",
		mcp.Description("Only list signers protecting this asset contract (C...)")),
	mcp.WithNumber("limit",
		mcp.Description("Page size (default 50, max 200)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_wallets call")),
)

var ToolGetUsage = mcp.NewTool("get_usage",
	mcp.WithDescription(
		"Get when a signer was last authorized and the amount of that authorization. "+
			"Usage survives removal of the signer's policy."),
	mcp.WithString("signer",
		mcp.Required(),
		mcp.Description("Canonical signer key, e.g. 'ed25519:<64 hex chars>'")),
)

var ToolAuthorizeSpend = mcp.NewTool("authorize_spend",
	mcp.WithDescription(
		"Ask the policy to authorize a transfer of the protected asset by a signer. "+
			"A granted authorization is recorded and starts a new interval, so only call this "+
			"for a transfer that is about to be submitted. Denials explain whether the interval "+
			"has not elapsed (too_soon) or the amount exceeds the cap (too_much)."),
	mcp.WithString("signer",
		mcp.Required(),
		mcp.Description("Canonical signer key of the spending signer")),
	mcp.WithString("asset",
		mcp.Required(),
		mcp.Description("Contract address (C...) of the asset being transferred")),
	mcp.WithString("to",
		mcp.Required(),
		mcp.Description("Recipient address (G... or C...)")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in the asset's base units as an integer string, e.g. '5000000'")),
	mcp.WithString("source",
		mcp.Description("Smart wallet address spending the funds. Defaults to the configured wallet.")),
)
