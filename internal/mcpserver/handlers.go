package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zafegard/zafegard/internal/amount"
	"github.com/zafegard/zafegard/internal/apiclient"
	"github.com/zafegard/zafegard/internal/identity"
	"github.com/zafegard/zafegard/internal/policy"
	"github.com/zafegard/zafegard/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *apiclient.Client
	wallet identity.Address
}

// NewHandlers creates a new Handlers instance. wallet is the default source
// of authorize_spend and may be empty.
func NewHandlers(client *apiclient.Client, wallet identity.Address) *Handlers {
	return &Handlers{client: client, wallet: wallet}
}

// HandleGetPolicyInfo describes the server.
func (h *Handlers) HandleGetPolicyInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetInfo(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get policy info: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleGetAdmin returns the admin record.
func (h *Handlers) HandleGetAdmin(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetAdmin(ctx)
	if err != nil {
		if errors.Is(err, policy.ErrNotInitialized) {
			return mcp.NewToolResultText("The policy has not been initialized; no admin is set."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get admin: %v", err)), nil
	}

	text, err := formatAdmin(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse admin: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetWalletPolicy returns the policy registered for a signer.
func (h *Handlers) HandleGetWalletPolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	signer, errResult := signerArg(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.GetWallet(ctx, signer)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return mcp.NewToolResultText(fmt.Sprintf("No wallet policy is registered for %s.", signer.Key())), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get wallet policy: %v", err)), nil
	}

	text, err := formatWalletPolicy(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallet policy: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListWallets lists a page of registered signers.
func (h *Handlers) HandleListWallets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	asset := req.GetString("asset", "")
	cursor := req.GetString("cursor", "")
	if errs := validation.Check(
		validation.Arg("asset", asset).Address(),
		validation.Arg("cursor", cursor).MaxLen(256),
	); len(errs) > 0 {
		return mcp.NewToolResultError("Invalid arguments: " + errs.Error()), nil
	}

	raw, err := h.client.ListWallets(ctx, identity.Address(asset), req.GetInt("limit", 0), cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list wallets: %v", err)), nil
	}

	var page struct {
		Wallets    []json.RawMessage `json:"wallets"`
		NextCursor string            `json:"nextCursor"`
		HasMore    bool              `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallets: %v", err)), nil
	}
	if len(page.Wallets) == 0 {
		return mcp.NewToolResultText("No wallet policies found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d wallet policies:\n\n", len(page.Wallets))
	for _, w := range page.Wallets {
		text, err := formatWalletPolicy(w)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallet policy: %v", err)), nil
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "More results available. cursor: %s\n", page.NextCursor)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetUsage returns the usage ledger entry of a signer.
func (h *Handlers) HandleGetUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	signer, errResult := signerArg(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.GetUsage(ctx, signer)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return mcp.NewToolResultText(fmt.Sprintf("%s has never been authorized.", signer.Key())), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get usage: %v", err)), nil
	}

	text, err := formatUsage(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAuthorizeSpend evaluates a single transfer against the policy.
func (h *Handlers) HandleAuthorizeSpend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	signerStr := req.GetString("signer", "")
	asset := req.GetString("asset", "")
	to := req.GetString("to", "")
	amt := req.GetString("amount", "")
	source := req.GetString("source", string(h.wallet))

	if errs := validation.Check(
		validation.Arg("signer", signerStr).Required().SignerKey(),
		validation.Arg("asset", asset).Required().Address(),
		validation.Arg("to", to).Required().Address(),
		validation.Arg("amount", amt).Required().Amount(),
		validation.Arg("source", source).Required().Address(),
	); len(errs) > 0 {
		return mcp.NewToolResultError("Invalid arguments: " + errs.Error()), nil
	}

	signer, _ := identity.ParseSignerKey(signerStr)
	value, _ := amount.Parse(amt)
	transfer := policy.Transfer(identity.Address(asset), identity.Address(source), identity.Address(to), value)

	raw, err := h.client.Evaluate(ctx, identity.Address(source), signer, []policy.InvocationContext{transfer})
	if err != nil {
		return denialResult(err), nil
	}

	var sb strings.Builder
	sb.WriteString("Authorized.\n")
	fmt.Fprintf(&sb, "  Amount: %s (%s units)\n", amount.Format(value), value.String())
	fmt.Fprintf(&sb, "  To: %s\n", to)
	if text, err := formatUsage(extractField(raw, "usage")); err == nil {
		sb.WriteString("\n")
		sb.WriteString(text)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// denialResult explains a failed evaluation in terms the caller can act on.
func denialResult(err error) *mcp.CallToolResult {
	var hint string
	switch {
	case errors.Is(err, policy.ErrTooSoon):
		hint = "The signer's interval has not elapsed since its last authorization. Wait and retry."
	case errors.Is(err, policy.ErrTooMuch):
		hint = "The amount exceeds the signer's per-batch cap. Use get_wallet_policy to see the cap."
	case errors.Is(err, policy.ErrNotFound):
		hint = "The signer has no wallet policy. An admin must add it first."
	case errors.Is(err, policy.ErrNotAllowed):
		hint = "The transfer does not match the signer's protected asset or is malformed."
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Authorization failed: %v", err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("Denied (code %d): %v\n%s", policy.CodeOf(err), err, hint))
}

func signerArg(req mcp.CallToolRequest) (identity.SignerKey, *mcp.CallToolResult) {
	s := req.GetString("signer", "")
	if errs := validation.Check(validation.Arg("signer", s).Required().SignerKey()); len(errs) > 0 {
		return nil, mcp.NewToolResultError("Invalid arguments: " + errs.Error())
	}
	k, _ := identity.ParseSignerKey(s)
	return k, nil
}

// --- Formatting helpers ---

func formatAdmin(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(extractField(raw, "admin"), &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Policy admin:\n")
	fmt.Fprintf(&sb, "  Current: %s\n", getString(m, "current"))
	if prev := getString(m, "previous"); prev != "" {
		fmt.Fprintf(&sb, "  Previous: %s\n", prev)
	}
	return sb.String(), nil
}

func formatWalletPolicy(raw json.RawMessage) (string, error) {
	var p policy.WalletPolicy
	if err := json.Unmarshal(extractField(raw, "wallet"), &p); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Wallet policy:\n")
	fmt.Fprintf(&sb, "  Signer: %s\n", p.Signer.Key())
	fmt.Fprintf(&sb, "  Protected asset: %s\n", p.ProtectedAsset)
	if p.Interval == 0 {
		sb.WriteString("  Interval: none\n")
	} else {
		fmt.Fprintf(&sb, "  Interval: %s\n", time.Duration(p.Interval)*time.Second)
	}
	fmt.Fprintf(&sb, "  Cap per batch: %s (%s units)\n", amount.Format(p.AmountCap), p.AmountCap.String())
	return sb.String(), nil
}

func formatUsage(raw json.RawMessage) (string, error) {
	var u policy.UsageRecord
	if err := json.Unmarshal(extractField(raw, "usage"), &u); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Usage:\n")
	fmt.Fprintf(&sb, "  Signer: %s\n", u.Signer.Key())
	fmt.Fprintf(&sb, "  Last authorized: %s\n", time.Unix(int64(u.LastAuthorizedAt), 0).UTC().Format(time.RFC3339)) //nolint:gosec // ledger seconds fit in int64
	fmt.Fprintf(&sb, "  Amount: %s (%s units)\n", amount.Format(u.AmountUsedInWindow), u.AmountUsedInWindow.String())
	return sb.String(), nil
}

// extractField returns raw[key] when raw is an object carrying key, and
// raw itself otherwise.
func extractField(raw json.RawMessage, key string) json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	if v, ok := m[key]; ok {
		return v
	}
	return raw
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
