// Package apiclient is an HTTP client for the Zafegard policy API.
//
// Read calls and evaluation are unauthenticated. Lifecycle calls (add,
// update and remove wallets, rotate the admin) are signed with the
// configured ed25519 key and fail with ErrNoKey when none is set.
package apiclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zafegard/zafegard/internal/auth"
	"github.com/zafegard/zafegard/internal/identity"
	"github.com/zafegard/zafegard/internal/policy"
)

// DefaultTimeout bounds a single request when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// maxResponse caps how much of a response body is read.
const maxResponse = 1 << 20

// ErrNoKey is returned by lifecycle calls on a client without a signing key.
var ErrNoKey = errors.New("apiclient: no signing key configured")

// Config holds the configuration for connecting to a Zafegard server.
type Config struct {
	BaseURL string // e.g. "http://localhost:8080"
	Key     ed25519.PrivateKey
	Timeout time.Duration
}

// Client talks to one Zafegard server.
type Client struct {
	base       string
	key        ed25519.PrivateKey
	httpClient *http.Client
	now        func() time.Time
}

// New creates a client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		key:        cfg.Key,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Caller returns the account the client signs as, or "" without a key.
func (c *Client) Caller() identity.Address {
	if c.key == nil {
		return ""
	}
	addr, err := identity.AccountFromPublicKey(c.key.Public().(ed25519.PublicKey))
	if err != nil {
		return ""
	}
	return addr
}

// APIError is an error response from the server. Policy failures unwrap
// to a *policy.Error, so errors.Is(err, policy.ErrTooSoon) works on them.
type APIError struct {
	Status  int
	Slug    string
	Message string
	Policy  *policy.Error
}

func (e *APIError) Error() string {
	if e.Policy != nil {
		return fmt.Sprintf("API error (%d): %s (code %d): %s", e.Status, e.Slug, e.Policy.Code, e.Message)
	}
	if e.Slug != "" {
		return fmt.Sprintf("API error (%d): %s: %s", e.Status, e.Slug, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Policy == nil {
		return nil
	}
	return e.Policy
}

type errorBody struct {
	Error   string `json:"error"`
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

func decodeAPIError(status int, body []byte) *APIError {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || (eb.Error == "" && eb.Message == "") {
		return &APIError{Status: status, Message: strings.TrimSpace(string(body))}
	}
	apiErr := &APIError{Status: status, Slug: eb.Error, Message: eb.Message}
	if sentinel, ok := policy.ErrorFromCode(eb.Code); ok {
		apiErr.Policy = &policy.Error{Code: sentinel.Code, Name: sentinel.Name, Message: eb.Message}
	}
	return apiErr
}

func (c *Client) do(ctx context.Context, method, path string, body any, signed bool) (json.RawMessage, error) {
	if signed && c.key == nil {
		return nil, ErrNoKey
	}
	u, err := url.Parse(c.base + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var data []byte
	if body != nil {
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if err := auth.SignRequest(req, c.key, data, c.now()); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp.StatusCode, respBody)
	}
	return json.RawMessage(respBody), nil
}

func walletPath(signer identity.SignerKey) string {
	return "/v1/wallets/" + url.PathEscape(signer.Key())
}

// GetInfo returns the server's description of itself.
func (c *Client) GetInfo(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/info", nil, false)
}

// GetAdmin returns the current admin record.
func (c *Client) GetAdmin(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/admin", nil, false)
}

// Init sets the first admin. It is unauthenticated and succeeds once.
func (c *Client) Init(ctx context.Context, admin identity.Address) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/init", map[string]any{"admin": admin}, false)
}

// RotateAdmin hands the admin role to newAdmin.
func (c *Client) RotateAdmin(ctx context.Context, newAdmin identity.Address) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/admin/rotate", map[string]any{"newAdmin": newAdmin}, true)
}

// AddWallet registers a signer.
func (c *Client) AddWallet(ctx context.Context, signer identity.SignerKey, asset identity.Address, interval uint32, limit *big.Int) (json.RawMessage, error) {
	body := map[string]any{
		"signer":         identity.WireKey{SignerKey: signer},
		"protectedAsset": asset,
		"interval":       interval,
		"amountCap":      limit.String(),
	}
	return c.do(ctx, http.MethodPost, "/v1/wallets", body, true)
}

// WalletUpdate names the fields to change. Nil fields are left alone.
type WalletUpdate struct {
	Interval  *uint32
	AmountCap *big.Int
}

// UpdateWallet changes a registered signer's interval or cap.
func (c *Client) UpdateWallet(ctx context.Context, signer identity.SignerKey, upd WalletUpdate) (json.RawMessage, error) {
	body := map[string]any{}
	if upd.Interval != nil {
		body["interval"] = *upd.Interval
	}
	if upd.AmountCap != nil {
		body["amountCap"] = upd.AmountCap.String()
	}
	return c.do(ctx, http.MethodPatch, walletPath(signer), body, true)
}

// RemoveWallet deletes a signer's policy. Its usage record is kept.
func (c *Client) RemoveWallet(ctx context.Context, signer identity.SignerKey) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, walletPath(signer), nil, true)
}

// GetWallet returns the policy registered for a signer.
func (c *Client) GetWallet(ctx context.Context, signer identity.SignerKey) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, walletPath(signer), nil, false)
}

// ListWallets returns a page of the signer registry.
func (c *Client) ListWallets(ctx context.Context, asset identity.Address, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if asset != "" {
		q.Set("asset", string(asset))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "/v1/wallets"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, false)
}

// GetUsage returns the usage ledger entry of a signer.
func (c *Client) GetUsage(ctx context.Context, signer identity.SignerKey) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, walletPath(signer)+"/usage", nil, false)
}

// Evaluate asks the policy to authorize a batch. A granted batch is recorded
// against the signer.
func (c *Client) Evaluate(ctx context.Context, source identity.Address, signer identity.SignerKey, contexts []policy.InvocationContext) (json.RawMessage, error) {
	body := map[string]any{
		"source":   source,
		"signer":   identity.WireKey{SignerKey: signer},
		"contexts": contexts,
	}
	return c.do(ctx, http.MethodPost, "/v1/policy/evaluate", body, false)
}
