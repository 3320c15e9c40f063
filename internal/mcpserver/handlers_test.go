package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zafegard/zafegard/internal/apiclient"
	"github.com/zafegard/zafegard/internal/identity"
)

// --- Test helpers ---

func testAddr(kind identity.AddressKind, b byte) identity.Address {
	var p [32]byte
	for i := range p {
		p[i] = b
	}
	return identity.EncodeAddress(kind, p)
}

var (
	testAsset  = testAddr(identity.ContractAddress, 2)
	testWallet = testAddr(identity.ContractAddress, 4)
	testPayee  = testAddr(identity.AccountAddress, 5)
	testSigner = identity.Ed25519Key{PublicKey: [32]byte{0x59}}
)

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	h := NewHandlers(apiclient.New(apiclient.Config{BaseURL: ts.URL}), testWallet)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func policyError(w http.ResponseWriter, status int, slug string, code int, msg string) {
	writeJSON(w, status, map[string]any{"error": slug, "code": code, "message": msg})
}

func usageBody() map[string]any {
	return map[string]any{
		"usage": map[string]any{
			"signer":             map[string]any{"type": "ed25519", "value": identity.Value(testSigner)},
			"lastAuthorizedAt":   1_700_000_000,
			"amountUsedInWindow": "5000000",
		},
	}
}

// ============================================================
// Handler: get_policy_info
// ============================================================

func TestHandleGetPolicyInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"name": "zafegard", "storage": "memory"})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetPolicyInfo(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, `"storage": "memory"`)
}

// ============================================================
// Handler: get_admin
// ============================================================

func TestHandleGetAdmin(t *testing.T) {
	admin := testAddr(identity.AccountAddress, 7)
	prev := testAddr(identity.AccountAddress, 8)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"admin": map[string]any{"current": admin, "previous": prev}})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetAdmin(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Current: "+string(admin))
	assert.Contains(t, text, "Previous: "+string(prev))
}

func TestHandleGetAdmin_NotInitialized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin", func(w http.ResponseWriter, r *http.Request) {
		policyError(w, http.StatusConflict, "not_initialized", 2, "policy is not initialized")
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetAdmin(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not been initialized")
}

// ============================================================
// Handler: get_wallet_policy
// ============================================================

func TestHandleGetWalletPolicy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/wallets/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"wallet": map[string]any{
				"signer":         map[string]any{"type": "ed25519", "value": identity.Value(testSigner)},
				"protectedAsset": testAsset,
				"interval":       3600,
				"amountCap":      "10000000",
				"createdAt":      time.Unix(1_700_000_000, 0).UTC(),
				"updatedAt":      time.Unix(1_700_000_000, 0).UTC(),
			},
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetWalletPolicy(context.Background(), makeRequest(map[string]any{
		"signer": testSigner.Key(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "Signer: "+testSigner.Key())
	assert.Contains(t, text, "Protected asset: "+string(testAsset))
	assert.Contains(t, text, "Interval: 1h0m0s")
	assert.Contains(t, text, "10000000 units")
}

func TestHandleGetWalletPolicy_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/wallets/", func(w http.ResponseWriter, r *http.Request) {
		policyError(w, http.StatusNotFound, "not_found", 3, "no policy for signer")
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetWalletPolicy(context.Background(), makeRequest(map[string]any{
		"signer": testSigner.Key(),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No wallet policy")
}

func TestHandleGetWalletPolicy_InvalidSigner(t *testing.T) {
	var calls atomic.Int32
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer cleanup()

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing", nil},
		{"unknown kind", map[string]any{"signer": "rsa:abcd"}},
		{"bad hex", map[string]any{"signer": "ed25519:zz"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleGetWalletPolicy(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), "signer")
		})
	}
	assert.Equal(t, int32(0), calls.Load(), "invalid input must not reach the API")
}

// ============================================================
// Handler: get_usage
// ============================================================

func TestHandleGetUsage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/wallets/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, usageBody())
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetUsage(context.Background(), makeRequest(map[string]any{
		"signer": testSigner.Key(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "Last authorized: 2023-11-14T22:13:20Z")
	assert.Contains(t, text, "5000000 units")
}

func TestHandleGetUsage_NeverAuthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/wallets/", func(w http.ResponseWriter, r *http.Request) {
		policyError(w, http.StatusNotFound, "not_found", 3, "no usage for signer")
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetUsage(context.Background(), makeRequest(map[string]any{
		"signer": testSigner.Key(),
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "never been authorized")
}

// ============================================================
// Handler: authorize_spend
// ============================================================

func TestHandleAuthorizeSpend_Granted(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/policy/evaluate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		body := usageBody()
		body["authorized"] = true
		writeJSON(w, http.StatusOK, body)
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAuthorizeSpend(context.Background(), makeRequest(map[string]any{
		"signer": testSigner.Key(),
		"asset":  string(testAsset),
		"to":     string(testPayee),
		"amount": "5000000",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "Authorized.")
	assert.Contains(t, text, "To: "+string(testPayee))
	assert.Contains(t, text, "Usage:")

	// source falls back to the configured wallet
	assert.Equal(t, string(testWallet), got["source"])
	ctxs := got["contexts"].([]any)
	require.Len(t, ctxs, 1)
	assert.Equal(t, "transfer", ctxs[0].(map[string]any)["fnName"])
	assert.Equal(t, string(testAsset), ctxs[0].(map[string]any)["contract"])
}

func TestHandleAuthorizeSpend_ExplicitSource(t *testing.T) {
	other := testAddr(identity.ContractAddress, 6)
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/policy/evaluate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, map[string]any{"authorized": true})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAuthorizeSpend(context.Background(), makeRequest(map[string]any{
		"signer": testSigner.Key(),
		"asset":  string(testAsset),
		"to":     string(testPayee),
		"amount": "1",
		"source": string(other),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, string(other), got["source"])
}

func TestHandleAuthorizeSpend_Denials(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		slug     string
		code     int
		wantCode string
		wantHint string
	}{
		{"too soon", http.StatusTooManyRequests, "too_soon", 5, "code 5", "interval has not elapsed"},
		{"too much", http.StatusUnprocessableEntity, "too_much", 6, "code 6", "per-batch cap"},
		{"not found", http.StatusNotFound, "not_found", 3, "code 3", "no wallet policy"},
		{"not allowed", http.StatusForbidden, "not_allowed", 4, "code 4", "protected asset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/v1/policy/evaluate", func(w http.ResponseWriter, r *http.Request) {
				policyError(w, tt.status, tt.slug, tt.code, "denied")
			})
			h, cleanup := newTestSetup(mux)
			defer cleanup()

			result, err := h.HandleAuthorizeSpend(context.Background(), makeRequest(map[string]any{
				"signer": testSigner.Key(),
				"asset":  string(testAsset),
				"to":     string(testPayee),
				"amount": "5000000",
			}))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			text := resultText(t, result)
			assert.Contains(t, text, tt.wantCode)
			assert.Contains(t, text, tt.wantHint)
		})
	}
}

func TestHandleAuthorizeSpend_ServerFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/policy/evaluate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleAuthorizeSpend(context.Background(), makeRequest(map[string]any{
		"signer": testSigner.Key(),
		"asset":  string(testAsset),
		"to":     string(testPayee),
		"amount": "5",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Authorization failed")
}

func TestHandleAuthorizeSpend_Validation(t *testing.T) {
	var calls atomic.Int32
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer cleanup()

	valid := func() map[string]any {
		return map[string]any{
			"signer": testSigner.Key(),
			"asset":  string(testAsset),
			"to":     string(testPayee),
			"amount": "5",
		}
	}

	tests := []struct {
		name  string
		field string
		value any
	}{
		{"missing signer", "signer", ""},
		{"bad asset", "asset", "not-an-address"},
		{"missing to", "to", ""},
		{"negative amount", "amount", "-1"},
		{"decimal amount", "amount", "1.5"},
		{"bad source", "source", "GXYZ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := valid()
			args[tt.field] = tt.value
			result, err := h.HandleAuthorizeSpend(context.Background(), makeRequest(args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.field)
		})
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestHandleAuthorizeSpend_NoWalletConfigured(t *testing.T) {
	h := NewHandlers(apiclient.New(apiclient.Config{BaseURL: "http://127.0.0.1:1"}), "")
	result, err := h.HandleAuthorizeSpend(context.Background(), makeRequest(map[string]any{
		"signer": testSigner.Key(),
		"asset":  string(testAsset),
		"to":     string(testPayee),
		"amount": "5",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "source")
}

// ============================================================
// Server
// ============================================================

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", Wallet: testWallet})
	require.NotNil(t, s)

	names := map[string]bool{}
	for _, st := range tools(NewHandlers(apiclient.New(apiclient.Config{}), "")) {
		assert.NotEmpty(t, st.Tool.Description, st.Tool.Name)
		assert.NotNil(t, st.Handler, st.Tool.Name)
		names[st.Tool.Name] = true
	}
	for _, name := range []string{"get_policy_info", "get_admin", "get_wallet_policy", "list_wallets", "get_usage", "authorize_spend"} {
		assert.True(t, names[name], "tool %s not registered", name)
	}
	assert.Contains(t, ToolAuthorizeSpend.InputSchema.Required, "amount")
}

// ============================================================
// Handler: list_wallets
// ============================================================

func TestHandleListWallets(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/wallets", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]any{
			"wallets": []any{map[string]any{
				"signer":         map[string]any{"type": "ed25519", "value": identity.Value(testSigner)},
				"protectedAsset": testAsset,
				"interval":       0,
				"amountCap":      "42",
				"createdAt":      time.Unix(1_700_000_000, 0).UTC(),
				"updatedAt":      time.Unix(1_700_000_000, 0).UTC(),
			}},
			"count":      1,
			"nextCursor": "abc",
			"hasMore":    true,
		})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListWallets(context.Background(), makeRequest(map[string]any{
		"asset": string(testAsset),
		"limit": 1,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	text := resultText(t, result)
	assert.Contains(t, text, "1 wallet policies")
	assert.Contains(t, text, "Interval: none")
	assert.Contains(t, text, "cursor: abc")
	assert.Contains(t, gotQuery, "limit=1")
	assert.Contains(t, gotQuery, "asset="+string(testAsset))
}

func TestHandleListWallets_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/wallets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"wallets": []any{}, "count": 0, "nextCursor": "", "hasMore": false})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListWallets(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No wallet policies found.", resultText(t, result))
}

func TestHandleListWallets_InvalidAsset(t *testing.T) {
	h := NewHandlers(apiclient.New(apiclient.Config{BaseURL: "http://127.0.0.1:1"}), "")
	result, err := h.HandleListWallets(context.Background(), makeRequest(map[string]any{"asset": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "asset")
}
