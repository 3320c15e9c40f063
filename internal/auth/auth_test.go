package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/zafegard/zafegard/internal/identity"
)

func newKey(t *testing.T) (ed25519.PrivateKey, identity.Address) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr, err := identity.AccountFromPublicKey(pub)
	if err != nil {
		t.Fatalf("account address: %v", err)
	}
	return priv, addr
}

func fixedVerifier(now time.Time) *Verifier {
	v := NewVerifier(5 * time.Minute)
	v.now = func() time.Time { return now }
	return v
}

func TestVerify_ValidSignature(t *testing.T) {
	priv, addr := newKey(t)
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"interval":60}`)

	req := httptest.NewRequest("POST", "/v1/wallets?x=1", nil)
	if err := SignRequest(req, priv, body, now); err != nil {
		t.Fatalf("SignRequest: %v", err)
	}

	got, err := fixedVerifier(now).Verify("POST", "/v1/wallets?x=1",
		req.Header.Get(HeaderCaller), req.Header.Get(HeaderTimestamp), req.Header.Get(HeaderSignature), body)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != addr {
		t.Errorf("caller = %s, want %s", got, addr)
	}
}

func TestVerify_Rejections(t *testing.T) {
	priv, addr := newKey(t)
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := hex.EncodeToString(ed25519.Sign(priv, SigningMessage("DELETE", "/v1/wallets/x", now.Unix(), body)))
	contract := identity.EncodeAddress(identity.ContractAddress, [32]byte{1})
	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)

	tests := []struct {
		name      string
		method    string
		caller    string
		timestamp string
		signature string
		body      []byte
		want      error
	}{
		{"missing headers", "DELETE", "", ts, sig, body, ErrMissingSignature},
		{"contract caller", "DELETE", contract.String(), ts, sig, body, ErrInvalidCaller},
		{"garbage caller", "DELETE", "GXYZ", ts, sig, body, ErrInvalidCaller},
		{"stale timestamp", "DELETE", addr.String(), stale, sig, body, ErrStaleRequest},
		{"bad timestamp", "DELETE", addr.String(), "soon", sig, body, ErrStaleRequest},
		{"tampered body", "DELETE", addr.String(), ts, sig, []byte(`{"a":1}`), ErrBadSignature},
		{"other method", "POST", addr.String(), ts, sig, body, ErrBadSignature},
		{"short signature", "DELETE", addr.String(), ts, "abcd", body, ErrBadSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fixedVerifier(now).Verify(tt.method, "/v1/wallets/x", tt.caller, tt.timestamp, tt.signature, tt.body)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerify_WrongKey(t *testing.T) {
	priv, _ := newKey(t)
	_, other := newKey(t)
	now := time.Unix(1_700_000_000, 0)

	sig := hex.EncodeToString(ed25519.Sign(priv, SigningMessage("POST", "/v1/init", now.Unix(), nil)))
	_, err := fixedVerifier(now).Verify("POST", "/v1/init", other.String(), strconv.FormatInt(now.Unix(), 10), sig, nil)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerify_ReplayRejected(t *testing.T) {
	priv, _ := newKey(t)
	now := time.Unix(1_700_000_000, 0)
	v := fixedVerifier(now)

	req := httptest.NewRequest("POST", "/v1/admin/rotate", nil)
	if err := SignRequest(req, priv, nil, now); err != nil {
		t.Fatal(err)
	}
	verify := func() error {
		_, err := v.Verify("POST", "/v1/admin/rotate",
			req.Header.Get(HeaderCaller), req.Header.Get(HeaderTimestamp), req.Header.Get(HeaderSignature), nil)
		return err
	}

	if err := verify(); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := verify(); !errors.Is(err, ErrReplayed) {
		t.Fatalf("second use: expected ErrReplayed, got %v", err)
	}

	// Re-encoding the same signature must not yield a fresh cache entry.
	sig := req.Header.Get(HeaderSignature)
	for _, variant := range []string{strings.ToUpper(sig), strings.ToUpper(sig[:1]) + sig[1:]} {
		_, err := v.Verify("POST", "/v1/admin/rotate",
			req.Header.Get(HeaderCaller), req.Header.Get(HeaderTimestamp), variant, nil)
		if !errors.Is(err, ErrReplayed) {
			t.Errorf("case variant %q: expected ErrReplayed, got %v", variant, err)
		}
	}
}

func TestSigningMessage_Format(t *testing.T) {
	msg := string(SigningMessage("PATCH", "/v1/wallets/abc", 42, []byte("")))
	want := "zafegard|PATCH|/v1/wallets/abc|42|e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if msg != want {
		t.Errorf("SigningMessage = %s\nwant %s", msg, want)
	}
	if !strings.HasPrefix(msg, "zafegard|") {
		t.Error("message must be domain separated")
	}
}
