// Package auth authenticates lifecycle callers.
//
// A caller proves control of its G... account by signing
//
//	zafegard|METHOD|REQUEST_URI|UNIX_TIMESTAMP|hex(sha256(body))
//
// with the account's ed25519 key and sending the account, the timestamp and
// the hex signature in the X-Zafegard-Caller, X-Zafegard-Timestamp and
// X-Zafegard-Signature headers.
package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/zafegard/zafegard/internal/identity"
)

const (
	HeaderCaller    = "X-Zafegard-Caller"
	HeaderTimestamp = "X-Zafegard-Timestamp"
	HeaderSignature = "X-Zafegard-Signature"
)

// DefaultMaxAge is the default freshness window of a signed request.
const DefaultMaxAge = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("auth: missing signature headers")
	ErrInvalidCaller    = errors.New("auth: caller is not an account address")
	ErrStaleRequest     = errors.New("auth: timestamp outside freshness window")
	ErrBadSignature     = errors.New("auth: signature does not verify")
	ErrReplayed         = errors.New("auth: signature already used")
)

// SigningMessage builds the bytes a caller signs.
func SigningMessage(method, requestURI string, timestamp int64, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(fmt.Sprintf("zafegard|%s|%s|%d|%s", method, requestURI, timestamp, hex.EncodeToString(sum[:])))
}

// SignRequest sets the auth headers on req for the account behind priv.
// body must be the exact bytes sent as the request body.
func SignRequest(req *http.Request, priv ed25519.PrivateKey, body []byte, now time.Time) error {
	caller, err := identity.AccountFromPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return err
	}
	ts := now.Unix()
	sig := ed25519.Sign(priv, SigningMessage(req.Method, req.URL.RequestURI(), ts, body))

	req.Header.Set(HeaderCaller, caller.String())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return nil
}

// Verifier checks signed requests and remembers signatures for the length
// of the freshness window so a captured request cannot be replayed.
type Verifier struct {
	maxAge time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // signature hex -> expiry
}

// NewVerifier creates a verifier accepting timestamps within maxAge of now.
func NewVerifier(maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Verifier{
		maxAge: maxAge,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Verify authenticates one request and returns the caller address.
func (v *Verifier) Verify(method, requestURI, caller, timestamp, signature string, body []byte) (identity.Address, error) {
	if caller == "" || timestamp == "" || signature == "" {
		return "", ErrMissingSignature
	}

	addr, err := identity.ParseAddress(caller)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCaller, err)
	}
	pub, err := addr.PublicKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCaller, err)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad timestamp", ErrStaleRequest)
	}
	now := v.now()
	signedAt := time.Unix(ts, 0)
	if signedAt.Before(now.Add(-v.maxAge)) || signedAt.After(now.Add(v.maxAge)) {
		return "", ErrStaleRequest
	}

	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "", ErrBadSignature
	}
	if !ed25519.Verify(pub, SigningMessage(method, requestURI, ts, body), sig) {
		return "", ErrBadSignature
	}

	// Keyed on the decoded bytes: hex case variants are the same signature.
	if !v.remember(hex.EncodeToString(sig), signedAt.Add(v.maxAge), now) {
		return "", ErrReplayed
	}
	return addr, nil
}

// remember records sig until expiry. It returns false if sig was already
// recorded and has not expired.
func (v *Verifier) remember(sig string, expiry, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for s, exp := range v.seen {
		if now.After(exp) {
			delete(v.seen, s)
		}
	}
	if _, dup := v.seen[sig]; dup {
		return false
	}
	v.seen[sig] = expiry
	return true
}
