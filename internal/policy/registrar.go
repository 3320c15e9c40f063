package policy

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/zafegard/zafegard/internal/circuitbreaker"
	"github.com/zafegard/zafegard/internal/identity"
	"github.com/zafegard/zafegard/internal/logging"
	"github.com/zafegard/zafegard/internal/metrics"
	"github.com/zafegard/zafegard/internal/retry"
)

// SignerRegistrar is the smart wallet side of registration: every added
// wallet is installed as a signer limited by this policy, and every removed
// wallet is uninstalled. Implementations must be idempotent because a store
// transaction may be retried.
type SignerRegistrar interface {
	AddSigner(ctx context.Context, grant SignerGrant) error
	RemoveSigner(ctx context.Context, signer identity.SignerKey) error
}

// SignerGrant describes the signer the wallet should install: no
// expiration, persistent storage, and limits that route every call against
// the protected asset through the policy.
type SignerGrant struct {
	Signer         identity.SignerKey
	ProtectedAsset identity.Address
	Policy         identity.Address
}

type signerGrantJSON struct {
	Signer     identity.WireKey                        `json:"signer"`
	Expiration *uint32                                 `json:"expiration"`
	Limits     map[identity.Address][]identity.WireKey `json:"limits"`
	Storage    string                                  `json:"storage"`
}

func (g SignerGrant) MarshalJSON() ([]byte, error) {
	limits := map[identity.Address][]identity.WireKey{
		g.ProtectedAsset: {},
	}
	if !g.Policy.IsZero() {
		limits[g.ProtectedAsset] = []identity.WireKey{{SignerKey: identity.PolicyKey{Policy: g.Policy}}}
	}
	return json.Marshal(signerGrantJSON{
		Signer:  identity.WireKey{SignerKey: g.Signer},
		Limits:  limits,
		Storage: "persistent",
	})
}

// NopRegistrar accepts every notification.
type NopRegistrar struct{}

func (NopRegistrar) AddSigner(context.Context, SignerGrant) error           { return nil }
func (NopRegistrar) RemoveSigner(context.Context, identity.SignerKey) error { return nil }

// HTTPRegistrar posts signer changes to a wallet hook endpoint.
//
//	POST {url}/signers          body: SignerGrant
//	POST {url}/signers/remove   body: {"signer": {...}}
//
// When a secret is configured the body is signed with HMAC-SHA256 in
// X-Zafegard-Hook-Signature.
type HTTPRegistrar struct {
	url      string
	secret   string
	client   *http.Client
	attempts int
	delay    time.Duration
	breaker  *circuitbreaker.Breaker
}

// NewHTTPRegistrar creates a registrar posting to baseURL.
func NewHTTPRegistrar(baseURL, secret string) *HTTPRegistrar {
	return &HTTPRegistrar{
		url:      baseURL,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 4,
		delay:    250 * time.Millisecond,
	}
}

// WithRetry overrides the retry schedule.
func (r *HTTPRegistrar) WithRetry(attempts int, baseDelay time.Duration) *HTTPRegistrar {
	r.attempts = attempts
	r.delay = baseDelay
	return r
}

// WithBreaker fails calls fast while the hook endpoint keeps failing.
// Client errors do not count against the endpoint.
func (r *HTTPRegistrar) WithBreaker(b *circuitbreaker.Breaker) *HTTPRegistrar {
	r.breaker = b
	return r
}

func (r *HTTPRegistrar) AddSigner(ctx context.Context, grant SignerGrant) error {
	return r.post(ctx, "/signers", "signer_added", grant)
}

func (r *HTTPRegistrar) RemoveSigner(ctx context.Context, signer identity.SignerKey) error {
	return r.post(ctx, "/signers/remove", "signer_removed", map[string]identity.WireKey{
		"signer": {SignerKey: signer},
	})
}

func (r *HTTPRegistrar) post(ctx context.Context, path, event string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("registrar: marshal %s: %w", event, err)
	}

	deliver := func() error {
		b := retry.Backoff{
			Attempts:  r.attempts,
			BaseDelay: r.delay,
			MaxDelay:  5 * time.Second,
			OnRetry: func(attempt int, err error) {
				logging.L(ctx).Warn("registrar call failed, retrying", "event", event, "attempt", attempt, "error", err)
			},
		}
		return b.Do(ctx, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+path, bytes.NewReader(payload))
			if err != nil {
				return retry.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Zafegard-Event", event)
			req.Header.Set("X-Zafegard-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
			if r.secret != "" {
				req.Header.Set("X-Zafegard-Hook-Signature", signHook(payload, r.secret))
			}

			resp, err := r.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return nil
			case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
				return retry.Permanent(circuitbreaker.Neutral(fmt.Errorf("status %d", resp.StatusCode)))
			default:
				return fmt.Errorf("status %d", resp.StatusCode)
			}
		})
	}

	if r.breaker != nil {
		err = r.breaker.Do(deliver)
	} else {
		err = deliver()
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		metrics.RegistrarCallsTotal.WithLabelValues(event, "short_circuited").Inc()
		return fmt.Errorf("registrar: %s: %w", event, err)
	}
	if err != nil {
		metrics.RegistrarCallsTotal.WithLabelValues(event, "failed").Inc()
		return fmt.Errorf("registrar: %s: %w", event, err)
	}
	metrics.RegistrarCallsTotal.WithLabelValues(event, "delivered").Inc()
	return nil
}

func signHook(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

var (
	_ SignerRegistrar = NopRegistrar{}
	_ SignerRegistrar = (*HTTPRegistrar)(nil)
)
