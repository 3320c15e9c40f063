package policy

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zafegard/zafegard/internal/circuitbreaker"
	"github.com/zafegard/zafegard/internal/identity"
)

func TestSignerGrant_JSON(t *testing.T) {
	policyAddr := testAddr(identity.ContractAddress, 9)
	grant := SignerGrant{Signer: edKey(0xab), ProtectedAsset: assetZ, Policy: policyAddr}

	data, err := json.Marshal(grant)
	require.NoError(t, err)

	var got struct {
		Signer     map[string]string              `json:"signer"`
		Expiration *uint32                        `json:"expiration"`
		Limits     map[string][]map[string]string `json:"limits"`
		Storage    string                         `json:"storage"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Ed25519", got.Signer["type"])
	assert.Nil(t, got.Expiration)
	assert.Equal(t, "persistent", got.Storage)
	require.Len(t, got.Limits[string(assetZ)], 1)
	assert.Equal(t, "Policy", got.Limits[string(assetZ)][0]["type"])
	assert.Equal(t, string(policyAddr), got.Limits[string(assetZ)][0]["value"])
}

func TestHTTPRegistrar_SignsAndPosts(t *testing.T) {
	const secret = "hook-secret"
	var gotPath, gotEvent, gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotEvent = r.Header.Get("X-Zafegard-Event")
		gotSig = r.Header.Get("X-Zafegard-Hook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reg := NewHTTPRegistrar(srv.URL, secret)
	require.NoError(t, reg.RemoveSigner(context.Background(), edKey(1)))

	assert.Equal(t, "/signers/remove", gotPath)
	assert.Equal(t, "signer_removed", gotEvent)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestHTTPRegistrar_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewHTTPRegistrar(srv.URL, "").WithRetry(4, time.Millisecond)
	err := reg.AddSigner(context.Background(), SignerGrant{Signer: edKey(1), ProtectedAsset: assetZ})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPRegistrar_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	reg := NewHTTPRegistrar(srv.URL, "").WithRetry(4, time.Millisecond)
	err := reg.AddSigner(context.Background(), SignerGrant{Signer: edKey(1), ProtectedAsset: assetZ})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPRegistrar_BreakerOpensOnOutage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := NewHTTPRegistrar(srv.URL, "").
		WithRetry(1, time.Millisecond).
		WithBreaker(circuitbreaker.New(circuitbreaker.Settings{Name: "test", Threshold: 2, Cooldown: time.Hour}))
	grant := SignerGrant{Signer: edKey(1), ProtectedAsset: assetZ}

	require.Error(t, reg.AddSigner(context.Background(), grant))
	require.Error(t, reg.AddSigner(context.Background(), grant))

	err := reg.RemoveSigner(context.Background(), edKey(1))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load(), "open circuit skips the endpoint")
}

func TestHTTPRegistrar_ClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(circuitbreaker.Settings{Name: "test", Threshold: 1, Cooldown: time.Hour})
	reg := NewHTTPRegistrar(srv.URL, "").WithRetry(3, time.Millisecond).WithBreaker(breaker)

	for i := 0; i < 3; i++ {
		err := reg.AddSigner(context.Background(), SignerGrant{Signer: edKey(1), ProtectedAsset: assetZ})
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}
