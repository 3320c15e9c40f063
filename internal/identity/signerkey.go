package identity

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SignerKind names a SignerKey variant. The names match the wallet
// interface's SignerKey enum.
type SignerKind string

const (
	KindPolicy    SignerKind = "Policy"
	KindEd25519   SignerKind = "Ed25519"
	KindSecp256r1 SignerKind = "Secp256r1"
)

// MaxSecp256r1IDLen bounds the opaque credential reference.
const MaxSecp256r1IDLen = 1024

var ErrInvalidSignerKey = errors.New("identity: invalid signer key")

// SignerKey identifies a wallet signer. It is a closed sum type: the only
// implementations are PolicyKey, Ed25519Key and Secp256r1Key.
type SignerKey interface {
	Kind() SignerKind
	// Key is the canonical, content-addressed storage key.
	Key() string
	isSignerKey()
}

// PolicyKey is a signer whose authority is another policy contract.
type PolicyKey struct {
	Policy Address
}

// Ed25519Key is a classic ed25519 public key.
type Ed25519Key struct {
	PublicKey [32]byte
}

// Secp256r1Key is an opaque reference to passkey-backed key material, e.g. a
// WebAuthn credential ID registered with the wallet factory.
type Secp256r1Key struct {
	ID []byte
}

func (PolicyKey) Kind() SignerKind    { return KindPolicy }
func (Ed25519Key) Kind() SignerKind   { return KindEd25519 }
func (Secp256r1Key) Kind() SignerKind { return KindSecp256r1 }

func (k PolicyKey) Key() string    { return "policy:" + string(k.Policy) }
func (k Ed25519Key) Key() string   { return "ed25519:" + hex.EncodeToString(k.PublicKey[:]) }
func (k Secp256r1Key) Key() string { return "secp256r1:" + hex.EncodeToString(k.ID) }

func (PolicyKey) isSignerKey()    {}
func (Ed25519Key) isSignerKey()   {}
func (Secp256r1Key) isSignerKey() {}

// Equal compares two signer keys structurally. Nil keys are never equal.
func Equal(a, b SignerKey) bool {
	if a == nil || b == nil {
		return false
	}
	switch x := a.(type) {
	case PolicyKey:
		y, ok := b.(PolicyKey)
		return ok && x.Policy == y.Policy
	case Ed25519Key:
		y, ok := b.(Ed25519Key)
		return ok && x.PublicKey == y.PublicKey
	case Secp256r1Key:
		y, ok := b.(Secp256r1Key)
		return ok && bytes.Equal(x.ID, y.ID)
	}
	return false
}

// Value returns the variant payload in its wire form: the address for
// Policy, lowercase hex for the byte variants.
func Value(k SignerKey) string {
	switch x := k.(type) {
	case PolicyKey:
		return string(x.Policy)
	case Ed25519Key:
		return hex.EncodeToString(x.PublicKey[:])
	case Secp256r1Key:
		return hex.EncodeToString(x.ID)
	}
	return ""
}

// NewSignerKey builds a key from its kind and wire value.
func NewSignerKey(kind SignerKind, value string) (SignerKey, error) {
	switch kind {
	case KindPolicy:
		addr, err := ParseAddress(value)
		if err != nil {
			return nil, fmt.Errorf("%w: policy: %v", ErrInvalidSignerKey, err)
		}
		return PolicyKey{Policy: addr}, nil
	case KindEd25519:
		raw, err := hex.DecodeString(strings.TrimPrefix(value, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: ed25519: %v", ErrInvalidSignerKey, err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("%w: ed25519 key must be 32 bytes, got %d", ErrInvalidSignerKey, len(raw))
		}
		var k Ed25519Key
		copy(k.PublicKey[:], raw)
		return k, nil
	case KindSecp256r1:
		raw, err := hex.DecodeString(strings.TrimPrefix(value, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: secp256r1: %v", ErrInvalidSignerKey, err)
		}
		if len(raw) == 0 || len(raw) > MaxSecp256r1IDLen {
			return nil, fmt.Errorf("%w: secp256r1 id must be 1-%d bytes", ErrInvalidSignerKey, MaxSecp256r1IDLen)
		}
		return Secp256r1Key{ID: raw}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSignerKey, kind)
	}
}

// ParseSignerKey parses the canonical form produced by SignerKey.Key, e.g.
// "ed25519:ab12..." or "policy:C...".
func ParseSignerKey(s string) (SignerKey, error) {
	prefix, value, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("%w: missing kind prefix", ErrInvalidSignerKey)
	}
	switch strings.ToLower(prefix) {
	case "policy":
		return NewSignerKey(KindPolicy, value)
	case "ed25519":
		return NewSignerKey(KindEd25519, value)
	case "secp256r1":
		return NewSignerKey(KindSecp256r1, value)
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSignerKey, prefix)
}

// WireKey carries a SignerKey through JSON as {"type": "...", "value": "..."}.
type WireKey struct {
	SignerKey
}

type wireKeyJSON struct {
	Type  SignerKind `json:"type"`
	Value string     `json:"value"`
}

func (w WireKey) MarshalJSON() ([]byte, error) {
	if w.SignerKey == nil {
		return []byte("null"), nil
	}
	return json.Marshal(wireKeyJSON{Type: w.Kind(), Value: Value(w.SignerKey)})
}

func (w *WireKey) UnmarshalJSON(data []byte) error {
	var raw wireKeyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignerKey, err)
	}
	k, err := NewSignerKey(raw.Type, raw.Value)
	if err != nil {
		return err
	}
	w.SignerKey = k
	return nil
}
