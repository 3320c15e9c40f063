// Package policy implements the signer spending policy of a smart wallet.
//
// An administrator registers signers with a protected asset, a minimum
// interval between authorizations and a per-batch amount cap. The wallet's
// authorization hook then asks Evaluate whether a signer may execute a batch
// of invocations; a granted batch is recorded in the signer's usage record
// in the same store transaction as the decision.
package policy

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/zafegard/zafegard/internal/amount"
	"github.com/zafegard/zafegard/internal/identity"
)

// WalletPolicy is the spending constraint registered for one signer.
type WalletPolicy struct {
	Signer         identity.SignerKey
	ProtectedAsset identity.Address
	Interval       uint32 // seconds
	AmountCap      *big.Int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UsageRecord is the last granted authorization for a signer. It survives
// remove_wallet and is never evidence of registration on its own.
type UsageRecord struct {
	Signer             identity.SignerKey
	LastAuthorizedAt   uint64 // unix seconds
	AmountUsedInWindow *big.Int
}

// AdminRecord holds the administrator and, after a rotation, the one it
// replaced.
type AdminRecord struct {
	Current  identity.Address  `json:"current"`
	Previous *identity.Address `json:"previous,omitempty"`
}

// WalletUpdate is a partial update; nil fields are left unchanged.
type WalletUpdate struct {
	Interval  *uint32
	AmountCap *big.Int
}

func (p *WalletPolicy) clone() *WalletPolicy {
	cp := *p
	cp.AmountCap = new(big.Int).Set(p.AmountCap)
	return &cp
}

func (u *UsageRecord) clone() *UsageRecord {
	cp := *u
	cp.AmountUsedInWindow = new(big.Int).Set(u.AmountUsedInWindow)
	return &cp
}

func (a *AdminRecord) clone() *AdminRecord {
	cp := *a
	if a.Previous != nil {
		prev := *a.Previous
		cp.Previous = &prev
	}
	return &cp
}

type walletPolicyJSON struct {
	Signer         identity.WireKey `json:"signer"`
	ProtectedAsset identity.Address `json:"protectedAsset"`
	Interval       uint32           `json:"interval"`
	AmountCap      string           `json:"amountCap"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// MarshalJSON renders amounts as decimal strings; i128 does not survive a
// float64 round trip.
func (p WalletPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(walletPolicyJSON{
		Signer:         identity.WireKey{SignerKey: p.Signer},
		ProtectedAsset: p.ProtectedAsset,
		Interval:       p.Interval,
		AmountCap:      amount.String(p.AmountCap),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	})
}

func (p *WalletPolicy) UnmarshalJSON(data []byte) error {
	var raw walletPolicyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	limit, ok := amount.Parse(raw.AmountCap)
	if !ok {
		return fmt.Errorf("policy: invalid amountCap %q", raw.AmountCap)
	}
	*p = WalletPolicy{
		Signer:         raw.Signer.SignerKey,
		ProtectedAsset: raw.ProtectedAsset,
		Interval:       raw.Interval,
		AmountCap:      limit,
		CreatedAt:      raw.CreatedAt,
		UpdatedAt:      raw.UpdatedAt,
	}
	return nil
}

type usageRecordJSON struct {
	Signer             identity.WireKey `json:"signer"`
	LastAuthorizedAt   uint64           `json:"lastAuthorizedAt"`
	AmountUsedInWindow string           `json:"amountUsedInWindow"`
}

func (u UsageRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(usageRecordJSON{
		Signer:             identity.WireKey{SignerKey: u.Signer},
		LastAuthorizedAt:   u.LastAuthorizedAt,
		AmountUsedInWindow: amount.String(u.AmountUsedInWindow),
	})
}

func (u *UsageRecord) UnmarshalJSON(data []byte) error {
	var raw usageRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	used, ok := amount.Parse(raw.AmountUsedInWindow)
	if !ok {
		return fmt.Errorf("policy: invalid amountUsedInWindow %q", raw.AmountUsedInWindow)
	}
	*u = UsageRecord{
		Signer:             raw.Signer.SignerKey,
		LastAuthorizedAt:   raw.LastAuthorizedAt,
		AmountUsedInWindow: used,
	}
	return nil
}

// validateCap rejects caps that are not a non-negative i128.
func validateCap(limit *big.Int) error {
	if limit == nil {
		return ErrNotAllowed.withMessage("amount cap is required")
	}
	if !amount.InRange(limit) {
		return ErrNotAllowed.withMessage("amount cap %s is out of i128 range", limit)
	}
	if limit.Sign() < 0 {
		return ErrNotAllowed.withMessage("amount cap %s is negative", limit)
	}
	return nil
}
