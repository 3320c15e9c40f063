package policy

import (
	"context"
	"errors"

	"github.com/zafegard/zafegard/internal/identity"
)

// ErrNoRecord is returned by Tx reads and deletes when the record is absent.
var ErrNoRecord = errors.New("policy: no record")

// Store persists the admin record, the signer registry and the usage ledger.
type Store interface {
	// Tx runs fn atomically. If fn returns an error none of its writes are
	// applied. fn may be invoked more than once when the backend retries a
	// serialization conflict.
	Tx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is the view of the store inside one transaction. Keys are the signer's
// canonical identity.SignerKey.Key form.
type Tx interface {
	GetAdmin(ctx context.Context) (*AdminRecord, error)
	PutAdmin(ctx context.Context, rec *AdminRecord) error

	GetWallet(ctx context.Context, signer identity.SignerKey) (*WalletPolicy, error)
	PutWallet(ctx context.Context, p *WalletPolicy) error
	DeleteWallet(ctx context.Context, signer identity.SignerKey) error
	CountWallets(ctx context.Context) (int, error)
	// ListWallets returns up to f.Limit policies with keys after f.After,
	// in ascending key order.
	ListWallets(ctx context.Context, f WalletFilter) ([]*WalletPolicy, error)

	GetUsage(ctx context.Context, signer identity.SignerKey) (*UsageRecord, error)
	PutUsage(ctx context.Context, u *UsageRecord) error
}

// WalletFilter selects a page of the signer registry.
type WalletFilter struct {
	Asset identity.Address // empty matches every asset
	After string           // signer key; empty starts at the beginning
	Limit int
}
