package policy

import (
	"context"
	"slices"
	"sync"

	"github.com/zafegard/zafegard/internal/identity"
)

// MemoryStore is an in-memory policy store for tests and demo mode.
// Transactions are serialized and their writes staged until fn returns nil.
type MemoryStore struct {
	mu      sync.Mutex
	admin   *AdminRecord
	wallets map[string]*WalletPolicy // by signer key
	usage   map[string]*UsageRecord  // by signer key
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*WalletPolicy),
		usage:   make(map[string]*UsageRecord),
	}
}

// Tx runs fn under the store-wide lock, so transactions never overlap. fn
// includes any registrar call made by a lifecycle operation; a slow hook
// therefore blocks every other operation. Use the Postgres store when a
// hook is configured outside tests and demos.
func (m *MemoryStore) Tx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		store:   m,
		wallets: make(map[string]*WalletPolicy),
		usage:   make(map[string]*UsageRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// memoryTx stages writes. A nil entry in wallets marks a staged delete.
type memoryTx struct {
	store   *MemoryStore
	admin   *AdminRecord
	wallets map[string]*WalletPolicy
	usage   map[string]*UsageRecord
}

func (t *memoryTx) commit() {
	if t.admin != nil {
		t.store.admin = t.admin
	}
	for k, p := range t.wallets {
		if p == nil {
			delete(t.store.wallets, k)
			continue
		}
		t.store.wallets[k] = p
	}
	for k, u := range t.usage {
		t.store.usage[k] = u
	}
}

func (t *memoryTx) GetAdmin(context.Context) (*AdminRecord, error) {
	rec := t.admin
	if rec == nil {
		rec = t.store.admin
	}
	if rec == nil {
		return nil, ErrNoRecord
	}
	return rec.clone(), nil
}

func (t *memoryTx) PutAdmin(_ context.Context, rec *AdminRecord) error {
	t.admin = rec.clone()
	return nil
}

func (t *memoryTx) GetWallet(_ context.Context, signer identity.SignerKey) (*WalletPolicy, error) {
	p, staged := t.wallets[signer.Key()]
	if !staged {
		p = t.store.wallets[signer.Key()]
	}
	if p == nil {
		return nil, ErrNoRecord
	}
	return p.clone(), nil
}

func (t *memoryTx) PutWallet(_ context.Context, p *WalletPolicy) error {
	t.wallets[p.Signer.Key()] = p.clone()
	return nil
}

func (t *memoryTx) DeleteWallet(ctx context.Context, signer identity.SignerKey) error {
	if _, err := t.GetWallet(ctx, signer); err != nil {
		return err
	}
	t.wallets[signer.Key()] = nil
	return nil
}

func (t *memoryTx) CountWallets(context.Context) (int, error) {
	n := len(t.store.wallets)
	for k, p := range t.wallets {
		_, existed := t.store.wallets[k]
		switch {
		case p == nil && existed:
			n--
		case p != nil && !existed:
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) ListWallets(ctx context.Context, f WalletFilter) ([]*WalletPolicy, error) {
	keys := make([]string, 0, len(t.store.wallets)+len(t.wallets))
	for k := range t.store.wallets {
		keys = append(keys, k)
	}
	for k := range t.wallets {
		if _, ok := t.store.wallets[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var out []*WalletPolicy
	for _, k := range keys {
		if len(out) >= f.Limit {
			break
		}
		if k <= f.After {
			continue
		}
		p, staged := t.wallets[k]
		if !staged {
			p = t.store.wallets[k]
		}
		if p == nil || (f.Asset != "" && p.ProtectedAsset != f.Asset) {
			continue
		}
		out = append(out, p.clone())
	}
	return out, nil
}

func (t *memoryTx) GetUsage(_ context.Context, signer identity.SignerKey) (*UsageRecord, error) {
	u, ok := t.usage[signer.Key()]
	if !ok {
		u, ok = t.store.usage[signer.Key()]
	}
	if !ok {
		return nil, ErrNoRecord
	}
	return u.clone(), nil
}

func (t *memoryTx) PutUsage(_ context.Context, u *UsageRecord) error {
	t.usage[u.Signer.Key()] = u.clone()
	return nil
}

var _ Store = (*MemoryStore)(nil)
