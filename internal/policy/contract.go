package policy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zafegard/zafegard/internal/amount"
	"github.com/zafegard/zafegard/internal/identity"
	"github.com/zafegard/zafegard/internal/logging"
	"github.com/zafegard/zafegard/internal/syncutil"
	"github.com/zafegard/zafegard/internal/traces"
)

// Contract is the policy: admin store, signer registry, usage ledger and the
// authorization hook over one Store.
type Contract struct {
	store     Store
	clock     Clock
	registrar SignerRegistrar
	events    EventPublisher
	self      identity.Address
	locks     *syncutil.KeyedMutex
}

// Option configures a Contract.
type Option func(*Contract)

// WithClock sets the clock decisions are made against.
func WithClock(c Clock) Option {
	return func(ct *Contract) { ct.clock = c }
}

// WithRegistrar sets the smart wallet registrar notified on add and remove.
func WithRegistrar(r SignerRegistrar) Option {
	return func(ct *Contract) { ct.registrar = r }
}

// WithEventPublisher sets the sink for committed policy events.
func WithEventPublisher(p EventPublisher) Option {
	return func(ct *Contract) { ct.events = p }
}

// WithPolicyAddress sets this policy's own address, handed to the registrar
// as the limit on every installed signer.
func WithPolicyAddress(addr identity.Address) Option {
	return func(ct *Contract) { ct.self = addr }
}

// NewContract creates a policy over store.
func NewContract(store Store, opts ...Option) *Contract {
	c := &Contract{
		store:     store,
		clock:     SystemClock{},
		registrar: NopRegistrar{},
		events:    nopPublisher{},
		locks:     syncutil.NewKeyedMutex(syncutil.DefaultShards),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the underlying store.
func (c *Contract) Store() Store { return c.store }

// Init sets the first administrator.
func (c *Contract) Init(ctx context.Context, admin identity.Address) error {
	ctx, span := traces.StartSpan(ctx, "policy.Init", attribute.String("admin", admin.String()))
	defer span.End()

	if admin.Kind() == 0 {
		span.SetAttributes(attribute.Bool("zafegard.invalid_input", true))
		return ErrInvalidAdmin
	}

	err := c.store.Tx(ctx, func(tx Tx) error {
		_, err := tx.GetAdmin(ctx)
		if err == nil {
			return ErrAlreadyInitialized
		}
		if !errors.Is(err, ErrNoRecord) {
			return fmt.Errorf("failed to read admin: %w", err)
		}
		return tx.PutAdmin(ctx, &AdminRecord{Current: admin})
	})
	c.finishLifecycle(ctx, span, "init", err)
	if err != nil {
		return err
	}

	logging.L(ctx).Info("policy initialized", "admin", admin)
	c.events.PublishPolicyEvent(EventAdminInitialized, map[string]interface{}{
		"admin": admin.String(),
	})
	return nil
}

// RotateAdmin replaces the administrator, keeping the old one as Previous.
func (c *Contract) RotateAdmin(ctx context.Context, caller, newAdmin identity.Address) (*AdminRecord, error) {
	ctx, span := traces.StartSpan(ctx, "policy.RotateAdmin", traces.Caller(caller.String()))
	defer span.End()

	var rec *AdminRecord
	err := c.store.Tx(ctx, func(tx Tx) error {
		cur, err := requireAdmin(ctx, tx, caller)
		if err != nil {
			return err
		}
		if newAdmin.Kind() == 0 {
			return ErrNotAllowed.withMessage("new admin must be a valid address")
		}
		prev := cur.Current
		rec = &AdminRecord{Current: newAdmin, Previous: &prev}
		return tx.PutAdmin(ctx, rec)
	})
	c.finishLifecycle(ctx, span, "rotate_admin", err)
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("admin rotated", "previous", caller, "current", newAdmin)
	c.events.PublishPolicyEvent(EventAdminRotated, map[string]interface{}{
		"admin":    newAdmin.String(),
		"previous": caller.String(),
	})
	return rec, nil
}

// GetAdmin returns the admin record.
func (c *Contract) GetAdmin(ctx context.Context) (*AdminRecord, error) {
	var rec *AdminRecord
	err := c.store.Tx(ctx, func(tx Tx) error {
		r, err := tx.GetAdmin(ctx)
		if errors.Is(err, ErrNoRecord) {
			return ErrNotInitialized
		}
		if err != nil {
			return fmt.Errorf("failed to read admin: %w", err)
		}
		rec = r
		return nil
	})
	return rec, err
}

// AddWallet registers or re-registers a signer. The usage record of a
// previously registered signer is kept, so re-registration cannot be used
// to skip an interval.
func (c *Contract) AddWallet(ctx context.Context, caller identity.Address, user identity.SignerKey, asset identity.Address, interval uint32, amountCap *big.Int) (*WalletPolicy, error) {
	ctx, span := traces.StartSpan(ctx, "policy.AddWallet",
		traces.Caller(caller.String()),
		signerAttr(user),
		traces.Asset(asset.String()),
	)
	defer span.End()

	now := c.clock.Now().UTC()
	var (
		p     *WalletPolicy
		count int
	)
	err := c.store.Tx(ctx, func(tx Tx) error {
		if _, err := requireAdmin(ctx, tx, caller); err != nil {
			return err
		}
		if user == nil {
			return ErrNotAllowed.withMessage("signer is required")
		}
		if asset.Kind() == 0 {
			return ErrNotAllowed.withMessage("protected asset must be a valid address")
		}
		if err := validateCap(amountCap); err != nil {
			return err
		}

		created := now
		existing, err := tx.GetWallet(ctx, user)
		switch {
		case err == nil:
			created = existing.CreatedAt
		case !errors.Is(err, ErrNoRecord):
			return fmt.Errorf("failed to read wallet: %w", err)
		}

		p = &WalletPolicy{
			Signer:         user,
			ProtectedAsset: asset,
			Interval:       interval,
			AmountCap:      new(big.Int).Set(amountCap),
			CreatedAt:      created,
			UpdatedAt:      now,
		}
		if err := tx.PutWallet(ctx, p); err != nil {
			return err
		}
		if count, err = tx.CountWallets(ctx); err != nil {
			return err
		}
		grant := SignerGrant{Signer: user, ProtectedAsset: asset, Policy: c.self}
		if err := c.registrar.AddSigner(ctx, grant); err != nil {
			return fmt.Errorf("failed to register signer: %w", err)
		}
		return nil
	})
	c.finishLifecycle(ctx, span, "add_wallet", err)
	if err != nil {
		return nil, err
	}

	RegisteredWallets.Set(float64(count))
	logging.L(ctx).Info("wallet added",
		"signer", user.Key(),
		"asset", asset,
		"interval", interval,
		"amount_cap", amount.String(amountCap),
	)
	c.events.PublishPolicyEvent(EventWalletAdded, walletEventData(p))
	return p, nil
}

// RemoveWallet deletes a signer's wallet policy. Its usage record is kept.
func (c *Contract) RemoveWallet(ctx context.Context, caller identity.Address, user identity.SignerKey) error {
	ctx, span := traces.StartSpan(ctx, "policy.RemoveWallet",
		traces.Caller(caller.String()),
		signerAttr(user),
	)
	defer span.End()

	var count int
	err := c.store.Tx(ctx, func(tx Tx) error {
		if _, err := requireAdmin(ctx, tx, caller); err != nil {
			return err
		}
		if user == nil {
			return ErrNotFound
		}
		err := tx.DeleteWallet(ctx, user)
		if errors.Is(err, ErrNoRecord) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to delete wallet: %w", err)
		}
		if count, err = tx.CountWallets(ctx); err != nil {
			return err
		}
		if err := c.registrar.RemoveSigner(ctx, user); err != nil {
			return fmt.Errorf("failed to unregister signer: %w", err)
		}
		return nil
	})
	c.finishLifecycle(ctx, span, "remove_wallet", err)
	if err != nil {
		return err
	}

	RegisteredWallets.Set(float64(count))
	logging.L(ctx).Info("wallet removed", "signer", user.Key())
	c.events.PublishPolicyEvent(EventWalletRemoved, map[string]interface{}{
		"signer": user.Key(),
	})
	return nil
}

// UpdateWallet patches the interval and/or cap of a registered signer. The
// protected asset cannot change.
func (c *Contract) UpdateWallet(ctx context.Context, caller identity.Address, user identity.SignerKey, upd WalletUpdate) (*WalletPolicy, error) {
	ctx, span := traces.StartSpan(ctx, "policy.UpdateWallet",
		traces.Caller(caller.String()),
		signerAttr(user),
	)
	defer span.End()

	now := c.clock.Now().UTC()
	var p *WalletPolicy
	err := c.store.Tx(ctx, func(tx Tx) error {
		if _, err := requireAdmin(ctx, tx, caller); err != nil {
			return err
		}
		if user == nil {
			return ErrNotFound
		}
		existing, err := tx.GetWallet(ctx, user)
		if errors.Is(err, ErrNoRecord) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read wallet: %w", err)
		}

		if upd.Interval != nil {
			existing.Interval = *upd.Interval
		}
		if upd.AmountCap != nil {
			if err := validateCap(upd.AmountCap); err != nil {
				return err
			}
			existing.AmountCap = new(big.Int).Set(upd.AmountCap)
		}
		existing.UpdatedAt = now
		p = existing
		return tx.PutWallet(ctx, p)
	})
	c.finishLifecycle(ctx, span, "update_wallet", err)
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("wallet updated",
		"signer", user.Key(),
		"interval", p.Interval,
		"amount_cap", amount.String(p.AmountCap),
	)
	c.events.PublishPolicyEvent(EventWalletUpdated, walletEventData(p))
	return p, nil
}

// GetWallet returns the wallet policy of a signer.
func (c *Contract) GetWallet(ctx context.Context, user identity.SignerKey) (*WalletPolicy, error) {
	var p *WalletPolicy
	err := c.store.Tx(ctx, func(tx Tx) error {
		if user == nil {
			return ErrNotFound
		}
		w, err := tx.GetWallet(ctx, user)
		if errors.Is(err, ErrNoRecord) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read wallet: %w", err)
		}
		p = w
		return nil
	})
	return p, err
}

// ListWallets returns a page of the signer registry in signer key order.
func (c *Contract) ListWallets(ctx context.Context, f WalletFilter) ([]*WalletPolicy, error) {
	if f.Limit <= 0 {
		return nil, nil
	}
	var out []*WalletPolicy
	err := c.store.Tx(ctx, func(tx Tx) error {
		ws, err := tx.ListWallets(ctx, f)
		if err != nil {
			return fmt.Errorf("failed to list wallets: %w", err)
		}
		out = ws
		return nil
	})
	return out, err
}

// GetUsage returns the last authorization recorded for a signer, which may
// outlive its wallet policy.
func (c *Contract) GetUsage(ctx context.Context, user identity.SignerKey) (*UsageRecord, error) {
	var u *UsageRecord
	err := c.store.Tx(ctx, func(tx Tx) error {
		if user == nil {
			return ErrNotFound
		}
		rec, err := tx.GetUsage(ctx, user)
		if errors.Is(err, ErrNoRecord) {
			return ErrNotFound.withMessage("no usage recorded for signer")
		}
		if err != nil {
			return fmt.Errorf("failed to read usage: %w", err)
		}
		u = rec
		return nil
	})
	return u, err
}

// requireAdmin gates every lifecycle operation.
func requireAdmin(ctx context.Context, tx Tx, caller identity.Address) (*AdminRecord, error) {
	rec, err := tx.GetAdmin(ctx)
	if errors.Is(err, ErrNoRecord) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read admin: %w", err)
	}
	if caller.IsZero() || caller != rec.Current {
		return nil, ErrNotAllowed.withMessage("caller %s is not the admin", caller.Short())
	}
	return rec, nil
}

func (c *Contract) finishLifecycle(ctx context.Context, span trace.Span, op string, err error) {
	observeLifecycle(op, err)
	if err == nil {
		return
	}
	if pe, ok := asPolicyError(err); ok {
		traces.Reject(span, pe.Code, pe.Name)
		logging.L(ctx).Info("lifecycle operation rejected", "op", op, "code", pe.Code, "reason", pe.Message)
		return
	}
	traces.Fail(span, err, op+" failed")
	logging.L(ctx).Error("lifecycle operation failed", "op", op, "error", err)
}

func signerAttr(k identity.SignerKey) attribute.KeyValue {
	if k == nil {
		return traces.Signer("")
	}
	return traces.Signer(k.Key())
}

func walletEventData(p *WalletPolicy) map[string]interface{} {
	return map[string]interface{}{
		"signer":         p.Signer.Key(),
		"protectedAsset": p.ProtectedAsset.String(),
		"interval":       p.Interval,
		"amountCap":      amount.String(p.AmountCap),
		"updatedAt":      p.UpdatedAt.Format(time.RFC3339),
	}
}
