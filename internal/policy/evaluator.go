package policy

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zafegard/zafegard/internal/amount"
	"github.com/zafegard/zafegard/internal/identity"
	"github.com/zafegard/zafegard/internal/logging"
	"github.com/zafegard/zafegard/internal/traces"
)

// Evaluate is the authorization hook (policy__). It decides whether signer
// may authorize source's execution of contexts and, on success, records the
// batch in the signer's usage record in the same transaction.
//
// Rules, in order: the signer must have a wallet policy (NotFound); every
// context must be a recognized spend of the protected asset (NotAllowed);
// the interval since the last granted batch must have elapsed (TooSoon);
// the batch total must not exceed the cap (TooMuch).
func (c *Contract) Evaluate(ctx context.Context, source identity.Address, signer identity.SignerKey, contexts []InvocationContext) (*UsageRecord, error) {
	ctx, span := traces.StartSpan(ctx, "policy.Evaluate",
		attribute.String("source", source.String()),
		signerAttr(signer),
		attribute.Int("contexts", len(contexts)),
	)
	defer span.End()
	done := observeEvaluate()

	usage, err := c.evaluate(ctx, signer, contexts)
	done(err)

	log := logging.L(ctx)
	switch pe, isPolicy := asPolicyError(err); {
	case err == nil:
		log.Info("authorization granted",
			"signer", signer.Key(),
			"source", source,
			"amount", amount.String(usage.AmountUsedInWindow),
		)
		c.events.PublishPolicyEvent(EventAuthorizationGranted, map[string]interface{}{
			"signer":       signer.Key(),
			"source":       source.String(),
			"amount":       amount.String(usage.AmountUsedInWindow),
			"authorizedAt": usage.LastAuthorizedAt,
		})
	case isPolicy:
		traces.Reject(span, pe.Code, pe.Name)
		key := ""
		if signer != nil {
			key = signer.Key()
		}
		log.Info("authorization denied", "signer", key, "source", source, "code", pe.Code, "reason", pe.Message)
		c.events.PublishPolicyEvent(EventAuthorizationDenied, map[string]interface{}{
			"signer": key,
			"source": source.String(),
			"code":   pe.Code,
			"error":  pe.Slug(),
			"reason": pe.Message,
		})
	default:
		traces.Fail(span, err, "evaluate failed")
		log.Error("authorization failed", "error", err)
	}
	return usage, err
}

func (c *Contract) evaluate(ctx context.Context, signer identity.SignerKey, contexts []InvocationContext) (*UsageRecord, error) {
	if signer == nil {
		return nil, ErrNotFound.withMessage("signer is required")
	}

	// Decisions for one signer run one at a time in this process; the store
	// transaction covers concurrent processes.
	unlock, err := c.locks.Lock(ctx, signer.Key())
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := unixSeconds(c.clock.Now())
	var usage *UsageRecord
	err = c.store.Tx(ctx, func(tx Tx) error {
		p, err := tx.GetWallet(ctx, signer)
		if errors.Is(err, ErrNoRecord) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read wallet: %w", err)
		}

		requested, err := requestedAmount(contexts, p.ProtectedAsset)
		if err != nil {
			return err
		}

		prev, err := tx.GetUsage(ctx, signer)
		switch {
		case errors.Is(err, ErrNoRecord):
			prev = nil
		case err != nil:
			return fmt.Errorf("failed to read usage: %w", err)
		}

		if err := checkLimits(p, prev, requested, now); err != nil {
			return err
		}

		usage = &UsageRecord{
			Signer:             signer,
			LastAuthorizedAt:   now,
			AmountUsedInWindow: requested,
		}
		return tx.PutUsage(ctx, usage)
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// requestedAmount sums the spends of a batch. The whole batch is rejected if
// any context is not a spend of the protected asset.
func requestedAmount(contexts []InvocationContext, protected identity.Address) (*big.Int, error) {
	if len(contexts) == 0 {
		return nil, ErrNotAllowed.withMessage("empty batch")
	}
	total := new(big.Int)
	for i, c := range contexts {
		amt, err := spendOf(i, c, protected)
		if err != nil {
			return nil, err
		}
		total.Add(total, amt)
	}
	return total, nil
}

// checkLimits applies the interval and the cap. A signer with no usage
// record has never been throttled. A clock reading before the last
// authorization counts as no time elapsed. Once the interval has elapsed
// the window resets: the cap bounds the requested batch alone.
func checkLimits(p *WalletPolicy, prev *UsageRecord, requested *big.Int, now uint64) error {
	if prev != nil {
		var elapsed uint64
		if now > prev.LastAuthorizedAt {
			elapsed = now - prev.LastAuthorizedAt
		}
		if elapsed < uint64(p.Interval) {
			return ErrTooSoon.withMessage("%ds of %ds interval elapsed", elapsed, p.Interval)
		}
	}
	if requested.Cmp(p.AmountCap) > 0 {
		return ErrTooMuch.withMessage("requested %s exceeds cap %s", requested, p.AmountCap)
	}
	return nil
}
