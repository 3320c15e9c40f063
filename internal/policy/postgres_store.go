package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/zafegard/zafegard/internal/amount"
	"github.com/zafegard/zafegard/internal/identity"
	"github.com/zafegard/zafegard/internal/retry"
	"github.com/zafegard/zafegard/migrations"
)

// serializationAttempts bounds retries of a transaction that lost a
// SERIALIZABLE conflict.
const serializationAttempts = 5

// PostgresStore persists policy state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Tx runs fn in a SERIALIZABLE transaction and retries it on serialization
// failures (SQLSTATE 40001). Any other error is returned as is.
func (p *PostgresStore) Tx(ctx context.Context, fn func(tx Tx) error) error {
	return retry.Do(ctx, serializationAttempts, 20*time.Millisecond, func() error {
		err := p.runTx(ctx, fn)
		if err == nil || isSerializationFailure(err) {
			return err
		}
		return retry.Permanent(err)
	})
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetAdmin(ctx context.Context) (*AdminRecord, error) {
	var current string
	var previous sql.NullString
	err := t.tx.QueryRowContext(ctx, `
		SELECT current_admin, previous_admin FROM policy_admin WHERE id = 1`,
	).Scan(&current, &previous)
	if err == sql.ErrNoRows {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, err
	}

	rec := &AdminRecord{Current: identity.Address(current)}
	if previous.Valid {
		prev := identity.Address(previous.String)
		rec.Previous = &prev
	}
	return rec, nil
}

func (t *postgresTx) PutAdmin(ctx context.Context, rec *AdminRecord) error {
	var previous sql.NullString
	if rec.Previous != nil {
		previous = sql.NullString{String: string(*rec.Previous), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO policy_admin (id, current_admin, previous_admin, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET
			current_admin  = EXCLUDED.current_admin,
			previous_admin = EXCLUDED.previous_admin,
			updated_at     = NOW()
	`, string(rec.Current), previous)
	if err != nil {
		return fmt.Errorf("failed to store admin: %w", err)
	}
	return nil
}

func (t *postgresTx) GetWallet(ctx context.Context, signer identity.SignerKey) (*WalletPolicy, error) {
	var (
		asset    string
		interval int64
		capText  string
		p        = &WalletPolicy{Signer: signer}
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT protected_asset, interval_seconds, amount_cap::TEXT, created_at, updated_at
		FROM wallet_policies WHERE signer_key = $1`, signer.Key(),
	).Scan(&asset, &interval, &capText, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, err
	}

	limit, ok := amount.Parse(capText)
	if !ok {
		return nil, fmt.Errorf("corrupt amount_cap for signer %s: %q", signer.Key(), capText)
	}
	p.ProtectedAsset = identity.Address(asset)
	p.Interval = uint32(interval) //nolint:gosec // CHECK constraint bounds interval_seconds to u32
	p.AmountCap = limit
	return p, nil
}

func (t *postgresTx) PutWallet(ctx context.Context, p *WalletPolicy) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallet_policies (signer_key, signer_kind, protected_asset, interval_seconds, amount_cap, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)
		ON CONFLICT (signer_key) DO UPDATE SET
			protected_asset  = EXCLUDED.protected_asset,
			interval_seconds = EXCLUDED.interval_seconds,
			amount_cap       = EXCLUDED.amount_cap,
			updated_at       = EXCLUDED.updated_at
	`, p.Signer.Key(), string(p.Signer.Kind()), string(p.ProtectedAsset),
		int64(p.Interval), amount.String(p.AmountCap), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store wallet policy: %w", err)
	}
	return nil
}

func (t *postgresTx) DeleteWallet(ctx context.Context, signer identity.SignerKey) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM wallet_policies WHERE signer_key = $1`, signer.Key())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNoRecord
	}
	return nil
}

func (t *postgresTx) CountWallets(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM wallet_policies`).Scan(&n)
	return n, err
}

func (t *postgresTx) ListWallets(ctx context.Context, f WalletFilter) ([]*WalletPolicy, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT signer_key, protected_asset, interval_seconds, amount_cap::TEXT, created_at, updated_at
		FROM wallet_policies
		WHERE signer_key COLLATE "C" > $1 AND ($2 = '' OR protected_asset = $2)
		ORDER BY signer_key COLLATE "C"
		LIMIT $3`, f.After, string(f.Asset), f.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WalletPolicy
	for rows.Next() {
		var (
			key, asset, capText string
			interval            int64
			p                   = &WalletPolicy{}
		)
		if err := rows.Scan(&key, &asset, &interval, &capText, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		signer, err := identity.ParseSignerKey(key)
		if err != nil {
			return nil, fmt.Errorf("corrupt signer_key %q: %w", key, err)
		}
		limit, ok := amount.Parse(capText)
		if !ok {
			return nil, fmt.Errorf("corrupt amount_cap for signer %s: %q", key, capText)
		}
		p.Signer = signer
		p.ProtectedAsset = identity.Address(asset)
		p.Interval = uint32(interval) //nolint:gosec // CHECK constraint bounds interval_seconds to u32
		p.AmountCap = limit
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *postgresTx) GetUsage(ctx context.Context, signer identity.SignerKey) (*UsageRecord, error) {
	var (
		last     int64
		usedText string
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT last_authorized_at, amount_used::TEXT
		FROM signer_usage WHERE signer_key = $1
		FOR UPDATE`, signer.Key(),
	).Scan(&last, &usedText)
	if err == sql.ErrNoRows {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, err
	}

	used, ok := amount.Parse(usedText)
	if !ok {
		return nil, fmt.Errorf("corrupt amount_used for signer %s: %q", signer.Key(), usedText)
	}
	return &UsageRecord{
		Signer:             signer,
		LastAuthorizedAt:   uint64(last), //nolint:gosec // CHECK constraint keeps last_authorized_at >= 0
		AmountUsedInWindow: used,
	}, nil
}

func (t *postgresTx) PutUsage(ctx context.Context, u *UsageRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO signer_usage (signer_key, last_authorized_at, amount_used, updated_at)
		VALUES ($1, $2, $3::NUMERIC, NOW())
		ON CONFLICT (signer_key) DO UPDATE SET
			last_authorized_at = EXCLUDED.last_authorized_at,
			amount_used        = EXCLUDED.amount_used,
			updated_at         = NOW()
	`, u.Signer.Key(), int64(u.LastAuthorizedAt), amount.String(u.AmountUsedInWindow)) //nolint:gosec // unix seconds fit in int64
	if err != nil {
		return fmt.Errorf("failed to store usage: %w", err)
	}
	return nil
}

// Migrate applies the embedded schema migrations. Production deployments
// run cmd/migrate instead.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	return migrations.Up(ctx, p.db)
}

var _ Store = (*PostgresStore)(nil)
