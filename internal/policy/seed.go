package policy

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zafegard/zafegard/internal/amount"
	"github.com/zafegard/zafegard/internal/identity"
	"github.com/zafegard/zafegard/internal/logging"
)

// Seed bootstraps a policy at startup:
//
//	admin: GABC...
//	wallets:
//	  - signer: "ed25519:3f1c..."
//	    protectedAsset: CDLZ...
//	    interval: 3600
//	    amountCap: "1000"
type Seed struct {
	Admin   identity.Address `yaml:"admin"`
	Wallets []SeedWallet     `yaml:"wallets"`
}

// SeedWallet is one wallet policy in a seed file. Signer uses the canonical
// key form; amountCap is a decimal i128 string.
type SeedWallet struct {
	Signer         string           `yaml:"signer"`
	ProtectedAsset identity.Address `yaml:"protectedAsset"`
	Interval       uint32           `yaml:"interval"`
	AmountCap      string           `yaml:"amountCap"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if s.Admin.IsZero() {
		return nil, errors.New("parse seed: admin is required")
	}
	for i, w := range s.Wallets {
		if _, err := identity.ParseSignerKey(w.Signer); err != nil {
			return nil, fmt.Errorf("parse seed: wallets[%d]: %w", i, err)
		}
		if _, ok := amount.Parse(w.AmountCap); !ok {
			return nil, fmt.Errorf("parse seed: wallets[%d]: amountCap %q is not an i128", i, w.AmountCap)
		}
	}
	return &s, nil
}

// ApplySeed bootstraps an uninitialized policy: it sets the admin and adds
// every seeded wallet through AddWallet, so seeding follows the same rules
// as the API. On an already initialized policy it does nothing; the stored
// state, including later updates, removals and admin rotations, wins.
func (c *Contract) ApplySeed(ctx context.Context, s *Seed) error {
	err := c.Init(ctx, s.Admin)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyInitialized):
		logging.L(ctx).Info("seed skipped, policy already initialized")
		return nil
	default:
		return fmt.Errorf("seed admin: %w", err)
	}

	for i, w := range s.Wallets {
		signer, err := identity.ParseSignerKey(w.Signer)
		if err != nil {
			return fmt.Errorf("seed wallets[%d]: %w", i, err)
		}
		limit, _ := amount.Parse(w.AmountCap)
		if _, err := c.AddWallet(ctx, s.Admin, signer, w.ProtectedAsset, w.Interval, limit); err != nil {
			return fmt.Errorf("seed wallets[%d]: %w", i, err)
		}
	}
	logging.L(ctx).Info("seed applied", "admin", s.Admin, "wallets", len(s.Wallets))
	return nil
}
