// Package cli defines the zafegardctl command tree.
package cli

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zafegard/zafegard/internal/apiclient"
	"github.com/zafegard/zafegard/internal/identity"
)

// Env vars read when the matching flag is not set.
const (
	EnvAPIURL   = "ZAFEGARD_API_URL"
	EnvAdminKey = "ZAFEGARD_ADMIN_KEY"
)

// ErrUsage marks bad arguments or flags.
var ErrUsage = errors.New("usage")

func usageErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	APIURL  string
	KeyFile string
	Timeout time.Duration

	client *apiclient.Client
}

func (o *rootOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.APIURL, "api-url", envOr(EnvAPIURL, "http://localhost:8080"),
		"policy API base URL")
	cmd.PersistentFlags().StringVar(&o.KeyFile, "key-file", "",
		"file holding the admin's hex ed25519 seed (default $"+EnvAdminKey+")")
	cmd.PersistentFlags().DurationVarP(&o.Timeout, "timeout", "t", apiclient.DefaultTimeout,
		"timeout per request")
}

// signingKey loads the admin key. A missing key is not an error; signed
// calls fail later with apiclient.ErrNoKey.
func (o *rootOptions) signingKey() (ed25519.PrivateKey, error) {
	seed := os.Getenv(EnvAdminKey)
	if o.KeyFile != "" {
		raw, err := os.ReadFile(o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		seed = string(raw)
	}
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return nil, nil
	}
	return parseSeed(seed)
}

func parseSeed(s string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != ed25519.SeedSize {
		return nil, usageErr("admin key must be %d hex chars", 2*ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(b), nil
}

// New returns the root command.
func New() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "zafegardctl",
		Short:         "Administer a Zafegard spending policy server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			key, err := o.signingKey()
			if err != nil {
				return err
			}
			o.client = apiclient.New(apiclient.Config{BaseURL: o.APIURL, Key: key, Timeout: o.Timeout})
			return nil
		},
	}
	o.addFlags(cmd)

	cmd.AddCommand(
		newInitCmd(o),
		newAdminCmd(o),
		newWalletCmd(o),
		newEvaluateCmd(o),
		newInfoCmd(o),
		newKeygenCmd(),
	)
	return cmd
}

func newInfoCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Describe the server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := o.client.GetInfo(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an admin key and print its seed and account address.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := ed25519.GenerateKey(nil)
			if err != nil {
				return err
			}
			addr, err := identity.AccountFromPublicKey(pub)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nseed:    %s\n", addr, hex.EncodeToString(priv.Seed()))
			return nil
		},
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, werr := w.Write(raw)
		return werr
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}

func parseAddress(name, s string) (identity.Address, error) {
	a, err := identity.ParseAddress(s)
	if err != nil {
		return "", usageErr("%s: %v", name, err)
	}
	return a, nil
}

func parseSigner(s string) (identity.SignerKey, error) {
	k, err := identity.ParseSignerKey(s)
	if err != nil {
		return nil, usageErr("signer: %v", err)
	}
	return k, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
