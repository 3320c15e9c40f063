package cli

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/spf13/cobra"

	"github.com/zafegard/zafegard/internal/amount"
	"github.com/zafegard/zafegard/internal/apiclient"
	"github.com/zafegard/zafegard/internal/identity"
)

type signerCall func(*apiclient.Client, context.Context, identity.SignerKey) (json.RawMessage, error)

func parseAmount(name, s string) (*big.Int, error) {
	v, ok := amount.Parse(s)
	if !ok {
		return nil, usageErr("%s must be an i128 integer, got %q", name, s)
	}
	return v, nil
}

func newWalletCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "wallet",
		Aliases: []string{"wallets"},
		Short:   "Manage signer spending policies.",
	}
	cmd.AddCommand(
		newWalletAddCmd(o),
		newWalletUpdateCmd(o),
		newWalletListCmd(o),
		signerCmd(o, "get", "Show a signer's policy.", (*apiclient.Client).GetWallet),
		signerCmd(o, "usage", "Show a signer's last authorization.", (*apiclient.Client).GetUsage),
		signerCmd(o, "remove", "Remove a signer's policy. Its usage is kept.", (*apiclient.Client).RemoveWallet),
	)
	return cmd
}

func signerCmd(o *rootOptions, name, short string, call signerCall) *cobra.Command {
	return &cobra.Command{
		Use:   name + " SIGNER",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := parseSigner(args[0])
			if err != nil {
				return err
			}
			raw, err := call(o.client, cmd.Context(), signer)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newWalletAddCmd(o *rootOptions) *cobra.Command {
	var (
		asset    string
		interval uint32
		capacity string
	)
	cmd := &cobra.Command{
		Use:   "add SIGNER",
		Short: "Register a signer with its protected asset, interval and cap.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := parseSigner(args[0])
			if err != nil {
				return err
			}
			a, err := parseAddress("asset", asset)
			if err != nil {
				return err
			}
			limit, err := parseAmount("cap", capacity)
			if err != nil {
				return err
			}
			raw, err := o.client.AddWallet(cmd.Context(), signer, a, interval, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "protected asset contract (C...)")
	cmd.Flags().Uint32Var(&interval, "interval", 0, "minimum seconds between authorizations (0 disables)")
	cmd.Flags().StringVar(&capacity, "cap", "", "maximum amount per batch in base units")
	_ = cmd.MarkFlagRequired("asset")
	_ = cmd.MarkFlagRequired("cap")
	return cmd
}

func newWalletUpdateCmd(o *rootOptions) *cobra.Command {
	var (
		interval uint32
		capacity string
	)
	cmd := &cobra.Command{
		Use:   "update SIGNER",
		Short: "Change a signer's interval or cap.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := parseSigner(args[0])
			if err != nil {
				return err
			}
			var upd apiclient.WalletUpdate
			if cmd.Flags().Changed("interval") {
				upd.Interval = &interval
			}
			if cmd.Flags().Changed("cap") {
				if upd.AmountCap, err = parseAmount("cap", capacity); err != nil {
					return err
				}
			}
			if upd.Interval == nil && upd.AmountCap == nil {
				return usageErr("update needs --interval or --cap")
			}
			raw, err := o.client.UpdateWallet(cmd.Context(), signer, upd)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().Uint32Var(&interval, "interval", 0, "minimum seconds between authorizations (0 disables)")
	cmd.Flags().StringVar(&capacity, "cap", "", "maximum amount per batch in base units")
	return cmd
}

func newWalletListCmd(o *rootOptions) *cobra.Command {
	var (
		asset  string
		limit  int
		cursor string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered signers in key order.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var a identity.Address
			if asset != "" {
				var err error
				if a, err = parseAddress("asset", asset); err != nil {
					return err
				}
			}
			raw, err := o.client.ListWallets(cmd.Context(), a, limit, cursor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "only signers protecting this asset")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (server default when 0)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}
