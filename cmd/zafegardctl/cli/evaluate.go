package cli

import (
	"github.com/spf13/cobra"

	"github.com/zafegard/zafegard/internal/policy"
)

func newEvaluateCmd(o *rootOptions) *cobra.Command {
	var source, signer, asset, to, amt string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Ask the policy to authorize a single transfer.",
		Long: `Evaluate one transfer of the protected asset. A granted transfer is
recorded against the signer and starts a new interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := parseAddress("source", source)
			if err != nil {
				return err
			}
			key, err := parseSigner(signer)
			if err != nil {
				return err
			}
			a, err := parseAddress("asset", asset)
			if err != nil {
				return err
			}
			dst, err := parseAddress("to", to)
			if err != nil {
				return err
			}
			value, err := parseAmount("amount", amt)
			if err != nil {
				return err
			}

			ctxs := []policy.InvocationContext{policy.Transfer(a, src, dst, value)}
			raw, err := o.client.Evaluate(cmd.Context(), src, key, ctxs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "smart wallet spending the funds")
	cmd.Flags().StringVar(&signer, "signer", "", "canonical signer key")
	cmd.Flags().StringVar(&asset, "asset", "", "asset contract being transferred")
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().StringVar(&amt, "amount", "", "amount in base units")
	for _, f := range []string{"source", "signer", "asset", "to", "amount"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}
