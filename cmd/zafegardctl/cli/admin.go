package cli

import (
	"github.com/spf13/cobra"
)

func newInitCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init [ADMIN]",
		Short: "Set the first admin. Defaults to the account of the admin key.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin := o.client.Caller()
			if len(args) == 1 {
				a, err := parseAddress("admin", args[0])
				if err != nil {
					return err
				}
				admin = a
			}
			if admin == "" {
				return usageErr("init needs an ADMIN address or an admin key")
			}
			raw, err := o.client.Init(cmd.Context(), admin)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newAdminCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Inspect or rotate the admin.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show the current and previous admin.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				raw, err := o.client.GetAdmin(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), raw)
			},
		},
		&cobra.Command{
			Use:   "rotate NEW_ADMIN",
			Short: "Hand the admin role to another account.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				next, err := parseAddress("new admin", args[0])
				if err != nil {
					return err
				}
				raw, err := o.client.RotateAdmin(cmd.Context(), next)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), raw)
			},
		},
	)
	return cmd
}
