package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/apikeyd/apikeyd/internal/model"
)

func newOwnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owner",
		Short: "Manage key owners",
		Long:  "Register owners and enable or disable them. Keys of a disabled owner fail verification until it is enabled again.",
	}

	cmd.AddCommand(newOwnerCreateCmd())
	cmd.AddCommand(newOwnerListCmd())
	cmd.AddCommand(newOwnerActiveCmd("disable", "Disable an owner and suspend its keys", false))
	cmd.AddCommand(newOwnerActiveCmd("enable", "Re-enable a disabled owner", true))

	return cmd
}

func newOwnerCreateCmd() *cobra.Command {
	var (
		req        model.CreateOwnerRequest
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Register an owner",
		Example: `  apikeyd owner create --id acme --name "Acme Corp" --email ops@acme.test`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				o, err := a.mgr.CreateOwner(cmd.Context(), req)
				if err != nil {
					return fmt.Errorf("create owner: %w", err)
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), o)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Owner %s created\n", o.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.ID, "id", "", "Owner ID (generated when empty)")
	cmd.Flags().StringVar(&req.Name, "name", "", "Display name (required)")
	cmd.Flags().StringVar(&req.Email, "email", "", "Contact email")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newOwnerListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List owners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				owners, err := a.mgr.ListOwners(cmd.Context())
				if err != nil {
					return fmt.Errorf("list owners: %w", err)
				}
				if jsonOutput {
					if owners == nil {
						owners = []model.Owner{}
					}
					return printJSON(cmd.OutOrStdout(), owners)
				}
				if len(owners) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No owners. Use 'apikeyd owner create' to register one.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tEMAIL\tACTIVE")
				for _, o := range owners {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", o.ID, o.Name, o.Email, o.IsActive)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newOwnerActiveCmd(verb, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <owner-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				o, err := a.mgr.UpdateOwner(cmd.Context(), args[0], model.UpdateOwnerRequest{IsActive: &active})
				if err != nil {
					return fmt.Errorf("%s owner: %w", verb, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Owner %s %sd\n", o.ID, verb)
				return nil
			})
		},
	}
}
