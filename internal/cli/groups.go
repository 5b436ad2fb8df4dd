package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sigortampanel/wabridge/internal/credentials"
	"github.com/sigortampanel/wabridge/internal/store"
)

var groupsTenant string

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List and request WhatsApp groups",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List group rows, optionally for one tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		rows, err := st.ListGroups(context.Background(), groupsTenant)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(rows) == 0 {
			fmt.Fprintln(out, "No groups.")
			return nil
		}
		table := newTable(out, "ID", "Name", "Owner", "Status", "WhatsApp")
		for _, g := range rows {
			wa := "no"
			if g.IsWhatsAppGroup {
				wa = "yes"
			}
			table.Append([]string{g.ID, g.Name, orDash(g.OwnerTenantID), string(g.Status), wa})
		}
		table.Render()
		return nil
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <tenant> <name>",
	Short: "Request a new group owned by tenant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, name := args[0], strings.TrimSpace(args[1])
		if err := credentials.ValidateTenant(tenant); err != nil {
			return err
		}
		if name == "" {
			return errors.New("group name is required")
		}
		_, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		g, err := st.RequestGroup(context.Background(), tenant, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Group %q requested (%s)\n", g.Name, g.ID)
		return nil
	},
}

var groupsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Request deletion of a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.RequestGroupDelete(context.Background(), args[0]); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("group %s not found", args[0])
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deletion requested for %s\n", args[0])
		return nil
	},
}

func init() {
	groupsListCmd.Flags().StringVar(&groupsTenant, "tenant", "", "Only show groups owned by this tenant")
	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsDeleteCmd)
	rootCmd.AddCommand(groupsCmd)
}
