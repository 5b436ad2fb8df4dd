package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader(cmd.OutOrStdout(), "🏷️ wabridge version")
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tenant sessions and the outbound queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		ctx := context.Background()
		out := cmd.OutOrStdout()

		printHeader(out, "📊 wabridge status")
		fmt.Fprintf(out, "Version: %s\n", version)
		fmt.Fprintf(out, "Store:   %s\n", cfg.Store.Path)
		fmt.Fprintf(out, "Feed:    %s\n\n", cfg.Feed.Source)

		sessions, err := st.ListSessions(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No tenant sessions yet (run 'wabridge scan <tenant>').")
		} else {
			table := newTable(out, "Tenant", "Status", "Phone", "QR", "Updated")
			for _, s := range sessions {
				qr := "-"
				if s.QRPayload != "" {
					qr = "ready"
				}
				table.Append([]string{s.TenantID, string(s.Status), orDash(s.PhoneIdentity), qr, since(s.UpdatedAt)})
			}
			table.Render()
		}

		pending, err := st.ListPendingMessages(ctx, 1000)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nPending messages: %d\n", len(pending))
		return nil
	},
}
