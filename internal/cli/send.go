package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sigortampanel/wabridge/internal/store"
)

var (
	sendTenant string
	sendGroup  string
	sendTo     string
)

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Queue an outbound message",
	Long:  "Inserts a pending outbound message. The group wins when both --group and --to are given.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendGroup == "" && sendTo == "" {
			return errors.New("one of --group or --to is required")
		}
		_, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		m, err := st.EnqueueMessage(context.Background(), store.OutboundMessage{
			TenantID:      sendTenant,
			TargetGroupID: sendGroup,
			TargetAddress: sendTo,
			Content:       strings.Join(args, " "),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Message %s queued\n", m.ID)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendTenant, "tenant", "", "Sending tenant (empty uses any connected session when allowed)")
	sendCmd.Flags().StringVar(&sendGroup, "group", "", "Target group id")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Target phone number")
	rootCmd.AddCommand(sendCmd)
}
