package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sigortampanel/wabridge/internal/credentials"
	"github.com/sigortampanel/wabridge/internal/session"
	"github.com/sigortampanel/wabridge/internal/store"
)

var (
	scanWait    bool
	scanOut     string
	scanTimeout time.Duration
)

var scanCmd = &cobra.Command{
	Use:   "scan <tenant>",
	Short: "Request a QR pairing for a tenant",
	Long:  "Writes a scan request to the shared store. A running 'wabridge serve' picks it up and publishes the QR code on the tenant's session row.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant := args[0]
		if err := credentials.ValidateTenant(tenant); err != nil {
			return err
		}
		_, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := st.RequestScan(ctx, tenant); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Scan requested for %s\n", tenant)
		if !scanWait && scanOut == "" {
			return nil
		}

		row, err := waitForPairing(ctx, st, tenant, scanTimeout)
		if err != nil {
			return err
		}
		if row.Status == store.StatusConnected {
			fmt.Fprintf(out, "Already connected as %s\n", row.PhoneIdentity)
			return nil
		}
		if scanOut == "" {
			fmt.Fprintln(out, "QR code published on the session row")
			return nil
		}
		png, err := session.DecodeQR(row.QRPayload)
		if err != nil {
			return err
		}
		if err := os.WriteFile(scanOut, png, 0o600); err != nil {
			return fmt.Errorf("write qr: %w", err)
		}
		fmt.Fprintf(out, "QR code saved to %s\n", scanOut)
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <tenant>",
	Short: "Log a tenant out and discard its credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant := args[0]
		if err := credentials.ValidateTenant(tenant); err != nil {
			return err
		}
		_, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.RequestDisconnect(context.Background(), tenant); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Disconnect requested for %s\n", tenant)
		return nil
	},
}

// waitForPairing polls the session row until it carries a QR code or is
// connected.
func waitForPairing(ctx context.Context, st *store.Store, tenant string, timeout time.Duration) (*store.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		row, err := st.GetSession(ctx, tenant)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if row != nil && (row.QRPayload != "" || row.Status == store.StatusConnected) {
			return row, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no QR code for %s after %s (is 'wabridge serve' running?)", tenant, timeout)
		case <-ticker.C:
		}
	}
}

func init() {
	scanCmd.Flags().BoolVar(&scanWait, "wait", false, "Wait until the QR code is published")
	scanCmd.Flags().StringVar(&scanOut, "out", "", "Save the QR code as a PNG file (implies --wait)")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", time.Minute, "How long --wait waits")
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(disconnectCmd)
}
