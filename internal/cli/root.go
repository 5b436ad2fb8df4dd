package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/sigortampanel/wabridge/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"                 _          _     _\n" +
		" __      ____ _ | |__  _ __(_) __| | __ _  ___\n" +
		" \\ \\ /\\ / / _` || '_ \\| '__| |/ _` |/ _` |/ _ \\\n" +
		"  \\ V  V / (_| || |_) | |  | | (_| | (_| |  __/\n" +
		"   \\_/\\_/ \\__,_||_.__/|_|  |_|\\__,_|\\__, |\\___|\n" +
		"                                    |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "wabridge",
	Short: "wabridge - multi-tenant WhatsApp session manager",
	Long:  color.CyanString(logo) + "\nKeeps one WhatsApp Web session per tenant alive and relays the shared store's requests to it.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}
