package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "buttond",
	Short: "BLE push-button session manager",
	Long: `buttond pairs, connects and listens to BLE push-buttons and forwards their
state changes and clicks to host applications.

- serve runs the session manager and exposes it on a Unix socket
- buttons, scan, connect, disconnect, remove-all and state issue requests to it
- watch streams button notifications as they happen
- simulate replays a scripted radio scenario without any hardware`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(buttonsCmd)
	rootCmd.AddCommand(scanningCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(stopScanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(removeAllCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(simulateCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output (same as --log-level debug)")
	rootCmd.PersistentFlags().String("socket", "", "Server socket path (default $XDG_RUNTIME_DIR/buttond.sock)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
