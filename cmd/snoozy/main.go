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
	Use:   "snoozy",
	Short: "Record and browse data from a Snoozy sleep sensor",
	Long: `Snoozy connects to the Snoozy wearable over Bluetooth Low Energy, records the
temperature samples it streams into one log per day, and lets you browse them:

- Scan for nearby devices
- Record a live session into today's log
- Summarize which hours of a day have data
- Show, clear and export a day's log
- Run a host process that owns the radio and the logs for other clients`,
	Version: formatVersion(version),
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
	rootCmd.SetVersionTemplate(fmt.Sprintf("snoozy %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(hostCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath(), "Path to the YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("transport", "", "Bluetooth transport (native, webbt, bridge)")
	rootCmd.PersistentFlags().String("storage", "", "Log storage (file, kv, host)")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory holding the day logs")
}
