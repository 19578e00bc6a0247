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

// newRootCmd builds the command tree. Every call returns fresh flag state.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "radioctl",
		Short: "Short-range radio adapter manager",
		Long: `Command-line front end of the transport adapter manager:

- Initialize the BLE and Wi-Fi Direct adapters and report 0 / -1 result codes
- Run shared BLE scans with any number of concurrent callers
- Advertise over Wi-Fi Direct
- Inspect adapter state and follow lifecycle diagnostics

Drivers: go-ble (HCI / CoreBluetooth) or BlueZ over D-Bus for BLE,
NetworkManager for Wi-Fi Direct, and an in-process simulator for both.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		// Silence Cobra's "Error:" prefix - main() prints clean errors
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "Path to an hjson config file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	root.PersistentFlags().String("ble-driver", "", "BLE driver (goble, bluez, sim, none)")
	root.PersistentFlags().String("wifi-driver", "", "Wi-Fi Direct driver (netman, sim, none)")
	root.PersistentFlags().Duration("init-timeout", 0, "How long initialization waits for the radio")

	root.AddCommand(newInitCmd())
	root.AddCommand(newScanCmd())
	root.AddCommand(newAdvertiseCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newWatchCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
