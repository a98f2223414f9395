// Package cli implements the lbcore command line, grounded on the
// teacher's internal/cli package: a cobra root command with persistent
// flags plus a colored startup banner, minus the teacher's
// access-restriction gate (this module carries no such license).
package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const banner = `
  _ _
 | | |__   ___ ___  _ __ ___
 | | '_ \ / __/ _ \| '__/ _ \
 | | |_) | (_| (_) | | |  __/
 |_|_.__/ \___\___/|_|  \___|
`

func printBanner() {
	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Fprint(os.Stderr, banner)
}

var (
	jsonOutput bool
	verbose    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:           "lbcore",
	Short:         "Hostname-sharded HTTP load balancer core",
	Long:          `lbcore runs a multi-tenant, per-hostname HTTP load balancer with pluggable traffic/endpoint steering, session affinity, circuit breaking and an in-band admin interface.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command, printing the startup banner once on
// entry to "serve" and staying silent for scripting subcommands like
// "health-check".
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "silence non-essential output")
}
