// Package cli provides the command-line interface for relaygate.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/version"
)

var (
	// Global flags
	cfgFile string
	verbose bool

	// Global logger
	logger *logging.Logger
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relaygate",
		Short: "relaygate - admission control plane for multi-tenant LLM relays",
		Long: `relaygate ` + version.Version + ` - Built: ` + version.BuildTime + `
Admission gateway that sits in front of an LLM relay: API key validation,
per-key concurrency slots with a bounded overflow queue, and request/cost
rate limiting, all backed by a shared Redis store.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultLogger()
			if verbose {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relaygate %s (built %s)\n", version.Version, version.BuildTime)
		},
	}
}
