package main

import (
	"fmt"
	"os"

	"github.com/adityaadpandey/peermeet/internals/config"
	"github.com/adityaadpandey/peermeet/internals/utils"
	"github.com/spf13/cobra"
)

var (
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "peerctl",
	Short: "Headless peer and admin tool for a peermeet relay",
	Long: `peerctl joins peermeet rooms as a headless peer and inspects the rooms a
relay is serving.

Examples:
  peerctl join standup --name bot
  peerctl rooms --server http://localhost:5555`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return utils.InitLogger(flagLogLevel, flagLogFormat)
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cfg := config.LoadConfig()
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", cfg.Logging.Format, "Log format (json or console)")
}
