package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dense-identity/callcore/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "sipcontroller",
	Short: "Call lifecycle controller for Baresip",
	Long: `sipcontroller drives Baresip through the call tracker: dialing,
answering, hold/swap, post-dial DTMF and device-to-device state exchange.

Configuration is read from the environment (ENV_FILE or .env).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(d2dCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
