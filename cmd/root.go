package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "botcore",
	Short: "Chat-bot runtime",
	Long:  "Runs chat-bot handlers behind platform webhooks and channel adapters, correlating outbound calls with their callbacks.",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
