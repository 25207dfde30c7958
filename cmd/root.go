package cmd

import (
	"github.com/spf13/cobra"

	"hermod/internal/logger"
)

var (
	verbose bool
	log     = logger.New()
)

var rootCmd = &cobra.Command{
	Use:   "hermod",
	Short: "Hermod - chat-to-hub message bridge",
	Long: `Hermod bridges chat platforms to hubs over a message broker.
It relays hub WebSocket tunnels to the broker, routes chat messages to the
right hub, and delivers hub output back to chats with retry and rate limiting.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel("debug")
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}
