package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hermod/internal/bridge"
	"hermod/internal/config"
	"hermod/internal/logger"
)

var (
	bridgeConfigPath string
	bridgeDebugFlag  bool
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Start the Hermod bridge daemon",
	Long: `The bridge daemon accepts hub WebSocket tunnels and relays them to the
upstream broker, serves the hub credential endpoint, and runs the inbound
and outbound delivery pipelines between chats and hubs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bridgeDebugFlag {
			logger.SetLevel("debug")
		}

		log := logger.New()
		log.Info().
			Str("config_path", bridgeConfigPath).
			Bool("debug", bridgeDebugFlag).
			Msg("Starting Hermod bridge daemon")

		// First run: write a default config and ask the operator to fill it in
		if _, err := os.Stat(bridgeConfigPath); os.IsNotExist(err) {
			defaultConfig := config.NewDefaultBridgeConfig()
			if err := config.SaveBridgeConfig(defaultConfig, bridgeConfigPath); err != nil {
				log.Error().Err(err).Msg("Failed to create default config file")
				return fmt.Errorf("failed to create default config file: %w", err)
			}
			log.Info().
				Str("config_path", bridgeConfigPath).
				Msg("Created default configuration file. Please edit it with your settings.")
			return nil
		}

		daemon, err := bridge.NewDaemon(bridgeConfigPath)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create bridge daemon")
			return fmt.Errorf("failed to create bridge daemon: %w", err)
		}

		// Blocks until shutdown
		if err := daemon.Start(); err != nil {
			log.Error().Err(err).Msg("Bridge daemon stopped with error")
			return fmt.Errorf("bridge daemon error: %w", err)
		}

		return nil
	},
}

func init() {
	bridgeCmd.Flags().StringVarP(&bridgeConfigPath, "config", "c", "bridge.yaml", "path to bridge configuration file")
	bridgeCmd.Flags().BoolVarP(&bridgeDebugFlag, "debug", "d", false, "enable debug logging")
	rootCmd.AddCommand(bridgeCmd)
}
