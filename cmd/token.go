package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hermod/internal/config"
	"hermod/internal/logger"
	"hermod/internal/store"
	"hermod/internal/token"
)

var tokenConfigPath string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage hub bearer tokens",
	Long:  `Issue, rotate or show the bearer token a hub uses to authenticate its tunnel.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Keep stdout clean so the token can be piped
		logger.SetSilentMode(true)
	},
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <hub-id>",
	Short: "Issue a token for a hub",
	Long:  `Issue a bearer token for a hub. Issuing again returns the existing token unchanged.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, db, err := openTokenStore()
		if err != nil {
			return err
		}
		defer db.Close()

		value, err := tokens.Issue(args[0])
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
		cmd.Println(value)
		return nil
	},
}

var tokenRotateCmd = &cobra.Command{
	Use:   "rotate <hub-id>",
	Short: "Rotate a hub's token",
	Long:  `Replace a hub's bearer token with a fresh one. The old token stops working immediately.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, db, err := openTokenStore()
		if err != nil {
			return err
		}
		defer db.Close()

		value, err := tokens.Rotate(args[0])
		if err != nil {
			return fmt.Errorf("failed to rotate token: %w", err)
		}
		cmd.Println(value)
		return nil
	},
}

// openTokenStore opens the bridge database from the configured path
func openTokenStore() (*token.Store, *store.Store, error) {
	cfg, err := config.LoadBridgeConfig(tokenConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return token.NewStore(db), db, nil
}

func init() {
	tokenCmd.PersistentFlags().StringVarP(&tokenConfigPath, "config", "c", "bridge.yaml", "path to bridge configuration file")
	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenRotateCmd)
	rootCmd.AddCommand(tokenCmd)
}
