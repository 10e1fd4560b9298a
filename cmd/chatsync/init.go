package main

import (
	"fmt"

	"github.com/spf13/cobra"

	chatsync "github.com/Wilfrid3/lnk-app-sub000"
)

var initBaseURL string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST base URL (default "+chatsync.DefaultBaseURL+")")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing your session token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = chatsync.DefaultBaseURL
		}

		// Cache the user ID when the token carries one.
		if id, err := (chatsync.JWTIdentity{Tokens: chatsync.StaticToken(token)}).CurrentUserID(); err == nil {
			cfg.Auth.UserID = id
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID != "" {
			fmt.Printf("Signed in as %s\n", cfg.Auth.UserID)
		}
		return nil
	},
}
