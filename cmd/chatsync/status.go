package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/Wilfrid3/lnk-app-sub000"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the signed-in user, and live unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  Socket URL:  %s\n", valueOrDefault(cfg.Default.SocketURL, "(derived from base URL)"))
		fmt.Printf("  Namespace:   %s\n", valueOrDefault(cfg.Default.Namespace, chatsync.DefaultNamespace))
		if cfg.Sync.SnapshotPath != "" {
			fmt.Printf("  Snapshot:    %s\n", cfg.Sync.SnapshotPath)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		me, err := identityFor(cfg).CurrentUserID()
		if err != nil {
			fmt.Printf("  User ID:     (unknown: %v)\n", err)
		} else {
			fmt.Printf("  User ID:     %s\n", me)
		}

		fmt.Println()
		fmt.Println("Live status:")

		logger := newLogger()
		defer logger.Sync()

		store, err := newStore(cfg, getClient(cfg, logger), logger, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conversations, err := store.FetchConversations(ctx, chatsync.ConversationFilter{Page: 1})
		if err != nil {
			fmt.Printf("  Error: %s\n", store.LastError())
			return nil
		}
		fmt.Printf("  Conversations: %d (first page)\n", len(conversations))
		fmt.Printf("  Unread:        %d\n", store.TotalUnread())
		return nil
	},
}
