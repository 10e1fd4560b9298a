package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/Wilfrid3/lnk-app-sub000"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations list
	convListPage     int
	convListLimit    int
	convListSearch   string
	convListType     string
	convListArchived bool
	convListUnread   bool
	convListJSON     bool

	// conversations create
	convCreateGroup bool
	convCreateJSON  bool

	// conversations archive
	convArchiveUndo bool
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Manage conversations",
	Long:  "List, create, read and archive conversations.",
}

// ============================================================================
// conversations list
// ============================================================================

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger()
		defer logger.Sync()

		store, err := newStore(cfg, getClient(cfg, logger), logger, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		filter := chatsync.ConversationFilter{
			Page:   convListPage,
			Limit:  convListLimit,
			Search: convListSearch,
			Type:   chatsync.ConversationKind(convListType),
		}
		if cmd.Flags().Changed("archived") {
			filter.Archived = &convListArchived
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := store.FetchConversations(ctx, filter); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		me, _ := identityFor(cfg).CurrentUserID()
		var conversations []chatsync.Conversation
		for _, c := range store.Conversations() {
			if convListUnread && c.UnreadCounts[me] == 0 {
				continue
			}
			conversations = append(conversations, c)
		}

		if convListJSON {
			return printJSON(conversations)
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range conversations {
			unread := ""
			if n := c.UnreadCounts[me]; n > 0 {
				unread = fmt.Sprintf(" (%d unread)", n)
			}
			archived := ""
			if c.ArchivedBy[me] {
				archived = " [archived]"
			}
			fmt.Printf("  %s: %s%s%s\n", c.ID, conversationTitle(c, me), unread, archived)
			if c.LastMessage != "" {
				fmt.Printf("      %s\n", c.LastMessage)
			}
		}
		return nil
	},
}

// ============================================================================
// conversations create
// ============================================================================

var conversationsCreateCmd = &cobra.Command{
	Use:   "create <user-id> [user-id...]",
	Short: "Start a conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger()
		defer logger.Sync()

		store, err := newStore(cfg, getClient(cfg, logger), logger, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		kind := chatsync.KindDirect
		if convCreateGroup || len(args) > 1 {
			kind = chatsync.KindGroup
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := store.CreateConversation(ctx, chatsync.CreateConversationRequest{
			Participants: args,
			Kind:         kind,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if convCreateJSON {
			return printJSON(conv)
		}
		fmt.Printf("Created %s conversation %s\n", conv.Kind, conv.ID)
		return nil
	},
}

// ============================================================================
// conversations read
// ============================================================================

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark every message in a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger()
		defer logger.Sync()

		store, err := newStore(cfg, getClient(cfg, logger), logger, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := store.FetchMessages(ctx, args[0], chatsync.MessageQuery{}); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		marked, err := store.AutoMarkConversationAsRead(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Marked %d message(s) as read.\n", marked)
		return nil
	},
}

// ============================================================================
// conversations archive
// ============================================================================

var conversationsArchiveCmd = &cobra.Command{
	Use:   "archive <conversation-id>",
	Short: "Archive a conversation (or unarchive with --undo)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger()
		defer logger.Sync()

		store, err := newStore(cfg, getClient(cfg, logger), logger, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := store.SetArchived(ctx, args[0], !convArchiveUndo); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if convArchiveUndo {
			fmt.Printf("Unarchived %s\n", args[0])
		} else {
			fmt.Printf("Archived %s\n", args[0])
		}
		return nil
	},
}

func init() {
	conversationsListCmd.Flags().IntVar(&convListPage, "page", 1, "Page number")
	conversationsListCmd.Flags().IntVar(&convListLimit, "limit", 20, "Conversations per page")
	conversationsListCmd.Flags().StringVar(&convListSearch, "search", "", "Filter by participant name")
	conversationsListCmd.Flags().StringVar(&convListType, "type", "", "Filter by type (direct or group)")
	conversationsListCmd.Flags().BoolVar(&convListArchived, "archived", false, "Filter by archived state")
	conversationsListCmd.Flags().BoolVar(&convListUnread, "unread", false, "Show only conversations with unread messages")
	conversationsListCmd.Flags().BoolVar(&convListJSON, "json", false, "Output JSON")

	conversationsCreateCmd.Flags().BoolVar(&convCreateGroup, "group", false, "Create a group conversation")
	conversationsCreateCmd.Flags().BoolVar(&convCreateJSON, "json", false, "Output JSON")

	conversationsArchiveCmd.Flags().BoolVar(&convArchiveUndo, "undo", false, "Unarchive instead")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsCreateCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)
	conversationsCmd.AddCommand(conversationsArchiveCmd)
	rootCmd.AddCommand(conversationsCmd)
}
