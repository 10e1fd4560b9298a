package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/Wilfrid3/lnk-app-sub000"
)

var (
	// messages
	messagesLimit  int
	messagesBefore string
	messagesAfter  string
	messagesJSON   bool

	// send
	sendType     string
	sendReplyTo  string
	sendMetadata string
	sendJSON     bool
)

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's messages",
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

		page, err := store.FetchMessages(ctx, args[0], chatsync.MessageQuery{
			Limit:  messagesLimit,
			Before: messagesBefore,
			After:  messagesAfter,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			return printJSON(page)
		}

		if len(page) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		me, _ := identityFor(cfg).CurrentUserID()
		for _, m := range page {
			marker := " "
			if me != "" && m.SenderID() != me && !m.IsReadBy(me) {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, formatMessage(m))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content...>",
	Short: "Send a message",
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

		req := chatsync.SendMessageRequest{
			ConversationID: args[0],
			Content:        strings.Join(args[1:], " "),
			Type:           chatsync.MessageType(sendType),
			ReplyTo:        sendReplyTo,
		}
		if sendMetadata != "" {
			if !json.Valid([]byte(sendMetadata)) {
				return fmt.Errorf("--metadata must be valid JSON")
			}
			req.Metadata = json.RawMessage(sendMetadata)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := store.SendMessage(ctx, req)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

func init() {
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "Messages to fetch")
	messagesCmd.Flags().StringVar(&messagesBefore, "before", "", "Fetch messages older than this message ID")
	messagesCmd.Flags().StringVar(&messagesAfter, "after", "", "Fetch messages newer than this message ID")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringVar(&sendType, "type", string(chatsync.TypeText), "Message type")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "ID of the message being replied to")
	sendCmd.Flags().StringVar(&sendMetadata, "metadata", "", "Raw JSON metadata for non-text types")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
}
