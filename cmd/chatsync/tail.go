package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	chatsync "github.com/Wilfrid3/lnk-app-sub000"
)

var (
	tailPrefetch    int
	tailSnapshot    string
	tailMetricsAddr string
	tailJSON        bool
)

var tailCmd = &cobra.Command{
	Use:   "tail [conversation-id]",
	Short: "Follow live chat events",
	Long: "Connect to the realtime service and print events as they arrive.\n" +
		"With a conversation ID the conversation is opened: its messages are\n" +
		"marked read on arrival and on entry.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger()
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		metrics := chatsync.NewMetrics(reg)
		client := getClient(cfg, logger)
		store, err := newStore(cfg, client, logger, metrics)
		if err != nil {
			return err
		}
		defer store.Close()

		snapshotPath := valueOrDefault(tailSnapshot, cfg.Sync.SnapshotPath)
		var snapshots *chatsync.SnapshotStore
		if snapshotPath != "" {
			snapshots, err = chatsync.OpenSnapshotStore(snapshotPath)
			if err != nil {
				return err
			}
			defer snapshots.Close()
			snap, err := snapshots.Load()
			if err != nil {
				logger.Warn("ignoring unreadable snapshot", zap.String("path", snapshotPath), zap.Error(err))
			} else {
				store.Restore(snap)
				fmt.Printf("Restored %d conversation(s) from snapshot saved %s\n",
					len(snap.Conversations), snap.SavedAt.Local().Format(time.RFC3339))
			}
		}

		session := client.NewSession(&chatsync.RealtimeConfig{
			URL:                  cfg.Default.SocketURL,
			Namespace:            cfg.Default.Namespace,
			AutoReconnect:        true,
			MaxReconnectAttempts: -1,
			Logger:               logger,
		})
		store.Bind(session)

		me, _ := identityFor(cfg).CurrentUserID()
		session.OnEvent(func(ev chatsync.Event) {
			if tailJSON {
				_ = printJSON(map[string]any{"event": ev.EventName(), "data": ev})
				return
			}
			if line := describeEvent(ev, me); line != "" {
				fmt.Println(line)
			}
		})
		session.OnConnected(func() { fmt.Println("-- connected") })
		session.OnDisconnected(func(code int, reason string) {
			fmt.Printf("-- disconnected (%d %s)\n", code, reason)
		})
		session.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("-- reconnecting (attempt %d in %s)\n", attempt, delay.Round(time.Millisecond))
		})

		g, gctx := errgroup.WithContext(ctx)

		if tailMetricsAddr != "" {
			srv := &http.Server{
				Addr:              tailMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}

		if tailPrefetch > 0 {
			if err := store.Prefetch(ctx, tailPrefetch); err != nil {
				logger.Warn("prefetch failed", zap.Error(err))
			}
		}

		if err := session.Connect(ctx); err != nil {
			// The session keeps retrying in the background.
			fmt.Fprintf(os.Stderr, "connect failed: %s\n", store.LastError())
		}

		joined := ""
		if len(args) == 1 {
			joined = args[0]
			if err := store.JoinConversation(ctx, joined); err != nil {
				fmt.Fprintf(os.Stderr, "auto-read failed: %s\n", store.LastError())
			}
		}

		g.Go(func() error {
			<-gctx.Done()
			if joined != "" {
				store.LeaveConversation(context.Background(), joined)
			}
			return session.Disconnect()
		})

		err = g.Wait()

		if snapshots != nil {
			if serr := snapshots.Save(store.Snapshot()); serr != nil {
				logger.Warn("snapshot save failed", zap.Error(serr))
			}
		}
		return err
	},
}

func describeEvent(ev chatsync.Event, me string) string {
	switch e := ev.(type) {
	case chatsync.MessageNewEvent:
		return fmt.Sprintf("%s  %s", e.Message.ConversationID, formatMessage(e.Message))
	case chatsync.MessageUpdatedEvent:
		return fmt.Sprintf("%s  message %s updated", e.Message.ConversationID, e.Message.ID)
	case chatsync.ConversationNewEvent:
		return fmt.Sprintf("new conversation %s: %s", e.Conversation.ID, conversationTitle(e.Conversation, me))
	case chatsync.UserTypingEvent:
		if e.UserID == me {
			return ""
		}
		verb := "stopped typing"
		if e.IsTyping {
			verb = "is typing..."
		}
		return fmt.Sprintf("%s  %s %s", e.ConversationID, e.UserID, verb)
	case chatsync.MessageReadEvent:
		return fmt.Sprintf("%s  %s read %s", e.ConversationID, e.ReaderID, e.MessageID)
	case chatsync.UserOnlineStatusEvent:
		status := "offline"
		if e.IsOnline {
			status = "online"
		}
		return fmt.Sprintf("%s is %s", e.UserID, status)
	default:
		// message_received duplicates message_new; the rest are not shown.
		return ""
	}
}

func init() {
	tailCmd.Flags().IntVar(&tailPrefetch, "prefetch", 0, "Load this many conversations' recent messages before connecting")
	tailCmd.Flags().StringVar(&tailSnapshot, "snapshot", "", "Snapshot file to restore from and save to (overrides sync.snapshot_path)")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print events as JSON")
	rootCmd.AddCommand(tailCmd)
}
