package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	chatsync "github.com/Wilfrid3/lnk-app-sub000"
)

// newLogger builds the CLI logger: production JSON on stderr, or the
// development console encoder with --verbose.
func newLogger() *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		logger, err = cfg.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// getClient creates a client authenticated with the configured token.
func getClient(cfg *Config, logger *zap.Logger) *chatsync.Client {
	if cfg.Auth.Token == "" {
		fmt.Fprintf(os.Stderr, "No token. Run 'chatsync init <token>' or set %s.\n", envToken)
		os.Exit(1)
	}

	opts := []chatsync.ClientOption{chatsync.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

func identityFor(cfg *Config) chatsync.IdentityProvider {
	if cfg.Auth.UserID != "" {
		return chatsync.StaticIdentity(cfg.Auth.UserID)
	}
	return chatsync.JWTIdentity{Tokens: chatsync.StaticToken(cfg.Auth.Token)}
}

// newStore wires a store to client using the [sync] settings.
func newStore(cfg *Config, client *chatsync.Client, logger *zap.Logger, metrics *chatsync.Metrics) (*chatsync.Store, error) {
	sc := chatsync.StoreConfig{
		API:      client,
		Identity: identityFor(cfg),
		Logger:   logger,
		Metrics:  metrics,
	}
	var err error
	if sc.TypingIdle, err = parseDuration(cfg.Sync.TypingIdle); err != nil {
		return nil, fmt.Errorf("sync.typing_idle: %w", err)
	}
	if sc.TypingTTL, err = parseDuration(cfg.Sync.TypingTTL); err != nil {
		return nil, fmt.Errorf("sync.typing_ttl: %w", err)
	}
	if sc.PresenceSettle, err = parseDuration(cfg.Sync.PresenceSettle); err != nil {
		return nil, fmt.Errorf("sync.presence_settle: %w", err)
	}
	return chatsync.NewStore(sc), nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// conversationTitle names a conversation by its other participants.
func conversationTitle(c chatsync.Conversation, me string) string {
	var names []string
	for _, p := range c.Participants {
		if p.ID == me {
			continue
		}
		names = append(names, valueOrDefault(p.Name, p.ID))
	}
	if len(names) == 0 {
		return string(c.Kind)
	}
	return strings.Join(names, ", ")
}

func formatMessage(m chatsync.Message) string {
	sender := valueOrDefault(m.Sender.Name, m.SenderID())
	content := m.Content
	switch {
	case m.IsDeleted:
		content = "(deleted)"
	case m.Type != chatsync.TypeText:
		content = fmt.Sprintf("[%s] %s", m.Type, content)
	}
	edited := ""
	if m.EditedAt != nil {
		edited = " (edited)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("2006-01-02 15:04"), sender, content, edited)
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
