package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatsync "github.com/Wilfrid3/lnk-app-sub000"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}

	require.NoError(t, setConfigValue(cfg, "default.base_url", "https://chat.example.com/api"))
	require.NoError(t, setConfigValue(cfg, "default.socket_url", "wss://chat.example.com"))
	require.NoError(t, setConfigValue(cfg, "default.namespace", "/chat"))
	require.NoError(t, setConfigValue(cfg, "auth.token", "secret-token"))
	require.NoError(t, setConfigValue(cfg, "auth.user_id", "u1"))
	require.NoError(t, setConfigValue(cfg, "sync.typing_idle", "2s"))
	require.NoError(t, setConfigValue(cfg, "sync.typing_ttl", "6s"))
	require.NoError(t, setConfigValue(cfg, "sync.presence_settle", "500ms"))
	require.NoError(t, setConfigValue(cfg, "sync.snapshot_path", "/tmp/chat.db"))

	assert.Equal(t, Config{
		Default: ConfigDefault{BaseURL: "https://chat.example.com/api", SocketURL: "wss://chat.example.com", Namespace: "/chat"},
		Auth:    ConfigAuth{Token: "secret-token", UserID: "u1"},
		Sync:    ConfigSync{TypingIdle: "2s", TypingTTL: "6s", PresenceSettle: "500ms", SnapshotPath: "/tmp/chat.db"},
	}, *cfg)
}

func TestSetConfigValueErrors(t *testing.T) {
	tests := map[string]string{
		"no section":      "base_url",
		"unknown section": "server.port",
		"unknown default": "default.port",
		"unknown auth":    "auth.password",
		"unknown sync":    "sync.interval",
	}
	for name, key := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, setConfigValue(&Config{}, key, "x"))
		})
	}

	t.Run("bad duration", func(t *testing.T) {
		cfg := &Config{}
		err := setConfigValue(cfg, "sync.typing_idle", "soon")
		assert.ErrorContains(t, err, "invalid duration")
		assert.Empty(t, cfg.Sync.TypingIdle)
	})
}

func TestConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg, "missing file loads empty")

	cfg.Auth.Token = "file-token"
	cfg.Sync.TypingIdle = "4s"
	require.NoError(t, saveConfig(cfg))

	info, err := os.Stat(filepath.Join(home, ".chatsync", "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestRenderConfigMasksToken(t *testing.T) {
	cfg := &Config{
		Default: ConfigDefault{BaseURL: "https://chat.example.com/api"},
		Auth:    ConfigAuth{Token: "eyJhbGciOiJIUzI1NiJ9.secret-payload.signature", UserID: "u1"},
	}

	out, err := renderConfig(cfg)
	require.NoError(t, err)

	assert.NotContains(t, out, "secret-payload")
	assert.Contains(t, out, maskKey(cfg.Auth.Token))
	assert.Contains(t, out, "https://chat.example.com/api")
	assert.Contains(t, out, "u1")
	assert.Equal(t, "eyJhbGciOiJIUzI1NiJ9.secret-payload.signature", cfg.Auth.Token, "caller's config is untouched")

	out, err = renderConfig(&Config{Auth: ConfigAuth{UserID: "u1"}})
	require.NoError(t, err)
	assert.NotContains(t, out, "*")
}

func TestResolveConfigAppliesEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, saveConfig(&Config{
		Default: ConfigDefault{BaseURL: "https://file.example.com/api"},
		Auth:    ConfigAuth{Token: "file-token"},
	}))
	t.Setenv(envToken, "env-token")
	t.Setenv(envUserID, "u9")

	cfg, err := resolveConfig()
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.Auth.Token)
	assert.Equal(t, "u9", cfg.Auth.UserID)
	assert.Equal(t, "https://file.example.com/api", cfg.Default.BaseURL, "unset variables keep file values")

	onDisk, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "file-token", onDisk.Auth.Token)
}

func TestNewStoreDurations(t *testing.T) {
	client := chatsync.NewClient("tok")

	_, err := newStore(&Config{Sync: ConfigSync{TypingTTL: "later"}}, client, nil, nil)
	assert.ErrorContains(t, err, "sync.typing_ttl")

	store, err := newStore(&Config{Sync: ConfigSync{TypingIdle: "1s"}}, client, nil, nil)
	require.NoError(t, err)
	store.Close()

	d, err := parseDuration("")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)
}

func TestIdentityFor(t *testing.T) {
	id, err := identityFor(&Config{Auth: ConfigAuth{UserID: "u1", Token: "not-a-jwt"}}).CurrentUserID()
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	_, err = identityFor(&Config{Auth: ConfigAuth{Token: "not-a-jwt"}}).CurrentUserID()
	assert.ErrorIs(t, err, chatsync.ErrNoIdentity)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "********", maskKey("abcdefgh"))
	assert.Equal(t, "abcdefgh...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))

	c := chatsync.Conversation{
		Kind:         chatsync.KindGroup,
		Participants: []chatsync.Participant{{ID: "u1", Name: "Me"}, {ID: "u2", Name: "Ann"}, {ID: "u3"}},
	}
	assert.Equal(t, "Ann, u3", conversationTitle(c, "u1"))
	assert.Equal(t, "group", conversationTitle(chatsync.Conversation{Kind: chatsync.KindGroup}, "u1"))

	m := chatsync.Message{Sender: chatsync.Participant{ID: "u2"}, Content: "hi", Type: chatsync.TypeText}
	assert.Contains(t, formatMessage(m), "u2: hi")
	m.IsDeleted = true
	assert.Contains(t, formatMessage(m), "(deleted)")
}

func TestDescribeEvent(t *testing.T) {
	assert.Empty(t, describeEvent(chatsync.UserTypingEvent{UserID: "u1", ConversationID: "c1", IsTyping: true}, "u1"))
	assert.Equal(t, "c1  u2 is typing...", describeEvent(chatsync.UserTypingEvent{UserID: "u2", ConversationID: "c1", IsTyping: true}, "u1"))
	assert.Equal(t, "u2 is offline", describeEvent(chatsync.UserOnlineStatusEvent{UserID: "u2"}, "u1"))
	assert.Empty(t, describeEvent(chatsync.MessageReceivedEvent{}, "u1"))
}
