package chatsync

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSnapshots(t *testing.T) *SnapshotStore {
	t.Helper()
	ss, err := OpenSnapshotStore(filepath.Join(t.TempDir(), "snapshot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })
	return ss
}

func TestSnapshotRoundTrip(t *testing.T) {
	src, _ := newTestStore(t, nil)
	// Pushed in reverse so the directory order differs from key order.
	for _, id := range []string{"a", "c", "b"} {
		src.HandleEvent(ConversationNewEvent{Conversation: conv(id, "u1", "u2")})
	}
	src.HandleEvent(MessageNewEvent{Message: msg("m1", "a", "u2", "hello")})
	img := msg("m2", "a", "u1", "")
	img.Type = TypeImage
	img.Metadata = json.RawMessage(`{"url":"https://cdn.example.com/x.png"}`)
	src.HandleEvent(MessageNewEvent{Message: img})

	ss := openTestSnapshots(t)
	snap := src.Snapshot()
	require.NoError(t, ss.Save(snap))

	loaded, err := ss.Load()
	require.NoError(t, err)

	assert.WithinDuration(t, snap.SavedAt, loaded.SavedAt, time.Millisecond)
	assert.Equal(t, []string{"b", "c", "a"}, convIDs(loaded.Conversations))
	assert.Equal(t, 1, loaded.Conversations[2].UnreadCounts["u1"])

	msgs := loaded.Messages["a"]
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "u2", msgs[0].SenderID())
	assert.True(t, msgs[0].CreatedAt.Equal(snap.Messages["a"][0].CreatedAt))
	assert.Equal(t, TypeImage, msgs[1].Type)
	assert.JSONEq(t, string(img.Metadata), string(msgs[1].Metadata))

	dst, _ := newTestStore(t, nil)
	dst.Restore(loaded)
	assert.Equal(t, []string{"b", "c", "a"}, convIDs(dst.Conversations()))
	assert.Equal(t, 1, dst.UnreadCount("a"))
	assert.Equal(t, []string{"m1", "m2"}, ids(dst.Messages("a")))

	dst.HandleEvent(MessageNewEvent{Message: msg("m1", "a", "u2", "hello")})
	assert.Len(t, dst.Messages("a"), 2, "restored logs still deduplicate")
}

func TestSnapshotSaveReplaces(t *testing.T) {
	ss := openTestSnapshots(t)

	require.NoError(t, ss.Save(Snapshot{
		Conversations: []Conversation{conv("old")},
		Messages:      map[string][]Message{"old": {msg("m1", "old", "u2", "")}},
		SavedAt:       time.Now(),
	}))
	require.NoError(t, ss.Save(Snapshot{
		Conversations: []Conversation{conv("new")},
		SavedAt:       time.Now(),
	}))

	loaded, err := ss.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, convIDs(loaded.Conversations))
	assert.Empty(t, loaded.Messages)
}

func TestSnapshotEmpty(t *testing.T) {
	ss := openTestSnapshots(t)

	loaded, err := ss.Load()

	require.NoError(t, err)
	assert.Empty(t, loaded.Conversations)
	assert.Empty(t, loaded.Messages)
	assert.True(t, loaded.SavedAt.IsZero())
}

func TestSnapshotReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")

	ss, err := OpenSnapshotStore(path)
	require.NoError(t, err)
	require.NoError(t, ss.Save(Snapshot{Conversations: []Conversation{conv("c1")}, SavedAt: time.Now()}))
	require.NoError(t, ss.Close())

	ss, err = OpenSnapshotStore(path)
	require.NoError(t, err)
	defer ss.Close()

	loaded, err := ss.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, convIDs(loaded.Conversations))
}
