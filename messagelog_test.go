package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id, conversationID, sender, content string) Message {
	return Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         Participant{ID: sender},
		Content:        content,
		Type:           TypeText,
		CreatedAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMessageLogAppendDeduplicates(t *testing.T) {
	l := newMessageLog()

	require.True(t, l.appendMessage("c1", msg("m1", "c1", "u2", "hello")))
	require.False(t, l.appendMessage("c1", msg("m1", "c1", "u2", "x")))

	got := l.messages("c1")
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Content, "first copy wins")
}

func TestMessageLogDuplicateKeepsOrder(t *testing.T) {
	l := newMessageLog()
	for _, id := range []string{"m1", "m2", "m3"} {
		l.appendMessage("c1", msg(id, "c1", "u2", id))
	}

	l.appendMessage("c1", msg("m2", "c1", "u2", "again"))

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(l.messages("c1")))
}

func TestMessageLogSameIDInDifferentConversations(t *testing.T) {
	l := newMessageLog()

	assert.True(t, l.appendMessage("c1", msg("m1", "c1", "u2", "a")))
	assert.True(t, l.appendMessage("c2", msg("m1", "c2", "u2", "b")))
}

func TestMessageLogSetMessages(t *testing.T) {
	l := newMessageLog()
	l.appendMessage("c1", msg("old", "c1", "u2", "stale"))

	l.setMessages("c1", []Message{
		msg("m1", "c1", "u2", "a"),
		msg("m2", "c1", "u2", "b"),
		msg("m1", "c1", "u2", "dup"),
	})

	got := l.messages("c1")
	assert.Equal(t, []string{"m1", "m2"}, ids(got))
	assert.Equal(t, "a", got[0].Content)
}

func TestMessageLogPrependSkipsKnown(t *testing.T) {
	l := newMessageLog()
	l.setMessages("c1", []Message{msg("m3", "c1", "u2", ""), msg("m4", "c1", "u2", "")})

	n := l.prependMessages("c1", []Message{
		msg("m1", "c1", "u2", ""),
		msg("m2", "c1", "u2", ""),
		msg("m3", "c1", "u2", ""),
	})

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(l.messages("c1")))
}

func TestMessageLogPatch(t *testing.T) {
	l := newMessageLog()
	l.appendMessage("c1", msg("m1", "c1", "u2", "hello"))

	edited := "hello, edited"
	at := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	reactions := []Reaction{{UserID: "u1", Emoji: "👍"}}

	t.Run("merges set fields", func(t *testing.T) {
		ok := l.patchMessage("c1", "m1", MessagePatch{Content: &edited, EditedAt: &at, Reactions: reactions})
		require.True(t, ok)

		got := l.messages("c1")[0]
		assert.Equal(t, edited, got.Content)
		require.NotNil(t, got.EditedAt)
		assert.Equal(t, at, *got.EditedAt)
		assert.Equal(t, reactions, got.Reactions)
		assert.Equal(t, "u2", got.SenderID(), "untouched fields survive")
	})

	t.Run("merges read-by key by key", func(t *testing.T) {
		l.patchMessage("c1", "m1", MessagePatch{ReadBy: map[string]time.Time{"u1": at}})
		l.patchMessage("c1", "m1", MessagePatch{ReadBy: map[string]time.Time{"u3": at}})

		got := l.messages("c1")[0]
		assert.True(t, got.IsReadBy("u1"))
		assert.True(t, got.IsReadBy("u3"))
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		assert.False(t, l.patchMessage("c1", "missing", MessagePatch{Content: &edited}))
		assert.Len(t, l.messages("c1"), 1)
	})
}

func TestMessageLogReadsAreCopies(t *testing.T) {
	l := newMessageLog()
	m := msg("m1", "c1", "u2", "hello")
	m.ReadBy = map[string]time.Time{"u2": time.Now()}
	l.appendMessage("c1", m)

	got := l.messages("c1")
	got[0].Content = "mutated"
	got[0].ReadBy["u1"] = time.Now()

	stored := l.messages("c1")[0]
	assert.Equal(t, "hello", stored.Content)
	assert.False(t, stored.IsReadBy("u1"))
}

func TestMessageLogUnreadIncludesOwnMessages(t *testing.T) {
	l := newMessageLog()
	read := msg("m1", "c1", "u2", "")
	read.ReadBy = map[string]time.Time{"u1": time.Now()}
	l.appendMessage("c1", read)
	l.appendMessage("c1", msg("m2", "c1", "u2", ""))
	// Authored by u1 itself with no read-by entry: still counted unread.
	l.appendMessage("c1", msg("m3", "c1", "u1", ""))

	assert.Equal(t, []string{"m2", "m3"}, l.unreadFor("c1", "u1"))
}

func TestMessageLogMarkRead(t *testing.T) {
	l := newMessageLog()
	l.appendMessage("c1", msg("m1", "c1", "u2", ""))
	l.appendMessage("c1", msg("m2", "c1", "u2", ""))

	at := time.Now().UTC()
	assert.Equal(t, 2, l.markRead("c1", []string{"m1", "m2", "missing"}, "u1", at))
	assert.Equal(t, 0, l.markRead("c1", []string{"m1"}, "u1", at.Add(time.Minute)))
	assert.Empty(t, l.unreadFor("c1", "u1"))
	assert.Equal(t, at, l.messages("c1")[0].ReadBy["u1"], "existing stamp is kept")
}
