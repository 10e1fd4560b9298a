package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypingRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, nil)

	s.HandleEvent(UserTypingEvent{UserID: "u2", ConversationID: "c1", IsTyping: true})
	s.HandleEvent(UserTypingEvent{UserID: "u3", ConversationID: "c1", IsTyping: true})
	s.HandleEvent(UserTypingEvent{UserID: "u1", ConversationID: "c1", IsTyping: true})
	s.HandleEvent(UserTypingEvent{UserID: "u2", ConversationID: "c2", IsTyping: true})

	assert.Equal(t, []string{"u2", "u3"}, s.TypingUsersIn("c1", "u1"))
	assert.Equal(t, []string{"u2"}, s.TypingUsersIn("c2", "u1"))

	s.HandleEvent(UserTypingEvent{UserID: "u2", ConversationID: "c1", IsTyping: false})

	assert.Equal(t, []string{"u3"}, s.TypingUsersIn("c1", "u1"))
	assert.Equal(t, []string{"u2"}, s.TypingUsersIn("c2", "u1"), "markers are per conversation")

	s.HandleEvent(UserTypingEvent{UserID: "u3", ConversationID: "c1", IsTyping: false})
	got := s.TypingUsersIn("c1", "u1")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestTypingIDsWithDashes(t *testing.T) {
	s, _ := newTestStore(t, nil)

	s.HandleEvent(UserTypingEvent{UserID: "user-2", ConversationID: "conv-a-b", IsTyping: true})

	assert.Equal(t, []string{"user-2"}, s.TypingUsersIn("conv-a-b", "u1"))
	assert.Empty(t, s.TypingUsersIn("b", "u1"))
}

func TestTypingIgnoresIncompleteEvents(t *testing.T) {
	s, _ := newTestStore(t, nil)

	s.HandleEvent(UserTypingEvent{ConversationID: "c1", IsTyping: true})
	s.HandleEvent(UserTypingEvent{UserID: "u2", IsTyping: true})

	assert.Empty(t, s.TypingUsersIn("c1", ""))
}

func TestRemoteTypingTTL(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		s.HandleEvent(UserTypingEvent{UserID: "u2", ConversationID: "c1", IsTyping: true})

		assert.Never(t, func() bool { return len(s.TypingUsersIn("c1", "u1")) == 0 },
			100*time.Millisecond, 10*time.Millisecond)
	})

	t.Run("expires stale markers", func(t *testing.T) {
		s := NewStore(StoreConfig{Identity: StaticIdentity("u1"), TypingTTL: 30 * time.Millisecond})
		t.Cleanup(s.Close)

		s.HandleEvent(UserTypingEvent{UserID: "u2", ConversationID: "c1", IsTyping: true})
		require.Equal(t, []string{"u2"}, s.TypingUsersIn("c1", "u1"))

		require.Eventually(t, func() bool { return len(s.TypingUsersIn("c1", "u1")) == 0 },
			time.Second, 5*time.Millisecond)
	})

	t.Run("refresh re-arms the timer", func(t *testing.T) {
		s := NewStore(StoreConfig{Identity: StaticIdentity("u1"), TypingTTL: 80 * time.Millisecond})
		t.Cleanup(s.Close)

		s.HandleEvent(UserTypingEvent{UserID: "u2", ConversationID: "c1", IsTyping: true})
		time.Sleep(50 * time.Millisecond)
		s.HandleEvent(UserTypingEvent{UserID: "u2", ConversationID: "c1", IsTyping: true})
		time.Sleep(50 * time.Millisecond)

		assert.Equal(t, []string{"u2"}, s.TypingUsersIn("c1", "u1"), "first timer must not expire the refreshed marker")
	})
}

func TestLocalTyping(t *testing.T) {
	t.Run("one start per burst", func(t *testing.T) {
		s, em := newTestStore(t, nil)

		s.StartTyping(t.Context(), "c1")
		s.StartTyping(t.Context(), "c1")
		s.StartTyping(t.Context(), "c1")
		s.StopTyping(t.Context(), "c1")
		s.StopTyping(t.Context(), "c1")

		assert.Equal(t, []string{EmitTypingStart, EmitTypingStop}, em.events())
		e, _ := em.last(EmitTypingStop)
		assert.Equal(t, map[string]string{"conversationId": "c1"}, e.Payload)
	})

	t.Run("idle timer stops the burst", func(t *testing.T) {
		s, em := newTestStore(t, nil)

		s.StartTyping(t.Context(), "c1")

		require.Eventually(t, func() bool { return em.count(EmitTypingStop) == 1 }, time.Second, 5*time.Millisecond)

		s.StartTyping(t.Context(), "c1")
		assert.Equal(t, 2, em.count(EmitTypingStart), "a new burst starts after idle")
	})

	t.Run("keystrokes keep the burst alive", func(t *testing.T) {
		s, em := newTestStore(t, nil)

		for range 4 {
			s.StartTyping(t.Context(), "c1")
			time.Sleep(20 * time.Millisecond)
		}

		assert.Zero(t, em.count(EmitTypingStop))
		assert.Equal(t, 1, em.count(EmitTypingStart))
	})

	t.Run("close cancels pending stops", func(t *testing.T) {
		s, em := newTestStore(t, nil)

		s.StartTyping(t.Context(), "c1")
		s.Close()

		assert.Never(t, func() bool { return em.count(EmitTypingStop) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	})

	t.Run("closed store ignores new bursts", func(t *testing.T) {
		s, em := newTestStore(t, nil)
		s.Close()

		s.StartTyping(t.Context(), "c1")

		assert.Zero(t, em.count(EmitTypingStart))
		assert.Never(t, func() bool { return em.count(EmitTypingStop) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
		s.mu.Lock()
		assert.Empty(t, s.presence.local)
		s.mu.Unlock()
	})
}

func TestOnlineStatus(t *testing.T) {
	s, _ := newTestStore(t, nil)

	s.HandleEvent(UserOnlineStatusEvent{UserID: "u3", IsOnline: true})
	s.HandleEvent(UserOnlineStatusEvent{UserID: "u2", IsOnline: true})

	assert.True(t, s.IsUserOnline("u2", false))
	assert.Equal(t, []string{"u2", "u3"}, s.OnlineUsers())

	s.HandleEvent(UserOnlineStatusEvent{UserID: "u2", IsOnline: false})

	assert.False(t, s.IsUserOnline("u2", false))
	assert.True(t, s.IsUserOnline("u2", true), "profile flag counts as online")
	assert.Equal(t, []string{"u3"}, s.OnlineUsers())
}
