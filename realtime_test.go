package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// newChatServer serves the chat namespace and hands each accepted
// connection to handle.
func newChatServer(t *testing.T, handle func(ctx context.Context, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultNamespace {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") != "tok" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler exited")
		handle(context.Background(), c)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeFrame(t *testing.T, ctx context.Context, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Errorf("write frame: %v", err)
	}
}

func newTestSession(srv *httptest.Server, token string) *Session {
	return NewSession(&RealtimeConfig{
		URL:                wsURL(srv),
		Tokens:             StaticToken(token),
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
}

// ============================================================================
// Connect
// ============================================================================

func TestSessionConnectWithoutToken(t *testing.T) {
	var dialed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dialed.Store(true)
	}))
	defer srv.Close()

	sess := newTestSession(srv, "")
	var errs []error
	sess.OnError(func(err error) { errs = append(errs, err) })

	require.NoError(t, sess.Connect(t.Context()))

	assert.Equal(t, StateDisconnected, sess.State())
	assert.False(t, dialed.Load())
	assert.Empty(t, errs)
}

func TestSessionConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	sess := newTestSession(srv, "tok")
	var reported []error
	sess.OnError(func(err error) { reported = append(reported, err) })

	err := sess.Connect(t.Context())

	require.Error(t, err)
	assert.True(t, IsKind(err, KindConnectivity))
	require.Len(t, reported, 1)
	assert.True(t, IsKind(reported[0], KindConnectivity))
	assert.Equal(t, StateDisconnected, sess.State())
}

func TestSessionEmitWhenDisconnected(t *testing.T) {
	sess := NewSession(&RealtimeConfig{URL: "ws://127.0.0.1:1"})

	err := sess.Emit(t.Context(), EmitTypingStart, map[string]string{"conversationId": "c1"})

	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, sess.Disconnect(), "disconnect without a connection is a no-op")
}

// ============================================================================
// Event flow
// ============================================================================

func TestSessionDispatchesInOrder(t *testing.T) {
	received := make(chan Envelope, 1)
	srv := newChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		writeFrame(t, ctx, c, `{"event": "new_message", "data": {"_id": "m1", "conversationId": "c1", "senderId": "u2"}}`)
		writeFrame(t, ctx, c, `{"type": "message_received", "payload": {"_id": "m1", "conversationId": "c1", "senderId": "u2"}}`)
		writeFrame(t, ctx, c, `not json`)
		writeFrame(t, ctx, c, `{"event": "new_message", "data": {"content": "missing id"}}`)
		writeFrame(t, ctx, c, `{"event": "user_typing", "data": {"userId": "u2", "conversationId": "c1", "isTyping": true}}`)

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if assert.NoError(t, json.Unmarshal(data, &env)) {
			received <- env
		}
		// Block until the client goes away.
		_, _, _ = c.Read(ctx)
	})

	sess := newTestSession(srv, "tok")

	var mu sync.Mutex
	var names []string
	var errs []error
	sess.OnEvent(func(ev Event) {
		mu.Lock()
		names = append(names, ev.EventName())
		mu.Unlock()
	})
	sess.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	connected := make(chan struct{}, 1)
	sess.OnConnected(func() { connected <- struct{}{} })
	disconnected := make(chan int, 1)
	sess.OnDisconnected(func(code int, _ string) { disconnected <- code })

	require.NoError(t, sess.Connect(t.Context()))
	<-connected
	assert.Equal(t, StateConnected, sess.State())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{EventNewMessage, EventMessageReceived, EventUserTyping}, names)
	require.Len(t, errs, 1, "only the malformed known event is reported")
	mu.Unlock()

	require.NoError(t, sess.Emit(t.Context(), EmitJoinConversation, map[string]string{"conversationId": "c1"}))
	select {
	case env := <-received:
		assert.Equal(t, EmitJoinConversation, env.Event)
		assert.JSONEq(t, `{"conversationId": "c1"}`, string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the emitted event")
	}

	_ = sess.Disconnect()
	assert.Equal(t, int(websocket.StatusNormalClosure), <-disconnected)
	assert.Equal(t, StateDisconnected, sess.State())
	assert.ErrorIs(t, sess.Emit(t.Context(), EmitTypingStop, nil), ErrNotConnected)
}

func TestSessionReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := newChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		if conns.Add(1) == 1 {
			c.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		_, _, _ = c.Read(ctx)
	})

	sess := NewSession(&RealtimeConfig{
		URL:                wsURL(srv),
		Tokens:             StaticToken("tok"),
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = sess.Disconnect() })

	var connects, reconnects atomic.Int32
	var lostErrs atomic.Int32
	sess.OnConnected(func() { connects.Add(1) })
	sess.OnReconnecting(func(attempt int, delay time.Duration) {
		reconnects.Add(1)
		assert.Equal(t, 1, attempt)
		assert.LessOrEqual(t, delay, 50*time.Millisecond)
	})
	sess.OnError(func(err error) {
		if IsKind(err, KindConnectivity) {
			lostErrs.Add(1)
		}
	})

	require.NoError(t, sess.Connect(t.Context()))

	require.Eventually(t, func() bool { return connects.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), reconnects.Load())
	assert.Equal(t, int32(1), lostErrs.Load())
	assert.Equal(t, StateConnected, sess.State())
}

func TestSessionConnectDuringBackoffKeepsOneConnection(t *testing.T) {
	var accepted, live atomic.Int32
	srv := newChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		live.Add(1)
		defer live.Add(-1)
		if accepted.Add(1) == 1 {
			c.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		_, _, _ = c.Read(ctx)
	})

	sess := NewSession(&RealtimeConfig{
		URL:                wsURL(srv),
		Tokens:             StaticToken("tok"),
		AutoReconnect:      true,
		ReconnectBaseDelay: 300 * time.Millisecond,
		ReconnectMaxDelay:  time.Second,
	})
	var connects atomic.Int32
	sess.OnConnected(func() { connects.Add(1) })

	require.NoError(t, sess.Connect(t.Context()))
	require.Eventually(t, func() bool { return sess.State() == StateReconnecting }, time.Second, 5*time.Millisecond)

	require.NoError(t, sess.Connect(t.Context()))
	assert.Equal(t, StateConnected, sess.State())

	// Outlast the backoff (base plus at most half of it as jitter).
	time.Sleep(600 * time.Millisecond)

	assert.Equal(t, int32(2), accepted.Load(), "the woken reconnect loop must not dial again")
	assert.Equal(t, int32(2), connects.Load())
	assert.Equal(t, int32(1), live.Load())
	assert.Equal(t, StateConnected, sess.State())

	_ = sess.Disconnect()
	require.Eventually(t, func() bool { return live.Load() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSessionFailedConnectsShareOneReconnectLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	sess := NewSession(&RealtimeConfig{
		URL:                wsURL(srv),
		Tokens:             StaticToken("tok"),
		AutoReconnect:      true,
		ReconnectBaseDelay: 200 * time.Millisecond,
		ReconnectMaxDelay:  time.Second,
	})
	t.Cleanup(func() { _ = sess.Disconnect() })

	var reconnects atomic.Int32
	sess.OnReconnecting(func(int, time.Duration) { reconnects.Add(1) })

	for range 3 {
		assert.Error(t, sess.Connect(t.Context()))
	}

	require.Eventually(t, func() bool { return reconnects.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), reconnects.Load())
}

func TestSessionFeedsStore(t *testing.T) {
	srv := newChatServer(t, func(ctx context.Context, c *websocket.Conn) {
		writeFrame(t, ctx, c, `{"event": "new_conversation", "data": {"_id": "c1", "participants": ["u1", "u2"]}}`)
		writeFrame(t, ctx, c, `{"event": "new_message", "data": {"_id": "m1", "conversationId": "c1", "senderId": "u2", "content": "hey"}}`)
		writeFrame(t, ctx, c, `{"event": "message_received", "data": {"_id": "m1", "conversationId": "c1", "senderId": "u2", "content": "hey"}}`)
		_, _, _ = c.Read(ctx)
	})

	client := NewClient("tok", WithBaseURL(srv.URL+"/api"))
	sess := client.NewSession(&RealtimeConfig{URL: wsURL(srv)})
	store := NewStore(StoreConfig{API: client, Identity: StaticIdentity("u1")})
	t.Cleanup(store.Close)
	store.Bind(sess)

	require.NoError(t, sess.Connect(t.Context()))
	t.Cleanup(func() { _ = sess.Disconnect() })

	require.Eventually(t, func() bool { return store.UnreadCount("c1") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ConnectivityOnline, store.Connectivity())
	assert.Len(t, store.Messages("c1"), 1)
	c, _ := store.Conversation("c1")
	assert.Equal(t, "hey", c.LastMessage)
}

// ============================================================================
// Helpers
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})

	var delays []time.Duration
	for r.shouldReconnect() {
		d, attempt := r.nextDelay()
		assert.Equal(t, len(delays)+1, attempt)
		delays = append(delays, d)
	}

	require.Len(t, delays, 3)
	assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
	assert.Less(t, delays[0], 150*time.Millisecond)
	assert.GreaterOrEqual(t, delays[1], 200*time.Millisecond)
	assert.GreaterOrEqual(t, delays[2], 400*time.Millisecond)

	r.reset()
	assert.True(t, r.shouldReconnect())
}

func TestReconnectorCapsDelay(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    5 * time.Second,
		MaxReconnectAttempts: -1,
	})

	var last time.Duration
	for range 20 {
		last, _ = r.nextDelay()
	}
	assert.True(t, r.shouldReconnect(), "negative max retries forever")
	assert.Equal(t, 5*time.Second, last)
}

func TestWebsocketOrigin(t *testing.T) {
	tests := map[string]string{
		"https://chat.example.com/api":  "wss://chat.example.com",
		"http://localhost:5000/api":     "ws://localhost:5000",
		"https://chat.example.com:8443": "wss://chat.example.com:8443",
	}
	for in, want := range tests {
		assert.Equal(t, want, websocketOrigin(in), in)
	}
}

func TestSessionURL(t *testing.T) {
	client := NewClient("a b", WithBaseURL("https://chat.example.com/api"))
	sess := client.NewSession(&RealtimeConfig{Namespace: "rooms"})

	assert.Equal(t, "wss://chat.example.com/rooms?token=a+b", sess.URL("a b"))
	assert.Equal(t, "wss://chat.example.com/rooms", sess.URL(""))
}

func TestSessionErrorTypes(t *testing.T) {
	err := connectivityError("read", errors.New("EOF"))
	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, msgConnectivity, syncErr.UserMessage())
}
