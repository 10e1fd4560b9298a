package chatsync

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// typingKey is the composite "userId-conversationId" key of a typing marker.
func typingKey(userID, conversationID string) string {
	return userID + "-" + conversationID
}

// typingMarker keeps both halves of its key so lookups never re-parse IDs
// that may themselves contain '-'.
type typingMarker struct {
	UserID         string
	ConversationID string
	seq            uint64
	expiry         *time.Timer
}

// localTyping is the local user's typing burst in one conversation.
type localTyping struct {
	seq  uint64
	idle *time.Timer
}

// presenceTracker holds the online set, remote typing markers and the local
// user's typing bursts. Not safe for concurrent use; Store serializes access.
type presenceTracker struct {
	online map[string]struct{}
	typing map[string]*typingMarker
	local  map[string]*localTyping
	seq    uint64
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{
		online: make(map[string]struct{}),
		typing: make(map[string]*typingMarker),
		local:  make(map[string]*localTyping),
	}
}

func (p *presenceTracker) nextSeq() uint64 {
	p.seq++
	return p.seq
}

func (p *presenceTracker) setOnline(userID string, online bool) {
	if userID == "" {
		return
	}
	if online {
		p.online[userID] = struct{}{}
	} else {
		delete(p.online, userID)
	}
}

func (p *presenceTracker) isOnline(userID string) bool {
	_, ok := p.online[userID]
	return ok
}

func (p *presenceTracker) onlineUsers() []string {
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// startRemoteTyping inserts or refreshes a marker. Its new seq lets a stale
// expiry timer recognize that the marker was refreshed.
func (p *presenceTracker) startRemoteTyping(userID, conversationID string) *typingMarker {
	key := typingKey(userID, conversationID)
	m, ok := p.typing[key]
	if !ok {
		m = &typingMarker{UserID: userID, ConversationID: conversationID}
		p.typing[key] = m
	}
	if m.expiry != nil {
		m.expiry.Stop()
		m.expiry = nil
	}
	m.seq = p.nextSeq()
	return m
}

func (p *presenceTracker) stopRemoteTyping(userID, conversationID string) {
	key := typingKey(userID, conversationID)
	if m, ok := p.typing[key]; ok {
		if m.expiry != nil {
			m.expiry.Stop()
		}
		delete(p.typing, key)
	}
}

// expireRemoteTyping removes the marker only if it was not refreshed since
// the timer was armed.
func (p *presenceTracker) expireRemoteTyping(key string, seq uint64) bool {
	m, ok := p.typing[key]
	if !ok || m.seq != seq {
		return false
	}
	delete(p.typing, key)
	return true
}

// typingUsersIn lists users typing in conversationID, minus excludingUserID,
// sorted.
func (p *presenceTracker) typingUsersIn(conversationID, excludingUserID string) []string {
	out := []string{}
	for _, m := range p.typing {
		if m.ConversationID == conversationID && m.UserID != excludingUserID {
			out = append(out, m.UserID)
		}
	}
	sort.Strings(out)
	return out
}

// stopAll cancels every pending timer.
func (p *presenceTracker) stopAll() {
	for _, m := range p.typing {
		if m.expiry != nil {
			m.expiry.Stop()
		}
	}
	for _, l := range p.local {
		l.idle.Stop()
	}
	p.local = make(map[string]*localTyping)
}

// ============================================================================
// Store: typing and presence
// ============================================================================

// StartTyping signals that the local user is composing in conversationID.
// typing_start is emitted once per burst; each call re-arms the idle timer,
// and typing_stop is emitted when it fires.
func (s *Store) StartTyping(ctx context.Context, conversationID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	burst, active := s.presence.local[conversationID]
	if !active {
		burst = &localTyping{}
		s.presence.local[conversationID] = burst
	} else {
		burst.idle.Stop()
	}
	seq := s.presence.nextSeq()
	burst.seq = seq
	burst.idle = time.AfterFunc(s.cfg.TypingIdle, func() {
		s.expireLocalTyping(conversationID, seq)
	})
	s.mu.Unlock()

	if !active {
		s.emit(ctx, EmitTypingStart, map[string]string{"conversationId": conversationID})
	}
}

// StopTyping ends the local typing burst immediately.
func (s *Store) StopTyping(ctx context.Context, conversationID string) {
	s.mu.Lock()
	burst, active := s.presence.local[conversationID]
	if active {
		burst.idle.Stop()
		delete(s.presence.local, conversationID)
	}
	s.mu.Unlock()

	if active {
		s.emit(ctx, EmitTypingStop, map[string]string{"conversationId": conversationID})
	}
}

func (s *Store) expireLocalTyping(conversationID string, seq uint64) {
	s.mu.Lock()
	burst, active := s.presence.local[conversationID]
	expired := active && burst.seq == seq
	if expired {
		delete(s.presence.local, conversationID)
	}
	s.mu.Unlock()

	if expired {
		s.logger.Debug("typing idle", zap.String("conversation_id", conversationID))
		s.emit(context.Background(), EmitTypingStop, map[string]string{"conversationId": conversationID})
	}
}

// handleTyping applies a remote typing signal.
func (s *Store) handleTyping(ev UserTypingEvent) {
	if ev.UserID == "" || ev.ConversationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ev.IsTyping {
		s.presence.stopRemoteTyping(ev.UserID, ev.ConversationID)
		return
	}
	m := s.presence.startRemoteTyping(ev.UserID, ev.ConversationID)
	if s.cfg.TypingTTL > 0 && !s.closed {
		key, seq := typingKey(ev.UserID, ev.ConversationID), m.seq
		m.expiry = time.AfterFunc(s.cfg.TypingTTL, func() {
			s.mu.Lock()
			s.presence.expireRemoteTyping(key, seq)
			s.mu.Unlock()
		})
	}
}

func (s *Store) handleOnlineStatus(ev UserOnlineStatusEvent) {
	s.mu.Lock()
	s.presence.setOnline(ev.UserID, ev.IsOnline)
	s.mu.Unlock()
}

// TypingUsersIn lists users currently typing in conversationID, excluding
// excludingUserID (normally the local user).
func (s *Store) TypingUsersIn(conversationID, excludingUserID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.typingUsersIn(conversationID, excludingUserID)
}

// IsUserOnline reports effective presence: pushed online status, or the
// profile-level flag carried by the user record.
func (s *Store) IsUserOnline(userID string, profileOnline bool) bool {
	if profileOnline {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.isOnline(userID)
}

// OnlineUsers returns the pushed online set, sorted.
func (s *Store) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.onlineUsers()
}
