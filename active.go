package chatsync

import (
	"context"

	"go.uber.org/zap"
)

// activeTracker is the Idle / Viewing(conversationID) state machine.
type activeTracker struct {
	current string
}

func (a *activeTracker) viewing() (string, bool) {
	return a.current, a.current != ""
}

func (a *activeTracker) is(conversationID string) bool {
	return conversationID != "" && a.current == conversationID
}

// enter moves to Viewing(conversationID) and returns the previous one.
func (a *activeTracker) enter(conversationID string) string {
	prev := a.current
	a.current = conversationID
	return prev
}

// leave moves to Idle if conversationID is the one being viewed.
func (a *activeTracker) leave(conversationID string) bool {
	if !a.is(conversationID) {
		return false
	}
	a.current = ""
	return true
}

// ============================================================================
// Store: navigation
// ============================================================================

// JoinConversation makes conversationID the active conversation, joins its
// room and runs the auto-read sweep once. Messages arriving for it from
// other users are then marked read on arrival instead of counted unread.
func (s *Store) JoinConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return s.fail(validationError("join conversation", errMissingConversation))
	}
	me, _ := s.currentUser()

	s.mu.Lock()
	prev := s.active.enter(conversationID)
	if me != "" {
		if prev != "" && prev != conversationID {
			s.dir.patch(prev, ConversationPatch{ActiveFor: map[string]bool{me: false}})
		}
		s.dir.patch(conversationID, ConversationPatch{ActiveFor: map[string]bool{me: true}})
	}
	s.mu.Unlock()

	s.logger.Debug("joined conversation", zap.String("conversation_id", conversationID), zap.String("previous", prev))
	s.emit(ctx, EmitJoinConversation, map[string]string{"conversationId": conversationID})

	_, err := s.AutoMarkConversationAsRead(ctx, conversationID)
	return err
}

// LeaveConversation leaves the conversation's room. If it was the active
// conversation the tracker returns to Idle and an online presence update is
// broadcast.
func (s *Store) LeaveConversation(ctx context.Context, conversationID string) {
	me, _ := s.currentUser()

	s.mu.Lock()
	left := s.active.leave(conversationID)
	if left && me != "" {
		s.dir.patch(conversationID, ConversationPatch{ActiveFor: map[string]bool{me: false}})
	}
	s.mu.Unlock()

	s.emit(ctx, EmitLeaveConversation, map[string]string{"conversationId": conversationID})
	if left {
		s.broadcastOnline(ctx)
	}
}

// ActiveConversation returns the conversation being viewed, if any.
func (s *Store) ActiveConversation() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.viewing()
}

func (s *Store) broadcastOnline(ctx context.Context) {
	payload := map[string]string{}
	if me, ok := s.currentUser(); ok {
		payload["userId"] = me
	}
	s.emit(ctx, EmitUserOnline, payload)
}
