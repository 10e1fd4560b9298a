package chatsync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// computeUnread lists the conversation's messages whose read-by map lacks
// userID. Messages authored by userID are not excluded.
func (s *Store) computeUnread(conversationID, userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.unreadFor(conversationID, userID)
}

// MarkConversationRead marks messageIDs read with one bulk call. On success
// every requested message is stamped read for the local user, whatever
// count the server reports, and the server's count is returned. Stamps are
// never rolled back.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID string, messageIDs []string) (int, error) {
	const op = "mark conversation read"
	if conversationID == "" {
		return 0, s.fail(validationError(op, errMissingConversation))
	}
	if len(messageIDs) == 0 {
		return 0, nil
	}
	if err := s.requireAPI(op); err != nil {
		return 0, err
	}

	result, err := s.api.BulkMarkRead(ctx, conversationID, messageIDs)
	s.metrics.request("bulk_mark_read", err)
	if err != nil {
		return 0, s.fail(classify(op, err, notFoundGeneric))
	}
	s.metrics.receipts(result.MarkedCount)

	if me, ok := s.currentUser(); ok {
		s.mu.Lock()
		stamped := s.log.markRead(conversationID, messageIDs, me, time.Now().UTC())
		s.mu.Unlock()
		if stamped != result.MarkedCount {
			s.logger.Debug("bulk mark-read count differs",
				zap.String("conversation_id", conversationID),
				zap.Int("requested", len(messageIDs)),
				zap.Int("stamped", stamped),
				zap.Int("server_marked", result.MarkedCount),
			)
		}
	}
	return result.MarkedCount, nil
}

// AutoMarkConversationAsRead marks every unread message of the conversation
// read for the local user and resets their unread counter. It does nothing
// when the local user is unknown or nothing is unread, so repeating it
// without new arrivals makes no network call.
func (s *Store) AutoMarkConversationAsRead(ctx context.Context, conversationID string) (int, error) {
	me, ok := s.currentUser()
	if !ok {
		s.logger.Debug("auto-read skipped: local user unknown", zap.String("conversation_id", conversationID))
		return 0, nil
	}

	unread := s.computeUnread(conversationID, me)
	if len(unread) == 0 {
		return 0, nil
	}

	marked, err := s.MarkConversationRead(ctx, conversationID, unread)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.dir.patch(conversationID, ConversationPatch{UnreadCounts: map[string]int{me: 0}})
	s.mu.Unlock()
	return marked, nil
}

// MarkMessageRead marks a single message read and stamps it locally.
func (s *Store) MarkMessageRead(ctx context.Context, conversationID, messageID string) error {
	const op = "mark message read"
	if messageID == "" {
		return s.fail(validationError(op, errMissingMessage))
	}
	if err := s.requireAPI(op); err != nil {
		return err
	}

	err := s.api.MarkMessageRead(ctx, messageID)
	s.metrics.request("mark_message_read", err)
	if err != nil {
		return s.fail(classify(op, err, notFoundMessage))
	}

	if me, ok := s.currentUser(); ok {
		s.mu.Lock()
		if conversationID == "" {
			conversationID = s.findMessage(messageID)
		}
		s.log.markRead(conversationID, []string{messageID}, me, time.Now().UTC())
		s.mu.Unlock()
	}
	return nil
}

// handleMessageRead records another participant's read receipt.
func (s *Store) handleMessageRead(ev MessageReadEvent) {
	if ev.MessageID == "" || ev.ReaderID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conversationID := ev.ConversationID
	if conversationID == "" {
		conversationID = s.findMessage(ev.MessageID)
	}
	patch := MessagePatch{ReadBy: map[string]time.Time{ev.ReaderID: ev.ReadAt}}
	if !s.log.patchMessage(conversationID, ev.MessageID, patch) {
		s.logger.Debug("read receipt for unknown message", zap.String("message_id", ev.MessageID))
	}
}
