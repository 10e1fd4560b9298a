package chatsync

import "time"

// messageLog holds one ordered log per conversation. Order is insertion
// order; a message ID appears at most once per conversation. It is not
// safe for concurrent use; Store serializes access.
type messageLog struct {
	byConversation map[string][]Message
}

func newMessageLog() *messageLog {
	return &messageLog{byConversation: make(map[string][]Message)}
}

func (l *messageLog) indexOf(conversationID, messageID string) int {
	for i, m := range l.byConversation[conversationID] {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}

func (l *messageLog) has(conversationID, messageID string) bool {
	return l.indexOf(conversationID, messageID) >= 0
}

// setMessages replaces the conversation's log. Repeated IDs inside the page
// collapse to their first occurrence.
func (l *messageLog) setMessages(conversationID string, page []Message) {
	seen := make(map[string]struct{}, len(page))
	out := make([]Message, 0, len(page))
	for _, m := range page {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.ConversationID = conversationID
		out = append(out, m.clone())
	}
	l.byConversation[conversationID] = out
}

// appendMessage inserts at the tail unless the ID is already present.
func (l *messageLog) appendMessage(conversationID string, m Message) bool {
	if l.has(conversationID, m.ID) {
		return false
	}
	m.ConversationID = conversationID
	l.byConversation[conversationID] = append(l.byConversation[conversationID], m.clone())
	return true
}

// prependMessages inserts an older page at the head, skipping known IDs.
// It returns the number of messages inserted.
func (l *messageLog) prependMessages(conversationID string, older []Message) int {
	existing := l.byConversation[conversationID]
	seen := make(map[string]struct{}, len(existing)+len(older))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}

	head := make([]Message, 0, len(older))
	for _, m := range older {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.ConversationID = conversationID
		head = append(head, m.clone())
	}
	if len(head) == 0 {
		return 0
	}
	l.byConversation[conversationID] = append(head, existing...)
	return len(head)
}

// patchMessage merges patch into the first entry with messageID. It reports
// whether a message was found.
func (l *messageLog) patchMessage(conversationID, messageID string, patch MessagePatch) bool {
	i := l.indexOf(conversationID, messageID)
	if i < 0 {
		return false
	}
	m := &l.byConversation[conversationID][i]

	if patch.Content != nil {
		m.Content = *patch.Content
	}
	if patch.Metadata != nil {
		m.Metadata = append(m.Metadata[:0:0], patch.Metadata...)
	}
	if patch.UpdatedAt != nil {
		m.UpdatedAt = *patch.UpdatedAt
	}
	if len(patch.ReadBy) > 0 {
		if m.ReadBy == nil {
			m.ReadBy = make(map[string]time.Time, len(patch.ReadBy))
		}
		for userID, at := range patch.ReadBy {
			m.ReadBy[userID] = at
		}
	}
	if patch.Reactions != nil {
		m.Reactions = append([]Reaction(nil), patch.Reactions...)
	}
	if patch.EditedAt != nil {
		at := *patch.EditedAt
		m.EditedAt = &at
	}
	if patch.IsDeleted != nil {
		m.IsDeleted = *patch.IsDeleted
	}
	if patch.DeletedAt != nil {
		at := *patch.DeletedAt
		m.DeletedAt = &at
	}
	if patch.DeletedFor != nil {
		m.DeletedFor = append([]string(nil), patch.DeletedFor...)
	}
	return true
}

// markRead stamps ReadBy[userID] on each listed message that lacks it and
// returns how many changed.
func (l *messageLog) markRead(conversationID string, messageIDs []string, userID string, at time.Time) int {
	if len(messageIDs) == 0 {
		return 0
	}
	want := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = struct{}{}
	}

	changed := 0
	msgs := l.byConversation[conversationID]
	for i := range msgs {
		if _, ok := want[msgs[i].ID]; !ok || msgs[i].IsReadBy(userID) {
			continue
		}
		if msgs[i].ReadBy == nil {
			msgs[i].ReadBy = make(map[string]time.Time, 1)
		}
		msgs[i].ReadBy[userID] = at
		changed++
	}
	return changed
}

// unreadFor lists IDs whose ReadBy lacks userID, in log order. Messages the
// user authored are included.
func (l *messageLog) unreadFor(conversationID, userID string) []string {
	var ids []string
	for _, m := range l.byConversation[conversationID] {
		if !m.IsReadBy(userID) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// last returns the tail message, if any.
func (l *messageLog) last(conversationID string) (Message, bool) {
	msgs := l.byConversation[conversationID]
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// messages returns a copy of the conversation's log.
func (l *messageLog) messages(conversationID string) []Message {
	msgs := l.byConversation[conversationID]
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.clone()
	}
	return out
}

func (l *messageLog) conversationIDs() []string {
	ids := make([]string, 0, len(l.byConversation))
	for id := range l.byConversation {
		ids = append(ids, id)
	}
	return ids
}
