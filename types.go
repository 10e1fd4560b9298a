package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the messaging service.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chatsync: %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chatsync: HTTP %d: %s", e.StatusCode, e.Message)
}

// ============================================================================
// Participants
// ============================================================================

// Participant is a conversation member or message sender. The service sends
// either a bare user id or a hydrated user summary; both decode here.
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	IsOnline bool   `json:"isOnline,omitempty"`
}

func (p *Participant) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = Participant{}
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*p = Participant{ID: id}
		return nil
	}

	var raw struct {
		ID       string `json:"id"`
		MongoID  string `json:"_id"`
		Name     string `json:"name"`
		Username string `json:"username"`
		FullName string `json:"fullName"`
		Avatar   string `json:"avatar"`
		IsOnline bool   `json:"isOnline"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("participant: %w", err)
	}
	*p = Participant{
		ID:       firstNonEmpty(raw.ID, raw.MongoID),
		Name:     firstNonEmpty(raw.Name, raw.FullName, raw.Username),
		Avatar:   raw.Avatar,
		IsOnline: raw.IsOnline,
	}
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes one-to-one from multi-party conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Conversation is a conversation summary as held by the directory.
type Conversation struct {
	ID            string           `json:"id"`
	Participants  []Participant    `json:"participants"`
	Kind          ConversationKind `json:"type"`
	LastMessage   string           `json:"lastMessage,omitempty"`
	LastMessageAt time.Time        `json:"lastMessageTime,omitempty"`
	UnreadCounts  map[string]int   `json:"unreadCount,omitempty"`
	ArchivedBy    map[string]bool  `json:"isArchived,omitempty"`
	ActiveFor     map[string]bool  `json:"isActive,omitempty"`
	CreatedAt     time.Time        `json:"createdAt,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt,omitempty"`
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID             string           `json:"id"`
		MongoID        string           `json:"_id"`
		Participants   []Participant    `json:"participants"`
		Kind           ConversationKind `json:"type"`
		LastMessage    json.RawMessage  `json:"lastMessage"`
		LastMessageAt  flexTime         `json:"lastMessageTime"`
		LastMessageAt2 flexTime         `json:"lastMessageAt"`
		UnreadCounts   map[string]int   `json:"unreadCount"`
		ArchivedBy     map[string]bool  `json:"isArchived"`
		ActiveFor      map[string]bool  `json:"isActive"`
		CreatedAt      flexTime         `json:"createdAt"`
		UpdatedAt      flexTime         `json:"updatedAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("conversation: %w", err)
	}
	*c = Conversation{
		ID:            firstNonEmpty(raw.ID, raw.MongoID),
		Participants:  raw.Participants,
		Kind:          raw.Kind,
		LastMessage:   previewText(raw.LastMessage),
		LastMessageAt: firstTime(raw.LastMessageAt.Time, raw.LastMessageAt2.Time),
		UnreadCounts:  raw.UnreadCounts,
		ArchivedBy:    raw.ArchivedBy,
		ActiveFor:     raw.ActiveFor,
		CreatedAt:     raw.CreatedAt.Time,
		UpdatedAt:     raw.UpdatedAt.Time,
	}
	if c.Kind == "" {
		c.Kind = KindDirect
	}
	return nil
}

// clone returns a deep copy safe to hand out of the store.
func (c Conversation) clone() Conversation {
	out := c
	out.Participants = append([]Participant(nil), c.Participants...)
	out.UnreadCounts = copyMap(c.UnreadCounts)
	out.ArchivedBy = copyMap(c.ArchivedBy)
	out.ActiveFor = copyMap(c.ActiveFor)
	return out
}

// HasParticipant reports whether userID is a member.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// ConversationPatch is a shallow merge applied by the directory. Nil fields
// are left untouched; map fields are merged key by key.
type ConversationPatch struct {
	Participants  []Participant
	Kind          *ConversationKind
	LastMessage   *string
	LastMessageAt *time.Time
	UnreadCounts  map[string]int
	ArchivedBy    map[string]bool
	ActiveFor     map[string]bool
	UpdatedAt     *time.Time
}

// ============================================================================
// Messages
// ============================================================================

// MessageType routes the opaque Metadata payload.
type MessageType string

const (
	TypeText           MessageType = "text"
	TypeImage          MessageType = "image"
	TypeFile           MessageType = "file"
	TypeServiceOffer   MessageType = "service_offer"
	TypeBookingRequest MessageType = "booking_request"
	TypeLocation       MessageType = "location"
)

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Message is one entry of a conversation's message log.
type Message struct {
	ID             string               `json:"id"`
	ConversationID string               `json:"conversationId"`
	Sender         Participant          `json:"sender"`
	Content        string               `json:"content"`
	Type           MessageType          `json:"type"`
	Metadata       json.RawMessage      `json:"metadata,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt,omitempty"`
	ReadBy         map[string]time.Time `json:"readBy,omitempty"`
	Reactions      []Reaction           `json:"reactions,omitempty"`
	ReplyTo        string               `json:"replyTo,omitempty"`
	ForwardedFrom  string               `json:"forwardedFrom,omitempty"`
	EditedAt       *time.Time           `json:"editedAt,omitempty"`
	IsDeleted      bool                 `json:"isDeleted,omitempty"`
	DeletedAt      *time.Time           `json:"deletedAt,omitempty"`
	DeletedFor     []string             `json:"deletedFor,omitempty"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID             string          `json:"id"`
		MongoID        string          `json:"_id"`
		ConversationID json.RawMessage `json:"conversationId"`
		Sender         Participant     `json:"sender"`
		SenderID       Participant     `json:"senderId"`
		Content        string          `json:"content"`
		Type           MessageType     `json:"type"`
		Metadata       json.RawMessage `json:"metadata"`
		CreatedAt      flexTime        `json:"createdAt"`
		UpdatedAt      flexTime        `json:"updatedAt"`
		ReadBy         readByMap       `json:"readBy"`
		Reactions      []Reaction      `json:"reactions"`
		ReplyTo        Participant     `json:"replyTo"`
		ForwardedFrom  Participant     `json:"forwardedFrom"`
		EditedAt       flexTime        `json:"editedAt"`
		IsDeleted      bool            `json:"isDeleted"`
		DeletedAt      flexTime        `json:"deletedAt"`
		DeletedFor     []string        `json:"deletedFor"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("message: %w", err)
	}

	// conversationId may itself be a hydrated object.
	var conversation Participant
	if len(raw.ConversationID) > 0 {
		if err := json.Unmarshal(raw.ConversationID, &conversation); err != nil {
			return fmt.Errorf("message: conversationId: %w", err)
		}
	}

	sender := raw.Sender
	if sender.ID == "" {
		sender = raw.SenderID
	}

	*m = Message{
		ID:             firstNonEmpty(raw.ID, raw.MongoID),
		ConversationID: conversation.ID,
		Sender:         sender,
		Content:        raw.Content,
		Type:           raw.Type,
		Metadata:       raw.Metadata,
		CreatedAt:      raw.CreatedAt.Time,
		UpdatedAt:      raw.UpdatedAt.Time,
		ReadBy:         map[string]time.Time(raw.ReadBy),
		Reactions:      raw.Reactions,
		ReplyTo:        raw.ReplyTo.ID,
		ForwardedFrom:  raw.ForwardedFrom.ID,
		EditedAt:       raw.EditedAt.ptr(),
		IsDeleted:      raw.IsDeleted,
		DeletedAt:      raw.DeletedAt.ptr(),
		DeletedFor:     raw.DeletedFor,
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	return nil
}

// SenderID is the normalized sender identifier used for all comparisons.
func (m Message) SenderID() string {
	return m.Sender.ID
}

// IsReadBy reports whether userID has a read-by entry.
func (m Message) IsReadBy(userID string) bool {
	if m.ReadBy == nil {
		return false
	}
	_, ok := m.ReadBy[userID]
	return ok
}

func (m Message) clone() Message {
	out := m
	out.Metadata = append(json.RawMessage(nil), m.Metadata...)
	if m.ReadBy != nil {
		out.ReadBy = make(map[string]time.Time, len(m.ReadBy))
		for k, v := range m.ReadBy {
			out.ReadBy[k] = v
		}
	}
	out.Reactions = append([]Reaction(nil), m.Reactions...)
	out.DeletedFor = append([]string(nil), m.DeletedFor...)
	return out
}

// MessagePatch is a shallow merge into an existing message. ReadBy entries are
// merged key by key; every other non-nil field replaces the stored value.
type MessagePatch struct {
	Content    *string
	Metadata   json.RawMessage
	UpdatedAt  *time.Time
	ReadBy     map[string]time.Time
	Reactions  []Reaction
	EditedAt   *time.Time
	IsDeleted  *bool
	DeletedAt  *time.Time
	DeletedFor []string
}

// patchFromMessage builds the patch carried by a message_updated event: every
// field the update populates is merged, empty ones are left alone.
func patchFromMessage(m Message) MessagePatch {
	var patch MessagePatch
	if m.Content != "" {
		patch.Content = &m.Content
	}
	if len(m.Metadata) > 0 {
		patch.Metadata = m.Metadata
	}
	if !m.UpdatedAt.IsZero() {
		patch.UpdatedAt = &m.UpdatedAt
	}
	patch.ReadBy = m.ReadBy
	if m.Reactions != nil {
		patch.Reactions = m.Reactions
	}
	patch.EditedAt = m.EditedAt
	if m.IsDeleted {
		deleted := true
		patch.IsDeleted = &deleted
	}
	patch.DeletedAt = m.DeletedAt
	if m.DeletedFor != nil {
		patch.DeletedFor = m.DeletedFor
	}
	return patch
}

// ============================================================================
// Request / Response Types
// ============================================================================

// ConversationFilter pages and filters GET /conversations.
type ConversationFilter struct {
	Page     int
	Limit    int
	Search   string
	Type     ConversationKind
	Archived *bool
}

// MessageQuery pages GET /conversations/{id}/messages. Before loads an older
// page, After loads newer messages; neither means "latest page, replace".
type MessageQuery struct {
	Page   int
	Limit  int
	Before string
	After  string
}

// SendMessageRequest is validated before any network call.
type SendMessageRequest struct {
	ConversationID string          `json:"-" validate:"required"`
	Content        string          `json:"content" validate:"required_if=Type text,max=10000"`
	Type           MessageType     `json:"type" validate:"required,oneof=text image file service_offer booking_request location"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ReplyTo        string          `json:"replyTo,omitempty"`
	ForwardedFrom  string          `json:"forwardedFrom,omitempty"`
	ClientID       string          `json:"clientId,omitempty"`
}

// CreateConversationRequest is the body of POST /conversations.
type CreateConversationRequest struct {
	Participants []string         `json:"participants" validate:"required,min=1,dive,required"`
	Kind         ConversationKind `json:"type" validate:"required,oneof=direct group"`
}

// BulkReadResult is the response of the bulk mark-read endpoint.
type BulkReadResult struct {
	Success     bool `json:"success"`
	MarkedCount int  `json:"markedCount"`
}

// ============================================================================
// JSON helpers
// ============================================================================

// flexTime accepts RFC 3339 strings, unix milliseconds and null.
type flexTime struct{ time.Time }

func (t *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	var millis int64
	if err := json.Unmarshal(data, &millis); err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", string(data), err)
	}
	t.Time = time.UnixMilli(millis).UTC()
	return nil
}

func (t flexTime) ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// readByMap accepts both {userId: timestamp} and [{userId, readAt}] shapes.
type readByMap map[string]time.Time

func (r *readByMap) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	out := readByMap{}
	if data[0] == '[' {
		var entries []struct {
			UserID Participant `json:"userId"`
			User   Participant `json:"user"`
			ReadAt flexTime    `json:"readAt"`
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("readBy: %w", err)
		}
		for _, e := range entries {
			id := firstNonEmpty(e.UserID.ID, e.User.ID)
			if id != "" {
				out[id] = e.ReadAt.Time
			}
		}
		*r = out
		return nil
	}
	var entries map[string]flexTime
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("readBy: %w", err)
	}
	for k, v := range entries {
		out[k] = v.Time
	}
	*r = out
	return nil
}

// previewText extracts the preview from a lastMessage that is either a
// string or an embedded message object.
func previewText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		_ = json.Unmarshal(raw, &s)
		return s
	}
	var msg struct {
		Content string `json:"content"`
	}
	_ = json.Unmarshal(raw, &msg)
	return msg.Content
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstTime(values ...time.Time) time.Time {
	for _, v := range values {
		if !v.IsZero() {
			return v
		}
	}
	return time.Time{}
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	if in == nil {
		return nil
	}
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
