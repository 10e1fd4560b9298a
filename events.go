package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event names.
const (
	EventNewMessage          = "new_message"
	EventMessageReceived     = "message_received"
	EventMessageUpdated      = "message_updated"
	EventNewConversation     = "new_conversation"
	EventUserTyping          = "user_typing"
	EventMessageRead         = "message_read"
	EventUserOnlineStatus    = "user_online_status"
	EventConversationUpdated = "conversation_updated"
)

// Outbound event names.
const (
	EmitJoinConversation  = "join_conversation"
	EmitLeaveConversation = "leave_conversation"
	EmitTypingStart       = "typing_start"
	EmitTypingStop        = "typing_stop"
	EmitMarkRead          = "mark_read"
	EmitSendMessage       = "send_message"
	EmitUserOnline        = "user_online"
)

// ============================================================================
// Wire envelope
// ============================================================================

// Envelope is the wire format of every realtime frame, in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON also accepts the {"type", "payload"} spelling.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Event   string          `json:"event"`
		Type    string          `json:"type"`
		Data    json.RawMessage `json:"data"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Event = firstNonEmpty(raw.Event, raw.Type)
	e.Data = raw.Data
	if len(e.Data) == 0 {
		e.Data = raw.Payload
	}
	return nil
}

// ============================================================================
// Event union
// ============================================================================

// Event is one decoded inbound push event. The concrete type identifies the
// variant; Store.HandleEvent switches on it.
type Event interface {
	EventName() string
}

// MessageNewEvent delivers a message to a joined conversation.
type MessageNewEvent struct {
	Message Message
}

// MessageReceivedEvent is the delivery receipt twin of MessageNewEvent. It
// carries the same message and must never append twice.
type MessageReceivedEvent struct {
	Message Message
}

// MessageUpdatedEvent carries an edit, reaction or status change. Only the
// populated fields of Message are merged.
type MessageUpdatedEvent struct {
	Message Message
}

type ConversationNewEvent struct {
	Conversation Conversation
}

type UserTypingEvent struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type MessageReadEvent struct {
	MessageID      string
	ConversationID string
	ReaderID       string
	ReadAt         time.Time
}

type UserOnlineStatusEvent struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// ConversationUpdatedEvent refreshes a conversation's summary fields.
type ConversationUpdatedEvent struct {
	ConversationID string
	Patch          ConversationPatch
}

// UnknownEvent is any event name this package does not route.
type UnknownEvent struct {
	Name string
	Data json.RawMessage
}

func (MessageNewEvent) EventName() string          { return EventNewMessage }
func (MessageReceivedEvent) EventName() string     { return EventMessageReceived }
func (MessageUpdatedEvent) EventName() string      { return EventMessageUpdated }
func (ConversationNewEvent) EventName() string     { return EventNewConversation }
func (UserTypingEvent) EventName() string          { return EventUserTyping }
func (MessageReadEvent) EventName() string         { return EventMessageRead }
func (UserOnlineStatusEvent) EventName() string    { return EventUserOnlineStatus }
func (ConversationUpdatedEvent) EventName() string { return EventConversationUpdated }
func (e UnknownEvent) EventName() string           { return e.Name }

// ============================================================================
// Decoding
// ============================================================================

// decodeEvent maps an envelope to its Event variant. Unrecognized names
// decode to UnknownEvent; malformed payloads of known names are errors.
func decodeEvent(env Envelope) (Event, error) {
	switch env.Event {
	case EventNewMessage:
		msg, err := decodeEventMessage(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return MessageNewEvent{Message: msg}, nil

	case EventMessageReceived:
		msg, err := decodeEventMessage(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return MessageReceivedEvent{Message: msg}, nil

	case EventMessageUpdated:
		msg, err := decodeEventMessage(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return MessageUpdatedEvent{Message: msg}, nil

	case EventNewConversation:
		conv, err := decodeOne[Conversation](env.Data, "conversation")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		if conv.ID == "" {
			return nil, fmt.Errorf("%s: missing conversation id", env.Event)
		}
		return ConversationNewEvent{Conversation: *conv}, nil

	case EventUserTyping:
		var raw struct {
			UserID         Participant `json:"userId"`
			User           Participant `json:"user"`
			ConversationID string      `json:"conversationId"`
			IsTyping       bool        `json:"isTyping"`
		}
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return UserTypingEvent{
			UserID:         firstNonEmpty(raw.UserID.ID, raw.User.ID),
			ConversationID: raw.ConversationID,
			IsTyping:       raw.IsTyping,
		}, nil

	case EventMessageRead:
		var raw struct {
			MessageID      string      `json:"messageId"`
			ConversationID string      `json:"conversationId"`
			ReaderID       Participant `json:"readerId"`
			UserID         Participant `json:"userId"`
			ReadBy         Participant `json:"readBy"`
			ReadAt         flexTime    `json:"readAt"`
		}
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		ev := MessageReadEvent{
			MessageID:      raw.MessageID,
			ConversationID: raw.ConversationID,
			ReaderID:       firstNonEmpty(raw.ReaderID.ID, raw.UserID.ID, raw.ReadBy.ID),
			ReadAt:         raw.ReadAt.Time,
		}
		if ev.ReadAt.IsZero() {
			ev.ReadAt = time.Now().UTC()
		}
		return ev, nil

	case EventUserOnlineStatus:
		var raw struct {
			UserID   Participant `json:"userId"`
			IsOnline *bool       `json:"isOnline"`
			Status   string      `json:"status"`
		}
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		online := raw.Status == "online"
		if raw.IsOnline != nil {
			online = *raw.IsOnline
		}
		return UserOnlineStatusEvent{UserID: raw.UserID.ID, IsOnline: online}, nil

	case EventConversationUpdated:
		return decodeConversationUpdated(env.Data)

	default:
		return UnknownEvent{Name: env.Event, Data: env.Data}, nil
	}
}

// decodeEventMessage accepts a bare message or {message, conversationId}.
func decodeEventMessage(data json.RawMessage) (Message, error) {
	msg, err := decodeOne[Message](data, "message")
	if err != nil {
		return Message{}, err
	}
	if msg.ConversationID == "" {
		var outer struct {
			ConversationID Participant `json:"conversationId"`
		}
		if json.Unmarshal(data, &outer) == nil {
			msg.ConversationID = outer.ConversationID.ID
		}
	}
	if msg.ID == "" {
		return Message{}, fmt.Errorf("missing message id")
	}
	return *msg, nil
}

func decodeConversationUpdated(data json.RawMessage) (Event, error) {
	var raw struct {
		ConversationID string          `json:"conversationId"`
		ID             string          `json:"id"`
		MongoID        string          `json:"_id"`
		LastMessage    json.RawMessage `json:"lastMessage"`
		LastMessageAt  flexTime        `json:"lastMessageTime"`
		LastMessageAt2 flexTime        `json:"lastMessageAt"`
		UnreadCounts   map[string]int  `json:"unreadCount"`
		ArchivedBy     map[string]bool `json:"isArchived"`
		UpdatedAt      flexTime        `json:"updatedAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", EventConversationUpdated, err)
	}
	ev := ConversationUpdatedEvent{
		ConversationID: firstNonEmpty(raw.ConversationID, raw.ID, raw.MongoID),
	}
	if ev.ConversationID == "" {
		return nil, fmt.Errorf("%s: missing conversation id", EventConversationUpdated)
	}

	lm := bytes.TrimSpace(raw.LastMessage)
	if len(lm) > 0 && !bytes.Equal(lm, []byte("null")) {
		preview := previewText(lm)
		ev.Patch.LastMessage = &preview
	}
	if at := firstTime(raw.LastMessageAt.Time, raw.LastMessageAt2.Time); !at.IsZero() {
		ev.Patch.LastMessageAt = &at
	}
	ev.Patch.UnreadCounts = raw.UnreadCounts
	ev.Patch.ArchivedBy = raw.ArchivedBy
	ev.Patch.UpdatedAt = raw.UpdatedAt.ptr()
	return ev, nil
}
