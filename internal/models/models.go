package models

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
)

// Message is a persisted direct message between two users.
// Everything except the Read flag is immutable after persistence.
type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Body       string `json:"body"`
	ContextID  string `json:"contextId,omitempty"`
	Read       bool   `json:"read"`
	CreatedAt  int64  `json:"createdAt"` // Unix timestamp (milliseconds)
}

// ConversationSummary is a derived per-counterpart view, recomputed
// on demand from the message history of the requesting user.
type ConversationSummary struct {
	UserID        string `json:"userId"`
	Unread        int    `json:"unread"`
	LastMessageAt int64  `json:"lastMessageAt"` // Unix timestamp (milliseconds)
}

// ClientEvent is a frame sent from the client to the gateway.
// Data is decoded per event name.
type ClientEvent struct {
	Event ClientEventName `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is a frame sent from the gateway to a client.
type ServerEvent struct {
	Event EventName `json:"event"`
	Data  any       `json:"data,omitempty"`
}

type ClientEventName string

const (
	ClientEventSendMessage       ClientEventName = "send_message"
	ClientEventTyping            ClientEventName = "typing"
	ClientEventMarkRead          ClientEventName = "mark_read"
	ClientEventLoadConversation  ClientEventName = "load_conversation"
	ClientEventLoadConversations ClientEventName = "load_conversations"
	ClientEventRefreshAuth       ClientEventName = "refresh_auth"
)

type EventName string

const (
	EventAuthenticated       EventName = "authenticated"
	EventAuthError           EventName = "auth_error"
	EventReceiveMessage      EventName = "receive_message"
	EventMessageSent         EventName = "message_sent"
	EventUserTyping          EventName = "user_typing"
	EventConversationLoaded  EventName = "conversation_loaded"
	EventConversationsLoaded EventName = "conversations_loaded"
	EventAssignment          EventName = "inspection_assigned"
	EventNotification        EventName = "notification"
)

type AuthErrorCode string

const (
	AuthErrorNoToken        AuthErrorCode = "NO_TOKEN"
	AuthErrorTokenExpired   AuthErrorCode = "TOKEN_EXPIRED"
	AuthErrorInvalidToken   AuthErrorCode = "INVALID_TOKEN"
	AuthErrorInvalidPayload AuthErrorCode = "INVALID_PAYLOAD"
	AuthErrorMaxAttempts    AuthErrorCode = "MAX_ATTEMPTS_EXCEEDED"
)

// Inbound payloads.

type SendMessagePayload struct {
	ReceiverID string `json:"receiverId"`
	Message    string `json:"message"`
	ContextID  string `json:"contextId,omitempty"`
	TempID     string `json:"tempId,omitempty"`
}

type TypingPayload struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

type MarkReadPayload struct {
	SenderID string `json:"senderId"`
}

type LoadConversationPayload struct {
	OtherUserID string `json:"otherUserId"`
	Limit       int    `json:"limit,omitempty"`
}

type RefreshAuthPayload struct {
	Token string `json:"token"`
}

// Outbound payloads.

type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

type AuthErrorPayload struct {
	Code              AuthErrorCode `json:"code"`
	Message           string        `json:"message"`
	AttemptsRemaining *int          `json:"attemptsRemaining,omitempty"`
}

// MessagePayload is the persisted record plus the caller-supplied
// tempId echoed back for optimistic-update reconciliation.
type MessagePayload struct {
	Message
	TempID string `json:"tempId,omitempty"`
}

type UserTypingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type ConversationPayload struct {
	Messages []Message `json:"messages"`
}

type ConversationsPayload struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type AssignmentPayload struct {
	AssignmentID string `json:"assignmentId"`
	ContextID    string `json:"contextId,omitempty"`
	Message      string `json:"message"`
}

// NotificationPayload flattens Extra into the top-level object, so
// the wire shape is {title, message, ...extra}. Title and message win
// on key collision.
type NotificationPayload struct {
	Title   string
	Message string
	Extra   map[string]any
}

func (n NotificationPayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Extra)+2)
	for k, v := range n.Extra {
		out[k] = v
	}
	out["title"] = n.Title
	out["message"] = n.Message
	return json.Marshal(out)
}
