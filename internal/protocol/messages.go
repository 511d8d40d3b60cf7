// Package protocol defines the frames and event payloads exchanged between the
// chat client and the server. Every frame is a JSON envelope carrying an event
// name, an event-specific payload and, for requests that expect a reply, an
// acknowledgement id.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/whisper/workchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Server -> Client events.
const (
	EventMessageReceived      = "message:received"
	EventMessageStatus        = "message:status"
	EventMessageEdited        = "message:edited"
	EventMessageDeletedForAll = "message:deleted-for-everyone"
	EventMessagePinned        = "message:pinned"
	EventReactionUpdated      = "reaction:updated"
	EventReactionActivity     = "reaction:activity"
	EventConversationUpdated  = "conversation:updated"
	EventConversationNew      = "conversation:new"
	EventPresenceOnlineUsers  = "presence:online-users"
	EventPresenceChanged      = "presence:changed"
	EventTypingStarted        = "typing:started"
	EventTypingStopped        = "typing:stopped"
	EventReadReceipt          = "read:receipt"
	EventGroupJoined          = "group:joined"
	EventGroupRemoved         = "group:removed"
	EventGroupMemberUpdate    = "group:member-update"
	EventAck                  = "ack"
)

// Client -> Server events.
const (
	EventMessageSend         = "message:send"
	EventMessageEdit         = "message:edit"
	EventMessageDeleteForMe  = "message:delete-for-me"
	EventMessageDeleteForAll = "message:delete-for-everyone"
	EventMessagePin          = "message:pin"
	EventReactionAdd         = "reaction:add"
	EventTypingStart         = "typing:start"
	EventTypingStop          = "typing:stop"
	EventReadMark            = "read:mark"
	EventConversationJoin    = "conversation:join"
)

// Presence status values carried by presence:changed.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

// Frame is the wire envelope. Data is decoded lazily by the handler that owns
// the event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   string          `json:"ack,omitempty"`
	Error *FrameError     `json:"error,omitempty"`
}

// FrameError is the negative acknowledgement body.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseFrame decodes one wire frame. Frames without an event name are rejected.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	if f.Event == EventAck && f.Ack == "" {
		return Frame{}, fmt.Errorf("protocol: ack frame without ack id")
	}
	return f, nil
}

// NewFrame encodes an event frame. ack may be empty for fire-and-forget
// emissions; a nil payload encodes a frame without data.
func NewFrame(event, ack string, payload interface{}) ([]byte, error) {
	f := Frame{Event: event, Ack: ack}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", event, err)
		}
		f.Data = raw
	}
	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}

// NewAckFrame encodes a server acknowledgement. A non-nil ferr makes it a
// negative acknowledgement. Used by test servers and the NATS responder.
func NewAckFrame(ack string, payload interface{}, ferr *FrameError) ([]byte, error) {
	f := Frame{Event: EventAck, Ack: ack, Error: ferr}
	if payload != nil && ferr == nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal ack payload: %w", err)
		}
		f.Data = raw
	}
	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal ack frame: %w", err)
	}
	return out, nil
}

// Decode unmarshals a frame payload into dst, naming the event on failure.
func Decode(event string, data json.RawMessage, dst interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("protocol: %q payload is empty", event)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("protocol: failed to decode %q payload: %w", event, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// message:received carries a full chat.Message.

// MessageStatusPayload advances the delivery status of one message.
type MessageStatusPayload struct {
	MessageID      string      `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	Status         chat.Status `json:"status"`
}

// ConversationUpdatedPayload carries a fresh last-message snapshot.
type ConversationUpdatedPayload struct {
	ConversationID string           `json:"conversationId"`
	LastMessage    chat.LastMessage `json:"lastMessage"`
}

// ConversationRefPayload is the body shared by conversation:new and the
// group membership events.
type ConversationRefPayload struct {
	ConversationID string `json:"conversationId"`
}

// OnlineUsersPayload is the full presence snapshot sent on connect.
type OnlineUsersPayload struct {
	Users []string `json:"users"`
}

// PresenceChangedPayload toggles one user's presence.
type PresenceChangedPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Online reports whether the status means the user came online.
func (p PresenceChangedPayload) Online() bool {
	return strings.EqualFold(p.Status, PresenceOnline)
}

// TypingPayload is the body of typing:started and typing:stopped.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MessageEditedPayload replaces a message's content.
type MessageEditedPayload struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	Content        string     `json:"content"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
}

// MessageRefPayload identifies one message.
type MessageRefPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// MessagePinnedPayload toggles the pinned flag.
type MessagePinnedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Pinned         bool   `json:"isPinned"`
}

// ReactionUpdatedPayload replaces a message's reactions wholesale.
type ReactionUpdatedPayload struct {
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	Reactions      []chat.Reaction `json:"reactions"`
	ReactionCounts map[string]int  `json:"reactionCounts"`
}

// ReactionActivityPayload announces a reaction for the conversation preview.
type ReactionActivityPayload struct {
	ConversationID string    `json:"conversationId"`
	Emoji          string    `json:"emoji"`
	ReactorID      string    `json:"reactorId,omitempty"`
	ReactorName    string    `json:"reactorName"`
	MessagePreview string    `json:"messagePreview"`
	Timestamp      time.Time `json:"timestamp"`
}

// Preview builds the synthetic last-message snapshot for the activity.
func (p ReactionActivityPayload) Preview() chat.LastMessage {
	content := fmt.Sprintf("%s reacted %s", p.ReactorName, p.Emoji)
	if p.MessagePreview != "" {
		content = fmt.Sprintf("%s to %q", content, p.MessagePreview)
	}
	return chat.LastMessage{
		Content:    content,
		SenderID:   p.ReactorID,
		SenderName: p.ReactorName,
		Type:       chat.TypeReaction,
		Timestamp:  p.Timestamp,
	}
}

// ReadReceiptPayload reports that a user read a conversation.
type ReadReceiptPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// SendMessagePayload is the body of message:send. ClientID is echoed back on
// the resulting message:received so retries can be deduplicated.
type SendMessagePayload struct {
	ConversationID string            `json:"conversationId"`
	ClientID       string            `json:"clientId"`
	Content        string            `json:"content"`
	Type           chat.MessageType  `json:"type"`
	ReplyTo        string            `json:"replyTo,omitempty"`
	Attachments    []chat.Attachment `json:"attachments,omitempty"`
}

// EditMessagePayload is the body of message:edit.
type EditMessagePayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// PinMessagePayload is the body of message:pin.
type PinMessagePayload struct {
	MessageID string `json:"messageId"`
	Pinned    bool   `json:"isPinned"`
}

// ReactionAddPayload is the body of reaction:add.
type ReactionAddPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// SendAck is the acknowledgement body of message:send.
type SendAck struct {
	MessageID string `json:"messageId"`
	ClientID  string `json:"clientId,omitempty"`
}

// message:delete-for-me, message:delete-for-everyone use MessageRefPayload;
// typing:start, typing:stop, read:mark and conversation:join use
// ConversationRefPayload.
