// Package chat defines the client-side domain model shared by the stores, the
// reconciliation engine and the outbound façade: conversations, messages,
// delivery status ordering, content validation and the change feed that
// tells subscribers when to re-read a store.
package chat

import "time"

// ConversationType distinguishes two-party threads from group threads.
type ConversationType string

const (
	Direct ConversationType = "direct"
	Group  ConversationType = "group"
)

// MessageType is the content kind of a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeFile     MessageType = "file"
	TypeSystem   MessageType = "system"
	TypeReaction MessageType = "reaction"
)

// Deletion is the deletion state of a message as seen by the local user.
type Deletion string

const (
	NotDeleted         Deletion = ""
	DeletedForMe       Deletion = "for_me"
	DeletedForEveryone Deletion = "for_everyone"
)

// DeletedPlaceholder replaces the content of a message deleted for everyone.
const DeletedPlaceholder = "This message was deleted"

// LastMessage is the preview snapshot used for conversation list ordering.
type LastMessage struct {
	Content    string      `json:"content"`
	SenderID   string      `json:"senderId,omitempty"`
	SenderName string      `json:"senderName,omitempty"`
	Type       MessageType `json:"type,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Conversation is a direct or group thread, the unit of unread counting and
// archival.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []string         `json:"participants"`
	Admins       []string         `json:"admins,omitempty"`
	Name         string           `json:"name,omitempty"`
	Image        string           `json:"image,omitempty"`
	Counterpart  *User            `json:"counterpart,omitempty"`
	LastMessage  *LastMessage     `json:"lastMessage,omitempty"`
	Unread       int              `json:"unreadCount"`
	Archived     bool             `json:"archived"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// ActivityAt is the timestamp the conversation list is ordered by.
func (c *Conversation) ActivityAt() time.Time {
	if c.LastMessage != nil && !c.LastMessage.Timestamp.IsZero() {
		return c.LastMessage.Timestamp
	}
	return c.UpdatedAt
}

// Title returns the display name: the group name, or the counterpart's name
// for direct conversations.
func (c *Conversation) Title() string {
	if c.Type == Group || c.Counterpart == nil {
		return c.Name
	}
	return c.Counterpart.Name
}

// Clone returns a deep copy so callers can read it without holding a store lock.
func (c Conversation) Clone() Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	c.Admins = append([]string(nil), c.Admins...)
	if c.Counterpart != nil {
		u := *c.Counterpart
		c.Counterpart = &u
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}

// User is a denormalized participant reference.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Attachment is an uploaded file referenced by a message.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// ReplyRef is the denormalized snippet of the message being replied to.
type ReplyRef struct {
	MessageID  string `json:"messageId"`
	Snippet    string `json:"snippet,omitempty"`
	SenderName string `json:"senderName,omitempty"`
}

// Message is a single entry in a conversation's history.
type Message struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"clientId,omitempty"`
	ConversationID string         `json:"conversationId"`
	Sender         User           `json:"sender"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"type"`
	CreatedAt      time.Time      `json:"createdAt"`
	Edited         bool           `json:"edited,omitempty"`
	EditedAt       *time.Time     `json:"editedAt,omitempty"`
	Pinned         bool           `json:"isPinned,omitempty"`
	Status         Status         `json:"status,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty"`
	ReactionCounts map[string]int `json:"reactionCounts,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	ReplyTo        *ReplyRef      `json:"replyTo,omitempty"`
	Deletion       Deletion       `json:"deletion,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.Reactions = append([]Reaction(nil), m.Reactions...)
	m.Attachments = append([]Attachment(nil), m.Attachments...)
	if m.ReactionCounts != nil {
		counts := make(map[string]int, len(m.ReactionCounts))
		for k, v := range m.ReactionCounts {
			counts[k] = v
		}
		m.ReactionCounts = counts
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		m.EditedAt = &t
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		m.ReplyTo = &r
	}
	return m
}

// Before reports whether m sorts before o in a thread: createdAt ascending,
// id ascending on ties.
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Preview builds the conversation list snapshot for this message.
func (m *Message) Preview() LastMessage {
	content := m.Content
	if content == "" && len(m.Attachments) > 0 {
		content = m.Attachments[0].Name
	}
	return LastMessage{
		Content:    content,
		SenderID:   m.Sender.ID,
		SenderName: m.Sender.Name,
		Type:       m.Type,
		Timestamp:  m.CreatedAt,
	}
}
