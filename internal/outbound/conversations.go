package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/whisper/workchat/internal/chat"
	"github.com/whisper/workchat/internal/protocol"
	"github.com/whisper/workchat/internal/reconcile"
	"github.com/whisper/workchat/internal/transport"
)

// ConversationAPI is the REST surface for conversation lifecycle and group
// membership.
type ConversationAPI interface {
	CreateDirect(ctx context.Context, userID string) (chat.Conversation, error)
	CreateGroup(ctx context.Context, name string, members []string) (chat.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	SetArchived(ctx context.Context, id string, archived bool) error
	AddMembers(ctx context.Context, id string, userIDs []string) error
	RemoveMember(ctx context.Context, id, userID string) error
	PromoteAdmin(ctx context.Context, id, userID string) error
	LeaveGroup(ctx context.Context, id string) error
}

// Conversations applies successful REST mutations to the local stores
// without waiting for the list to be re-fetched. Failures leave local state
// untouched.
type Conversations struct {
	api    ConversationAPI
	engine *reconcile.Engine
	tr     transport.Transport
}

// NewConversations creates a Conversations helper.
func NewConversations(api ConversationAPI, engine *reconcile.Engine, tr transport.Transport) *Conversations {
	return &Conversations{api: api, engine: engine, tr: tr}
}

// CreateDirect opens (or returns the existing) direct conversation with userID.
func (c *Conversations) CreateDirect(ctx context.Context, userID string) (chat.Conversation, error) {
	if userID == "" || userID == c.engine.SelfID() {
		return chat.Conversation{}, fmt.Errorf("outbound: cannot start a direct conversation with %q", userID)
	}
	conv, err := c.api.CreateDirect(ctx, userID)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("outbound: create direct: %w", err)
	}
	c.adopt(conv)
	return conv, nil
}

// CreateGroup creates a group with the given members.
func (c *Conversations) CreateGroup(ctx context.Context, name string, members []string) (chat.Conversation, error) {
	if strings.TrimSpace(name) == "" {
		return chat.Conversation{}, errors.New("outbound: group name is empty")
	}
	if len(members) == 0 {
		return chat.Conversation{}, errors.New("outbound: group has no members")
	}
	conv, err := c.api.CreateGroup(ctx, name, members)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("outbound: create group: %w", err)
	}
	c.adopt(conv)
	return conv, nil
}

func (c *Conversations) adopt(conv chat.Conversation) {
	c.engine.Conversations().Insert(conv)
	// Best effort: the next resync re-joins every room anyway.
	_ = c.tr.Emit(protocol.EventConversationJoin, protocol.ConversationRefPayload{ConversationID: conv.ID})
}

// SetArchived moves a conversation between the active and archived lists.
func (c *Conversations) SetArchived(ctx context.Context, id string, archived bool) error {
	if err := c.api.SetArchived(ctx, id, archived); err != nil {
		return fmt.Errorf("outbound: set archived: %w", err)
	}
	if archived {
		c.engine.Conversations().MoveToArchived(id)
	} else {
		c.engine.Conversations().MoveToActive(id)
	}
	return nil
}

// Delete deletes a conversation and forgets its local history.
func (c *Conversations) Delete(ctx context.Context, id string) error {
	if err := c.api.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("outbound: delete conversation: %w", err)
	}
	c.forget(id)
	return nil
}

// Leave leaves a group and forgets its local history.
func (c *Conversations) Leave(ctx context.Context, id string) error {
	if err := c.api.LeaveGroup(ctx, id); err != nil {
		return fmt.Errorf("outbound: leave group: %w", err)
	}
	c.forget(id)
	return nil
}

func (c *Conversations) forget(id string) {
	c.engine.Conversations().Remove(id)
	c.engine.Messages().Drop(id)
}

// AddMembers adds users to a group. The server's group:member-update
// refreshes the local copy.
func (c *Conversations) AddMembers(ctx context.Context, id string, userIDs []string) error {
	if len(userIDs) == 0 {
		return errors.New("outbound: no members to add")
	}
	if err := c.api.AddMembers(ctx, id, userIDs); err != nil {
		return fmt.Errorf("outbound: add members: %w", err)
	}
	return nil
}

// RemoveMember removes a user from a group.
func (c *Conversations) RemoveMember(ctx context.Context, id, userID string) error {
	if err := c.api.RemoveMember(ctx, id, userID); err != nil {
		return fmt.Errorf("outbound: remove member: %w", err)
	}
	return nil
}

// PromoteAdmin makes a member a group admin.
func (c *Conversations) PromoteAdmin(ctx context.Context, id, userID string) error {
	if err := c.api.PromoteAdmin(ctx, id, userID); err != nil {
		return fmt.Errorf("outbound: promote admin: %w", err)
	}
	return nil
}
