package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/whisper/workchat/internal/chat"
	"github.com/whisper/workchat/internal/messages"
	"github.com/whisper/workchat/internal/metrics"
	"github.com/whisper/workchat/internal/protocol"
)

var errMissingID = errors.New("reconcile: payload is missing an id")

// registerHandlers builds the dispatch table.
func (e *Engine) registerHandlers() {
	e.register(protocol.EventMessageReceived, e.onMessageReceived)
	e.register(protocol.EventMessageStatus, e.onMessageStatus)
	e.register(protocol.EventMessageEdited, e.onMessageEdited)
	e.register(protocol.EventMessageDeletedForAll, e.onMessageDeleted)
	e.register(protocol.EventMessagePinned, e.onMessagePinned)
	e.register(protocol.EventReactionUpdated, e.onReactionUpdated)
	e.register(protocol.EventReactionActivity, e.onReactionActivity)
	e.register(protocol.EventConversationUpdated, e.onConversationUpdated)
	e.register(protocol.EventConversationNew, e.onConversationJoined)
	e.register(protocol.EventGroupJoined, e.onConversationJoined)
	e.register(protocol.EventGroupRemoved, e.onGroupRemoved)
	e.register(protocol.EventGroupMemberUpdate, e.onGroupMemberUpdate)
	e.register(protocol.EventPresenceOnlineUsers, e.onOnlineUsers)
	e.register(protocol.EventPresenceChanged, e.onPresenceChanged)
	e.register(protocol.EventTypingStarted, e.onTypingStarted)
	e.register(protocol.EventTypingStopped, e.onTypingStopped)
	e.register(protocol.EventReadReceipt, e.onReadReceipt)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// onMessageReceived stores the message, advances the conversation preview
// and counts it as unread. Each of the three steps is idempotent on its own,
// so a duplicate delivery, or a conversation:updated for the same activity
// arriving first, converges to the same state.
func (e *Engine) onMessageReceived(data json.RawMessage) error {
	var m chat.Message
	if err := protocol.Decode(protocol.EventMessageReceived, data, &m); err != nil {
		return err
	}
	if m.ID == "" || m.ConversationID == "" {
		return errMissingID
	}

	if !e.msgs.Append(m) {
		metrics.DuplicatesAbsorbed.WithLabelValues("message").Inc()
	}

	known := e.convs.UpsertFromActivity(m.ConversationID, m.Preview())
	if !known {
		// The server's unread count for the conversation will include this
		// message once the list is fetched.
		e.refreshLater("message for unknown conversation " + m.ConversationID)
	} else if m.Sender.ID != e.opts.SelfID && e.convs.ActiveID() != m.ConversationID {
		if !e.convs.IncrementUnread(m.ConversationID, m.ID) {
			metrics.DuplicatesAbsorbed.WithLabelValues("unread").Inc()
		}
	}

	e.mirrorMessage(m.ID)
	return nil
}

func (e *Engine) onMessageStatus(data json.RawMessage) error {
	var p protocol.MessageStatusPayload
	if err := protocol.Decode(protocol.EventMessageStatus, data, &p); err != nil {
		return err
	}
	if p.MessageID == "" {
		return errMissingID
	}
	if !p.Status.Valid() {
		return fmt.Errorf("reconcile: unknown status %q", p.Status)
	}
	e.msgs.UpdateInPlace(p.MessageID, messages.Patch{Status: p.Status})
	return nil
}

func (e *Engine) onMessageEdited(data json.RawMessage) error {
	var p protocol.MessageEditedPayload
	if err := protocol.Decode(protocol.EventMessageEdited, data, &p); err != nil {
		return err
	}
	if p.MessageID == "" {
		return errMissingID
	}
	editedAt := p.EditedAt
	if editedAt == nil {
		now := e.clock.Now()
		editedAt = &now
	}
	if e.msgs.UpdateInPlace(p.MessageID, messages.Patch{Content: &p.Content, EditedAt: editedAt}) {
		e.mirrorMessage(p.MessageID)
	}
	return nil
}

// onMessageDeleted tombstones the message. If it is not loaded yet the page
// fetched later already carries the deletion.
func (e *Engine) onMessageDeleted(data json.RawMessage) error {
	var p protocol.MessageRefPayload
	if err := protocol.Decode(protocol.EventMessageDeletedForAll, data, &p); err != nil {
		return err
	}
	if p.MessageID == "" {
		return errMissingID
	}
	e.msgs.Tombstone(p.MessageID)
	if e.opts.Sink != nil {
		e.opts.Sink.MessageTombstoned(p.MessageID)
	}
	return nil
}

func (e *Engine) onMessagePinned(data json.RawMessage) error {
	var p protocol.MessagePinnedPayload
	if err := protocol.Decode(protocol.EventMessagePinned, data, &p); err != nil {
		return err
	}
	if p.MessageID == "" {
		return errMissingID
	}
	pinned := p.Pinned
	e.msgs.UpdateInPlace(p.MessageID, messages.Patch{Pinned: &pinned})
	return nil
}

func (e *Engine) onReactionUpdated(data json.RawMessage) error {
	var p protocol.ReactionUpdatedPayload
	if err := protocol.Decode(protocol.EventReactionUpdated, data, &p); err != nil {
		return err
	}
	if p.MessageID == "" {
		return errMissingID
	}
	e.msgs.UpdateInPlace(p.MessageID, messages.Patch{
		Reactions: &messages.ReactionSet{Reactions: p.Reactions, Counts: p.ReactionCounts},
	})
	return nil
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func (e *Engine) onReactionActivity(data json.RawMessage) error {
	var p protocol.ReactionActivityPayload
	if err := protocol.Decode(protocol.EventReactionActivity, data, &p); err != nil {
		return err
	}
	if p.ConversationID == "" {
		return errMissingID
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = e.clock.Now()
	}
	if !e.convs.UpsertFromActivity(p.ConversationID, p.Preview()) {
		e.refreshLater("reaction in unknown conversation " + p.ConversationID)
	}
	return nil
}

func (e *Engine) onConversationUpdated(data json.RawMessage) error {
	var p protocol.ConversationUpdatedPayload
	if err := protocol.Decode(protocol.EventConversationUpdated, data, &p); err != nil {
		return err
	}
	if p.ConversationID == "" {
		return errMissingID
	}
	if !e.convs.UpsertFromActivity(p.ConversationID, p.LastMessage) {
		e.refreshLater("update for unknown conversation " + p.ConversationID)
	}
	return nil
}

// onConversationJoined handles conversation:new and group:joined: list
// membership changes come only from the list fetch.
func (e *Engine) onConversationJoined(data json.RawMessage) error {
	var p protocol.ConversationRefPayload
	if err := protocol.Decode(protocol.EventConversationNew, data, &p); err != nil {
		return err
	}
	if p.ConversationID == "" {
		return errMissingID
	}
	e.join(p.ConversationID)
	e.refreshLater("joined " + p.ConversationID)
	return nil
}

func (e *Engine) onGroupRemoved(data json.RawMessage) error {
	var p protocol.ConversationRefPayload
	if err := protocol.Decode(protocol.EventGroupRemoved, data, &p); err != nil {
		return err
	}
	if p.ConversationID == "" {
		return errMissingID
	}
	if e.convs.ActiveID() == p.ConversationID {
		e.convs.SetActive("")
	}
	e.msgs.Drop(p.ConversationID)
	e.refreshLater("removed from " + p.ConversationID)
	return nil
}

func (e *Engine) onGroupMemberUpdate(data json.RawMessage) error {
	var p protocol.ConversationRefPayload
	if err := protocol.Decode(protocol.EventGroupMemberUpdate, data, &p); err != nil {
		return err
	}
	if p.ConversationID == "" {
		return errMissingID
	}
	id := p.ConversationID
	e.refreshLater("members of " + id + " changed")
	e.spawn(func(ctx context.Context) {
		if err := e.refreshDetail(ctx, id); err != nil {
			e.log.Warn("conversation detail refresh failed", zap.String("conversation", id), zap.Error(err))
		}
	})
	return nil
}

// ---------------------------------------------------------------------------
// Presence, typing and receipts
// ---------------------------------------------------------------------------

func (e *Engine) onOnlineUsers(data json.RawMessage) error {
	var p protocol.OnlineUsersPayload
	if err := protocol.Decode(protocol.EventPresenceOnlineUsers, data, &p); err != nil {
		return err
	}
	e.presence.SetSnapshot(p.Users)
	return nil
}

func (e *Engine) onPresenceChanged(data json.RawMessage) error {
	var p protocol.PresenceChangedPayload
	if err := protocol.Decode(protocol.EventPresenceChanged, data, &p); err != nil {
		return err
	}
	if p.UserID == "" {
		return errMissingID
	}
	if p.Online() {
		e.presence.Add(p.UserID)
	} else {
		e.presence.Remove(p.UserID)
	}
	return nil
}

func (e *Engine) onTypingStarted(data json.RawMessage) error {
	p, err := decodeTyping(protocol.EventTypingStarted, data)
	if err != nil {
		return err
	}
	if p.UserID != e.opts.SelfID {
		e.presence.StartTyping(p.ConversationID, p.UserID)
	}
	return nil
}

func (e *Engine) onTypingStopped(data json.RawMessage) error {
	p, err := decodeTyping(protocol.EventTypingStopped, data)
	if err != nil {
		return err
	}
	if p.UserID != e.opts.SelfID {
		e.presence.StopTyping(p.ConversationID, p.UserID)
	}
	return nil
}

func decodeTyping(event string, data json.RawMessage) (protocol.TypingPayload, error) {
	var p protocol.TypingPayload
	if err := protocol.Decode(event, data, &p); err != nil {
		return p, err
	}
	if p.ConversationID == "" || p.UserID == "" {
		return p, errMissingID
	}
	return p, nil
}

// onReadReceipt marks the local user's messages seen once someone else has
// read the conversation.
func (e *Engine) onReadReceipt(data json.RawMessage) error {
	var p protocol.ReadReceiptPayload
	if err := protocol.Decode(protocol.EventReadReceipt, data, &p); err != nil {
		return err
	}
	if p.ConversationID == "" || p.UserID == "" {
		return errMissingID
	}
	if p.UserID == e.opts.SelfID {
		return nil
	}
	e.msgs.MarkSeenBy(p.ConversationID, e.opts.SelfID)
	return nil
}
