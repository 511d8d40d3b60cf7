// Package outbound turns user intents into transport emissions. It never
// mutates message content locally: the server echo, applied by the
// reconciliation engine, is the only source of new or changed messages.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/whisper/workchat/internal/chat"
	"github.com/whisper/workchat/internal/clock"
	"github.com/whisper/workchat/internal/metrics"
	"github.com/whisper/workchat/internal/protocol"
	"github.com/whisper/workchat/internal/reconcile"
	"github.com/whisper/workchat/internal/transport"
)

// DefaultTypingInterval is the minimum spacing of typing:start emissions per
// conversation.
const DefaultTypingInterval = 2 * time.Second

// Uploader stores an attachment and returns its descriptor.
type Uploader interface {
	UploadAttachment(ctx context.Context, name string, r io.Reader) (chat.Attachment, error)
}

// Options configures a Facade.
type Options struct {
	Outbox         Outbox        // default: in-memory, DefaultOutboxCapacity
	TypingInterval time.Duration // default: DefaultTypingInterval
	Clock          clock.Clock
	Logger         *zap.Logger
}

// SendResult describes the outcome of a send. Queued sends have no message
// id yet; the server assigns one when the outbox is flushed.
type SendResult struct {
	ClientID  string
	MessageID string
	Queued    bool
}

// Facade is the single entry point for local mutations.
type Facade struct {
	tr       transport.Transport
	engine   *reconcile.Engine
	uploader Uploader
	outbox   Outbox
	clock    clock.Clock
	log      *zap.Logger
	interval time.Duration

	flushMu sync.Mutex

	typingMu sync.Mutex
	typing   map[string]*rate.Limiter
}

// New creates a Facade and registers an outbox flush to run after every
// engine resync.
func New(tr transport.Transport, engine *reconcile.Engine, uploader Uploader, opts Options) *Facade {
	if opts.Outbox == nil {
		opts.Outbox = NewMemoryOutbox(DefaultOutboxCapacity)
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = DefaultTypingInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	f := &Facade{
		tr:       tr,
		engine:   engine,
		uploader: uploader,
		outbox:   opts.Outbox,
		clock:    opts.Clock,
		log:      log,
		interval: opts.TypingInterval,
		typing:   make(map[string]*rate.Limiter),
	}
	engine.OnResynced(func(ctx context.Context) {
		if n, err := f.FlushOutbox(ctx); err != nil {
			f.log.Warn("outbox flush incomplete", zap.Int("sent", n), zap.Error(err))
		} else if n > 0 {
			f.log.Info("outbox flushed", zap.Int("sent", n))
		}
	})
	return f
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// Send validates and sends a message. replyTo may be empty. While the
// transport is not connected the send is queued and the result is marked
// Queued.
func (f *Facade) Send(ctx context.Context, conversationID, content string, msgType chat.MessageType, replyTo string) (SendResult, error) {
	if msgType == "" {
		msgType = chat.TypeText
	}
	if err := chat.ValidateContent(msgType, content, nil); err != nil {
		return SendResult{}, err
	}
	return f.send(ctx, protocol.SendMessagePayload{
		ConversationID: conversationID,
		ClientID:       uuid.NewString(),
		Content:        content,
		Type:           msgType,
		ReplyTo:        replyTo,
	})
}

// UploadThenSend uploads the file and sends it as an image or file message
// with an optional caption.
func (f *Facade) UploadThenSend(ctx context.Context, conversationID, name string, r io.Reader, caption string) (SendResult, error) {
	if f.uploader == nil {
		return SendResult{}, errors.New("outbound: uploads are not configured")
	}
	att, err := f.uploader.UploadAttachment(ctx, name, r)
	if err != nil {
		return SendResult{}, fmt.Errorf("outbound: upload %s: %w", name, err)
	}
	msgType := chat.TypeFile
	if strings.HasPrefix(att.Type, "image") {
		msgType = chat.TypeImage
	}
	atts := []chat.Attachment{att}
	if err := chat.ValidateContent(msgType, caption, atts); err != nil {
		return SendResult{}, err
	}
	return f.send(ctx, protocol.SendMessagePayload{
		ConversationID: conversationID,
		ClientID:       uuid.NewString(),
		Content:        caption,
		Type:           msgType,
		Attachments:    atts,
	})
}

func (f *Facade) send(ctx context.Context, p protocol.SendMessagePayload) (SendResult, error) {
	if f.tr.Status() != transport.StatusConnected {
		return f.enqueue(ctx, p)
	}
	// Earlier sends still queued go first.
	if n, err := f.outbox.Len(ctx); err == nil && n > 0 {
		if _, err := f.FlushOutbox(ctx); err != nil {
			return f.enqueue(ctx, p)
		}
	}

	ack, err := f.sendNow(ctx, p)
	if errors.Is(err, transport.ErrNotConnected) {
		return f.enqueue(ctx, p)
	}
	if err != nil {
		return SendResult{ClientID: p.ClientID}, fmt.Errorf("outbound: send: %w", err)
	}
	return SendResult{ClientID: p.ClientID, MessageID: ack.MessageID}, nil
}

func (f *Facade) sendNow(ctx context.Context, p protocol.SendMessagePayload) (protocol.SendAck, error) {
	var ack protocol.SendAck
	res := <-f.tr.EmitAck(ctx, protocol.EventMessageSend, p)
	if res.Err != nil {
		return ack, res.Err
	}
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &ack); err != nil {
			f.log.Debug("unreadable send ack", zap.Error(err))
		}
	}
	return ack, nil
}

func (f *Facade) enqueue(ctx context.Context, p protocol.SendMessagePayload) (SendResult, error) {
	err := f.outbox.Push(ctx, Pending{Payload: p, QueuedAt: f.clock.Now()})
	if err != nil {
		return SendResult{}, fmt.Errorf("outbound: queue send: %w", err)
	}
	f.recordDepth(ctx)
	f.log.Debug("send queued", zap.String("conversation", p.ConversationID), zap.String("client_id", p.ClientID))
	return SendResult{ClientID: p.ClientID, Queued: true}, nil
}

// FlushOutbox sends queued messages in order and returns how many the server
// accepted. It stops at the first connectivity failure, leaving the rest
// queued. A send the server rejects is dropped, since retrying will not
// change the answer.
func (f *Facade) FlushOutbox(ctx context.Context) (int, error) {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()
	defer f.recordDepth(ctx)

	sent := 0
	for {
		p, ok, err := f.outbox.Peek(ctx)
		if err != nil {
			return sent, err
		}
		if !ok {
			return sent, nil
		}

		_, err = f.sendNow(ctx, p.Payload)
		var remote *transport.RemoteError
		switch {
		case err == nil:
			sent++
		case errors.As(err, &remote):
			f.log.Warn("queued send rejected",
				zap.String("conversation", p.Payload.ConversationID),
				zap.String("client_id", p.Payload.ClientID),
				zap.Error(err))
		default:
			return sent, fmt.Errorf("outbound: flush: %w", err)
		}
		if err := f.outbox.Pop(ctx); err != nil {
			return sent, err
		}
	}
}

func (f *Facade) recordDepth(ctx context.Context) {
	if n, err := f.outbox.Len(ctx); err == nil {
		metrics.OutboxDepth.Set(float64(n))
	}
}

// Edit replaces a message's content. The edit becomes visible when the
// server's message:edited arrives.
func (f *Facade) Edit(ctx context.Context, messageID, content string) error {
	if err := chat.ValidateContent(chat.TypeText, content, nil); err != nil {
		return err
	}
	return f.request(ctx, "edit", protocol.EventMessageEdit, protocol.EditMessagePayload{MessageID: messageID, Content: content})
}

// DeleteForMe hides a message for the local user once the server confirmed.
func (f *Facade) DeleteForMe(ctx context.Context, messageID string) error {
	err := f.request(ctx, "delete for me", protocol.EventMessageDeleteForMe, protocol.MessageRefPayload{MessageID: messageID})
	if err != nil {
		return err
	}
	f.engine.RemoveLocal(messageID)
	return nil
}

// DeleteForEveryone asks the server to tombstone a message for all
// participants.
func (f *Facade) DeleteForEveryone(ctx context.Context, messageID string) error {
	return f.request(ctx, "delete for everyone", protocol.EventMessageDeleteForAll, protocol.MessageRefPayload{MessageID: messageID})
}

// React toggles the local user's emoji on a message.
func (f *Facade) React(ctx context.Context, messageID, emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return errors.New("outbound: empty reaction")
	}
	return f.request(ctx, "react", protocol.EventReactionAdd, protocol.ReactionAddPayload{MessageID: messageID, Emoji: emoji})
}

// Pin sets or clears a message's pinned flag.
func (f *Facade) Pin(ctx context.Context, messageID string, pinned bool) error {
	return f.request(ctx, "pin", protocol.EventMessagePin, protocol.PinMessagePayload{MessageID: messageID, Pinned: pinned})
}

func (f *Facade) request(ctx context.Context, op, event string, payload interface{}) error {
	res := <-f.tr.EmitAck(ctx, event, payload)
	if res.Err != nil {
		return fmt.Errorf("outbound: %s: %w", op, res.Err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// MarkRead zeroes the local unread count and tells the server.
func (f *Facade) MarkRead(ctx context.Context, conversationID string) error {
	f.engine.Conversations().ResetUnread(conversationID)
	if err := f.tr.Emit(protocol.EventReadMark, protocol.ConversationRefPayload{ConversationID: conversationID}); err != nil {
		return fmt.Errorf("outbound: mark read: %w", err)
	}
	return nil
}

// JoinConversation subscribes this connection to a conversation's room.
func (f *Facade) JoinConversation(conversationID string) error {
	return f.tr.Emit(protocol.EventConversationJoin, protocol.ConversationRefPayload{ConversationID: conversationID})
}

// StartTyping announces that the local user is typing. Calls closer together
// than the typing interval are absorbed.
func (f *Facade) StartTyping(conversationID string) error {
	f.typingMu.Lock()
	lim, ok := f.typing[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(f.interval), 1)
		f.typing[conversationID] = lim
	}
	allowed := lim.AllowN(f.clock.Now(), 1)
	f.typingMu.Unlock()

	if !allowed {
		return nil
	}
	return f.tr.Emit(protocol.EventTypingStart, protocol.ConversationRefPayload{ConversationID: conversationID})
}

// StopTyping announces that the local user stopped typing. The next
// StartTyping for the conversation is sent immediately.
func (f *Facade) StopTyping(conversationID string) error {
	f.typingMu.Lock()
	delete(f.typing, conversationID)
	f.typingMu.Unlock()
	return f.tr.Emit(protocol.EventTypingStop, protocol.ConversationRefPayload{ConversationID: conversationID})
}
