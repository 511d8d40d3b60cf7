// Package reconcile applies inbound server events to the client stores. It is
// a dispatch table from event name to handler, plus the fetch paths that
// reload authoritative state: on every (re)connect, when an event names a
// conversation the client does not know, and when the user opens or scrolls
// a conversation.
//
// Handlers are idempotent and do not assume any ordering across event types:
// replaying an event, or receiving related events in either order, converges
// to the same state.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/workchat/internal/chat"
	"github.com/whisper/workchat/internal/clock"
	"github.com/whisper/workchat/internal/conversations"
	"github.com/whisper/workchat/internal/messages"
	"github.com/whisper/workchat/internal/metrics"
	"github.com/whisper/workchat/internal/presence"
	"github.com/whisper/workchat/internal/protocol"
	"github.com/whisper/workchat/internal/restapi"
	"github.com/whisper/workchat/internal/transport"
)

// ErrUnknownConversation is returned for operations on a conversation that
// is not in either list.
var ErrUnknownConversation = errors.New("reconcile: unknown conversation")

// Fetcher is the subset of the REST collaborators the engine reloads state from.
type Fetcher interface {
	Conversations(ctx context.Context) ([]chat.Conversation, error)
	ArchivedConversations(ctx context.Context) ([]chat.Conversation, error)
	Conversation(ctx context.Context, id string) (chat.Conversation, error)
	Messages(ctx context.Context, conversationID, before string, limit int) (restapi.MessagePage, error)
}

// Sink receives reconciled message state, e.g. for a local archive.
// Implementations must not block.
type Sink interface {
	MessageStored(m chat.Message)
	MessageTombstoned(messageID string)
	MessageRemoved(messageID string)
}

// Options configures an Engine.
type Options struct {
	SelfID       string        // local user id
	PageSize     int           // messages per history page (default: 30)
	FetchTimeout time.Duration // per spawned fetch (default: 15s)
	TypingTTL    time.Duration // default: presence.DefaultTypingTTL
	Clock        clock.Clock
	Feed         *chat.Feed
	Sink         Sink
	Logger       *zap.Logger
}

// eventHandler applies one decoded event. A returned error means the payload
// was malformed.
type eventHandler func(data json.RawMessage) error

// Engine owns the stores and keeps them reconciled with the server.
type Engine struct {
	tr    transport.Transport
	fetch Fetcher
	opts  Options
	log   *zap.Logger
	clock clock.Clock

	convs    *conversations.Store
	msgs     *messages.Store
	presence *presence.Tracker
	feed     *chat.Feed

	handlers map[string]eventHandler
	guard    *fetchGuard

	mu     sync.Mutex
	hooks  []func(ctx context.Context)
	offs   []func()
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine and its stores. Call Start to subscribe it to the
// transport.
func New(tr transport.Transport, fetch Fetcher, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = 30
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Feed == nil {
		opts.Feed = chat.NewFeed()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		tr:       tr,
		fetch:    fetch,
		opts:     opts,
		log:      log,
		clock:    opts.Clock,
		convs:    conversations.NewStore(opts.Feed),
		msgs:     messages.NewStore(opts.Feed),
		presence: presence.NewTracker(opts.Clock, opts.TypingTTL, opts.Feed),
		feed:     opts.Feed,
		handlers: make(map[string]eventHandler),
		guard:    newFetchGuard(),
	}
	e.registerHandlers()
	return e
}

// register associates a handler with an inbound event, replacing any earlier
// one. Only called before Start.
func (e *Engine) register(event string, h eventHandler) {
	e.handlers[event] = h
}

// Conversations returns the conversation store.
func (e *Engine) Conversations() *conversations.Store { return e.convs }

// Messages returns the message store.
func (e *Engine) Messages() *messages.Store { return e.msgs }

// Presence returns the presence and typing tracker.
func (e *Engine) Presence() *presence.Tracker { return e.presence }

// Feed returns the change feed every store publishes to.
func (e *Engine) Feed() *chat.Feed { return e.feed }

// SelfID returns the local user id.
func (e *Engine) SelfID() string { return e.opts.SelfID }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start subscribes the dispatch table and the status handler to the
// transport. Spawned fetches derive from ctx. If the transport is already
// connected a resync starts right away.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.base != nil {
		e.mu.Unlock()
		return errors.New("reconcile: engine already started")
	}
	e.base, e.cancel = context.WithCancel(ctx)
	for event, h := range e.handlers {
		e.offs = append(e.offs, e.tr.On(event, e.wrap(event, h)))
	}
	e.offs = append(e.offs, e.tr.OnStatus(e.onStatus))
	e.mu.Unlock()

	if e.tr.Status() == transport.StatusConnected {
		e.spawn(func(ctx context.Context) { e.Resync(ctx) })
	}
	return nil
}

// Stop unsubscribes from the transport, cancels in-flight fetches and waits
// for them.
func (e *Engine) Stop() {
	e.mu.Lock()
	offs := e.offs
	e.offs = nil
	cancel := e.cancel
	e.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.presence.Close()
}

// Wait blocks until every spawned fetch has finished.
func (e *Engine) Wait() { e.wg.Wait() }

// OnResynced registers a hook run after every resync, in registration order.
func (e *Engine) OnResynced(fn func(ctx context.Context)) {
	e.mu.Lock()
	e.hooks = append(e.hooks, fn)
	e.mu.Unlock()
}

func (e *Engine) wrap(event string, h eventHandler) transport.Handler {
	return func(data json.RawMessage) {
		metrics.EventsTotal.WithLabelValues(event).Inc()
		if err := h(data); err != nil {
			metrics.EventsMalformed.WithLabelValues(event).Inc()
			e.log.Warn("dropping malformed event", zap.String("event", event), zap.Error(err))
		}
	}
}

func (e *Engine) onStatus(s transport.Status) {
	e.feed.Publish(chat.Change{Kind: chat.ChangeStatus})
	switch s {
	case transport.StatusConnected:
		// The transport replays nothing; whatever happened while we were
		// away is only visible by fetching again.
		e.spawn(func(ctx context.Context) { e.Resync(ctx) })
	case transport.StatusReconnecting, transport.StatusDisconnected:
		e.presence.ResetTyping()
	}
}

// spawn runs fn on its own goroutine with a fetch timeout so handlers never
// block on the network.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	e.mu.Lock()
	base := e.base
	e.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if base.Err() != nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(base, e.opts.FetchTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// ---------------------------------------------------------------------------
// Resync and fetches
// ---------------------------------------------------------------------------

// Resync reloads authoritative state: the conversation list, room
// memberships and the active conversation's newest page, then runs the
// after-resync hooks. Hooks run even when a fetch failed, since the
// connection itself is up.
func (e *Engine) Resync(ctx context.Context) error {
	err := e.refreshConversations(ctx)
	if err == nil {
		e.joinAll()
		if active := e.convs.ActiveID(); active != "" {
			_, err = e.loadLatest(ctx, active)
		}
	}
	if err != nil {
		e.log.Warn("resync incomplete", zap.Error(err))
	} else {
		metrics.Resyncs.Inc()
		e.log.Info("resynced", zap.Int("conversations", e.convs.Len()))
	}

	e.mu.Lock()
	hooks := append([]func(context.Context){}, e.hooks...)
	e.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}
	return err
}

// refreshConversations re-fetches both conversation lists and replaces the
// store's contents, unless a newer refresh was issued meanwhile.
func (e *Engine) refreshConversations(ctx context.Context) error {
	seq := e.guard.begin(keyConversations)

	active, err := e.fetch.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch conversations: %w", err)
	}
	archived, err := e.fetch.ArchivedConversations(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch archived conversations: %w", err)
	}

	applied := e.guard.apply(keyConversations, seq, func() bool {
		e.convs.ReplaceAll(active, archived)
		return true
	})
	if !applied {
		metrics.StaleResponses.WithLabelValues("conversations").Inc()
		e.log.Debug("discarding superseded conversation list")
	}
	return nil
}

// refreshLater schedules a list re-fetch off the dispatch path.
func (e *Engine) refreshLater(reason string) {
	e.log.Debug("scheduling conversation refresh", zap.String("reason", reason))
	e.spawn(func(ctx context.Context) {
		if err := e.refreshConversations(ctx); err != nil {
			e.log.Warn("conversation refresh failed", zap.String("reason", reason), zap.Error(err))
		}
	})
}

// refreshDetail re-fetches one conversation and replaces it in place.
func (e *Engine) refreshDetail(ctx context.Context, id string) error {
	key := keyDetail + id
	seq := e.guard.begin(key)
	c, err := e.fetch.Conversation(ctx, id)
	if err != nil {
		return fmt.Errorf("reconcile: fetch conversation %s: %w", id, err)
	}
	if !e.guard.apply(key, seq, func() bool { e.convs.UpsertSingle(c); return true }) {
		metrics.StaleResponses.WithLabelValues("conversation").Inc()
	}
	return nil
}

// loadLatest fetches the newest page of a conversation and installs it if
// the request is still the latest for that conversation and the
// conversation is still the active one. It returns the thread length after
// installing, or 0 when the page was discarded.
func (e *Engine) loadLatest(ctx context.Context, id string) (int, error) {
	key := keyMessages + id
	seq := e.guard.begin(key)
	page, err := e.fetch.Messages(ctx, id, "", e.opts.PageSize)
	if err != nil {
		return 0, fmt.Errorf("reconcile: fetch messages %s: %w", id, err)
	}

	installed := 0
	applied := e.guard.apply(key, seq, func() bool {
		if e.convs.ActiveID() != id {
			return false
		}
		e.msgs.ReplaceLatest(id, page.Messages, messages.Page{HasMore: page.HasMore, NextCursor: page.NextCursor})
		installed = e.msgs.Len(id)
		return true
	})
	if !applied {
		metrics.StaleResponses.WithLabelValues("messages").Inc()
		e.log.Debug("discarding superseded message page", zap.String("conversation", id))
		return 0, nil
	}
	e.mirror(id)
	return installed, nil
}

// joinAll re-joins every known conversation room after (re)connecting.
func (e *Engine) joinAll() {
	for _, id := range e.convs.IDs() {
		e.join(id)
	}
}

func (e *Engine) join(id string) {
	err := e.tr.Emit(protocol.EventConversationJoin, protocol.ConversationRefPayload{ConversationID: id})
	if err != nil {
		e.log.Debug("join not sent", zap.String("conversation", id), zap.Error(err))
	}
}

// mirror hands a conversation's loaded thread to the sink.
func (e *Engine) mirror(id string) {
	if e.opts.Sink == nil {
		return
	}
	for _, m := range e.msgs.Thread(id) {
		e.opts.Sink.MessageStored(m)
	}
}

func (e *Engine) mirrorMessage(messageID string) {
	if e.opts.Sink == nil {
		return
	}
	if m, ok := e.msgs.Get(messageID); ok {
		e.opts.Sink.MessageStored(m)
	}
}

// ---------------------------------------------------------------------------
// User-driven operations
// ---------------------------------------------------------------------------

// OpenConversation makes id the active conversation, zeroing its unread
// count, joins its room and loads its newest page.
func (e *Engine) OpenConversation(ctx context.Context, id string) error {
	if _, ok := e.convs.Get(id); !ok {
		return fmt.Errorf("reconcile: open %s: %w", id, ErrUnknownConversation)
	}
	e.convs.SetActive(id)
	e.join(id)
	_, err := e.loadLatest(ctx, id)
	return err
}

// CloseConversation clears the active conversation.
func (e *Engine) CloseConversation() {
	e.convs.SetActive("")
}

// LoadOlder fetches the page before the conversation's cursor. It returns
// the number of messages added; zero with a nil error means there is no more
// history or the response was superseded. A response that arrives after the
// user switched to another conversation is ignored.
func (e *Engine) LoadOlder(ctx context.Context, id string) (int, error) {
	cursor, paged := e.msgs.Cursor(id)
	if !paged {
		return e.loadLatest(ctx, id)
	}
	if !cursor.HasMore {
		return 0, nil
	}

	key := keyOlder + id
	seq := e.guard.begin(key)
	page, err := e.fetch.Messages(ctx, id, cursor.NextCursor, e.opts.PageSize)
	if err != nil {
		return 0, fmt.Errorf("reconcile: fetch older messages %s: %w", id, err)
	}

	added := 0
	applied := e.guard.apply(key, seq, func() bool {
		if e.convs.ActiveID() != id {
			return false
		}
		// A reload since the request was issued moved the cursor.
		if now, _ := e.msgs.Cursor(id); now != cursor {
			return false
		}
		added = e.msgs.PrependPage(id, page.Messages, messages.Page{HasMore: page.HasMore, NextCursor: page.NextCursor})
		return true
	})
	if !applied {
		metrics.StaleResponses.WithLabelValues("messages").Inc()
		return 0, nil
	}
	if e.opts.Sink != nil {
		for _, m := range page.Messages {
			e.mirrorMessage(m.ID)
		}
	}
	return added, nil
}

// RemoveLocal hard-removes a message deleted for the local user.
func (e *Engine) RemoveLocal(messageID string) bool {
	removed := e.msgs.RemoveLocal(messageID)
	if e.opts.Sink != nil {
		e.opts.Sink.MessageRemoved(messageID)
	}
	return removed
}
