// Package presence tracks which users are online and who is typing in each
// conversation. Typing indicators expire on their own after a short silence
// because the server cannot be trusted to always deliver the "stopped" event
// (abrupt disconnects, dropped frames).
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/whisper/workchat/internal/chat"
	"github.com/whisper/workchat/internal/clock"
)

// DefaultTypingTTL is how long a typing indicator survives without a refresh.
const DefaultTypingTTL = 3 * time.Second

// Tracker is the goroutine-safe presence and typing tracker.
type Tracker struct {
	mu      sync.Mutex
	online  map[string]struct{}
	typing  map[string]map[string]struct{} // conversationID -> typing user ids
	entries map[typingKey]*expiryEntry
	queue   expiryQueue
	timer   clock.Timer
	armedAt time.Time // deadline the current timer was armed for
	clock   clock.Clock
	ttl     time.Duration
	feed    *chat.Feed
	closed  bool
}

// NewTracker creates a Tracker. A nil clock uses the real clock and a
// non-positive ttl uses DefaultTypingTTL.
func NewTracker(clk clock.Clock, ttl time.Duration, feed *chat.Feed) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Tracker{
		online:  make(map[string]struct{}),
		typing:  make(map[string]map[string]struct{}),
		entries: make(map[typingKey]*expiryEntry),
		clock:   clk,
		ttl:     ttl,
		feed:    feed,
	}
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

// SetSnapshot replaces the online set, as sent by the server on (re)connect.
func (t *Tracker) SetSnapshot(userIDs []string) {
	t.mu.Lock()
	t.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			t.online[id] = struct{}{}
		}
	}
	t.mu.Unlock()

	t.feed.Publish(chat.Change{Kind: chat.ChangePresence})
}

// Add marks a user online. It reports whether the set changed.
func (t *Tracker) Add(userID string) bool {
	t.mu.Lock()
	_, had := t.online[userID]
	if !had {
		t.online[userID] = struct{}{}
	}
	t.mu.Unlock()

	if !had {
		t.feed.Publish(chat.Change{Kind: chat.ChangePresence})
	}
	return !had
}

// Remove marks a user offline. It reports whether the set changed.
func (t *Tracker) Remove(userID string) bool {
	t.mu.Lock()
	_, had := t.online[userID]
	delete(t.online, userID)
	t.mu.Unlock()

	if had {
		t.feed.Publish(chat.Change{Kind: chat.ChangePresence})
	}
	return had
}

// IsOnline reports whether the user is online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// Online returns the online user ids, sorted.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Typing
// ---------------------------------------------------------------------------

// StartTyping marks the user as typing in the conversation and (re)arms the
// indicator's expiry, replacing any earlier deadline for the same key.
func (t *Tracker) StartTyping(conversationID, userID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	users, ok := t.typing[conversationID]
	if !ok {
		users = make(map[string]struct{})
		t.typing[conversationID] = users
	}
	_, was := users[userID]
	users[userID] = struct{}{}
	t.queue.upsert(t.entries, typingKey{conversationID, userID}, t.clock.Now().Add(t.ttl))
	t.rescheduleLocked()
	t.mu.Unlock()

	if !was {
		t.feed.Publish(chat.Change{Kind: chat.ChangeTyping, ConversationID: conversationID})
	}
}

// StopTyping removes the indicator and cancels its expiry. It reports
// whether the user was typing.
func (t *Tracker) StopTyping(conversationID, userID string) bool {
	t.mu.Lock()
	removed := t.removeLocked(typingKey{conversationID, userID})
	t.queue.remove(t.entries, typingKey{conversationID, userID})
	t.rescheduleLocked()
	t.mu.Unlock()

	if removed {
		t.feed.Publish(chat.Change{Kind: chat.ChangeTyping, ConversationID: conversationID})
	}
	return removed
}

// Typing returns the ids of users typing in the conversation, sorted.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.typing[conversationID]
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsTyping reports whether the user is typing in the conversation.
func (t *Tracker) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[conversationID][userID]
	return ok
}

// ResetTyping clears every typing indicator, e.g. after losing the connection.
func (t *Tracker) ResetTyping() {
	t.mu.Lock()
	convs := make([]string, 0, len(t.typing))
	for id := range t.typing {
		convs = append(convs, id)
	}
	t.typing = make(map[string]map[string]struct{})
	t.entries = make(map[typingKey]*expiryEntry)
	t.queue = nil
	t.rescheduleLocked()
	t.mu.Unlock()

	for _, id := range convs {
		t.feed.Publish(chat.Change{Kind: chat.ChangeTyping, ConversationID: id})
	}
}

// Close stops the expiry timer. Later StartTyping calls are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}

// expire runs on the clock's timer and drops every indicator past its deadline.
func (t *Tracker) expire() {
	t.mu.Lock()
	t.timer = nil
	t.armedAt = time.Time{}
	expired := t.queue.popExpired(t.entries, t.clock.Now())
	changed := make(map[string]bool)
	for _, k := range expired {
		if t.removeLocked(k) {
			changed[k.conversationID] = true
		}
	}
	if !t.closed {
		t.rescheduleLocked()
	}
	t.mu.Unlock()

	for id := range changed {
		t.feed.Publish(chat.Change{Kind: chat.ChangeTyping, ConversationID: id})
	}
}

func (t *Tracker) removeLocked(k typingKey) bool {
	users, ok := t.typing[k.conversationID]
	if !ok {
		return false
	}
	if _, ok := users[k.userID]; !ok {
		return false
	}
	delete(users, k.userID)
	if len(users) == 0 {
		delete(t.typing, k.conversationID)
	}
	return true
}

// rescheduleLocked keeps exactly one timer armed for the earliest deadline.
func (t *Tracker) rescheduleLocked() {
	if t.queue.Len() == 0 {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
			t.armedAt = time.Time{}
		}
		return
	}
	next := t.queue[0].deadline
	if t.timer != nil && t.armedAt.Equal(next) {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.armedAt = next
	t.timer = t.clock.AfterFunc(next.Sub(t.clock.Now()), t.expire)
}
