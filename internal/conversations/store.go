// Package conversations holds the canonical conversation list: active and
// archived conversations ordered by most recent activity, per-conversation
// unread counters and the locally active conversation.
package conversations

import (
	"sort"
	"sync"

	"github.com/whisper/workchat/internal/chat"
)

// MaxCountedPerConversation bounds how many message ids are remembered per
// conversation for unread de-duplication.
const MaxCountedPerConversation = 512

// Store is the goroutine-safe conversation store. A conversation id is in
// exactly one of the active and archived lists at any time.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*chat.Conversation
	active   []*chat.Conversation // sorted by activity, newest first
	archived []*chat.Conversation // sorted by activity, newest first
	activeID string
	counted  map[string]*idSet // conversationID -> message ids already counted unread
	feed     *chat.Feed
}

// NewStore creates an empty Store publishing changes to feed (which may be nil).
func NewStore(feed *chat.Feed) *Store {
	return &Store{
		byID:    make(map[string]*chat.Conversation),
		counted: make(map[string]*idSet),
		feed:    feed,
	}
}

// ReplaceAll swaps in the result of a full fetch. An id present in both
// inputs ends up archived. The locally active conversation keeps a zero
// unread counter. A fetched entry whose preview is older than the local one
// was snapshotted before live activity we already applied, so it keeps the
// local preview and the higher unread count.
func (s *Store) ReplaceAll(active, archived []chat.Conversation) {
	s.mu.Lock()
	prev := s.byID
	s.byID = make(map[string]*chat.Conversation, len(active)+len(archived))
	for _, c := range active {
		if c.ID == "" {
			continue
		}
		cp := c.Clone()
		cp.Archived = false
		keepNewerActivity(&cp, prev[c.ID])
		s.byID[c.ID] = &cp
	}
	for _, c := range archived {
		if c.ID == "" {
			continue
		}
		cp := c.Clone()
		cp.Archived = true
		keepNewerActivity(&cp, prev[c.ID])
		s.byID[c.ID] = &cp
	}
	if c, ok := s.byID[s.activeID]; ok {
		c.Unread = 0
	} else {
		s.activeID = ""
	}
	for id := range s.counted {
		if _, ok := s.byID[id]; !ok {
			delete(s.counted, id)
		}
	}
	s.rebuildLocked()
	s.mu.Unlock()

	s.feed.Publish(chat.Change{Kind: chat.ChangeConversations})
}

func keepNewerActivity(fetched, local *chat.Conversation) {
	if local == nil || local.LastMessage == nil {
		return
	}
	if fetched.LastMessage != nil && !fetched.LastMessage.Timestamp.Before(local.LastMessage.Timestamp) {
		return
	}
	lm := *local.LastMessage
	fetched.LastMessage = &lm
	if local.Unread > fetched.Unread {
		fetched.Unread = local.Unread
	}
}

// Insert adds a conversation that is not yet known, e.g. the result of a
// create call. It returns false if the id is already present.
func (s *Store) Insert(c chat.Conversation) bool {
	if c.ID == "" {
		return false
	}
	s.mu.Lock()
	if _, ok := s.byID[c.ID]; ok {
		s.mu.Unlock()
		return false
	}
	cp := c.Clone()
	s.byID[c.ID] = &cp
	s.rebuildLocked()
	s.mu.Unlock()

	s.feed.Publish(chat.Change{Kind: chat.ChangeConversations, ConversationID: c.ID})
	return true
}

// UpsertFromActivity records new activity on a conversation and moves it to
// its position by recency. Activity older than what is stored is ignored, so
// applying a message event and a conversation-updated event for the same
// activity converges in either order. It returns false for unknown ids.
func (s *Store) UpsertFromActivity(conversationID string, last chat.LastMessage) bool {
	s.mu.Lock()
	c, ok := s.byID[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if c.LastMessage != nil && last.Timestamp.Before(c.LastMessage.Timestamp) {
		s.mu.Unlock()
		return true
	}
	lm := last
	c.LastMessage = &lm
	if last.Timestamp.After(c.UpdatedAt) {
		c.UpdatedAt = last.Timestamp
	}
	s.sortLocked(c.Archived)
	s.mu.Unlock()

	s.feed.Publish(chat.Change{Kind: chat.ChangeConversations, ConversationID: conversationID})
	return true
}

// SetActive marks the conversation the local user is viewing and zeroes its
// unread counter. An empty id clears the active conversation.
func (s *Store) SetActive(conversationID string) {
	s.mu.Lock()
	s.activeID = conversationID
	if c, ok := s.byID[conversationID]; ok {
		c.Unread = 0
	}
	s.mu.Unlock()

	s.feed.Publish(chat.Change{Kind: chat.ChangeConversation, ConversationID: conversationID})
}

// ActiveID returns the locally active conversation id, or "".
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// IncrementUnread counts messageID as unread in the conversation. It is a
// no-op when the conversation is active, unknown, or the message was already
// counted. It returns whether the counter changed.
func (s *Store) IncrementUnread(conversationID, messageID string) bool {
	s.mu.Lock()
	c, ok := s.byID[conversationID]
	if !ok || conversationID == s.activeID {
		s.mu.Unlock()
		return false
	}
	if messageID != "" {
		set, ok := s.counted[conversationID]
		if !ok {
			set = newIDSet(MaxCountedPerConversation)
			s.counted[conversationID] = set
		}
		if !set.Add(messageID) {
			s.mu.Unlock()
			return false
		}
	}
	c.Unread++
	s.mu.Unlock()

	s.feed.Publish(chat.Change{Kind: chat.ChangeConversation, ConversationID: conversationID})
	return true
}

// ResetUnread zeroes a conversation's unread counter.
func (s *Store) ResetUnread(conversationID string) {
	s.mu.Lock()
	c, ok := s.byID[conversationID]
	changed := ok && c.Unread != 0
	if changed {
		c.Unread = 0
	}
	s.mu.Unlock()

	if changed {
		s.feed.Publish(chat.Change{Kind: chat.ChangeConversation, ConversationID: conversationID})
	}
}

// MoveToArchived moves an active conversation to the archived list. It is a
// no-op returning false if the conversation is unknown or already archived.
func (s *Store) MoveToArchived(conversationID string) bool {
	return s.move(conversationID, true)
}

// MoveToActive moves an archived conversation back to the active list. It is
// a no-op returning false if the conversation is unknown or already active.
func (s *Store) MoveToActive(conversationID string) bool {
	return s.move(conversationID, false)
}

func (s *Store) move(conversationID string, archive bool) bool {
	s.mu.Lock()
	c, ok := s.byID[conversationID]
	if !ok || c.Archived == archive {
		s.mu.Unlock()
		return false
	}
	c.Archived = archive
	s.rebuildLocked()
	s.mu.Unlock()

	s.feed.Publish(chat.Change{Kind: chat.ChangeConversations, ConversationID: conversationID})
	return true
}

// UpsertSingle replaces a known conversation with a freshly fetched copy.
// Unknown ids are ignored: list membership follows new/joined events, not
// detail fetches. List placement and the local unread reset are preserved.
func (s *Store) UpsertSingle(c chat.Conversation) bool {
	s.mu.Lock()
	old, ok := s.byID[c.ID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	cp := c.Clone()
	cp.Archived = old.Archived
	if c.ID == s.activeID {
		cp.Unread = 0
	}
	if old.LastMessage != nil && (cp.LastMessage == nil || cp.LastMessage.Timestamp.Before(old.LastMessage.Timestamp)) {
		lm := *old.LastMessage
		cp.LastMessage = &lm
	}
	*old = cp
	s.sortLocked(old.Archived)
	s.mu.Unlock()

	s.feed.Publish(chat.Change{Kind: chat.ChangeConversation, ConversationID: c.ID})
	return true
}

// Remove deletes a conversation from whichever list holds it.
func (s *Store) Remove(conversationID string) bool {
	s.mu.Lock()
	if _, ok := s.byID[conversationID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.byID, conversationID)
	delete(s.counted, conversationID)
	if s.activeID == conversationID {
		s.activeID = ""
	}
	s.rebuildLocked()
	s.mu.Unlock()

	s.feed.Publish(chat.Change{Kind: chat.ChangeConversations, ConversationID: conversationID})
	return true
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Get returns a copy of the conversation.
func (s *Store) Get(conversationID string) (chat.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[conversationID]
	if !ok {
		return chat.Conversation{}, false
	}
	return c.Clone(), true
}

// Active returns the active list, most recent first.
func (s *Store) Active() []chat.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneList(s.active)
}

// Archived returns the archived list, most recent first.
func (s *Store) Archived() []chat.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneList(s.archived)
}

// IDs returns every known conversation id, active list first.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byID))
	for _, c := range s.active {
		out = append(out, c.ID)
	}
	for _, c := range s.archived {
		out = append(out, c.ID)
	}
	return out
}

// Len returns the total number of conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// ---------------------------------------------------------------------------
// Internals (caller holds s.mu)
// ---------------------------------------------------------------------------

func (s *Store) rebuildLocked() {
	s.active = s.active[:0]
	s.archived = s.archived[:0]
	for _, c := range s.byID {
		if c.Archived {
			s.archived = append(s.archived, c)
		} else {
			s.active = append(s.active, c)
		}
	}
	sortByActivity(s.active)
	sortByActivity(s.archived)
}

func (s *Store) sortLocked(archived bool) {
	if archived {
		sortByActivity(s.archived)
	} else {
		sortByActivity(s.active)
	}
}

func sortByActivity(list []*chat.Conversation) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].ActivityAt(), list[j].ActivityAt()
		if !a.Equal(b) {
			return a.After(b)
		}
		return list[i].ID < list[j].ID
	})
}

func cloneList(list []*chat.Conversation) []chat.Conversation {
	out := make([]chat.Conversation, len(list))
	for i, c := range list {
		out[i] = c.Clone()
	}
	return out
}
