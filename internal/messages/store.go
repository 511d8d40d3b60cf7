// Package messages holds per-conversation message history: an ordered,
// de-duplicated thread per conversation plus its backward pagination cursor.
//
// Every operation is idempotent and order-independent. Inserts are sorted by
// (createdAt, id) regardless of arrival order, duplicates merge instead of
// appending, and delivery status only moves forward.
package messages

import (
	"sort"
	"sync"
	"time"

	"github.com/whisper/workchat/internal/chat"
)

// Page is the backward pagination cursor of a conversation.
type Page struct {
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ReactionSet replaces a message's reactions wholesale.
type ReactionSet struct {
	Reactions []chat.Reaction
	Counts    map[string]int
}

// Patch is a partial in-place update. Nil fields are left unchanged; Status
// is merged with the stored status and can never move it backwards.
type Patch struct {
	Content   *string // also marks the message edited
	EditedAt  *time.Time
	Pinned    *bool
	Reactions *ReactionSet
	Status    chat.Status
}

type thread struct {
	msgs   []chat.Message // sorted by (CreatedAt, ID)
	cursor Page
	paged  bool // at least one page fetched
}

// Store is the goroutine-safe message store.
type Store struct {
	mu       sync.RWMutex
	threads  map[string]*thread  // conversationID -> thread
	index    map[string]string   // messageID -> conversationID
	byClient map[string]string   // clientID -> messageID
	hidden   map[string]struct{} // deleted-for-me message IDs
	deleted  map[string]struct{} // deleted-for-everyone before being loaded
	feed     *chat.Feed
}

// NewStore creates an empty Store publishing changes to feed (which may be nil).
func NewStore(feed *chat.Feed) *Store {
	return &Store{
		threads:  make(map[string]*thread),
		index:    make(map[string]string),
		byClient: make(map[string]string),
		hidden:   make(map[string]struct{}),
		deleted:  make(map[string]struct{}),
		feed:     feed,
	}
}

// Append inserts m at its sorted position. It returns false when m is a
// duplicate (same id or same client id), in which case the stored copy only
// absorbs a more advanced status or a deletion. Messages the local user
// deleted for themselves are never re-inserted.
func (s *Store) Append(m chat.Message) bool {
	if m.ID == "" || m.ConversationID == "" {
		return false
	}
	s.mu.Lock()
	inserted, changed := s.insertLocked(m)
	s.mu.Unlock()

	switch {
	case inserted:
		s.feed.Publish(chat.Change{Kind: chat.ChangeMessages, ConversationID: m.ConversationID, MessageID: m.ID})
	case changed:
		s.feed.Publish(chat.Change{Kind: chat.ChangeMessage, ConversationID: m.ConversationID, MessageID: m.ID})
	}
	return inserted
}

// PrependPage merges an older page fetched from the server into the thread
// and records its cursor. Entries already present are merged, not duplicated.
// It returns the number of newly inserted messages.
func (s *Store) PrependPage(conversationID string, older []chat.Message, page Page) int {
	s.mu.Lock()
	added := 0
	for _, m := range older {
		if m.ID == "" {
			continue
		}
		m.ConversationID = conversationID
		if inserted, _ := s.insertLocked(m); inserted {
			added++
		}
	}
	t := s.threadLocked(conversationID)
	t.cursor = page
	t.paged = true
	s.mu.Unlock()

	s.feed.Publish(chat.Change{Kind: chat.ChangeMessages, ConversationID: conversationID})
	return added
}

// UpdateInPlace applies p to the message with the given id. It returns false
// when the message is not loaded locally, which is expected for messages on
// pages that have not been fetched yet.
func (s *Store) UpdateInPlace(messageID string, p Patch) bool {
	s.mu.Lock()
	m := s.findLocked(messageID)
	if m == nil {
		s.mu.Unlock()
		return false
	}
	changed := applyPatch(m, p)
	convID := m.ConversationID
	s.mu.Unlock()

	if changed {
		s.feed.Publish(chat.Change{Kind: chat.ChangeMessage, ConversationID: convID, MessageID: messageID})
	}
	return true
}

// Tombstone marks the message deleted for everyone and replaces its content
// with the deletion placeholder. The entry stays in the thread so other
// participants see a placeholder instead of a gap. It returns false when the
// message is not loaded; the deletion is then remembered and applied when the
// message is inserted.
func (s *Store) Tombstone(messageID string) bool {
	s.mu.Lock()
	m := s.findLocked(messageID)
	if m == nil {
		if messageID != "" {
			s.deleted[messageID] = struct{}{}
		}
		s.mu.Unlock()
		return false
	}
	changed := tombstone(m)
	convID := m.ConversationID
	s.mu.Unlock()

	if changed {
		s.feed.Publish(chat.Change{Kind: chat.ChangeMessage, ConversationID: convID, MessageID: messageID})
	}
	return true
}

// RemoveLocal hard-removes a message deleted for the local user only. The id
// is remembered so a late duplicate delivery cannot bring it back.
func (s *Store) RemoveLocal(messageID string) bool {
	s.mu.Lock()
	s.hidden[messageID] = struct{}{}
	convID, ok := s.index[messageID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	t := s.threads[convID]
	for i := range t.msgs {
		if t.msgs[i].ID == messageID {
			if cid := t.msgs[i].ClientID; cid != "" {
				delete(s.byClient, cid)
			}
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			break
		}
	}
	delete(s.index, messageID)
	s.mu.Unlock()

	s.feed.Publish(chat.Change{Kind: chat.ChangeMessages, ConversationID: convID, MessageID: messageID})
	return true
}

// MarkSeenBy advances every message sent by senderID in the conversation to
// seen. It returns how many messages changed.
func (s *Store) MarkSeenBy(conversationID, senderID string) int {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	n := 0
	for i := range t.msgs {
		m := &t.msgs[i]
		if m.Sender.ID != senderID || m.Status == chat.StatusSeen {
			continue
		}
		m.Status = chat.MaxStatus(m.Status, chat.StatusSeen)
		n++
	}
	s.mu.Unlock()

	if n > 0 {
		s.feed.Publish(chat.Change{Kind: chat.ChangeMessages, ConversationID: conversationID})
	}
	return n
}

// ReplaceLatest installs a freshly fetched newest page as the authoritative
// copy of a conversation's history and resets its cursor. Local messages that
// sort after the page's newest entry arrived live while the fetch was in
// flight and are kept. For entries present in both, the page wins except that
// status never regresses, a deletion for everyone sticks and a newer local
// edit is kept.
func (s *Store) ReplaceLatest(conversationID string, latest []chat.Message, page Page) {
	s.mu.Lock()
	var old []chat.Message
	if t, ok := s.threads[conversationID]; ok {
		old = t.msgs
	}
	s.forgetLocked(conversationID)

	var newest *chat.Message
	for i := range latest {
		m := latest[i]
		if m.ID == "" {
			continue
		}
		m.ConversationID = conversationID
		s.insertLocked(m)
		if newest == nil || newest.Before(&latest[i]) {
			newest = &latest[i]
		}
	}
	for i := range old {
		m := &old[i]
		if existing := s.findLocked(m.ID); existing != nil {
			mergeLocalCopy(existing, m)
			continue
		}
		if newest == nil || newest.Before(m) {
			s.insertLocked(*m)
		}
	}
	t := s.threadLocked(conversationID)
	t.cursor = page
	t.paged = true
	s.mu.Unlock()

	s.feed.Publish(chat.Change{Kind: chat.ChangeMessages, ConversationID: conversationID})
}

// Drop forgets a conversation's thread entirely (conversation deleted or left).
func (s *Store) Drop(conversationID string) {
	s.mu.Lock()
	ok := s.forgetLocked(conversationID)
	s.mu.Unlock()

	if ok {
		s.feed.Publish(chat.Change{Kind: chat.ChangeMessages, ConversationID: conversationID})
	}
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Thread returns a copy of the conversation's messages in display order.
// Returns an empty slice if nothing is loaded.
func (s *Store) Thread(conversationID string) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return []chat.Message{}
	}
	out := make([]chat.Message, len(t.msgs))
	for i := range t.msgs {
		out[i] = t.msgs[i].Clone()
	}
	return out
}

// Get returns a copy of a loaded message.
func (s *Store) Get(messageID string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.findLocked(messageID)
	if m == nil {
		return chat.Message{}, false
	}
	return m.Clone(), true
}

// Cursor returns the pagination cursor and whether any page was fetched yet.
func (s *Store) Cursor(conversationID string) (Page, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return Page{}, false
	}
	return t.cursor, t.paged
}

// Len returns the number of loaded messages in a conversation.
func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.threads[conversationID]; ok {
		return len(t.msgs)
	}
	return 0
}

// ---------------------------------------------------------------------------
// Internals (caller holds s.mu)
// ---------------------------------------------------------------------------

func (s *Store) threadLocked(conversationID string) *thread {
	t, ok := s.threads[conversationID]
	if !ok {
		t = &thread{}
		s.threads[conversationID] = t
	}
	return t
}

func (s *Store) forgetLocked(conversationID string) bool {
	t, ok := s.threads[conversationID]
	if !ok {
		return false
	}
	for _, m := range t.msgs {
		delete(s.index, m.ID)
		if m.ClientID != "" {
			delete(s.byClient, m.ClientID)
		}
	}
	delete(s.threads, conversationID)
	return true
}

func (s *Store) findLocked(messageID string) *chat.Message {
	convID, ok := s.index[messageID]
	if !ok {
		return nil
	}
	t := s.threads[convID]
	// Recent messages are the ones most often updated; scan from the tail.
	for i := len(t.msgs) - 1; i >= 0; i-- {
		if t.msgs[i].ID == messageID {
			return &t.msgs[i]
		}
	}
	return nil
}

// insertLocked returns (inserted, changed). A duplicate is merged into the
// stored copy and reported as changed when the merge altered it.
func (s *Store) insertLocked(m chat.Message) (bool, bool) {
	if _, gone := s.hidden[m.ID]; gone {
		return false, false
	}
	if _, ok := s.deleted[m.ID]; ok {
		m.Deletion = chat.DeletedForEveryone
		delete(s.deleted, m.ID)
	}
	if existing := s.findLocked(m.ID); existing != nil {
		return false, mergeDuplicate(existing, &m)
	}
	if m.ClientID != "" {
		if id, ok := s.byClient[m.ClientID]; ok {
			if existing := s.findLocked(id); existing != nil {
				return false, mergeDuplicate(existing, &m)
			}
		}
	}

	m = m.Clone()
	if m.Status == "" {
		m.Status = chat.StatusSent
	}
	if m.Deletion == chat.DeletedForEveryone {
		tombstone(&m)
	}

	t := s.threadLocked(m.ConversationID)
	i := sort.Search(len(t.msgs), func(i int) bool { return m.Before(&t.msgs[i]) })
	t.msgs = append(t.msgs, chat.Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m

	s.index[m.ID] = m.ConversationID
	if m.ClientID != "" {
		s.byClient[m.ClientID] = m.ID
	}
	return true, false
}

// mergeDuplicate folds a second delivery of the same message into the stored
// copy: status takes the max, a deletion for everyone sticks, everything else
// keeps the first copy.
func mergeDuplicate(existing, incoming *chat.Message) bool {
	changed := false
	if st := chat.MaxStatus(existing.Status, incoming.Status); st != existing.Status {
		existing.Status = st
		changed = true
	}
	if incoming.Deletion == chat.DeletedForEveryone && tombstone(existing) {
		changed = true
	}
	return changed
}

// mergeLocalCopy folds what the local copy learned from live events into a
// refetched copy of the same message.
func mergeLocalCopy(fetched, local *chat.Message) {
	mergeDuplicate(fetched, local)
	if fetched.Deletion == chat.DeletedForEveryone || local.EditedAt == nil {
		return
	}
	if fetched.EditedAt == nil || local.EditedAt.After(*fetched.EditedAt) {
		fetched.Content = local.Content
		fetched.Edited = true
		t := *local.EditedAt
		fetched.EditedAt = &t
	}
}

func applyPatch(m *chat.Message, p Patch) bool {
	changed := false
	if p.Content != nil && m.Deletion != chat.DeletedForEveryone {
		if m.Content != *p.Content || !m.Edited {
			m.Content = *p.Content
			m.Edited = true
			changed = true
		}
		if p.EditedAt != nil {
			t := *p.EditedAt
			m.EditedAt = &t
		}
	}
	if p.Pinned != nil && m.Pinned != *p.Pinned {
		m.Pinned = *p.Pinned
		changed = true
	}
	if p.Reactions != nil && m.Deletion != chat.DeletedForEveryone {
		m.Reactions = append([]chat.Reaction(nil), p.Reactions.Reactions...)
		m.ReactionCounts = nil
		if p.Reactions.Counts != nil {
			m.ReactionCounts = make(map[string]int, len(p.Reactions.Counts))
			for k, v := range p.Reactions.Counts {
				m.ReactionCounts[k] = v
			}
		}
		changed = true
	}
	if st := chat.MaxStatus(m.Status, p.Status); st != m.Status {
		m.Status = st
		changed = true
	}
	return changed
}

func tombstone(m *chat.Message) bool {
	if m.Deletion == chat.DeletedForEveryone && m.Content == chat.DeletedPlaceholder {
		return false
	}
	m.Deletion = chat.DeletedForEveryone
	m.Content = chat.DeletedPlaceholder
	m.Attachments = nil
	m.Reactions = nil
	m.ReactionCounts = nil
	m.ReplyTo = nil
	m.Pinned = false
	return true
}
