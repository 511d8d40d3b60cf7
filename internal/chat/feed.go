package chat

import "sync"

// ChangeKind names which part of the client model changed.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations" // list membership or order
	ChangeConversation  ChangeKind = "conversation"  // one conversation's fields
	ChangeMessages      ChangeKind = "messages"      // a thread gained or lost entries
	ChangeMessage       ChangeKind = "message"       // one message updated in place
	ChangePresence      ChangeKind = "presence"
	ChangeTyping        ChangeKind = "typing"
	ChangeStatus        ChangeKind = "status" // connection status
)

// Change is a render hint: subscribers re-read the relevant store.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
}

// FeedBuffer is the per-subscriber channel capacity.
const FeedBuffer = 64

// Feed fans out change notifications. Publishing never blocks: a subscriber
// whose buffer is full misses the notification, the stores stay authoritative.
// A nil *Feed is valid and discards everything.
type Feed struct {
	mu     sync.RWMutex
	subs   map[int]chan Change
	nextID int
}

// NewFeed creates an empty Feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Change)}
}

// Subscribe returns a channel of changes and a cancel function that closes it.
func (f *Feed) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, FeedBuffer)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers c to every subscriber with room in its buffer.
func (f *Feed) Publish(c Change) {
	if f == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
