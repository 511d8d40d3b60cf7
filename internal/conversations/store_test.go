package conversations

import (
	"fmt"
	"testing"
	"time"

	"github.com/whisper/workchat/internal/chat"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func conv(id string, sec int) chat.Conversation {
	return chat.Conversation{
		ID:           id,
		Type:         chat.Direct,
		Participants: []string{"me", "u-" + id},
		UpdatedAt:    base.Add(time.Duration(sec) * time.Second),
	}
}

func activeIDs(s *Store) []string {
	var out []string
	for _, c := range s.Active() {
		out = append(out, c.ID)
	}
	return out
}

func archivedIDs(s *Store) []string {
	var out []string
	for _, c := range s.Archived() {
		out = append(out, c.ID)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReplaceAllOrdersByActivity(t *testing.T) {
	s := NewStore(nil)
	s.ReplaceAll([]chat.Conversation{conv("c1", 1), conv("c3", 3), conv("c2", 2)}, []chat.Conversation{conv("a1", 5)})

	if got := activeIDs(s); !equal(got, []string{"c3", "c2", "c1"}) {
		t.Fatalf("expected [c3 c2 c1], got %v", got)
	}
	if got := archivedIDs(s); !equal(got, []string{"a1"}) {
		t.Fatalf("expected [a1], got %v", got)
	}

	// Replaying the same fetch does not duplicate entries.
	s.ReplaceAll([]chat.Conversation{conv("c1", 1), conv("c3", 3), conv("c2", 2)}, []chat.Conversation{conv("a1", 5)})
	if s.Len() != 4 {
		t.Fatalf("expected 4 conversations, got %d", s.Len())
	}
}

func TestReplaceAllKeepsNewerLocalActivity(t *testing.T) {
	s := NewStore(nil)
	s.ReplaceAll([]chat.Conversation{conv("c1", 1), conv("c2", 2)}, nil)
	s.UpsertFromActivity("c1", chat.LastMessage{Content: "live", Timestamp: base.Add(600 * time.Second)})
	s.IncrementUnread("c1", "m1")

	// A snapshot taken before the live message must not undo it.
	s.ReplaceAll([]chat.Conversation{conv("c1", 1), conv("c2", 2)}, nil)
	c, _ := s.Get("c1")
	if c.LastMessage == nil || c.LastMessage.Content != "live" {
		t.Fatalf("expected live preview kept, got %+v", c.LastMessage)
	}
	if c.Unread != 1 {
		t.Fatalf("expected unread 1, got %d", c.Unread)
	}
	if got := activeIDs(s); !equal(got, []string{"c1", "c2"}) {
		t.Fatalf("expected [c1 c2], got %v", got)
	}

	// A snapshot that already contains newer activity wins.
	fresh := conv("c1", 1)
	fresh.LastMessage = &chat.LastMessage{Content: "newer", Timestamp: base.Add(700 * time.Second)}
	s.ReplaceAll([]chat.Conversation{fresh, conv("c2", 2)}, nil)
	c, _ = s.Get("c1")
	if c.LastMessage.Content != "newer" || c.Unread != 0 {
		t.Fatalf("expected server snapshot, got %+v unread=%d", c.LastMessage, c.Unread)
	}
}

func TestUpsertFromActivityMovesToFront(t *testing.T) {
	s := NewStore(nil)
	s.ReplaceAll([]chat.Conversation{conv("c1", 1), conv("c2", 2)}, nil)

	ok := s.UpsertFromActivity("c1", chat.LastMessage{Content: "hello", Type: chat.TypeText, Timestamp: base.Add(10 * time.Second)})
	if !ok {
		t.Fatal("expected known conversation")
	}
	if got := activeIDs(s); !equal(got, []string{"c1", "c2"}) {
		t.Fatalf("expected c1 first, got %v", got)
	}
	c, _ := s.Get("c1")
	if c.LastMessage == nil || c.LastMessage.Content != "hello" {
		t.Fatalf("unexpected last message %+v", c.LastMessage)
	}

	if s.UpsertFromActivity("unknown", chat.LastMessage{Timestamp: base}) {
		t.Fatal("expected unknown conversation to report false")
	}
}

func TestUpsertFromActivityIsOrderIndependent(t *testing.T) {
	newer := chat.LastMessage{Content: "second", Timestamp: base.Add(20 * time.Second)}
	older := chat.LastMessage{Content: "first", Timestamp: base.Add(10 * time.Second)}

	a := NewStore(nil)
	a.ReplaceAll([]chat.Conversation{conv("c1", 1)}, nil)
	a.UpsertFromActivity("c1", older)
	a.UpsertFromActivity("c1", newer)

	b := NewStore(nil)
	b.ReplaceAll([]chat.Conversation{conv("c1", 1)}, nil)
	b.UpsertFromActivity("c1", newer)
	b.UpsertFromActivity("c1", older)
	b.UpsertFromActivity("c1", newer)

	ca, _ := a.Get("c1")
	cb, _ := b.Get("c1")
	if ca.LastMessage.Content != "second" || cb.LastMessage.Content != "second" {
		t.Fatalf("expected both orders to converge on %q, got %q and %q", "second", ca.LastMessage.Content, cb.LastMessage.Content)
	}
}

func TestUnreadSuppressionForActive(t *testing.T) {
	s := NewStore(nil)
	s.ReplaceAll([]chat.Conversation{conv("c1", 1), conv("c2", 2)}, nil)
	s.SetActive("c1")

	if s.IncrementUnread("c1", "m1") {
		t.Fatal("expected no increment for active conversation")
	}
	for i := 0; i < 3; i++ {
		s.IncrementUnread("c2", fmt.Sprintf("m%d", i))
	}
	c1, _ := s.Get("c1")
	c2, _ := s.Get("c2")
	if c1.Unread != 0 {
		t.Errorf("expected c1 unread 0, got %d", c1.Unread)
	}
	if c2.Unread != 3 {
		t.Errorf("expected c2 unread 3, got %d", c2.Unread)
	}
}

func TestIncrementUnreadIsIdempotentPerMessage(t *testing.T) {
	s := NewStore(nil)
	s.ReplaceAll([]chat.Conversation{conv("c1", 1)}, nil)

	s.IncrementUnread("c1", "m1")
	s.IncrementUnread("c1", "m1")
	c, _ := s.Get("c1")
	if c.Unread != 1 {
		t.Fatalf("expected unread 1 after duplicate, got %d", c.Unread)
	}
}

func TestSetActiveZeroesUnread(t *testing.T) {
	s := NewStore(nil)
	c := conv("c1", 1)
	c.Unread = 7
	s.ReplaceAll([]chat.Conversation{c}, nil)

	s.SetActive("c1")
	got, _ := s.Get("c1")
	if got.Unread != 0 {
		t.Fatalf("expected unread 0, got %d", got.Unread)
	}
	if s.ActiveID() != "c1" {
		t.Fatalf("expected active c1, got %q", s.ActiveID())
	}

	// A refetch reporting a stale server count keeps the active one at zero.
	s.ReplaceAll([]chat.Conversation{c}, nil)
	got, _ = s.Get("c1")
	if got.Unread != 0 {
		t.Fatalf("expected unread 0 after refetch, got %d", got.Unread)
	}

	s.SetActive("")
	if s.ActiveID() != "" {
		t.Fatalf("expected no active conversation, got %q", s.ActiveID())
	}
}

func TestArchiveMoveIsExclusive(t *testing.T) {
	s := NewStore(nil)
	s.ReplaceAll([]chat.Conversation{conv("c1", 1), conv("c2", 2)}, nil)

	if !s.MoveToArchived("c1") {
		t.Fatal("expected move to archived")
	}
	if s.MoveToArchived("c1") {
		t.Fatal("expected second move to be a no-op")
	}
	if got := activeIDs(s); !equal(got, []string{"c2"}) {
		t.Fatalf("expected active [c2], got %v", got)
	}
	if got := archivedIDs(s); !equal(got, []string{"c1"}) {
		t.Fatalf("expected archived [c1], got %v", got)
	}

	if !s.MoveToActive("c1") {
		t.Fatal("expected move to active")
	}
	if got := activeIDs(s); !equal(got, []string{"c2", "c1"}) {
		t.Fatalf("expected active [c2 c1], got %v", got)
	}
	if got := archivedIDs(s); len(got) != 0 {
		t.Fatalf("expected empty archive, got %v", got)
	}
	if s.MoveToActive("unknown") {
		t.Fatal("expected unknown id to be a no-op")
	}
}

func TestUpsertSingleIgnoresUnknown(t *testing.T) {
	s := NewStore(nil)
	s.ReplaceAll([]chat.Conversation{conv("c1", 1)}, nil)

	if s.UpsertSingle(conv("zz", 9)) {
		t.Fatal("expected unknown conversation to be ignored")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 conversation, got %d", s.Len())
	}

	detail := conv("c1", 1)
	detail.Type = chat.Group
	detail.Name = "Payroll"
	detail.Admins = []string{"me"}
	if !s.UpsertSingle(detail) {
		t.Fatal("expected known conversation to be replaced")
	}
	got, _ := s.Get("c1")
	if got.Name != "Payroll" || len(got.Admins) != 1 {
		t.Fatalf("unexpected conversation %+v", got)
	}
}

func TestInsertAndRemove(t *testing.T) {
	s := NewStore(nil)
	if !s.Insert(conv("c1", 1)) {
		t.Fatal("expected insert")
	}
	if s.Insert(conv("c1", 1)) {
		t.Fatal("expected duplicate insert to be refused")
	}
	s.SetActive("c1")
	if !s.Remove("c1") {
		t.Fatal("expected remove")
	}
	if s.ActiveID() != "" {
		t.Fatal("expected active conversation cleared on remove")
	}
	if s.Remove("c1") {
		t.Fatal("expected second remove to be a no-op")
	}
}

func TestIDSetEvictsOldest(t *testing.T) {
	set := newIDSet(2)
	set.Add("a")
	set.Add("b")
	set.Add("c")
	if set.Has("a") {
		t.Fatal("expected oldest id evicted")
	}
	if !set.Has("b") || !set.Has("c") {
		t.Fatal("expected newest ids retained")
	}
	if set.Add("c") {
		t.Fatal("expected duplicate add to report false")
	}
}
