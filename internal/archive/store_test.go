package archive

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/workchat/internal/chat"
)

// newTestStore opens the database named by WORKCHAT_TEST_POSTGRES_DSN and
// skips when it is unset or unreachable.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dsn := os.Getenv("WORKCHAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("postgres not configured: set WORKCHAT_TEST_POSTGRES_DSN")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	conv := "test_" + uuid.NewString()
	t.Cleanup(func() {
		s.db.ExecContext(ctx, `DELETE FROM archived_messages WHERE conversation_id = $1`, conv)
		s.Close()
	})
	return s, conv
}

func archived(id, conv, content string, sec int) chat.Message {
	return chat.Message{
		ID:             conv + "-" + id,
		ConversationID: conv,
		Sender:         chat.User{ID: "u2", Name: "Ana"},
		Content:        content,
		Type:           chat.TypeText,
		Status:         chat.StatusDelivered,
		CreatedAt:      time.Date(2026, 3, 2, 9, 0, sec, 0, time.UTC),
	}
}

func TestStoreUpsertAndThread(t *testing.T) {
	s, conv := newTestStore(t)
	ctx := context.Background()

	for i, content := range []string{"first", "second", "third"} {
		if err := s.Upsert(ctx, archived(content, conv, content, i)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	edited := archived("second", conv, "second, edited", 1)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	edited.EditedAt = &at
	if err := s.Upsert(ctx, edited); err != nil {
		t.Fatalf("upsert edit: %v", err)
	}

	thread, err := s.Thread(ctx, conv, 2)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if len(thread) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(thread))
	}
	if thread[0].Content != "second, edited" || !thread[0].Edited || thread[1].Content != "third" {
		t.Fatalf("unexpected thread %+v", thread)
	}
}

func TestStoreTombstoneSticks(t *testing.T) {
	s, conv := newTestStore(t)
	ctx := context.Background()
	m := archived("m1", conv, "secret", 0)

	s.Upsert(ctx, m)
	if err := s.Tombstone(ctx, m.ID); err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	// A later upsert of the pre-deletion copy must not resurrect it.
	s.Upsert(ctx, m)

	thread, _ := s.Thread(ctx, conv, 10)
	if len(thread) != 1 || thread[0].Deletion != chat.DeletedForEveryone || thread[0].Content != chat.DeletedPlaceholder {
		t.Fatalf("expected tombstoned message, got %+v", thread)
	}
	hits, _ := s.Search(ctx, "secret", conv, 10)
	if len(hits) != 0 {
		t.Fatalf("expected deleted message excluded from search, got %+v", hits)
	}
}

func TestStoreSearchAndRemove(t *testing.T) {
	s, conv := newTestStore(t)
	ctx := context.Background()

	s.Upsert(ctx, archived("a", conv, "Payroll closes Friday", 0))
	s.Upsert(ctx, archived("b", conv, "100% done", 1))
	s.Upsert(ctx, archived("c", conv, "lunch?", 2))

	hits, err := s.Search(ctx, "payroll", conv, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != conv+"-a" {
		t.Fatalf("expected the payroll message, got %+v", hits)
	}
	if hits, _ := s.Search(ctx, "%", conv, 10); len(hits) != 1 {
		t.Fatalf("expected %% to match literally, got %d hits", len(hits))
	}

	if err := s.Remove(ctx, conv+"-a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if hits, _ := s.Search(ctx, "payroll", conv, 10); len(hits) != 0 {
		t.Fatalf("expected removed message gone, got %+v", hits)
	}
}
