package outbound

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/workchat/internal/protocol"
)

// newTestOutbox connects to a local Redis on localhost:6379 and returns an
// outbox under a throwaway key.
func newTestOutbox(t *testing.T, capacity int) *RedisOutbox {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	o := NewRedisOutbox(client, "test_"+uuid.NewString(), capacity)
	t.Cleanup(func() {
		o.Clear(ctx)
		client.Close()
	})
	return o
}

func TestRedisOutboxFIFO(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t, 2)

	for _, id := range []string{"a", "b"} {
		if err := o.Push(ctx, Pending{Payload: protocol.SendMessagePayload{ConversationID: "c1", ClientID: id, Content: id}}); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	if err := o.Push(ctx, Pending{}); !errors.Is(err, ErrOutboxFull) {
		t.Fatalf("expected ErrOutboxFull, got %v", err)
	}
	if n, _ := o.Len(ctx); n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}

	p, ok, err := o.Peek(ctx)
	if err != nil || !ok {
		t.Fatalf("peek: %v, %v", ok, err)
	}
	if p.Payload.ClientID != "a" || p.Payload.Content != "a" {
		t.Fatalf("expected a at the head, got %+v", p.Payload)
	}
	// Peek does not consume.
	p, _, _ = o.Peek(ctx)
	if p.Payload.ClientID != "a" {
		t.Fatalf("expected a still at the head, got %+v", p.Payload)
	}

	o.Pop(ctx)
	p, _, _ = o.Peek(ctx)
	if p.Payload.ClientID != "b" {
		t.Fatalf("expected b at the head, got %+v", p.Payload)
	}
	o.Pop(ctx)
	if err := o.Pop(ctx); err != nil {
		t.Fatalf("expected pop on empty list to succeed, got %v", err)
	}
	if _, ok, _ := o.Peek(ctx); ok {
		t.Fatal("expected empty outbox")
	}
}

func TestRedisOutboxSkipsCorruptHead(t *testing.T) {
	ctx := context.Background()
	o := newTestOutbox(t, 0)

	o.client.RPush(ctx, o.key, "{not json")
	o.Push(ctx, Pending{Payload: protocol.SendMessagePayload{ClientID: "ok"}})

	if _, _, err := o.Peek(ctx); err == nil {
		t.Fatal("expected corrupt entry error")
	}
	p, ok, err := o.Peek(ctx)
	if err != nil || !ok || p.Payload.ClientID != "ok" {
		t.Fatalf("expected the queue to move past the corrupt entry, got %+v, %v, %v", p, ok, err)
	}
}
