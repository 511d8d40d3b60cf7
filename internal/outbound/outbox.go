package outbound

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/whisper/workchat/internal/protocol"
)

// DefaultOutboxCapacity bounds the number of sends queued while disconnected.
const DefaultOutboxCapacity = 200

// ErrOutboxFull is returned when a send cannot be queued.
var ErrOutboxFull = errors.New("outbound: outbox is full")

// Pending is a send queued while the transport was unavailable. The payload
// keeps its client id so a retry that races a late delivery is deduplicated
// by the server and the message store.
type Pending struct {
	Payload  protocol.SendMessagePayload `json:"payload"`
	QueuedAt time.Time                   `json:"queuedAt"`
}

// Outbox is a bounded FIFO of pending sends. Flushing peeks the head, sends
// it and pops it only once the server acknowledged, so a failure mid-flush
// leaves the remaining order intact.
type Outbox interface {
	Push(ctx context.Context, p Pending) error
	Peek(ctx context.Context) (Pending, bool, error)
	Pop(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// MemoryOutbox is an in-process Outbox. Its contents are lost on restart.
type MemoryOutbox struct {
	mu       sync.Mutex
	items    []Pending
	capacity int
}

// NewMemoryOutbox returns an empty outbox holding at most capacity entries
// (DefaultOutboxCapacity when capacity <= 0).
func NewMemoryOutbox(capacity int) *MemoryOutbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &MemoryOutbox{capacity: capacity}
}

func (o *MemoryOutbox) Push(_ context.Context, p Pending) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) >= o.capacity {
		return ErrOutboxFull
	}
	o.items = append(o.items, p)
	return nil
}

func (o *MemoryOutbox) Peek(_ context.Context) (Pending, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return Pending{}, false, nil
	}
	return o.items[0], true, nil
}

func (o *MemoryOutbox) Pop(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) > 0 {
		o.items[0] = Pending{}
		o.items = o.items[1:]
	}
	return nil
}

func (o *MemoryOutbox) Len(_ context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items), nil
}
