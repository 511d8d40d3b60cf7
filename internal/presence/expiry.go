package presence

import (
	"container/heap"
	"time"
)

// typingKey identifies one typing indicator.
type typingKey struct {
	conversationID string
	userID         string
}

type expiryEntry struct {
	key      typingKey
	deadline time.Time
	index    int // position in the heap, maintained by the heap.Interface methods
}

// expiryQueue is a min-heap of typing indicators ordered by deadline. One
// clock timer is armed for the head of the queue instead of one timer per
// indicator.
type expiryQueue []*expiryEntry

func (q expiryQueue) Len() int { return len(q) }

func (q expiryQueue) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }

func (q expiryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *expiryQueue) Push(x interface{}) {
	e := x.(*expiryEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *expiryQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// upsert inserts or refreshes the entry for key.
func (q *expiryQueue) upsert(entries map[typingKey]*expiryEntry, key typingKey, deadline time.Time) {
	if e, ok := entries[key]; ok {
		e.deadline = deadline
		heap.Fix(q, e.index)
		return
	}
	e := &expiryEntry{key: key, deadline: deadline}
	heap.Push(q, e)
	entries[key] = e
}

// remove drops the entry for key if present.
func (q *expiryQueue) remove(entries map[typingKey]*expiryEntry, key typingKey) bool {
	e, ok := entries[key]
	if !ok {
		return false
	}
	heap.Remove(q, e.index)
	delete(entries, key)
	return true
}

// popExpired removes and returns every entry whose deadline is at or before now.
func (q *expiryQueue) popExpired(entries map[typingKey]*expiryEntry, now time.Time) []typingKey {
	var out []typingKey
	for q.Len() > 0 && !(*q)[0].deadline.After(now) {
		e := heap.Pop(q).(*expiryEntry)
		delete(entries, e.key)
		out = append(out, e.key)
	}
	return out
}
