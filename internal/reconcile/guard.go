package reconcile

import "sync"

// Fetch guard keys.
const (
	keyConversations = "conversations"
	keyMessages      = "messages:"     // + conversation id
	keyOlder         = "older:"        // + conversation id
	keyDetail        = "conversation:" // + conversation id
)

// fetchGuard tags every fetch with a per-key monotonic sequence number so a
// slow response can never overwrite the result of a later request for the
// same key.
type fetchGuard struct {
	mu  sync.Mutex
	seq map[string]uint64
}

func newFetchGuard() *fetchGuard {
	return &fetchGuard{seq: make(map[string]uint64)}
}

// begin issues the next sequence number for key.
func (g *fetchGuard) begin(key string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq[key]++
	return g.seq[key]
}

// apply runs fn only if seq is still the latest for key. Holding the guard
// lock across fn keeps a check-then-apply from interleaving with a newer
// response for the same key.
func (g *fetchGuard) apply(key string, seq uint64, fn func() bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seq[key] != seq {
		return false
	}
	return fn()
}
