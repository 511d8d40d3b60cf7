package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/workchat/internal/metrics"
	"github.com/whisper/workchat/internal/protocol"
)

// hub holds what every Transport implementation shares: event handlers,
// status subscribers and the table of emits waiting for an acknowledgement.
type hub struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	statuses map[int]func(Status)
	nextID   int
	status   Status

	notifyMu sync.Mutex // serializes status notifications

	pendingMu sync.Mutex
	pending   map[string]chan AckResult

	log *zap.Logger
}

func newHub(log *zap.Logger) *hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &hub{
		handlers: make(map[string]map[int]Handler),
		statuses: make(map[int]func(Status)),
		status:   StatusDisconnected,
		pending:  make(map[string]chan AckResult),
		log:      log,
	}
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

func (h *hub) on(event string, fn Handler) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.handlers[event] == nil {
		h.handlers[event] = make(map[int]Handler)
	}
	h.handlers[event][id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers[event], id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) onStatus(fn func(Status)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.statuses[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.statuses, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) current() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// setStatus records a transition and notifies subscribers in registration
// order. Repeated statuses are not re-announced.
func (h *hub) setStatus(s Status) {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.mu.Lock()
	if h.status == s {
		h.mu.Unlock()
		return
	}
	prev := h.status
	h.status = s
	ids := make([]int, 0, len(h.statuses))
	for id := range h.statuses {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, h.statuses[id])
	}
	h.mu.Unlock()

	metrics.ConnectionStatus.Set(s.Gauge())
	h.log.Info("status changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	for _, fn := range subs {
		fn(s)
	}
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// dispatch routes one inbound frame: acknowledgements resolve their pending
// emit, everything else goes to the event's handlers.
func (h *hub) dispatch(f protocol.Frame) {
	if f.Event == protocol.EventAck {
		if !h.resolve(f.Ack, ackResult(f)) {
			h.log.Debug("ack for unknown request", zap.String("ack", f.Ack))
		}
		return
	}

	h.mu.RLock()
	set := h.handlers[f.Event]
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Handler, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, set[id])
	}
	h.mu.RUnlock()

	if len(fns) == 0 {
		h.log.Debug("no handler for event", zap.String("event", f.Event))
		return
	}
	for _, fn := range fns {
		fn(f.Data)
	}
}

// ackResult converts an ack frame into its AckResult.
func ackResult(f protocol.Frame) AckResult {
	if f.Error != nil {
		return AckResult{Err: &RemoteError{Code: f.Error.Code, Message: f.Error.Message}}
	}
	return AckResult{Data: f.Data}
}

// ---------------------------------------------------------------------------
// Acknowledgements
// ---------------------------------------------------------------------------

func (h *hub) register(id string) chan AckResult {
	ch := make(chan AckResult, 1)
	h.pendingMu.Lock()
	h.pending[id] = ch
	h.pendingMu.Unlock()
	return ch
}

func (h *hub) unregister(id string) {
	h.pendingMu.Lock()
	delete(h.pending, id)
	h.pendingMu.Unlock()
}

// resolve delivers r to the emit waiting on id. Each id resolves at most once.
func (h *hub) resolve(id string, r AckResult) bool {
	h.pendingMu.Lock()
	ch, ok := h.pending[id]
	delete(h.pending, id)
	h.pendingMu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

// failPending fails every outstanding emit, used when the connection drops.
func (h *hub) failPending(err error) {
	h.pendingMu.Lock()
	pending := h.pending
	h.pending = make(map[string]chan AckResult)
	h.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- AckResult{Err: err}
	}
}

// emitAck encodes an acknowledged frame, hands it to send and waits for the
// matching ack frame, the timeout or ctx, whichever comes first.
func (h *hub) emitAck(ctx context.Context, timeout time.Duration, event string, payload interface{}, send func([]byte) error) <-chan AckResult {
	id := uuid.NewString()
	data, err := protocol.NewFrame(event, id, payload)
	if err != nil {
		metrics.AckFailures.WithLabelValues("write").Inc()
		return failed(err)
	}

	ch := h.register(id)
	start := time.Now()
	if err := send(data); err != nil {
		h.unregister(id)
		metrics.AckFailures.WithLabelValues(failureReason(err)).Inc()
		return failed(err)
	}

	out := make(chan AckResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		select {
		case r := <-ch:
			if r.Err != nil {
				metrics.AckFailures.WithLabelValues(failureReason(r.Err)).Inc()
			} else {
				metrics.AckLatency.Observe(time.Since(start).Seconds())
			}
			out <- r
		case <-ctx.Done():
			h.unregister(id)
			err := ErrAckTimeout
			if errors.Is(ctx.Err(), context.Canceled) {
				err = ctx.Err()
			}
			metrics.AckFailures.WithLabelValues(failureReason(err)).Inc()
			h.log.Warn("ack not received", zap.String("event", event), zap.String("ack", id), zap.Error(err))
			out <- AckResult{Err: err}
		}
	}()
	return out
}

func failureReason(err error) string {
	var remote *RemoteError
	switch {
	case errors.Is(err, ErrAckTimeout):
		return "timeout"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.As(err, &remote):
		return "remote"
	default:
		return "write"
	}
}
