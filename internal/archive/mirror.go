package archive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/workchat/internal/chat"
	"github.com/whisper/workchat/internal/metrics"
)

// DefaultMirrorBuffer is the number of writes the mirror queues before it
// starts dropping.
const DefaultMirrorBuffer = 1024

// Writer is the subset of Store the mirror writes through.
type Writer interface {
	Upsert(ctx context.Context, m chat.Message) error
	Tombstone(ctx context.Context, messageID string) error
	Remove(ctx context.Context, messageID string) error
}

type opKind int

const (
	opUpsert opKind = iota
	opTombstone
	opRemove
)

type op struct {
	kind opKind
	msg  chat.Message
	id   string
}

// Mirror receives reconciled message state from the engine and writes it to
// the archive on its own goroutine. Enqueueing never blocks: when the queue
// is full the write is dropped and counted, and the next page load or event
// for the message rewrites it.
type Mirror struct {
	w            Writer
	ops          chan op
	quit         chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	log          *zap.Logger
}

// NewMirror creates a Mirror. Call Run to start draining.
func NewMirror(w Writer, buffer int, log *zap.Logger) *Mirror {
	if buffer <= 0 {
		buffer = DefaultMirrorBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{
		w:            w,
		ops:          make(chan op, buffer),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		writeTimeout: 5 * time.Second,
		log:          log,
	}
}

// MessageStored queues an upsert.
func (m *Mirror) MessageStored(msg chat.Message) {
	m.enqueue(op{kind: opUpsert, msg: msg, id: msg.ID})
}

// MessageTombstoned queues a tombstone.
func (m *Mirror) MessageTombstoned(messageID string) {
	m.enqueue(op{kind: opTombstone, id: messageID})
}

// MessageRemoved queues a removal.
func (m *Mirror) MessageRemoved(messageID string) {
	m.enqueue(op{kind: opRemove, id: messageID})
}

func (m *Mirror) enqueue(o op) {
	select {
	case <-m.quit:
		return
	default:
	}
	select {
	case m.ops <- o:
	default:
		metrics.ArchiveDropped.Inc()
		m.log.Debug("archive queue full, dropping write", zap.String("message", o.id))
	}
}

// Run drains the queue until ctx is cancelled or Close is called. Writes
// already queued when Close is called are still applied.
func (m *Mirror) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case o := <-m.ops:
			m.apply(ctx, o)
		case <-m.quit:
			m.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mirror) drain(ctx context.Context) {
	for {
		select {
		case o := <-m.ops:
			m.apply(ctx, o)
		default:
			return
		}
	}
}

func (m *Mirror) apply(ctx context.Context, o op) {
	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()

	var err error
	switch o.kind {
	case opUpsert:
		err = m.w.Upsert(ctx, o.msg)
	case opTombstone:
		err = m.w.Tombstone(ctx, o.id)
	case opRemove:
		err = m.w.Remove(ctx, o.id)
	}
	if err != nil {
		m.log.Warn("archive write failed", zap.String("message", o.id), zap.Error(err))
	}
}

// Close stops accepting writes and waits for Run to flush what is queued.
// Run must have been started.
func (m *Mirror) Close() {
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.done
}
