package transport

import (
	"fmt"
	"sync"

	"github.com/xiaonanln/shieldmesh/util/logger"
)

// DefaultOutboxSize is the default capacity of an Outbox
const DefaultOutboxSize = 64

// Outbox is the outbound queue of one connection. A transport's writer drains
// Frames(); Push never blocks and drops the frame when the queue is full.
type Outbox struct {
	id     string
	frames chan Frame
	closed bool
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewOutbox creates an outbox with the given capacity (DefaultOutboxSize if <= 0)
func NewOutbox(id string, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{
		id:     id,
		frames: make(chan Frame, size),
		logger: logger.NewLogger(fmt.Sprintf("Outbox(%s)", id)),
	}
}

// Frames returns the queue. It is closed by Close.
func (o *Outbox) Frames() <-chan Frame {
	return o.frames
}

// Push queues frame
func (o *Outbox) Push(frame Frame) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrConnectionClosed
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		o.logger.Warnf("Outbox %s full, dropping %s frame", o.id, frame.Event)
		return ErrSendBufferFull
	}
}

// Close closes the queue. Multiple calls are safe.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.frames)
}

// IsClosed reports whether Close was called
func (o *Outbox) IsClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// Len returns the number of queued frames
func (o *Outbox) Len() int {
	return len(o.frames)
}
