package session

import "sync"

// OutboundBuffer is the bounded FIFO between everything that produces
// frames for a device and the single writer pump draining to the socket.
// Producers never block: when the buffer is full the newest message is
// dropped and the caller learns about it from the false return.
type OutboundBuffer struct {
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutboundBuffer creates a buffer holding up to capacity frames.
func NewOutboundBuffer(capacity int) *OutboundBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &OutboundBuffer{ch: make(chan []byte, capacity)}
}

// Enqueue offers a frame to the buffer. Returns false when the buffer is
// full (the frame is dropped) or already closed.
func (b *OutboundBuffer) Enqueue(frame []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	select {
	case b.ch <- frame:
		return true
	default:
		return false
	}
}

// Drain returns the receive side consumed by the writer pump. The channel
// is closed when the buffer closes; any frames already queued remain
// readable.
func (b *OutboundBuffer) Drain() <-chan []byte {
	return b.ch
}

// Close shuts the buffer. Safe to call more than once; enqueues after
// Close are no-ops returning false.
func (b *OutboundBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

// Len returns the number of queued frames.
func (b *OutboundBuffer) Len() int {
	return len(b.ch)
}
