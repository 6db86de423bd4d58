package metrics

import "time"

// Sink receives observable events from the gateway core. Implementations
// must be non-blocking; anything that does I/O has to buffer internally.
type Sink interface {
	ConnectionOpened()
	ConnectionClosed()
	AuthAttempt(success bool)
	MessageReceived(msgType string)
	MessageSent(msgType string)
	PublishResult(success bool)
	NATSLatency(d time.Duration)
	BufferEnqueued()
	BufferOverflow()
	RateLimitRejected()
	AuthorizationCheck(op string, allowed bool)
	DeadLetter()
	Error(kind string)
}

// Noop discards every event.
type Noop struct{}

func (Noop) ConnectionOpened()               {}
func (Noop) ConnectionClosed()               {}
func (Noop) AuthAttempt(bool)                {}
func (Noop) MessageReceived(string)          {}
func (Noop) MessageSent(string)              {}
func (Noop) PublishResult(bool)              {}
func (Noop) NATSLatency(time.Duration)       {}
func (Noop) BufferEnqueued()                 {}
func (Noop) BufferOverflow()                 {}
func (Noop) RateLimitRejected()              {}
func (Noop) AuthorizationCheck(string, bool) {}
func (Noop) DeadLetter()                     {}
func (Noop) Error(string)                    {}
