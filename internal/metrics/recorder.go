package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Recorder is an in-memory aggregating sink. Used by tests and by the
// /health endpoint's lightweight counters when Prometheus is disabled.
type Recorder struct {
	mu      sync.Mutex
	counts  map[string]int64
	latency []time.Duration
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{counts: make(map[string]int64)}
}

func (r *Recorder) inc(key string) {
	r.mu.Lock()
	r.counts[key]++
	r.mu.Unlock()
}

// Count returns the current value of a counter key, e.g.
// "messages_received{type=publish}".
func (r *Recorder) Count(key string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

// Snapshot copies all counters.
func (r *Recorder) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

func (r *Recorder) ConnectionOpened() { r.inc("connections_opened") }
func (r *Recorder) ConnectionClosed() { r.inc("connections_closed") }

func (r *Recorder) AuthAttempt(success bool) {
	r.inc(fmt.Sprintf("auth_attempts{success=%t}", success))
}

func (r *Recorder) MessageReceived(msgType string) {
	r.inc(fmt.Sprintf("messages_received{type=%s}", msgType))
}

func (r *Recorder) MessageSent(msgType string) {
	r.inc(fmt.Sprintf("messages_sent{type=%s}", msgType))
}

func (r *Recorder) PublishResult(success bool) {
	r.inc(fmt.Sprintf("publish_results{success=%t}", success))
}

func (r *Recorder) NATSLatency(d time.Duration) {
	r.mu.Lock()
	r.latency = append(r.latency, d)
	r.mu.Unlock()
}

func (r *Recorder) BufferEnqueued()    { r.inc("buffer_enqueued") }
func (r *Recorder) BufferOverflow()    { r.inc("buffer_overflow") }
func (r *Recorder) RateLimitRejected() { r.inc("rate_limit_rejections") }

func (r *Recorder) AuthorizationCheck(op string, allowed bool) {
	r.inc(fmt.Sprintf("authorization_checks{op=%s,allowed=%t}", op, allowed))
}

func (r *Recorder) DeadLetter() { r.inc("dead_letters") }

func (r *Recorder) Error(kind string) {
	r.inc(fmt.Sprintf("errors{kind=%s}", kind))
}
