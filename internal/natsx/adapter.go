package natsx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/config"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/metrics"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/protocol"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/session"
)

// ErrNoStream means no declared stream covers the requested pattern, so a
// durable consumer cannot be bound.
var ErrNoStream = errors.New("no stream covers the requested subject")

// Adapter implements session.Broker on top of the NATS client: retried
// JetStream publishes behind a circuit breaker, and per-device durable
// consumers for subscriptions.
type Adapter struct {
	client   *Client
	streams  []config.StreamConfig
	consumer config.ConsumerConfig
	retry    config.PublishRetryConfig
	sink     metrics.Sink
	logger   *logrus.Logger
	breaker  *gobreaker.CircuitBreaker

	mu     sync.Mutex
	active map[string]*deviceSubscription
}

// NewAdapter wires the adapter around an established client.
func NewAdapter(client *Client, cfg *config.Config, sink metrics.Sink, logger *logrus.Logger) *Adapter {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nats-publish",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &Adapter{
		client:   client,
		streams:  cfg.Streams,
		consumer: cfg.Consumer,
		retry:    cfg.PublishRetry,
		sink:     sink,
		logger:   logger,
		breaker:  breaker,
		active:   make(map[string]*deviceSubscription),
	}
}

// Publish sends data to subj through JetStream with exponential-backoff
// retries and returns the assigned stream sequence. An open circuit
// breaker fails fast without retrying.
func (a *Adapter) Publish(ctx context.Context, subj string, data []byte) (uint64, error) {
	start := time.Now()

	var seq uint64
	op := func() error {
		res, err := a.breaker.Execute(func() (interface{}, error) {
			return a.publishOnce(ctx, subj, data)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		seq = res.(uint64)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.retry.InitialDelay
	policy.MaxInterval = a.retry.MaxDelay
	policy.Multiplier = a.retry.BackoffMultiplier
	policy.MaxElapsedTime = 0
	if !a.retry.AddJitter {
		policy.RandomizationFactor = 0
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(a.retry.MaxRetries)), ctx))

	a.sink.NATSLatency(time.Since(start))
	a.sink.PublishResult(err == nil)
	if err != nil {
		return 0, fmt.Errorf("publish to %s failed: %w", subj, err)
	}
	return seq, nil
}

// publishOnce returns the stream sequence, 0 on the core-NATS path where
// no sequence is allocated.
func (a *Adapter) publishOnce(ctx context.Context, subj string, data []byte) (uint64, error) {
	if js := a.client.JetStream(); js != nil {
		ack, err := js.Publish(subj, data, nats.Context(ctx))
		if err != nil {
			return 0, err
		}
		return ack.Sequence, nil
	}
	return 0, a.client.Conn().Publish(subj, data)
}

// SubscribeDevice creates a durable JetStream push consumer for one device
// subscription. The durable name is derived from the device and pattern, so
// a reconnecting device resumes from its consumer's cursor.
func (a *Adapter) SubscribeDevice(clientID, pattern string, deliver func(msg *protocol.Message) bool) (session.SubscriptionHandle, error) {
	js := a.client.JetStream()
	if js == nil {
		return a.subscribeCore(pattern, deliver)
	}

	streamName, ok := a.resolveStream(pattern)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoStream, pattern)
	}
	durable := durableName(clientID, pattern)

	handler := func(m *nats.Msg) {
		if a.exceededDeliveries(m) {
			a.sink.DeadLetter()
			a.logger.WithFields(logrus.Fields{
				"subject": m.Subject,
				"durable": durable,
			}).Warn("Message exceeded delivery attempts, terminating")
			_ = m.Term()
			return
		}

		pm := envelopeFor(m)
		if deliver(pm) {
			_ = m.Ack()
		}
		// A dropped delivery stays unacked; the consumer redelivers after
		// the ack wait, so the device can catch up on reconnect.
	}

	// Consumer creation for the same durable must not race.
	a.mu.Lock()
	defer a.mu.Unlock()

	// A reconnecting device attaches to its surviving durable and resumes
	// from the last ack; only a durable created here is deleted on
	// unsubscribe.
	created := false
	if _, err := js.ConsumerInfo(streamName, durable); errors.Is(err, nats.ErrConsumerNotFound) {
		created = true
	}

	subOpts := []nats.SubOpt{
		nats.Durable(durable),
		nats.BindStream(streamName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(a.consumer.AckWait),
		nats.MaxAckPending(a.consumer.MaxAckPending),
		nats.DeliverNew(),
	}
	if a.consumer.MaxDeliver > 0 {
		// One above the dead-letter threshold: the server must hand the
		// handler a delivery past MaxDeliver so it can terminate and count
		// the message instead of the server silently parking it.
		subOpts = append(subOpts, nats.MaxDeliver(a.consumer.MaxDeliver+1))
	}

	sub, err := js.Subscribe(pattern, handler, subOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", durable, err)
	}

	handle := &deviceSubscription{
		id:      uuid.New().String(),
		pattern: pattern,
		durable: durable,
		stream:  streamName,
		created: created,
		sub:     sub,
		adapter: a,
	}
	a.active[handle.id] = handle

	a.logger.WithFields(logrus.Fields{
		"client_id": clientID,
		"pattern":   pattern,
		"durable":   durable,
		"stream":    streamName,
	}).Info("Created durable consumer")
	return handle, nil
}

// subscribeCore is the plain NATS fallback when JetStream is disabled:
// at-most-once delivery, no durable state.
func (a *Adapter) subscribeCore(pattern string, deliver func(msg *protocol.Message) bool) (session.SubscriptionHandle, error) {
	sub, err := a.client.Conn().Subscribe(pattern, func(m *nats.Msg) {
		deliver(envelopeFor(m))
	})
	if err != nil {
		return nil, err
	}
	handle := &deviceSubscription{
		id:      uuid.New().String(),
		pattern: pattern,
		sub:     sub,
		adapter: a,
	}
	a.mu.Lock()
	a.active[handle.id] = handle
	a.mu.Unlock()
	return handle, nil
}

func (a *Adapter) exceededDeliveries(m *nats.Msg) bool {
	if a.consumer.MaxDeliver <= 0 {
		return false
	}
	meta, err := m.Metadata()
	if err != nil {
		return false
	}
	return int(meta.NumDelivered) > a.consumer.MaxDeliver
}

// envelopeFor converts a backbone message into the frame delivered to the
// device. Well-formed envelopes keep their fields; raw payloads published by
// non-gateway producers are wrapped as-is.
func envelopeFor(m *nats.Msg) *protocol.Message {
	pm := &protocol.Message{}
	if err := json.Unmarshal(m.Data, pm); err != nil || !pm.Type.Valid() {
		pm = &protocol.Message{Payload: json.RawMessage(m.Data)}
	}
	pm.Type = protocol.TypeMessage
	pm.Subject = m.Subject
	if pm.Timestamp == "" {
		pm.Timestamp = protocol.Timestamp(time.Now())
	}
	return pm
}

// resolveStream finds the declared stream whose subject space overlaps the
// subscription pattern.
func (a *Adapter) resolveStream(pattern string) (string, bool) {
	for _, st := range a.streams {
		for _, subj := range st.Subjects {
			if overlaps(pattern, subj) {
				return st.Name, true
			}
		}
	}
	return "", false
}

// overlaps reports whether two subject patterns can match a common subject.
// Both sides may contain wildcards.
func overlaps(a, b string) bool {
	at := strings.Split(a, ".")
	bt := strings.Split(b, ".")
	for i := 0; i < len(at) && i < len(bt); i++ {
		x, y := at[i], bt[i]
		if x == ">" || y == ">" {
			return true
		}
		if x == "*" || y == "*" {
			continue
		}
		if x != y {
			return false
		}
	}
	return len(at) == len(bt)
}

// durableName derives a stable consumer name from the device and pattern.
// The pattern is hashed because durable names cannot contain dots or
// wildcards.
func durableName(clientID, pattern string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pattern))
	return fmt.Sprintf("gw-%s-%08x", sanitizeDurable(clientID), h.Sum32())
}

func sanitizeDurable(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

// ActiveConsumers returns the number of live device subscriptions.
func (a *Adapter) ActiveConsumers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

func (a *Adapter) release(handle *deviceSubscription) {
	a.mu.Lock()
	delete(a.active, handle.id)
	a.mu.Unlock()
}

// deviceSubscription is one live consumer bound to a (device, pattern) pair.
type deviceSubscription struct {
	id      string
	pattern string
	durable string
	stream  string
	created bool
	sub     *nats.Subscription
	adapter *Adapter
	once    sync.Once
}

// ID returns the gateway-assigned subscription id.
func (d *deviceSubscription) ID() string { return d.id }

// Unsubscribe detaches the push subscription, and deletes the durable
// consumer when this session created it. Idempotent.
func (d *deviceSubscription) Unsubscribe() error {
	var err error
	d.once.Do(func() {
		d.adapter.release(d)
		err = d.sub.Unsubscribe()

		if d.created && d.durable != "" {
			if js := d.adapter.client.JetStream(); js != nil {
				if derr := js.DeleteConsumer(d.stream, d.durable); derr != nil &&
					!errors.Is(derr, nats.ErrConsumerNotFound) {
					if err == nil {
						err = derr
					}
				}
			}
		}
	})
	return err
}
