package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink aggregates gateway events into Prometheus collectors
// registered on the default registry.
type PrometheusSink struct {
	connectionsOpened   prometheus.Counter
	connectionsClosed   prometheus.Counter
	connectionsActive   prometheus.Gauge
	authAttempts        *prometheus.CounterVec
	messagesReceived    *prometheus.CounterVec
	messagesSent        *prometheus.CounterVec
	publishResults      *prometheus.CounterVec
	natsLatency         prometheus.Histogram
	bufferEnqueued      prometheus.Counter
	bufferOverflow      prometheus.Counter
	rateLimitRejections prometheus.Counter
	authorizationChecks *prometheus.CounterVec
	deadLetters         prometheus.Counter
	errors              *prometheus.CounterVec
}

// NewPrometheusSink registers the gateway collectors and returns the sink.
// Call at most once per process; promauto panics on duplicate registration.
func NewPrometheusSink() *PrometheusSink {
	const (
		namespace = "gateway"
		subsystem = "core"
	)

	return &PrometheusSink{
		connectionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_opened_total",
			Help:      "Total number of accepted WebSocket connections",
		}),
		connectionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_closed_total",
			Help:      "Total number of closed WebSocket connections",
		}),
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_active",
			Help:      "Number of currently open WebSocket connections",
		}),
		authAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by outcome",
		}, []string{"success"}),
		messagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Inbound wire messages by type",
		}, []string{"type"}),
		messagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Outbound wire messages by type",
		}, []string{"type"}),
		publishResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "publish_results_total",
			Help:      "JetStream publish outcomes",
		}, []string{"success"}),
		natsLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "nats_publish_latency_seconds",
			Help:      "JetStream publish latency",
			Buckets:   prometheus.DefBuckets,
		}),
		bufferEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "buffer_enqueued_total",
			Help:      "Messages enqueued into per-device outbound buffers",
		}),
		bufferOverflow: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "buffer_overflow_total",
			Help:      "Messages dropped because an outbound buffer was full",
		}),
		rateLimitRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rate_limit_rejections_total",
			Help:      "Inbound messages rejected by the per-device rate limiter",
		}),
		authorizationChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "authorization_checks_total",
			Help:      "Subject authorization checks by operation and outcome",
		}, []string{"op", "allowed"}),
		deadLetters: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dead_letters_total",
			Help:      "Messages dropped after exhausting redelivery attempts",
		}),
		errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Gateway errors by kind",
		}, []string{"kind"}),
	}
}

func (s *PrometheusSink) ConnectionOpened() {
	s.connectionsOpened.Inc()
	s.connectionsActive.Inc()
}

func (s *PrometheusSink) ConnectionClosed() {
	s.connectionsClosed.Inc()
	s.connectionsActive.Dec()
}

func (s *PrometheusSink) AuthAttempt(success bool) {
	s.authAttempts.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (s *PrometheusSink) MessageReceived(msgType string) {
	s.messagesReceived.WithLabelValues(msgType).Inc()
}

func (s *PrometheusSink) MessageSent(msgType string) {
	s.messagesSent.WithLabelValues(msgType).Inc()
}

func (s *PrometheusSink) PublishResult(success bool) {
	s.publishResults.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (s *PrometheusSink) NATSLatency(d time.Duration) {
	s.natsLatency.Observe(d.Seconds())
}

func (s *PrometheusSink) BufferEnqueued() {
	s.bufferEnqueued.Inc()
}

func (s *PrometheusSink) BufferOverflow() {
	s.bufferOverflow.Inc()
}

func (s *PrometheusSink) RateLimitRejected() {
	s.rateLimitRejections.Inc()
}

func (s *PrometheusSink) AuthorizationCheck(op string, allowed bool) {
	s.authorizationChecks.WithLabelValues(op, strconv.FormatBool(allowed)).Inc()
}

func (s *PrometheusSink) DeadLetter() {
	s.deadLetters.Inc()
}

func (s *PrometheusSink) Error(kind string) {
	s.errors.WithLabelValues(kind).Inc()
}
