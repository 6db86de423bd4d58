package natsx

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/config"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/metrics"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/protocol"
)

func runJetStreamServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	server := natstest.RunServer(&opts)
	t.Cleanup(server.Shutdown)
	return server
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig(url string) *config.Config {
	return &config.Config{
		NATS: config.NATSConfig{
			URL:               url,
			UseJetStream:      true,
			ConnectionTimeout: 5 * time.Second,
			ReconnectDelay:    100 * time.Millisecond,
			MaxReconnects:     3,
		},
		Consumer: config.ConsumerConfig{
			AckWait:       5 * time.Second,
			MaxAckPending: 64,
			MaxDeliver:    4,
		},
		PublishRetry: config.PublishRetryConfig{
			MaxRetries:        2,
			InitialDelay:      10 * time.Millisecond,
			MaxDelay:          50 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
		Streams: []config.StreamConfig{
			{
				Name:      "TELEMETRY",
				Subjects:  []string{"telemetry.>"},
				Retention: "limits",
				Storage:   "file",
				MaxAge:    time.Hour,
			},
		},
	}
}

func newTestAdapter(t *testing.T, server *natsserver.Server) (*Client, *Adapter) {
	t.Helper()
	cfg := testConfig(server.ClientURL())
	client, err := NewClient(cfg.NATS, quietLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.EnsureStreams(cfg.Streams, false))
	return client, NewAdapter(client, cfg, metrics.Noop{}, quietLogger())
}

func TestEnsureStreamsCreatesAbsentStream(t *testing.T) {
	server := runJetStreamServer(t)
	client, _ := newTestAdapter(t, server)

	info, err := client.JetStream().StreamInfo("TELEMETRY")
	require.NoError(t, err)
	assert.Equal(t, []string{"telemetry.>"}, info.Config.Subjects)
}

func TestEnsureStreamsSkipsMismatchWithoutReconcile(t *testing.T) {
	server := runJetStreamServer(t)
	client, _ := newTestAdapter(t, server)

	changed := []config.StreamConfig{{
		Name:      "TELEMETRY",
		Subjects:  []string{"telemetry.>", "factory.>"},
		Retention: "limits",
		Storage:   "file",
		MaxAge:    time.Hour,
	}}

	require.NoError(t, client.EnsureStreams(changed, false))
	info, err := client.JetStream().StreamInfo("TELEMETRY")
	require.NoError(t, err)
	assert.Equal(t, []string{"telemetry.>"}, info.Config.Subjects,
		"mismatched stream must not be mutated without reconcile")

	require.NoError(t, client.EnsureStreams(changed, true))
	info, err = client.JetStream().StreamInfo("TELEMETRY")
	require.NoError(t, err)
	assert.Equal(t, []string{"telemetry.>", "factory.>"}, info.Config.Subjects)
}

func TestPublishDeliversToDeviceConsumer(t *testing.T) {
	server := runJetStreamServer(t)
	_, adapter := newTestAdapter(t, server)

	received := make(chan *protocol.Message, 1)
	handle, err := adapter.SubscribeDevice("dev-1", "telemetry.dev-1.>", func(msg *protocol.Message) bool {
		select {
		case received <- msg:
		default:
		}
		return true
	})
	require.NoError(t, err)
	defer handle.Unsubscribe()

	envelope, _ := json.Marshal(&protocol.Message{
		Type:      protocol.TypePublish,
		Subject:   "telemetry.dev-1.temp",
		Payload:   json.RawMessage(`{"value":21.5}`),
		DeviceID:  "dev-1",
		Timestamp: protocol.Timestamp(time.Now()),
	})
	seq, err := adapter.Publish(context.Background(), "telemetry.dev-1.temp", envelope)
	require.NoError(t, err)
	assert.Greater(t, seq, uint64(0), "JetStream publish must surface the stream sequence")

	select {
	case msg := <-received:
		assert.Equal(t, protocol.TypeMessage, msg.Type)
		assert.Equal(t, "telemetry.dev-1.temp", msg.Subject)
		assert.Equal(t, "dev-1", msg.DeviceID)
		assert.JSONEq(t, `{"value":21.5}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestRawPayloadWrappedForDevice(t *testing.T) {
	server := runJetStreamServer(t)
	client, adapter := newTestAdapter(t, server)

	received := make(chan *protocol.Message, 1)
	handle, err := adapter.SubscribeDevice("dev-1", "telemetry.raw.*", func(msg *protocol.Message) bool {
		select {
		case received <- msg:
		default:
		}
		return true
	})
	require.NoError(t, err)
	defer handle.Unsubscribe()

	// A non-gateway producer publishing bare JSON.
	_, err = client.JetStream().Publish("telemetry.raw.x", []byte(`{"raw":true}`))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, protocol.TypeMessage, msg.Type)
		assert.Equal(t, "telemetry.raw.x", msg.Subject)
		assert.JSONEq(t, `{"raw":true}`, string(msg.Payload))
		assert.NotEmpty(t, msg.Timestamp)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestUnsubscribeDeletesOwnDurable(t *testing.T) {
	server := runJetStreamServer(t)
	client, adapter := newTestAdapter(t, server)

	handle, err := adapter.SubscribeDevice("dev-1", "telemetry.dev-1.>", func(*protocol.Message) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.ActiveConsumers())

	durable := durableName("dev-1", "telemetry.dev-1.>")
	_, err = client.JetStream().ConsumerInfo("TELEMETRY", durable)
	require.NoError(t, err)

	require.NoError(t, handle.Unsubscribe())
	assert.Equal(t, 0, adapter.ActiveConsumers())

	_, err = client.JetStream().ConsumerInfo("TELEMETRY", durable)
	assert.ErrorIs(t, err, nats.ErrConsumerNotFound)
}

func TestUnsubscribeKeepsAttachedDurable(t *testing.T) {
	server := runJetStreamServer(t)
	client, adapter := newTestAdapter(t, server)

	// First session creates the durable on its own connection, then drops
	// abruptly, leaving the consumer behind.
	cfg := testConfig(server.ClientURL())
	client2, err := NewClient(cfg.NATS, quietLogger())
	require.NoError(t, err)
	adapter2 := NewAdapter(client2, cfg, metrics.Noop{}, quietLogger())
	_, err = adapter2.SubscribeDevice("dev-1", "telemetry.dev-1.>", func(*protocol.Message) bool { return true })
	require.NoError(t, err)
	client2.Conn().Close()

	durable := durableName("dev-1", "telemetry.dev-1.>")
	_, err = client.JetStream().ConsumerInfo("TELEMETRY", durable)
	require.NoError(t, err)

	// The reconnecting session attaches; its unsubscribe must not delete
	// a durable it did not create.
	second, err := adapter.SubscribeDevice("dev-1", "telemetry.dev-1.>", func(*protocol.Message) bool { return true })
	require.NoError(t, err)
	require.NoError(t, second.Unsubscribe())

	_, err = client.JetStream().ConsumerInfo("TELEMETRY", durable)
	assert.NoError(t, err, "attached durable must survive unsubscribe")
}

func TestDroppedDeliveryIsRedelivered(t *testing.T) {
	server := runJetStreamServer(t)
	cfg := testConfig(server.ClientURL())
	cfg.Consumer.AckWait = 500 * time.Millisecond

	client, err := NewClient(cfg.NATS, quietLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.EnsureStreams(cfg.Streams, false))
	adapter := NewAdapter(client, cfg, metrics.Noop{}, quietLogger())

	// The first delivery is dropped, as on a full outbound buffer. The
	// message stays unacked, so it must come around again after the ack
	// wait.
	var deliveries atomic.Int32
	received := make(chan *protocol.Message, 4)
	handle, err := adapter.SubscribeDevice("dev-1", "telemetry.dev-1.>", func(msg *protocol.Message) bool {
		n := deliveries.Add(1)
		received <- msg
		return n > 1
	})
	require.NoError(t, err)
	defer handle.Unsubscribe()

	_, err = adapter.Publish(context.Background(), "telemetry.dev-1.temp", []byte(`{"value":1}`))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			assert.Equal(t, "telemetry.dev-1.temp", msg.Subject)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i+1)
		}
	}
}

func TestPoisonMessageDeadLettered(t *testing.T) {
	server := runJetStreamServer(t)
	cfg := testConfig(server.ClientURL())
	cfg.Consumer.AckWait = 300 * time.Millisecond
	cfg.Consumer.MaxDeliver = 2

	client, err := NewClient(cfg.NATS, quietLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.EnsureStreams(cfg.Streams, false))

	recorder := metrics.NewRecorder()
	adapter := NewAdapter(client, cfg, recorder, quietLogger())

	// Never acked: after MaxDeliver attempts the next redelivery must be
	// terminated and counted instead of retrying forever.
	var deliveries atomic.Int32
	handle, err := adapter.SubscribeDevice("dev-1", "telemetry.dev-1.>", func(*protocol.Message) bool {
		deliveries.Add(1)
		return false
	})
	require.NoError(t, err)
	defer handle.Unsubscribe()

	_, err = adapter.Publish(context.Background(), "telemetry.dev-1.temp", []byte(`{"stuck":true}`))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return recorder.Count("dead_letters") == 1
	}, 10*time.Second, 100*time.Millisecond, "poison message never dead-lettered")
	assert.EqualValues(t, 2, deliveries.Load(), "device sees exactly MaxDeliver attempts")
}

func TestSubscribeDeviceNoCoveringStream(t *testing.T) {
	server := runJetStreamServer(t)
	_, adapter := newTestAdapter(t, server)

	_, err := adapter.SubscribeDevice("dev-1", "orders.>", func(*protocol.Message) bool { return true })
	assert.ErrorIs(t, err, ErrNoStream)
}

func TestOverlaps(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"telemetry.dev-1.temp", "telemetry.>", true},
		{"telemetry.>", "telemetry.>", true},
		{"telemetry.*.temp", "telemetry.>", true},
		{"commands.dev-1", "telemetry.>", false},
		{"telemetry", "telemetry.>", false},
		{"factory.a.b", "factory.*.b", true},
		{"factory.a.b", "factory.*.c", false},
		{"factory.a", "factory.a.b", false},
	}
	for _, tc := range cases {
		if got := overlaps(tc.pattern, tc.subject); got != tc.want {
			t.Errorf("overlaps(%q, %q) = %v, want %v", tc.pattern, tc.subject, got, tc.want)
		}
	}
}

func TestDurableNameStableAndSanitized(t *testing.T) {
	a := durableName("dev-1", "telemetry.dev-1.>")
	b := durableName("dev-1", "telemetry.dev-1.>")
	assert.Equal(t, a, b)

	c := durableName("dev-1", "telemetry.dev-1.*")
	assert.NotEqual(t, a, c)

	weird := durableName("dev.1 x", "telemetry.>")
	assert.NotContains(t, weird, ".")
	assert.NotContains(t, weird, " ")
}
