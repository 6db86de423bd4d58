package natsx

import (
	"fmt"
	"reflect"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/config"
)

// Client wraps the NATS connection and JetStream context.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Logger
	config config.NATSConfig
}

// NewClient connects to NATS with production-ready reconnect settings and
// creates the JetStream context.
func NewClient(cfg config.NATSConfig, logger *logrus.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("nats-websocket-bridge"),
		nats.Timeout(cfg.ConnectionTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectDelay),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.WithError(err).Error("NATS async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	var js nats.JetStreamContext
	if cfg.UseJetStream {
		js, err = conn.JetStream(nats.PublishAsyncMaxPending(256))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
	}

	logger.WithField("url", cfg.URL).Info("Connected to NATS")
	return &Client{conn: conn, js: js, logger: logger, config: cfg}, nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
		c.conn.Close()
	}
}

// Conn returns the underlying NATS connection.
func (c *Client) Conn() *nats.Conn { return c.conn }

// JetStream returns the JetStream context, nil when disabled.
func (c *Client) JetStream() nats.JetStreamContext { return c.js }

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// EnsureStreams reconciles the declared streams: absent streams are
// created; existing streams with mismatched critical fields are logged
// and left alone unless allowReconcile is set.
func (c *Client) EnsureStreams(streams []config.StreamConfig, allowReconcile bool) error {
	if c.js == nil {
		return nil
	}

	for _, declared := range streams {
		want, err := toStreamConfig(declared)
		if err != nil {
			return err
		}

		info, err := c.js.StreamInfo(want.Name)
		if err == nats.ErrStreamNotFound {
			if _, err := c.js.AddStream(want); err != nil {
				return fmt.Errorf("failed to create stream %s: %w", want.Name, err)
			}
			c.logger.WithFields(logrus.Fields{
				"stream":   want.Name,
				"subjects": want.Subjects,
			}).Info("Created stream")
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to check stream %s: %w", want.Name, err)
		}

		if streamMatches(&info.Config, want) {
			c.logger.WithField("stream", want.Name).Debug("Stream exists with compatible config")
			continue
		}

		if allowReconcile {
			if _, err := c.js.UpdateStream(want); err != nil {
				return fmt.Errorf("failed to reconcile stream %s: %w", want.Name, err)
			}
			c.logger.WithField("stream", want.Name).Info("Reconciled stream config")
		} else {
			c.logger.WithFields(logrus.Fields{
				"stream":            want.Name,
				"existing_subjects": info.Config.Subjects,
				"declared_subjects": want.Subjects,
			}).Warn("Stream exists with mismatched config, skipping")
		}
	}
	return nil
}

func streamMatches(existing, want *nats.StreamConfig) bool {
	return reflect.DeepEqual(existing.Subjects, want.Subjects) &&
		existing.Retention == want.Retention &&
		existing.Storage == want.Storage
}

func toStreamConfig(cfg config.StreamConfig) (*nats.StreamConfig, error) {
	if cfg.Name == "" || len(cfg.Subjects) == 0 {
		return nil, fmt.Errorf("stream declaration requires a name and subjects")
	}

	sc := &nats.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxMsgs:    cfg.MaxMsgs,
		MaxBytes:   cfg.MaxBytes,
		MaxMsgSize: cfg.MaxMsgSize,
		MaxAge:     cfg.MaxAge,
		Replicas:   cfg.Replicas,
	}

	switch cfg.Retention {
	case "", "limits":
		sc.Retention = nats.LimitsPolicy
	case "interest":
		sc.Retention = nats.InterestPolicy
	case "workqueue":
		sc.Retention = nats.WorkQueuePolicy
	default:
		return nil, fmt.Errorf("stream %s: unknown retention policy %q", cfg.Name, cfg.Retention)
	}

	switch cfg.Storage {
	case "", "file":
		sc.Storage = nats.FileStorage
	case "memory":
		sc.Storage = nats.MemoryStorage
	default:
		return nil, fmt.Errorf("stream %s: unknown storage type %q", cfg.Name, cfg.Storage)
	}

	switch cfg.Discard {
	case "", "old":
		sc.Discard = nats.DiscardOld
	case "new":
		sc.Discard = nats.DiscardNew
	default:
		return nil, fmt.Errorf("stream %s: unknown discard policy %q", cfg.Name, cfg.Discard)
	}

	if sc.MaxAge == 0 {
		sc.MaxAge = 7 * 24 * time.Hour
	}
	return sc, nil
}
