package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all gateway settings.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	App          AppConfig          `mapstructure:"app"`
	WebSocket    WebSocketConfig    `mapstructure:"websocket"`
	NATS         NATSConfig         `mapstructure:"nats"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Consumer     ConsumerConfig     `mapstructure:"consumer"`
	PublishRetry PublishRetryConfig `mapstructure:"publish_retry"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Streams      []StreamConfig     `mapstructure:"streams"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

// WebSocketConfig holds per-connection protocol settings.
type WebSocketConfig struct {
	MaxMessageSize        int64         `mapstructure:"max_message_size"`
	RateLimitPerSecond    int           `mapstructure:"rate_limit_per_second"`
	OutgoingBufferSize    int           `mapstructure:"outgoing_buffer_size"`
	AuthenticationTimeout time.Duration `mapstructure:"authentication_timeout"`
	PingInterval          time.Duration `mapstructure:"ping_interval"`
	PingTimeout           time.Duration `mapstructure:"ping_timeout"`
	WriteWait             time.Duration `mapstructure:"write_wait"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL               string        `mapstructure:"url"`
	UseJetStream      bool          `mapstructure:"use_jetstream"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
	AllowReconcile    bool          `mapstructure:"allow_reconcile"`
}

// JWTConfig holds token validation settings.
type JWTConfig struct {
	Secret        string        `mapstructure:"secret"`
	Issuer        string        `mapstructure:"issuer"`
	Audience      string        `mapstructure:"audience"`
	ClockSkew     time.Duration `mapstructure:"clock_skew"`
	DefaultExpiry time.Duration `mapstructure:"default_expiry"`
}

// ConsumerConfig holds per-device JetStream consumer settings.
type ConsumerConfig struct {
	AckWait       time.Duration `mapstructure:"ack_wait"`
	MaxAckPending int           `mapstructure:"max_ack_pending"`
	MaxDeliver    int           `mapstructure:"max_deliver"`
}

// PublishRetryConfig controls the JetStream publish retry policy.
type PublishRetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	AddJitter         bool          `mapstructure:"add_jitter"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// StreamConfig is a declarative JetStream stream, reconciled at startup.
type StreamConfig struct {
	Name       string        `mapstructure:"name"`
	Subjects   []string      `mapstructure:"subjects"`
	Retention  string        `mapstructure:"retention"`
	Storage    string        `mapstructure:"storage"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	MaxMsgs    int64         `mapstructure:"max_msgs"`
	MaxBytes   int64         `mapstructure:"max_bytes"`
	MaxMsgSize int32         `mapstructure:"max_msg_size"`
	Replicas   int           `mapstructure:"replicas"`
	Discard    string        `mapstructure:"discard"`
}

// DevSecret is the development signing secret; production deployments must
// override JWT_SECRET.
const DevSecret = "CHANGE_THIS_TO_A_SECURE_SECRET_KEY_AT_LEAST_32_CHARS"

var knownFileKeys = map[string]bool{
	"server": true, "app": true, "websocket": true, "nats": true,
	"jwt": true, "consumer": true, "publish_retry": true,
	"metrics": true, "streams": true, "consumers": true,
}

// Load reads configuration from defaults, an optional YAML file named by
// GATEWAY_CONFIG_FILE, and environment variables (highest precedence).
func Load(logger *logrus.Logger) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)

	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("websocket.max_message_size", 64*1024)
	v.SetDefault("websocket.rate_limit_per_second", 100)
	v.SetDefault("websocket.outgoing_buffer_size", 256)
	v.SetDefault("websocket.authentication_timeout", 10*time.Second)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.ping_timeout", 10*time.Second)
	v.SetDefault("websocket.write_wait", 10*time.Second)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.use_jetstream", true)
	v.SetDefault("nats.connection_timeout", 10*time.Second)
	v.SetDefault("nats.reconnect_delay", 2*time.Second)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.allow_reconcile", false)

	v.SetDefault("jwt.secret", DevSecret)
	v.SetDefault("jwt.issuer", "nats-websocket-bridge")
	v.SetDefault("jwt.audience", "nats-devices")
	v.SetDefault("jwt.clock_skew", 30*time.Second)
	v.SetDefault("jwt.default_expiry", 24*time.Hour)

	v.SetDefault("consumer.ack_wait", 30*time.Second)
	v.SetDefault("consumer.max_ack_pending", 256)
	v.SetDefault("consumer.max_deliver", 4)

	v.SetDefault("publish_retry.max_retries", 3)
	v.SetDefault("publish_retry.initial_delay", 100*time.Millisecond)
	v.SetDefault("publish_retry.max_delay", 2*time.Second)
	v.SetDefault("publish_retry.backoff_multiplier", 2.0)
	v.SetDefault("publish_retry.add_jitter", true)

	v.SetDefault("metrics.enabled", true)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment aliases matching the deployment manifests.
	bindEnvAliases(v)

	if file := v.GetString("gateway_config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
		for key := range v.AllSettings() {
			if !knownFileKeys[key] && key != "gateway_config_file" {
				logger.WithField("key", key).Warn("Unrecognized configuration key ignored")
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if len(cfg.Streams) == 0 {
		cfg.Streams = DefaultStreams()
	}

	if cfg.JWT.Secret == DevSecret {
		logger.Warn("Using development JWT secret; set JWT_SECRET in production")
	}

	return cfg, nil
}

func bindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"server.host":                      "SERVER_HOST",
		"server.port":                      "SERVER_PORT",
		"app.environment":                  "APP_ENV",
		"app.log_level":                    "LOG_LEVEL",
		"websocket.max_message_size":       "WS_MAX_MESSAGE_SIZE",
		"websocket.rate_limit_per_second":  "RATE_LIMIT_PER_SECOND",
		"websocket.outgoing_buffer_size":   "WS_OUTGOING_BUFFER_SIZE",
		"websocket.authentication_timeout": "WS_AUTH_TIMEOUT",
		"websocket.ping_interval":          "WS_PING_INTERVAL",
		"websocket.ping_timeout":           "WS_PING_TIMEOUT",
		"nats.url":                         "NATS_URL",
		"nats.use_jetstream":               "NATS_USE_JETSTREAM",
		"nats.connection_timeout":          "NATS_CONNECTION_TIMEOUT",
		"nats.reconnect_delay":             "NATS_RECONNECT_DELAY",
		"nats.max_reconnects":              "NATS_MAX_RECONNECTS",
		"nats.allow_reconcile":             "NATS_ALLOW_RECONCILE",
		"jwt.secret":                       "JWT_SECRET",
		"jwt.issuer":                       "JWT_ISSUER",
		"jwt.audience":                     "JWT_AUDIENCE",
		"jwt.clock_skew":                   "JWT_CLOCK_SKEW",
		"jwt.default_expiry":               "JWT_DEFAULT_EXPIRY",
		"consumer.ack_wait":                "CONSUMER_ACK_WAIT",
		"consumer.max_ack_pending":         "CONSUMER_MAX_ACK_PENDING",
		"consumer.max_deliver":             "CONSUMER_MAX_DELIVER",
		"publish_retry.max_retries":        "PUBLISH_RETRY_MAX_RETRIES",
		"publish_retry.initial_delay":      "PUBLISH_RETRY_INITIAL_DELAY",
		"publish_retry.max_delay":          "PUBLISH_RETRY_MAX_DELAY",
		"publish_retry.backoff_multiplier": "PUBLISH_RETRY_BACKOFF_MULTIPLIER",
		"publish_retry.add_jitter":         "PUBLISH_RETRY_ADD_JITTER",
		"metrics.enabled":                  "METRICS_ENABLED",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
}

// DefaultStreams are the streams reconciled when no config file declares
// any: telemetry, command, and event traffic.
func DefaultStreams() []StreamConfig {
	return []StreamConfig{
		{
			Name:      "TELEMETRY",
			Subjects:  []string{"telemetry.>", "factory.>"},
			Retention: "limits",
			Storage:   "file",
			MaxAge:    7 * 24 * time.Hour,
			MaxMsgs:   1_000_000,
			Discard:   "old",
		},
		{
			Name:      "COMMANDS",
			Subjects:  []string{"commands.>"},
			Retention: "limits",
			Storage:   "file",
			MaxAge:    24 * time.Hour,
			MaxMsgs:   100_000,
			Discard:   "old",
		},
		{
			Name:      "EVENTS",
			Subjects:  []string{"events.>", "status.>", "gateway.events.>"},
			Retention: "limits",
			Storage:   "file",
			MaxAge:    7 * 24 * time.Hour,
			MaxMsgs:   500_000,
			Discard:   "old",
		},
	}
}

// Address returns the HTTP listen address in host:port form.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsProduction reports whether the gateway runs in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}
