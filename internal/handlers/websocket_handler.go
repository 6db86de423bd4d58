package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/auth"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/config"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/metrics"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/ratelimit"
	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Devices connect from anywhere; identity comes from the JWT, not
		// the origin.
		return true
	},
}

// WebSocketHandler accepts device connections and hands them to sessions.
type WebSocketHandler struct {
	validator *auth.Validator
	limiter   *ratelimit.Limiter
	broker    session.Broker
	registry  *session.Registry
	sink      metrics.Sink
	logger    *logrus.Logger
	wsConfig  config.WebSocketConfig
}

// NewWebSocketHandler creates the /ws handler.
func NewWebSocketHandler(
	validator *auth.Validator,
	limiter *ratelimit.Limiter,
	broker session.Broker,
	registry *session.Registry,
	sink metrics.Sink,
	logger *logrus.Logger,
	wsConfig config.WebSocketConfig,
) *WebSocketHandler {
	return &WebSocketHandler{
		validator: validator,
		limiter:   limiter,
		broker:    broker,
		registry:  registry,
		sink:      sink,
		logger:    logger,
		wsConfig:  wsConfig,
	}
}

// Handle upgrades the connection and runs the session. A bearer token on the
// upgrade request authenticates immediately; otherwise the device must send
// an auth frame within the authentication timeout.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	var preAuth *auth.DeviceContext
	if header := c.GetHeader("Authorization"); header != "" {
		device, err := h.validator.ValidateBearer(header)
		if err != nil {
			h.sink.AuthAttempt(false)
			h.logger.WithError(err).Info("Upgrade rejected: invalid bearer token")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		preAuth = device
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade WebSocket")
		return
	}

	sess := session.New(session.Options{
		Conn:      conn,
		Validator: h.validator,
		Limiter:   h.limiter,
		Broker:    h.broker,
		Registry:  h.registry,
		Sink:      h.sink,
		Logger:    h.logger,
		Config:    h.wsConfig,
		PreAuth:   preAuth,
	})
	go sess.Run()
}
