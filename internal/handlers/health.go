package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/session"
)

// BrokerStatus reports backbone connectivity for health checks.
type BrokerStatus interface {
	IsConnected() bool
}

// AdminHandler serves health checks and the device admin surface.
type AdminHandler struct {
	broker   BrokerStatus
	registry *session.Registry
	logger   *logrus.Logger
}

// NewAdminHandler creates the health and admin handler.
func NewAdminHandler(broker BrokerStatus, registry *session.Registry, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{broker: broker, registry: registry, logger: logger}
}

// Health returns basic health status.
func (h *AdminHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"service":     "nats-websocket-bridge",
		"connections": h.registry.Count(),
	})
}

// Livez returns liveness status.
func (h *AdminHandler) Livez(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Readyz returns readiness status. The gateway is not ready without its
// backbone: no NATS means no publishes and no deliveries.
func (h *AdminHandler) Readyz(c *gin.Context) {
	checks := make(map[string]string)
	status := "ready"
	httpStatus := http.StatusOK

	if h.broker != nil && h.broker.IsConnected() {
		checks["nats"] = "connected"
	} else {
		checks["nats"] = "disconnected"
		status = "not ready"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status": status,
		"checks": checks,
	})
}

// Devices lists connected devices.
func (h *AdminHandler) Devices(c *gin.Context) {
	devices := h.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(devices),
		"devices": devices,
	})
}

// EvictDevice closes the named device's session on admin request.
func (h *AdminHandler) EvictDevice(c *gin.Context) {
	clientID := c.Param("clientId")
	sess := h.registry.Lookup(clientID)
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not connected"})
		return
	}

	sess.Evict()
	h.logger.WithField("client_id", clientID).Info("Device evicted by administrator")
	c.JSON(http.StatusOK, gin.H{"evicted": clientID})
}
