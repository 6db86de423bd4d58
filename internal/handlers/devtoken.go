package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jtayl222/nats-websocket-bridge-sub001/internal/auth"
)

// DevTokenHandler issues short-lived tokens for local development. The route
// is only registered outside production.
type DevTokenHandler struct {
	validator     *auth.Validator
	defaultExpiry time.Duration
}

// NewDevTokenHandler creates the /dev/token handler.
func NewDevTokenHandler(validator *auth.Validator, defaultExpiry time.Duration) *DevTokenHandler {
	return &DevTokenHandler{validator: validator, defaultExpiry: defaultExpiry}
}

// Issue mints a token for the requested client and role preset.
func (h *DevTokenHandler) Issue(c *gin.Context) {
	clientID := c.Query("clientId")
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clientId is required"})
		return
	}

	role := c.DefaultQuery("role", "sensor")
	preset, ok := auth.RolePresets[role]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role: " + role})
		return
	}

	ttl := h.defaultExpiry
	if raw := c.Query("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ttl"})
			return
		}
		ttl = parsed
	}

	pub := auth.ExpandPatterns(preset.Publish, clientID)
	sub := auth.ExpandPatterns(preset.Subscribe, clientID)

	token, err := h.validator.Issue(clientID, role, pub, sub, ttl)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"clientId":  clientID,
		"role":      role,
		"pub":       pub,
		"subscribe": sub,
		"expiresAt": time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}
