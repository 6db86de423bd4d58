package session

import (
	"sync"
	"time"
)

// Registry tracks the live session per device. At most one session per
// clientId exists at any time; registering a new one returns the evicted
// predecessor so the caller can run the supersession close.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register binds clientID to s, returning the prior session if one was
// bound (nil otherwise).
func (r *Registry) Register(clientID string, s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior := r.sessions[clientID]
	r.sessions[clientID] = s
	return prior
}

// Remove unbinds clientID only if it is still bound to s. A superseded
// session calling Remove during teardown must not evict its replacement.
func (r *Registry) Remove(clientID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[clientID] == s {
		delete(r.sessions, clientID)
	}
}

// Lookup returns the live session for clientID, or nil.
func (r *Registry) Lookup(clientID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[clientID]
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DeviceInfo is the admin view of one connected device.
type DeviceInfo struct {
	ClientID      string    `json:"clientId"`
	Role          string    `json:"role"`
	ConnectedAt   time.Time `json:"connectedAt"`
	Subscriptions int       `json:"subscriptions"`
}

// Snapshot returns the admin view of all connected devices.
func (r *Registry) Snapshot() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, DeviceInfo{
			ClientID:      id,
			Role:          s.Role(),
			ConnectedAt:   s.CreatedAt(),
			Subscriptions: s.SubscriptionCount(),
		})
	}
	return out
}
