package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of wire message. The numeric values are
// wire-visible and stable; device SDKs depend on them.
type MessageType int

const (
	TypePublish     MessageType = 0
	TypeSubscribe   MessageType = 1
	TypeUnsubscribe MessageType = 2
	TypeMessage     MessageType = 3
	TypeRequest     MessageType = 4
	TypeReply       MessageType = 5
	TypeAck         MessageType = 6
	TypeError       MessageType = 7
	TypeAuth        MessageType = 8
	TypePing        MessageType = 9
	TypePong        MessageType = 10
)

// String returns a human-readable name for logging and metrics labels.
func (t MessageType) String() string {
	switch t {
	case TypePublish:
		return "publish"
	case TypeSubscribe:
		return "subscribe"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypeMessage:
		return "message"
	case TypeRequest:
		return "request"
	case TypeReply:
		return "reply"
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	case TypeAuth:
		return "auth"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the wire-defined types.
func (t MessageType) Valid() bool {
	return t >= TypePublish && t <= TypePong
}

// TimestampFormat is UTC ISO-8601 with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Timestamp renders t in the wire timestamp format.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// Message is the JSON envelope exchanged over the WebSocket.
type Message struct {
	Type          MessageType     `json:"type"`
	Subject       string          `json:"subject,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	DeviceID      string          `json:"deviceId,omitempty"`
}

// AuthRequest is the payload of an Auth frame. Token-only is the current
// shape; deviceId/deviceType are accepted from legacy SDKs, with the JWT
// subject remaining authoritative.
type AuthRequest struct {
	DeviceID   string `json:"deviceId,omitempty"`
	Token      string `json:"token"`
	DeviceType string `json:"deviceType,omitempty"`
}

// AuthResponse is the payload of the Auth frame sent back by the gateway.
type AuthResponse struct {
	Success  bool   `json:"success"`
	ClientID string `json:"clientId,omitempty"`
	Role     string `json:"role,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ErrorPayload is the payload of an Error frame.
type ErrorPayload struct {
	Error string `json:"error"`
}

// SubscriptionAck is the payload of the Ack frame confirming a subscribe.
type SubscriptionAck struct {
	Subject        string `json:"subject"`
	SubscriptionID string `json:"subscriptionId"`
	Success        bool   `json:"success"`
}
