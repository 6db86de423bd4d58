package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Decode/encode failure kinds. Callers branch with errors.Is.
var (
	ErrMalformedJSON   = errors.New("malformed json")
	ErrInvalidType     = errors.New("invalid message type")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Codec frames wire messages as JSON text. A zero MaxMessageSize disables
// the size check (the WebSocket read limit still applies upstream).
type Codec struct {
	MaxMessageSize int64
}

// NewCodec returns a codec enforcing the given frame size cap.
func NewCodec(maxMessageSize int64) *Codec {
	return &Codec{MaxMessageSize: maxMessageSize}
}

// Decode parses a raw text frame into a Message and checks the envelope:
// known type, required fields for the type, and total size.
func (c *Codec) Decode(data []byte) (*Message, error) {
	if c.MaxMessageSize > 0 && int64(len(data)) > c.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, int(msg.Type))
	}

	switch msg.Type {
	case TypePublish:
		if msg.Subject == "" {
			return nil, fmt.Errorf("%w: publish requires a subject", ErrInvalidMessage)
		}
	case TypeSubscribe, TypeUnsubscribe:
		if msg.Subject == "" {
			return nil, fmt.Errorf("%w: %s requires a subject", ErrInvalidMessage, msg.Type)
		}
	case TypeAuth:
		if len(msg.Payload) == 0 {
			return nil, fmt.Errorf("%w: auth requires a payload", ErrInvalidMessage)
		}
	}

	return &msg, nil
}

// Encode serializes a message, stamping a UTC timestamp when absent.
func (c *Codec) Encode(msg *Message) ([]byte, error) {
	if msg.Timestamp == "" {
		msg.Timestamp = Timestamp(time.Now())
	}
	return json.Marshal(msg)
}

// EncodeError builds an Error frame carrying a human-readable message,
// echoing the correlation id when present.
func (c *Codec) EncodeError(text, correlationID string) ([]byte, error) {
	payload, err := json.Marshal(ErrorPayload{Error: text})
	if err != nil {
		return nil, err
	}
	return c.Encode(&Message{
		Type:          TypeError,
		Payload:       payload,
		CorrelationID: correlationID,
	})
}

// ParseAuthRequest extracts the auth payload from an Auth frame.
func ParseAuthRequest(msg *Message) (*AuthRequest, error) {
	var req AuthRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return &req, nil
}
