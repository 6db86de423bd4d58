package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodePublish(t *testing.T) {
	c := NewCodec(65536)

	msg, err := c.Decode([]byte(`{"type":0,"subject":"factory.line1.temp","payload":{"v":23.5}}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if msg.Type != TypePublish {
		t.Errorf("expected type publish, got %s", msg.Type)
	}
	if msg.Subject != "factory.line1.temp" {
		t.Errorf("unexpected subject %q", msg.Subject)
	}
	if string(msg.Payload) != `{"v":23.5}` {
		t.Errorf("unexpected payload %s", msg.Payload)
	}
}

func TestDecodeErrors(t *testing.T) {
	c := NewCodec(128)

	tests := []struct {
		name string
		data string
		want error
	}{
		{"bad json", `{"type":0,`, ErrMalformedJSON},
		{"unknown type", `{"type":42}`, ErrInvalidType},
		{"negative type", `{"type":-1}`, ErrInvalidType},
		{"publish without subject", `{"type":0,"payload":{}}`, ErrInvalidMessage},
		{"subscribe without subject", `{"type":1}`, ErrInvalidMessage},
		{"unsubscribe without subject", `{"type":2}`, ErrInvalidMessage},
		{"auth without payload", `{"type":8}`, ErrInvalidMessage},
		{"oversized frame", `{"type":0,"subject":"s","payload":"` + strings.Repeat("x", 200) + `"}`, ErrPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode([]byte(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncodeStampsTimestamp(t *testing.T) {
	c := NewCodec(0)

	data, err := c.Encode(&Message{Type: TypePong, CorrelationID: "abc"})
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if out.Timestamp == "" {
		t.Fatal("expected timestamp to be stamped")
	}
	ts, err := time.Parse(TimestampFormat, out.Timestamp)
	if err != nil {
		t.Fatalf("timestamp %q not in wire format: %v", out.Timestamp, err)
	}
	if time.Since(ts) > time.Minute {
		t.Errorf("stamped timestamp %v too far in the past", ts)
	}
	if out.CorrelationID != "abc" {
		t.Errorf("correlation id lost: %q", out.CorrelationID)
	}
}

func TestEncodeKeepsSuppliedTimestamp(t *testing.T) {
	c := NewCodec(0)

	data, err := c.Encode(&Message{Type: TypeMessage, Subject: "a.b", Timestamp: "2026-01-02T03:04:05.678Z"})
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Timestamp != "2026-01-02T03:04:05.678Z" {
		t.Errorf("timestamp overwritten: %q", out.Timestamp)
	}
}

func TestRoundTrip(t *testing.T) {
	c := NewCodec(65536)

	in := &Message{
		Type:          TypePublish,
		Subject:       "telemetry.dev-1.temp",
		Payload:       json.RawMessage(`{"v":1}`),
		CorrelationID: "corr-1",
		Timestamp:     "2026-01-02T03:04:05.000Z",
		DeviceID:      "dev-1",
	}
	data, err := c.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != in.Type || out.Subject != in.Subject || out.CorrelationID != in.CorrelationID ||
		out.Timestamp != in.Timestamp || out.DeviceID != in.DeviceID || string(out.Payload) != string(in.Payload) {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestParseAuthRequestShapes(t *testing.T) {
	msg := &Message{Type: TypeAuth, Payload: json.RawMessage(`{"token":"tok"}`)}
	req, err := ParseAuthRequest(msg)
	if err != nil {
		t.Fatal(err)
	}
	if req.Token != "tok" || req.DeviceID != "" {
		t.Errorf("unexpected auth request %+v", req)
	}

	legacy := &Message{Type: TypeAuth, Payload: json.RawMessage(`{"deviceId":"dev-1","token":"tok","deviceType":"sensor"}`)}
	req, err = ParseAuthRequest(legacy)
	if err != nil {
		t.Fatal(err)
	}
	if req.DeviceID != "dev-1" || req.DeviceType != "sensor" {
		t.Errorf("legacy fields not parsed: %+v", req)
	}
}
