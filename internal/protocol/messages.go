// Package protocol defines the WebSocket message types and structures used
// for communication between chat clients and relay instances. All messages
// are serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Client -> Server message types.
const (
	TypeUserOnline  = "user_online"
	TypeUserOffline = "user_offline"
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeActiveUser     = "active_user"
	TypeReceiveMessage = "receive_message"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Validation limits for client payloads.
const (
	MaxEmailBytes   = 320  // longest address RFC 5321 allows
	MaxMessageBytes = 4096 // max message payload size
	MaxMessageChars = 2000 // max character count
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// UserOnlineMsg declares the user identity for this connection. Presence
// registration happens on this announcement, not on transport connect.
type UserOnlineMsg struct {
	Type  string `json:"type"`
	Email string `json:"email"`
}

// UserOfflineMsg is an optional explicit sign-off before closing the
// connection. Transport close triggers the same presence removal.
type UserOfflineMsg struct {
	Type  string `json:"type"`
	Email string `json:"email"`
}

// SendMessageMsg carries a chat message from the sending client.
type SendMessageMsg struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ActiveUserMsg is the broadcast snapshot of currently reachable identities.
type ActiveUserMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// ReceiveMessageMsg delivers a relayed chat message to a client.
type ReceiveMessageMsg struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// RateLimitedMsg tells the client it is sending messages too fast.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition. The
// connection stays open after an error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types. Payload validation beyond JSON shape is the
// caller's job (see ValidateEmail and ValidateMessageBody).
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeUserOnline:
		var m UserOnlineMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserOffline:
		var m UserOfflineMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// ValidateEmail checks that a user identity string is usable as a presence
// directory key.
func ValidateEmail(email string) error {
	if len(email) == 0 {
		return fmt.Errorf("email is empty")
	}
	if len(email) > MaxEmailBytes {
		return fmt.Errorf("email exceeds %d byte limit", MaxEmailBytes)
	}
	if !utf8.ValidString(email) {
		return fmt.Errorf("email contains invalid UTF-8")
	}
	return nil
}

// ValidateMessageBody checks that a chat message body meets content
// requirements before it is relayed or logged.
func ValidateMessageBody(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxMessageChars {
		return fmt.Errorf("message exceeds %d character limit", MaxMessageChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
