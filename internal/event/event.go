// Package event defines the typed events carried between relay instances
// and written to the durable message log. The relay bus and the log share
// the same wire structs so that the real-time path and the persistence path
// never disagree about field names.
package event

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Kind discriminates the three event variants a relay instance can receive.
type Kind int

const (
	KindOnline Kind = iota
	KindOffline
	KindMessage
)

// String returns the kind's wire-level name, used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindOnline:
		return "online"
	case KindOffline:
		return "offline"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PresenceEvent announces that a connection declared or dropped a user
// identity. It is transient: published once per transition, never persisted.
type PresenceEvent struct {
	User   string `json:"email"`
	ConnID string `json:"id"` // connection that triggered the transition
}

// MessageEvent is a chat message in flight. The same encoding is published
// on the relay bus for real-time fanout and appended to the durable log;
// the two sinks are independent.
type MessageEvent struct {
	ID        int64  `json:"id"` // session-scoped, monotonic per origin connection
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	ClientID  string `json:"clientId"` // origin connection, used for echo suppression
}

// EncodePresence marshals a presence event for the relay bus.
func EncodePresence(ev PresenceEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("event: marshal presence: %w", err)
	}
	return data, nil
}

// DecodePresence unmarshals a presence event received from the relay bus.
func DecodePresence(data []byte) (PresenceEvent, error) {
	var ev PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return PresenceEvent{}, fmt.Errorf("event: unmarshal presence: %w", err)
	}
	if ev.User == "" {
		return PresenceEvent{}, fmt.Errorf("event: presence event missing email")
	}
	return ev, nil
}

// EncodeMessage marshals a message event for the relay bus or the log.
func EncodeMessage(ev MessageEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("event: marshal message: %w", err)
	}
	return data, nil
}

// DecodeMessage unmarshals a message event.
func DecodeMessage(data []byte) (MessageEvent, error) {
	var ev MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return MessageEvent{}, fmt.Errorf("event: unmarshal message: %w", err)
	}
	if ev.Sender == "" || ev.Recipient == "" {
		return MessageEvent{}, fmt.Errorf("event: message event missing sender or recipient")
	}
	return ev, nil
}

// PairKey returns the canonical key for a conversation between two
// identities. The key is identical regardless of which side is the sender,
// so both directions of a conversation land on the same log partition.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// Partition maps a message event to a log partition in [0, n). Messages of
// the same conversation always hash to the same partition, which preserves
// their relative order in the partitioned log.
func (ev MessageEvent) Partition(n int) int {
	h := fnv.New32a()
	h.Write([]byte(PairKey(ev.Sender, ev.Recipient)))
	return int(h.Sum32() % uint32(n))
}
