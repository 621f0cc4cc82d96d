package event

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodePresence(t *testing.T) {
	ev := PresenceEvent{User: "alice@example.com", ConnID: "conn-1"}

	data, err := EncodePresence(ev)
	if err != nil {
		t.Fatalf("EncodePresence() error: %v", err)
	}

	// Wire format matches the relay channel payload: email + id.
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["email"] != "alice@example.com" {
		t.Errorf("expected email field, got %v", raw)
	}
	if raw["id"] != "conn-1" {
		t.Errorf("expected id field, got %v", raw)
	}

	got, err := DecodePresence(data)
	if err != nil {
		t.Fatalf("DecodePresence() error: %v", err)
	}
	if got != ev {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, ev)
	}
}

func TestDecodePresence_MissingEmail(t *testing.T) {
	if _, err := DecodePresence([]byte(`{"id":"conn-1"}`)); err == nil {
		t.Fatal("expected error for presence event without email")
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	ev := MessageEvent{
		ID:        1712000000000,
		Sender:    "alice@example.com",
		Recipient: "bob@example.com",
		Message:   "hi",
		ClientID:  "conn-1",
	}

	data, err := EncodeMessage(ev)
	if err != nil {
		t.Fatalf("EncodeMessage() error: %v", err)
	}

	// Wire format is the durable log entry: id, sender, recipient,
	// message, clientId.
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	for _, field := range []string{"id", "sender", "recipient", "message", "clientId"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing wire field %q in %s", field, data)
		}
	}

	got, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage() error: %v", err)
	}
	if got != ev {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, ev)
	}
}

func TestDecodeMessage_MissingParties(t *testing.T) {
	cases := []string{
		`{"id":1,"recipient":"bob","message":"hi"}`,
		`{"id":1,"sender":"alice","message":"hi"}`,
		`not json`,
	}
	for _, input := range cases {
		if _, err := DecodeMessage([]byte(input)); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestPairKey_Symmetric(t *testing.T) {
	if PairKey("alice", "bob") != PairKey("bob", "alice") {
		t.Error("pair key must not depend on argument order")
	}
	if PairKey("alice", "bob") == PairKey("alice", "carol") {
		t.Error("distinct pairs must have distinct keys")
	}
}

func TestPartition_StableAcrossDirections(t *testing.T) {
	n := 8
	ab := MessageEvent{Sender: "alice", Recipient: "bob"}
	ba := MessageEvent{Sender: "bob", Recipient: "alice"}

	if ab.Partition(n) != ba.Partition(n) {
		t.Error("both directions of a conversation must share a partition")
	}

	p := ab.Partition(n)
	if p < 0 || p >= n {
		t.Errorf("partition %d out of range [0,%d)", p, n)
	}

	// Same event always hashes to the same partition.
	for i := 0; i < 10; i++ {
		if ab.Partition(n) != p {
			t.Fatal("partition must be deterministic")
		}
	}
}

func TestKindString(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindOnline, "online"},
		{KindOffline, "offline"},
		{KindMessage, "message"},
	}
	for _, c := range cases {
		if got := c.kind.String(); got != c.want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(c.kind), got, c.want)
		}
	}
}
