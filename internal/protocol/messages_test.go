package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing valid client messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_UserOnline(t *testing.T) {
	input := []byte(`{"type":"user_online","email":"alice@example.com"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeUserOnline {
		t.Fatalf("expected type %q, got %q", TypeUserOnline, msgType)
	}

	om, ok := msg.(UserOnlineMsg)
	if !ok {
		t.Fatalf("expected UserOnlineMsg, got %T", msg)
	}
	if om.Email != "alice@example.com" {
		t.Errorf("expected email %q, got %q", "alice@example.com", om.Email)
	}
}

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","sender":"alice@example.com","recipient":"bob@example.com","message":"hi"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.Sender != "alice@example.com" || sm.Recipient != "bob@example.com" || sm.Message != "hi" {
		t.Errorf("unexpected payload: %+v", sm)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed and unsupported payloads
// ---------------------------------------------------------------------------

func TestParseClientMessage_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"not json", `this is not json`},
		{"missing type", `{"email":"alice@example.com"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"find_match"}`},
		{"server-only type", `{"type":"receive_message"}`},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(c.input)); err == nil {
				t.Errorf("expected error for %q", c.input)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Building server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_ActiveUser(t *testing.T) {
	data, err := NewServerMessage(TypeActiveUser, ActiveUserMsg{
		Users: []string{"alice@example.com", "bob@example.com"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeActiveUser {
		t.Errorf("expected type %q, got %v", TypeActiveUser, result["type"])
	}
	users, ok := result["users"].([]interface{})
	if !ok {
		t.Fatalf("expected users to be an array, got %T", result["users"])
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
}

func TestNewServerMessage_ReceiveMessage(t *testing.T) {
	data, err := NewServerMessage(TypeReceiveMessage, ReceiveMessageMsg{
		ID:        1712000000000,
		Sender:    "alice@example.com",
		Recipient: "bob@example.com",
		Message:   "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeReceiveMessage {
		t.Errorf("expected type %q, got %v", TypeReceiveMessage, result["type"])
	}
	if result["sender"] != "alice@example.com" {
		t.Errorf("expected sender, got %v", result["sender"])
	}
	if result["id"] != float64(1712000000000) {
		t.Errorf("expected id 1712000000000, got %v", result["id"])
	}
}

// ---------------------------------------------------------------------------
// Test: Payload validation
// ---------------------------------------------------------------------------

func TestValidateEmail(t *testing.T) {
	if err := ValidateEmail("alice@example.com"); err != nil {
		t.Errorf("valid email rejected: %v", err)
	}
	if err := ValidateEmail(""); err == nil {
		t.Error("empty email accepted")
	}
	if err := ValidateEmail(strings.Repeat("a", MaxEmailBytes+1)); err == nil {
		t.Error("oversized email accepted")
	}
	if err := ValidateEmail("bad\xff\xfe"); err == nil {
		t.Error("invalid UTF-8 email accepted")
	}
}

func TestValidateMessageBody(t *testing.T) {
	if err := ValidateMessageBody("hello"); err != nil {
		t.Errorf("valid message rejected: %v", err)
	}
	if err := ValidateMessageBody(""); err == nil {
		t.Error("empty message accepted")
	}
	if err := ValidateMessageBody(strings.Repeat("a", MaxMessageBytes+1)); err == nil {
		t.Error("oversized message accepted")
	}
	// 2-byte runes: under the byte limit but over the character limit.
	if err := ValidateMessageBody(strings.Repeat("é", MaxMessageChars+1)); err == nil {
		t.Error("over-long message accepted")
	}
	if err := ValidateMessageBody("bad\xff\xfe"); err == nil {
		t.Error("invalid UTF-8 message accepted")
	}
}
