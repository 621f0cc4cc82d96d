package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/courier/chat-relay/internal/event"
)

type fakeStore struct {
	err      error
	inserted []string
}

func (f *fakeStore) Insert(_ context.Context, sender, recipient, message string, _ time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, message)
	return nil
}

// fakeMsg implements jetstream.Msg and records the terminal decision taken
// by the handler.
type fakeMsg struct {
	data      []byte
	delivered uint64

	acked    bool
	naked    bool
	nakDelay time.Duration
	termed   bool
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}
func (m *fakeMsg) Data() []byte         { return m.data }
func (m *fakeMsg) Headers() nats.Header { return nil }
func (m *fakeMsg) Subject() string      { return "messages.store.0" }
func (m *fakeMsg) Reply() string        { return "" }
func (m *fakeMsg) Ack() error {
	m.acked = true
	return nil
}
func (m *fakeMsg) DoubleAck(context.Context) error {
	m.acked = true
	return nil
}
func (m *fakeMsg) Nak() error {
	m.naked = true
	return nil
}
func (m *fakeMsg) NakWithDelay(delay time.Duration) error {
	m.naked = true
	m.nakDelay = delay
	return nil
}
func (m *fakeMsg) InProgress() error { return nil }
func (m *fakeMsg) Term() error {
	m.termed = true
	return nil
}
func (m *fakeMsg) TermWithReason(string) error {
	m.termed = true
	return nil
}

func encodedEvent(t *testing.T, msg string) []byte {
	t.Helper()
	data, err := event.EncodeMessage(event.MessageEvent{
		ID:        1712000000000,
		Sender:    "alice@example.com",
		Recipient: "bob@example.com",
		Message:   msg,
		ClientID:  "conn-1",
	})
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	return data
}

// newTestPipeline builds a Pipeline with a no-op dead-letter publisher; the
// JetStream context is only needed by Run, not by the message handler.
func newTestPipeline(st Store, config Config) (*Pipeline, *int) {
	deadLetters := 0
	p := &Pipeline{store: st, config: config}
	p.publishDead = func(context.Context, []byte) error {
		deadLetters++
		return nil
	}
	return p, &deadLetters
}

func TestHandle_InsertSucceeds(t *testing.T) {
	st := &fakeStore{}
	p, dead := newTestPipeline(st, DefaultConfig())
	msg := &fakeMsg{data: encodedEvent(t, "hi"), delivered: 1}

	p.handle(msg)

	if !msg.acked {
		t.Error("successful insert must ack")
	}
	if msg.naked || msg.termed {
		t.Errorf("unexpected nak=%v term=%v", msg.naked, msg.termed)
	}
	if len(st.inserted) != 1 || st.inserted[0] != "hi" {
		t.Errorf("unexpected inserts: %v", st.inserted)
	}
	if *dead != 0 {
		t.Errorf("unexpected dead-letter publish")
	}
}

func TestHandle_InsertFailurePausesPartition(t *testing.T) {
	st := &fakeStore{err: errors.New("db down")}
	config := DefaultConfig()
	p, dead := newTestPipeline(st, config)
	msg := &fakeMsg{data: encodedEvent(t, "hi"), delivered: 1}

	p.handle(msg)

	if msg.acked || msg.termed {
		t.Errorf("failed insert must not ack or term (ack=%v term=%v)", msg.acked, msg.termed)
	}
	if !msg.naked {
		t.Fatal("failed insert must nak for redelivery")
	}
	if msg.nakDelay != config.Cooldown {
		t.Errorf("first failure delay = %s, want %s", msg.nakDelay, config.Cooldown)
	}
	if *dead != 0 {
		t.Error("first failure must not dead-letter")
	}
}

func TestHandle_CooldownEscalates(t *testing.T) {
	st := &fakeStore{err: errors.New("db down")}
	config := DefaultConfig()
	p, _ := newTestPipeline(st, config)

	first := &fakeMsg{data: encodedEvent(t, "hi"), delivered: 1}
	second := &fakeMsg{data: encodedEvent(t, "hi"), delivered: 2}
	p.handle(first)
	p.handle(second)

	if second.nakDelay != 2*first.nakDelay {
		t.Errorf("delay after attempt 2 = %s, want double %s", second.nakDelay, first.nakDelay)
	}
}

func TestHandle_FinalAttemptDeadLetters(t *testing.T) {
	st := &fakeStore{err: errors.New("db down")}
	config := DefaultConfig()
	p, dead := newTestPipeline(st, config)
	msg := &fakeMsg{data: encodedEvent(t, "hi"), delivered: uint64(config.MaxAttempts)}

	p.handle(msg)

	if *dead != 1 {
		t.Fatalf("expected 1 dead-letter publish, got %d", *dead)
	}
	if !msg.termed {
		t.Error("dead-lettered delivery must be terminated")
	}
	if msg.naked {
		t.Error("dead-lettered delivery must not also be nak'd")
	}
}

func TestHandle_UndecodableEntryDeadLetters(t *testing.T) {
	st := &fakeStore{}
	p, dead := newTestPipeline(st, DefaultConfig())
	msg := &fakeMsg{data: []byte("not json"), delivered: 1}

	p.handle(msg)

	if *dead != 1 {
		t.Fatalf("expected 1 dead-letter publish, got %d", *dead)
	}
	if !msg.termed {
		t.Error("undecodable entry must be terminated")
	}
	if len(st.inserted) != 0 {
		t.Errorf("undecodable entry reached the store: %v", st.inserted)
	}
}

func TestDeadLetter_PublishFailureNaks(t *testing.T) {
	// If the dead-letter publish fails the entry must stay in the log for
	// another round rather than vanish.
	st := &fakeStore{err: errors.New("db down")}
	config := DefaultConfig()
	p := &Pipeline{store: st, config: config}
	p.publishDead = func(context.Context, []byte) error {
		return errors.New("nats down")
	}
	msg := &fakeMsg{data: encodedEvent(t, "hi"), delivered: uint64(config.MaxAttempts)}

	p.handle(msg)

	if msg.termed {
		t.Error("delivery must not be terminated when dead-lettering fails")
	}
	if !msg.naked {
		t.Error("expected nak after dead-letter publish failure")
	}
	if msg.nakDelay != config.Cooldown {
		t.Errorf("nak delay = %s, want %s", msg.nakDelay, config.Cooldown)
	}
}

func TestCooldownFor(t *testing.T) {
	p := &Pipeline{config: Config{
		Cooldown:    30 * time.Second,
		MaxCooldown: 10 * time.Minute,
	}}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 480 * time.Second},
		{6, 10 * time.Minute}, // capped
		{10, 10 * time.Minute},
	}

	for _, c := range cases {
		if got := p.cooldownFor(c.attempt); got != c.want {
			t.Errorf("cooldownFor(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}
