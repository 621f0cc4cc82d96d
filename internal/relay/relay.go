// Package relay provides the cross-instance event bus built on NATS core
// pub/sub. Every relay instance publishes presence transitions and message
// events here and subscribes to all three subjects for its lifetime, so a
// locally accepted event reaches the fanout dispatcher of every instance.
//
// Delivery is best-effort: no durability, no retry. The durable log is a
// separate, independent path (see internal/journal).
package relay

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/courier/chat-relay/internal/event"
)

// NATS subjects carrying relay events between instances.
const (
	SubjectPresenceOnline  = "presence.online"
	SubjectPresenceOffline = "presence.offline"
	SubjectMessageSent     = "message.sent"
)

// Handler receives decoded relay events. Each instance registers exactly one
// handler (the fanout dispatcher) via Start; dispatch goes through typed
// methods rather than a string-keyed switch at the consumer.
type Handler interface {
	HandleOnline(ev event.PresenceEvent)
	HandleOffline(ev event.PresenceEvent)
	HandleMessage(ev event.MessageEvent)
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "courier",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Relay wraps the NATS connection with typed publish and subscribe methods.
type Relay struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Connect establishes the NATS connection and returns a ready relay. It
// returns an error if the initial connection fails; reconnects afterwards
// are handled by the client according to Config.
func Connect(config Config) (*Relay, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[relay] disconnected: %v", err)
			} else {
				log.Printf("[relay] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[relay] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[relay] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay: nats connect: %w", err)
	}

	log.Printf("[relay] connected to %s", nc.ConnectedUrl())

	return &Relay{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishOnline publishes a presence-online event to all instances.
func (r *Relay) PublishOnline(ev event.PresenceEvent) error {
	return r.publishPresence(SubjectPresenceOnline, ev)
}

// PublishOffline publishes a presence-offline event to all instances.
func (r *Relay) PublishOffline(ev event.PresenceEvent) error {
	return r.publishPresence(SubjectPresenceOffline, ev)
}

// PublishMessage publishes a message-sent event to all instances.
func (r *Relay) PublishMessage(ev event.MessageEvent) error {
	data, err := event.EncodeMessage(ev)
	if err != nil {
		return err
	}
	if err := r.conn.Publish(SubjectMessageSent, data); err != nil {
		return fmt.Errorf("relay: publish %s: %w", SubjectMessageSent, err)
	}
	return nil
}

// Start subscribes to all three relay subjects and routes decoded events to
// the handler. Subscriptions live until Close; undecodable payloads are
// logged and dropped (best-effort channel).
func (r *Relay) Start(h Handler) error {
	if err := r.subscribe(SubjectPresenceOnline, func(msg *nats.Msg) {
		ev, err := event.DecodePresence(msg.Data)
		if err != nil {
			log.Printf("[relay] drop %s: %v", msg.Subject, err)
			return
		}
		h.HandleOnline(ev)
	}); err != nil {
		return err
	}

	if err := r.subscribe(SubjectPresenceOffline, func(msg *nats.Msg) {
		ev, err := event.DecodePresence(msg.Data)
		if err != nil {
			log.Printf("[relay] drop %s: %v", msg.Subject, err)
			return
		}
		h.HandleOffline(ev)
	}); err != nil {
		return err
	}

	return r.subscribe(SubjectMessageSent, func(msg *nats.Msg) {
		ev, err := event.DecodeMessage(msg.Data)
		if err != nil {
			log.Printf("[relay] drop %s: %v", msg.Subject, err)
			return
		}
		h.HandleMessage(ev)
	})
}

// Conn returns the underlying NATS connection so the journal can share it
// for JetStream access.
func (r *Relay) Conn() *nats.Conn {
	return r.conn
}

// Close drains all active subscriptions and closes the NATS connection.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for subject, sub := range r.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[relay] drain %s: %v", subject, err)
		}
	}
	r.subs = make(map[string]*nats.Subscription)

	if err := r.conn.Drain(); err != nil {
		log.Printf("[relay] connection drain: %v", err)
	}

	log.Printf("[relay] closed")
}

func (r *Relay) publishPresence(subject string, ev event.PresenceEvent) error {
	data, err := event.EncodePresence(ev)
	if err != nil {
		return err
	}
	if err := r.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("relay: publish %s: %w", subject, err)
	}
	return nil
}

func (r *Relay) subscribe(subject string, cb nats.MsgHandler) error {
	sub, err := r.conn.Subscribe(subject, cb)
	if err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", subject, err)
	}

	r.mu.Lock()
	r.subs[subject] = sub
	r.mu.Unlock()

	return nil
}
