// Package fanout turns relayed events into deliveries to locally owned
// connections. Every instance runs one dispatcher subscribed to the full
// relay feed; identifiers owned by other instances are silently skipped
// because the same event reaches their dispatchers too.
package fanout

import (
	"context"
	"log"
	"time"

	"github.com/courier/chat-relay/internal/event"
	"github.com/courier/chat-relay/internal/metrics"
	"github.com/courier/chat-relay/internal/protocol"
)

// lookupTimeout bounds presence reads triggered by a relayed event.
const lookupTimeout = 3 * time.Second

// Directory is the read side of the presence directory the dispatcher
// resolves targets against.
type Directory interface {
	ConnectionsFor(ctx context.Context, user string) ([]string, error)
	ListActiveUsers(ctx context.Context) ([]string, error)
}

// ConnWriter is the local connection surface: ownership checks, targeted
// sends, and instance-wide broadcasts. *ws.Server satisfies it.
type ConnWriter interface {
	IsLocal(connID string) bool
	Send(connID string, data []byte) error
	Broadcast(data []byte)
}

// Dispatcher implements relay.Handler for one instance.
type Dispatcher struct {
	dir   Directory
	conns ConnWriter
}

// New creates a Dispatcher over the given directory and connection surface.
func New(dir Directory, conns ConnWriter) *Dispatcher {
	return &Dispatcher{dir: dir, conns: conns}
}

// HandleMessage resolves the event's target connections — every session of
// the sender and of the recipient, except the origin connection — and
// emits a receive_message delivery to each one owned by this instance.
// Echo suppression is keyed on the connection identifier, so a second tab
// of the sender still receives the copy.
func (d *Dispatcher) HandleMessage(ev event.MessageEvent) {
	metrics.RelayEvents.WithLabelValues(event.KindMessage.String()).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	targets := d.targetsFor(ctx, ev)
	if len(targets) == 0 {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		ID:        ev.ID,
		Sender:    ev.Sender,
		Recipient: ev.Recipient,
		Message:   ev.Message,
	})
	if err != nil {
		log.Printf("fanout: build receive_message id=%d: %v", ev.ID, err)
		return
	}

	for _, connID := range targets {
		if !d.conns.IsLocal(connID) {
			continue // another instance owns it and sees the same event
		}
		if err := d.conns.Send(connID, data); err != nil {
			log.Printf("fanout: deliver id=%d to conn=%s: %v", ev.ID, connID, err)
			continue
		}
		metrics.Deliveries.Inc()
	}
}

// HandleOnline triggers an active-user snapshot broadcast.
func (d *Dispatcher) HandleOnline(ev event.PresenceEvent) {
	metrics.RelayEvents.WithLabelValues(event.KindOnline.String()).Inc()
	d.broadcastActiveUsers()
}

// HandleOffline triggers an active-user snapshot broadcast.
func (d *Dispatcher) HandleOffline(ev event.PresenceEvent) {
	metrics.RelayEvents.WithLabelValues(event.KindOffline.String()).Inc()
	d.broadcastActiveUsers()
}

// targetsFor computes the union of the sender's and recipient's connection
// sets, excluding the origin connection. A presence read failure degrades
// to "no known connections" for that identity.
func (d *Dispatcher) targetsFor(ctx context.Context, ev event.MessageEvent) []string {
	seen := make(map[string]struct{})
	var targets []string

	for _, user := range []string{ev.Sender, ev.Recipient} {
		conns, err := d.dir.ConnectionsFor(ctx, user)
		if err != nil {
			log.Printf("fanout: connections for %s: %v (treating as none)", user, err)
			continue
		}
		for _, connID := range conns {
			if connID == ev.ClientID {
				continue // never echo to the origin connection
			}
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			targets = append(targets, connID)
		}
	}

	return targets
}

// broadcastActiveUsers recomputes the directory snapshot and sends it to
// every locally owned connection. The broadcast is advisory and never used
// for delivery routing, so a directory outage only costs freshness.
func (d *Dispatcher) broadcastActiveUsers() {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	users, err := d.dir.ListActiveUsers(ctx)
	if err != nil {
		log.Printf("fanout: list active users: %v (skipping broadcast)", err)
		return
	}
	if users == nil {
		users = []string{}
	}

	metrics.ActiveUsers.Set(float64(len(users)))

	data, err := protocol.NewServerMessage(protocol.TypeActiveUser, protocol.ActiveUserMsg{
		Users: users,
	})
	if err != nil {
		log.Printf("fanout: build active_user broadcast: %v", err)
		return
	}

	d.conns.Broadcast(data)
}
