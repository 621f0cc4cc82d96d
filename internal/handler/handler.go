// Package handler implements the per-instance connection handler: it
// translates inbound client events into presence directory mutations, relay
// publications, and durable log appends. All collaborator failures are soft
// — a presence or relay outage degrades the affected feature but never
// closes the connection or crashes the handler.
package handler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/courier/chat-relay/internal/event"
	"github.com/courier/chat-relay/internal/protocol"
	"github.com/courier/chat-relay/internal/ratelimit"
	"github.com/courier/chat-relay/internal/ws"
)

// opTimeout bounds each directory, relay, or log interaction so one slow
// collaborator never wedges a read worker.
const opTimeout = 3 * time.Second

// Directory is the subset of the presence directory the handler mutates.
type Directory interface {
	AddConnection(ctx context.Context, user, connID string) error
	RemoveConnection(ctx context.Context, connID string) (string, error)
}

// Publisher publishes events to the cross-instance relay.
type Publisher interface {
	PublishOnline(ev event.PresenceEvent) error
	PublishOffline(ev event.PresenceEvent) error
	PublishMessage(ev event.MessageEvent) error
}

// Appender appends message events to the durable log.
type Appender interface {
	Append(ctx context.Context, ev event.MessageEvent) error
}

// Limiter throttles client actions. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// Gate reports whether a user identity is valid. Identity validation itself
// is an external collaborator; the handler only consumes the boolean.
type Gate interface {
	Valid(ctx context.Context, email string) bool
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, email string) bool

// Valid calls f.
func (f GateFunc) Valid(ctx context.Context, email string) bool { return f(ctx, email) }

// AllowAll is the default gate: every identity is accepted.
var AllowAll = GateFunc(func(context.Context, string) bool { return true })

// Handler wires protocol message types to presence, relay, and log actions.
type Handler struct {
	dir     Directory
	relay   Publisher
	journal Appender
	limiter Limiter
	gate    Gate

	mu      sync.Mutex
	lastIDs map[string]int64 // connID -> last issued message ID
}

// New creates a Handler. limiter may be nil to disable throttling; a nil
// gate accepts every identity.
func New(dir Directory, relay Publisher, journal Appender, limiter Limiter, gate Gate) *Handler {
	if gate == nil {
		gate = AllowAll
	}
	return &Handler{
		dir:     dir,
		relay:   relay,
		journal: journal,
		limiter: limiter,
		gate:    gate,
		lastIDs: make(map[string]int64),
	}
}

// Register attaches the handler's message handlers to the dispatcher.
func (h *Handler) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeUserOnline, h.handleUserOnline)
	d.Register(protocol.TypeUserOffline, h.handleUserOffline)
	d.Register(protocol.TypeSendMessage, h.handleSendMessage)
}

// handleUserOnline registers the connection under the announced identity
// and publishes the presence-online transition. A directory failure leaves
// the connection open in degraded-presence mode.
func (h *Handler) handleUserOnline(conn *ws.Connection, msg interface{}) {
	onlineMsg, ok := msg.(protocol.UserOnlineMsg)
	if !ok {
		return
	}

	if err := protocol.ValidateEmail(onlineMsg.Email); err != nil {
		h.sendError(conn, "invalid_email", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if !h.gate.Valid(ctx, onlineMsg.Email) {
		h.sendError(conn, "invalid_identity", "identity not accepted")
		return
	}

	if h.limiter != nil {
		allowed, _ := h.limiter.Allow(ctx, conn.ID, ratelimit.RuleAnnounce)
		if !allowed {
			h.sendRateLimited(conn, ratelimit.RuleAnnounce)
			return
		}
	}

	if err := h.dir.AddConnection(ctx, onlineMsg.Email, conn.ID); err != nil {
		// Degraded-presence mode: announcement not recorded, connection
		// stays open.
		log.Printf("handler: presence add failed user=%s conn=%s: %v", onlineMsg.Email, conn.ID, err)
		return
	}

	ev := event.PresenceEvent{User: onlineMsg.Email, ConnID: conn.ID}
	if err := h.relay.PublishOnline(ev); err != nil {
		log.Printf("handler: publish online user=%s conn=%s: %v", onlineMsg.Email, conn.ID, err)
	}

	log.Printf("handler: %s is online conn=%s", onlineMsg.Email, conn.ID)
}

// handleUserOffline is the explicit sign-off path. It shares the removal
// logic with transport disconnects.
func (h *Handler) handleUserOffline(conn *ws.Connection, msg interface{}) {
	if _, ok := msg.(protocol.UserOfflineMsg); !ok {
		return
	}
	h.deregister(conn.ID)
}

// OnDisconnect is the ws.Server disconnect callback: transport close
// triggers the same presence removal as an explicit sign-off.
func (h *Handler) OnDisconnect(connID string) {
	h.deregister(connID)

	h.mu.Lock()
	delete(h.lastIDs, connID)
	h.mu.Unlock()
}

// deregister removes the connection from the directory (resolving the
// owning user via the reverse index) and publishes the offline transition.
// Unregistered connections — identity never announced — are a no-op.
func (h *Handler) deregister(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	user, err := h.dir.RemoveConnection(ctx, connID)
	if err != nil {
		log.Printf("handler: presence remove failed conn=%s: %v", connID, err)
		return
	}
	if user == "" {
		return
	}

	ev := event.PresenceEvent{User: user, ConnID: connID}
	if err := h.relay.PublishOffline(ev); err != nil {
		log.Printf("handler: publish offline user=%s conn=%s: %v", user, connID, err)
	}

	log.Printf("handler: %s is offline conn=%s", user, connID)
}

// handleSendMessage validates the payload, synthesizes a message event with
// a fresh ID and the local connection as origin, then publishes it on the
// relay and appends it to the durable log. The two sinks fire
// independently: a log failure never blocks or fails the real-time publish,
// and vice versa. The client gets no synchronous persistence ack.
func (h *Handler) handleSendMessage(conn *ws.Connection, msg interface{}) {
	sendMsg, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}

	if err := protocol.ValidateEmail(sendMsg.Sender); err != nil {
		h.sendError(conn, "invalid_sender", err.Error())
		return
	}
	if err := protocol.ValidateEmail(sendMsg.Recipient); err != nil {
		h.sendError(conn, "invalid_recipient", err.Error())
		return
	}
	if err := protocol.ValidateMessageBody(sendMsg.Message); err != nil {
		h.sendError(conn, "invalid_message", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if h.limiter != nil {
		allowed, _ := h.limiter.Allow(ctx, conn.ID, ratelimit.RuleSendMessage)
		if !allowed {
			h.sendRateLimited(conn, ratelimit.RuleSendMessage)
			return
		}
	}

	ev := event.MessageEvent{
		ID:        h.nextMessageID(conn.ID),
		Sender:    sendMsg.Sender,
		Recipient: sendMsg.Recipient,
		Message:   sendMsg.Message,
		ClientID:  conn.ID,
	}

	if err := h.relay.PublishMessage(ev); err != nil {
		log.Printf("handler: publish message id=%d conn=%s: %v", ev.ID, conn.ID, err)
	}

	// The log append runs off the read worker so a slow stream never
	// delays the next frame from this connection.
	go func() {
		appendCtx, appendCancel := context.WithTimeout(context.Background(), opTimeout)
		defer appendCancel()
		if err := h.journal.Append(appendCtx, ev); err != nil {
			log.Printf("handler: log append id=%d conn=%s: %v", ev.ID, conn.ID, err)
		}
	}()
}

// nextMessageID issues a wall-clock-millisecond ID that is strictly
// monotonic per origin connection, so two messages sent within the same
// millisecond stay ordered.
func (h *Handler) nextMessageID(connID string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := time.Now().UnixMilli()
	if last := h.lastIDs[connID]; id <= last {
		id = last + 1
	}
	h.lastIDs[connID] = id
	return id
}

func (h *Handler) sendError(conn *ws.Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("handler: build error message conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("handler: send error message conn=%s: %v", conn.ID, err)
	}
}

func (h *Handler) sendRateLimited(conn *ws.Connection, rule ratelimit.Rule) {
	retryAfter := 0
	if h.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		retryAfter = h.limiter.RetryAfter(ctx, conn.ID, rule)
	}

	data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: retryAfter,
	})
	if err != nil {
		log.Printf("handler: build rate_limited conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("handler: send rate_limited conn=%s: %v", conn.ID, err)
	}
}
