package ws

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/courier/chat-relay/internal/protocol"
)

// pipeConn returns a Connection over net.Pipe plus the client end for
// reading server frames.
func pipeConn(t *testing.T, id string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &Connection{ID: id, Conn: server, CreatedAt: time.Now()}, client
}

// readServerFrame reads one text frame from the client side and decodes it.
func readServerFrame(t *testing.T, client net.Conn) map[string]interface{} {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(client)
	if err != nil {
		t.Fatalf("read server frame: %v", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal server frame: %v", err)
	}
	return payload
}

func TestDispatch_RoutesToRegisteredHandler(t *testing.T) {
	d := NewMessageDispatcher(nil)
	conn, _ := pipeConn(t, "conn-1")

	var gotConn *Connection
	var gotMsg interface{}
	d.Register(protocol.TypeUserOnline, func(c *Connection, msg interface{}) {
		gotConn = c
		gotMsg = msg
	})

	d.Dispatch(conn, []byte(`{"type":"user_online","email":"alice@example.com"}`))

	if gotConn != conn {
		t.Fatal("handler did not receive the originating connection")
	}
	om, ok := gotMsg.(protocol.UserOnlineMsg)
	if !ok {
		t.Fatalf("handler received %T, want UserOnlineMsg", gotMsg)
	}
	if om.Email != "alice@example.com" {
		t.Errorf("unexpected payload: %+v", om)
	}
}

func TestDispatch_ParseErrorRepliesWithoutClosing(t *testing.T) {
	d := NewMessageDispatcher(nil)
	conn, client := pipeConn(t, "conn-1")

	done := make(chan struct{})
	go func() {
		d.Dispatch(conn, []byte(`not json`))
		close(done)
	}()

	payload := readServerFrame(t, client)
	if payload["type"] != protocol.TypeError {
		t.Errorf("expected error reply, got %v", payload["type"])
	}
	if payload["code"] != "parse_error" {
		t.Errorf("expected parse_error code, got %v", payload["code"])
	}
	<-done

	// The connection is still writable afterwards.
	go conn.WriteMessage([]byte(`{"type":"pong"}`))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := wsutil.ReadServerText(client); err != nil {
		t.Errorf("connection unusable after parse error: %v", err)
	}
}

func TestDispatch_UnsupportedTypeReplies(t *testing.T) {
	d := NewMessageDispatcher(nil)
	conn, client := pipeConn(t, "conn-1")

	done := make(chan struct{})
	go func() {
		d.Dispatch(conn, []byte(`{"type":"user_online","email":"alice@example.com"}`))
		close(done)
	}()

	// Nothing registered for user_online on this dispatcher.
	payload := readServerFrame(t, client)
	if payload["code"] != "unsupported_type" {
		t.Errorf("expected unsupported_type code, got %v", payload["code"])
	}
	<-done
}

func TestDispatch_PingBuiltIn(t *testing.T) {
	d := NewMessageDispatcher(nil)
	conn, client := pipeConn(t, "conn-1")
	before := conn.LastActive()

	done := make(chan struct{})
	go func() {
		d.Dispatch(conn, []byte(`{"type":"ping"}`))
		close(done)
	}()

	payload := readServerFrame(t, client)
	if payload["type"] != protocol.TypePong {
		t.Errorf("expected pong reply, got %v", payload["type"])
	}
	<-done

	if !conn.LastActive().After(before) {
		t.Error("ping must refresh the activity timestamp")
	}
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()

	server, client := net.Pipe()
	defer client.Close()
	conn := &Connection{ID: "conn-1", Conn: server, Fd: 42}

	cm.Add(conn)
	if cm.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", cm.Count())
	}
	if cm.Get("conn-1") != conn {
		t.Error("Get by ID failed")
	}
	if cm.GetByFd(42) != conn {
		t.Error("Get by fd failed")
	}

	if !cm.Remove("conn-1") {
		t.Error("Remove returned false for a registered connection")
	}
	if cm.Get("conn-1") != nil || cm.GetByFd(42) != nil {
		t.Error("connection still resolvable after removal")
	}
	if cm.Remove("conn-1") {
		t.Error("second Remove returned true")
	}
}
