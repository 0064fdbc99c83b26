package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/audit"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/relay"
	"github.com/gorilla/websocket"
)

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dialRelay(t *testing.T, server *httptest.Server, cookie string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{}
	if cookie != "" {
		header.Set("Cookie", defaultCookieName+"="+cookie)
	}
	conn, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	if response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected protocol switch, got %d", response.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wireFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func expectFrame(t *testing.T, conn *websocket.Conn, event string) wireFrame {
	t.Helper()
	frame := readFrame(t, conn)
	if frame.Event != event {
		t.Fatalf("expected %s, got %s (%s)", event, frame.Event, string(frame.Data))
	}
	return frame
}

func TestWebsocketCollaborationFlow(t *testing.T) {
	relayServer := newTestServer(t)
	server := httptest.NewServer(relayServer.handler)
	defer server.Close()

	alice := dialRelay(t, server, "sess-alice")
	sendFrame(t, alice, relay.EventJoinRoom, map[string]string{"projectId": "p1"})
	snapshot := expectFrame(t, alice, relay.EventInit)
	if string(snapshot.Data) != `""` {
		t.Fatalf("expected empty snapshot, got %s", string(snapshot.Data))
	}
	history := expectFrame(t, alice, relay.EventChatHistory)
	if string(history.Data) != `[]` {
		t.Fatalf("expected empty history, got %s", string(history.Data))
	}

	bob := dialRelay(t, server, "")
	sendFrame(t, bob, relay.EventJoinRoom, map[string]string{"pid": "p1", "ssid": "sess-bob"})
	expectFrame(t, bob, relay.EventInit)
	expectFrame(t, bob, relay.EventChatHistory)

	joined := expectFrame(t, alice, relay.EventUserJoined)
	var notice relay.UserNotice
	if err := json.Unmarshal(joined.Data, &notice); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if notice.Username != "bob" || notice.ID == "" {
		t.Fatalf("unexpected user-joined %+v", notice)
	}

	sendFrame(t, alice, relay.EventChat, "hello")
	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := expectFrame(t, conn, relay.EventChat)
		var message relay.ChatMessage
		if err := json.Unmarshal(frame.Data, &message); err != nil {
			t.Fatalf("decode chat: %v", err)
		}
		if message.Username != "alice" || message.Text != "hello" || message.ID == "" || message.Timestamp == 0 {
			t.Fatalf("unexpected chat %+v", message)
		}
	}

	sendFrame(t, alice, relay.EventUpdate, "AQID")
	update := expectFrame(t, bob, relay.EventUpdate)
	if string(update.Data) != `"AQID"` {
		t.Fatalf("expected relayed update, got %s", string(update.Data))
	}

	_ = bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = bob.Close()
	left := expectFrame(t, alice, relay.EventUserLeft)
	var leftNotice relay.UserNotice
	if err := json.Unmarshal(left.Data, &leftNotice); err != nil {
		t.Fatalf("decode user-left: %v", err)
	}
	if leftNotice.ID != notice.ID || leftNotice.Username != "bob" {
		t.Fatalf("unexpected user-left %+v", leftNotice)
	}

	entries, err := relayServer.auditLog.Entries(context.Background())
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	joins := 0
	for _, entry := range entries {
		if entry.Category == string(audit.CategoryJoin) {
			joins++
		}
	}
	if joins != 2 {
		t.Fatalf("expected two join audit entries, got %d", joins)
	}
}

func TestWebsocketRejectsForgedCredential(t *testing.T) {
	relayServer := newTestServer(t)
	server := httptest.NewServer(relayServer.handler)
	defer server.Close()

	conn := dialRelay(t, server, "")
	sendFrame(t, conn, relay.EventJoinRoom, map[string]string{"projectId": "p1", "credential": "forged"})
	frame := expectFrame(t, conn, relay.EventAuthFailed)
	if len(frame.Data) != 0 {
		t.Fatalf("auth-failed should carry no payload, got %s", string(frame.Data))
	}

	sendFrame(t, conn, relay.EventJoinRoom, map[string]string{"projectId": "p1", "credential": "sess-carol"})
	expectFrame(t, conn, relay.EventNotAllowed)
}

func TestWebsocketIgnoresMalformedFrames(t *testing.T) {
	relayServer := newTestServer(t)
	server := httptest.NewServer(relayServer.handler)
	defer server.Close()

	conn := dialRelay(t, server, "sess-alice")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("garbage")); err != nil {
		t.Fatalf("write: %v", err)
	}
	sendFrame(t, conn, relay.EventChat, "before join")
	sendFrame(t, conn, relay.EventJoinRoom, map[string]string{"projectId": "p1"})

	expectFrame(t, conn, relay.EventInit)
	history := expectFrame(t, conn, relay.EventChatHistory)
	if string(history.Data) != `[]` {
		t.Fatalf("chat before join must not be recorded, got %s", string(history.Data))
	}
}

func TestCloseConnectionsDisconnectsSockets(t *testing.T) {
	relayServer := newTestServer(t)
	server := httptest.NewServer(relayServer.handler)
	defer server.Close()

	conn := dialRelay(t, server, "sess-alice")
	sendFrame(t, conn, relay.EventJoinRoom, map[string]string{"projectId": "p1"})
	expectFrame(t, conn, relay.EventInit)
	expectFrame(t, conn, relay.EventChatHistory)

	if closed := relayServer.handler.CloseConnections(); closed != 1 {
		t.Fatalf("expected one open socket, got %d", closed)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the socket to be closed")
	}
}
