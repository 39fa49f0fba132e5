package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaykit/relay"
	jsoncodec "github.com/relaykit/relay/codecs/json"
)

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *relay.Hub) {
	t.Helper()
	hub := relay.NewHub(jsoncodec.New(), relay.HubOptions{})
	srv := httptest.NewServer(New(hub, opts, nil))
	t.Cleanup(srv.Close)
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitForConnections(t *testing.T, hub *relay.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d connections, got %d", n, hub.ConnectionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() failed: %v", err)
	}
	return string(data)
}

func TestWebsocketDeliversCycles(t *testing.T) {
	srv, hub := newTestServer(t, Options{})

	ws := dial(t, srv, "?id=c1")
	waitForConnections(t, hub, 1)

	if err := hub.Broadcast(context.Background(), "hello"); err != nil {
		t.Fatalf("Broadcast() failed: %v", err)
	}

	frame := readFrame(t, ws)
	expected := `{"C":"1","M":["hello"]}`
	if frame != expected {
		t.Errorf("Expected %s, got %s", expected, frame)
	}
}

func TestWebsocketClientPublish(t *testing.T) {
	srv, hub := newTestServer(t, Options{})

	sender := dial(t, srv, "?id=sender")
	receiver := dial(t, srv, "?id=receiver")
	waitForConnections(t, hub, 2)

	err := sender.WriteMessage(websocket.TextMessage,
		[]byte(`{"key":"*","payload":{"text":"hi"}}`))
	if err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}

	frame := readFrame(t, receiver)
	expected := `{"C":"1","M":[{"text":"hi"}]}`
	if frame != expected {
		t.Errorf("Expected %s, got %s", expected, frame)
	}
}

func TestWebsocketDisconnectCommand(t *testing.T) {
	srv, hub := newTestServer(t, Options{})

	ws := dial(t, srv, "?id=c1")
	waitForConnections(t, hub, 1)

	if err := hub.Disconnect(context.Background(), "c1"); err != nil {
		t.Fatalf("Disconnect() failed: %v", err)
	}

	frame := readFrame(t, ws)
	expected := `{"C":"1","D":1,"M":[]}`
	if frame != expected {
		t.Errorf("Expected %s, got %s", expected, frame)
	}

	// The server closes the socket after the disconnect frame and the
	// connection is released.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("Expected the socket to be closed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Expected the connection to be unregistered after the disconnect cycle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTransportName(t *testing.T) {
	hub := relay.NewHub(jsoncodec.New(), relay.HubOptions{})
	if name := New(hub, Options{}, nil).Name(); name != "websocket" {
		t.Errorf("Expected name 'websocket', got '%s'", name)
	}
}
