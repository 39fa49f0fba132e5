package longpoll

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaykit/relay"
	jsoncodec "github.com/relaykit/relay/codecs/json"
)

func newTestTransport(opts Options) (*Transport, *relay.Hub) {
	hub := relay.NewHub(jsoncodec.New(), relay.HubOptions{})
	return New(hub, opts, nil), hub
}

func TestNegotiate(t *testing.T) {
	transport, hub := newTestTransport(Options{})

	w := httptest.NewRecorder()
	transport.Negotiate(w, httptest.NewRequest("GET", "/negotiate", nil))

	var resp struct {
		ConnectionID string `json:"connectionId"`
		Cursor       string `json:"cursor"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if resp.ConnectionID == "" {
		t.Error("Expected a minted connection ID")
	}
	if resp.Cursor != "0" {
		t.Errorf("Expected cursor '0', got '%s'", resp.Cursor)
	}
	if _, ok := hub.Connection(resp.ConnectionID); !ok {
		t.Error("Expected the connection to be registered with the hub")
	}
}

func TestPollDeliversMessages(t *testing.T) {
	transport, hub := newTestTransport(Options{})

	hub.Connect("c1")
	if err := hub.Broadcast(context.Background(), "hello"); err != nil {
		t.Fatalf("Broadcast() failed: %v", err)
	}

	w := httptest.NewRecorder()
	transport.Poll(w, httptest.NewRequest("GET", "/poll?id=c1", nil))

	if w.Code != 200 {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}

	expected := `{"C":"1","M":["hello"]}`
	if w.Body.String() != expected {
		t.Errorf("Expected %s, got %s", expected, w.Body.String())
	}
}

func TestPollTimeout(t *testing.T) {
	transport, hub := newTestTransport(Options{
		PollTimeout:    30 * time.Millisecond,
		ReconnectDelay: 100 * time.Millisecond,
	})

	hub.Connect("c1")

	w := httptest.NewRecorder()
	transport.Poll(w, httptest.NewRequest("GET", "/poll?id=c1", nil))

	expected := `{"C":"0","T":1,"L":100,"M":[]}`
	if w.Body.String() != expected {
		t.Errorf("Expected %s, got %s", expected, w.Body.String())
	}
}

func TestPollMissingID(t *testing.T) {
	transport, _ := newTestTransport(Options{})

	w := httptest.NewRecorder()
	transport.Poll(w, httptest.NewRequest("GET", "/poll", nil))

	if w.Code != 400 {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestPollResumeRequestsGroupReset(t *testing.T) {
	transport, _ := newTestTransport(Options{PollTimeout: 30 * time.Millisecond})

	// A cursor for a connection the hub does not know means the client
	// resumed across a restart; its group set must be reset.
	w := httptest.NewRecorder()
	transport.Poll(w, httptest.NewRequest("GET", "/poll?id=c1&cursor=5", nil))

	expected := `{"C":"5","R":[],"M":[]}`
	if w.Body.String() != expected {
		t.Errorf("Expected %s, got %s", expected, w.Body.String())
	}
}

func TestPollExcludesOwnMessages(t *testing.T) {
	transport, hub := newTestTransport(Options{PollTimeout: 30 * time.Millisecond})

	hub.Connect("c1")
	err := hub.PublishMessage(context.Background(), &relay.Message{
		Key:     relay.KeyBroadcast,
		Source:  "c1",
		Payload: relay.RawPayload(`"mine"`),
	})
	if err != nil {
		t.Fatalf("PublishMessage() failed: %v", err)
	}

	w := httptest.NewRecorder()
	transport.Poll(w, httptest.NewRequest("GET", "/poll?id=c1", nil))

	expected := `{"C":"1","T":1,"M":[]}`
	if w.Body.String() != expected {
		t.Errorf("Expected %s, got %s", expected, w.Body.String())
	}
}

func TestServeHTTPRunsPollCycle(t *testing.T) {
	transport, hub := newTestTransport(Options{})

	if transport.Name() != "longpoll" {
		t.Errorf("Expected name 'longpoll', got '%s'", transport.Name())
	}

	hub.Connect("c1")
	if err := hub.Broadcast(context.Background(), "via handler"); err != nil {
		t.Fatalf("Broadcast() failed: %v", err)
	}

	w := httptest.NewRecorder()
	transport.ServeHTTP(w, httptest.NewRequest("GET", "/poll?id=c1", nil))

	expected := `{"C":"1","M":["via handler"]}`
	if w.Body.String() != expected {
		t.Errorf("Expected %s, got %s", expected, w.Body.String())
	}
}

func TestPollDisconnectEndsConnection(t *testing.T) {
	transport, hub := newTestTransport(Options{PollTimeout: 30 * time.Millisecond})

	hub.Connect("c1")
	if err := hub.Disconnect(context.Background(), "c1"); err != nil {
		t.Fatalf("Disconnect() failed: %v", err)
	}

	w := httptest.NewRecorder()
	transport.Poll(w, httptest.NewRequest("GET", "/poll?id=c1", nil))

	expected := `{"C":"1","D":1,"M":[]}`
	if w.Body.String() != expected {
		t.Errorf("Expected %s, got %s", expected, w.Body.String())
	}
	if _, ok := hub.Connection("c1"); ok {
		t.Error("Expected the connection to be unregistered after the disconnect cycle")
	}

	// A client that polls again starts over instead of looping on the flag.
	w = httptest.NewRecorder()
	transport.Poll(w, httptest.NewRequest("GET", "/poll?id=c1&cursor=1", nil))
	if strings.Contains(w.Body.String(), `"D":1`) {
		t.Errorf("Expected no repeated disconnect flag, got %s", w.Body.String())
	}
}
