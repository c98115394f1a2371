package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rawblock/rps-arena/internal/protocol"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// dialPair spins up a one-shot test WS server and returns the server-side
// *conn (registered under userID) plus the client-side dialer connection,
// so hub tests can exercise real gorilla read/write/close paths instead of
// mocking them.
func dialPair(t *testing.T, hub *Hub, userID string) (*conn, *websocket.Conn, func()) {
	t.Helper()

	var serverConn *conn
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConn = newConn(ws, ProfilePublic, "127.0.0.1")
		serverConn.userID = userID
		hub.register(userID, serverConn)
		close(ready)
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-ready

	cleanup := func() {
		_ = clientConn.Close()
		srv.Close()
	}
	return serverConn, clientConn, cleanup
}

func TestHubSendToDeliversToRegisteredConn(t *testing.T) {
	hub := NewHub()
	_, client, cleanup := dialPair(t, hub, "alice")
	defer cleanup()

	hub.SendTo("alice", protocol.TypePong, protocol.PongPayload{ClientTime: 1.0, ServerTime: 2})

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(raw), protocol.TypePong) {
		t.Errorf("expected PONG frame, got %s", raw)
	}
}

func TestHubSendToUnknownUserIsNoop(t *testing.T) {
	hub := NewHub()
	hub.SendTo("nobody", protocol.TypePong, protocol.PongPayload{})
}

func TestHubIsConnectedReflectsRegistration(t *testing.T) {
	hub := NewHub()
	if hub.IsConnected("alice") {
		t.Fatalf("expected alice not connected before registration")
	}
	sc, _, cleanup := dialPair(t, hub, "alice")
	defer cleanup()

	if !hub.IsConnected("alice") {
		t.Errorf("expected alice connected after registration")
	}
	hub.unregister("alice", sc)
	if hub.IsConnected("alice") {
		t.Errorf("expected alice disconnected after unregister")
	}
}

func TestHubUnregisterIgnoresStaleConn(t *testing.T) {
	hub := NewHub()
	first, _, cleanup1 := dialPair(t, hub, "alice")
	defer cleanup1()

	// Simulate a second connection replacing the first for the same user;
	// register() itself closes the first, so build a bare replacement.
	second := newConn(nil, ProfilePublic, "127.0.0.1")
	second.userID = "alice"
	hub.mu.Lock()
	hub.conns["alice"] = second
	hub.mu.Unlock()

	// The stale first conn's close handler racing in must not evict the
	// newer registration.
	hub.unregister("alice", first)
	if !hub.IsConnected("alice") {
		t.Errorf("expected alice to remain connected via the newer conn")
	}
}

func TestHubAcquireIPCapsConcurrentConnections(t *testing.T) {
	hub := NewHub()
	for i := 0; i < maxConnsPerIP; i++ {
		if !hub.acquireIP("1.2.3.4") {
			t.Fatalf("expected slot %d to be available", i)
		}
	}
	if hub.acquireIP("1.2.3.4") {
		t.Errorf("expected the 4th concurrent connection from the same IP to be rejected")
	}

	hub.releaseIP("1.2.3.4")
	if !hub.acquireIP("1.2.3.4") {
		t.Errorf("expected a slot to free up after releaseIP")
	}
}

func TestHubAcquireIPTracksAddressesIndependently(t *testing.T) {
	hub := NewHub()
	for i := 0; i < maxConnsPerIP; i++ {
		if !hub.acquireIP("1.2.3.4") {
			t.Fatalf("expected slot %d for 1.2.3.4 to be available", i)
		}
	}
	if !hub.acquireIP("5.6.7.8") {
		t.Errorf("expected a different IP to have its own independent budget")
	}
}

func TestHubRegisterClosesPriorDuplicateConnection(t *testing.T) {
	hub := NewHub()
	_, firstClient, cleanup := dialPair(t, hub, "alice")
	defer cleanup()

	_, secondClient, cleanup2 := dialPair(t, hub, "alice")
	defer cleanup2()

	_ = firstClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := firstClient.ReadMessage()
	if err == nil {
		t.Errorf("expected the first connection to be closed once a duplicate registers")
	}

	if !hub.IsConnected("alice") {
		t.Errorf("expected alice still connected via the second connection")
	}
	_ = secondClient
}

func TestHubCloseAllClosesEveryConnection(t *testing.T) {
	hub := NewHub()
	_, aliceClient, cleanupA := dialPair(t, hub, "alice")
	defer cleanupA()
	_, bobClient, cleanupB := dialPair(t, hub, "bob")
	defer cleanupB()

	hub.closeAll(1001, "shutting down")

	for _, c := range []*websocket.Conn{aliceClient, bobClient} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := c.ReadMessage()
		if err == nil {
			t.Errorf("expected connection closed after closeAll")
		}
	}
}
