package gateway

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rawblock/rps-arena/internal/protocol"
)

// writeDeadline bounds every outbound frame, matching the teacher hub's
// 5s-per-write guard against a stalled client hanging the whole fan-out.
const writeDeadline = 5 * time.Second

// conn is one accepted WebSocket connection plus the session it has
// authenticated as. A user may hold at most one conn at a time; opening a
// second closes the first with CloseDuplicateReconn.
type conn struct {
	ws      *websocket.Conn
	profile PortProfile
	mu      sync.Mutex // guards ws.WriteMessage, matched by gorilla's single-writer rule

	userID  string
	matchID string // set at HELLO/resume and updated as the hub snoops outbound frames
	ip      string // remote address, reserved against maxConnsPerIP for this conn's lifetime

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, profile PortProfile, ip string) *conn {
	return &conn{ws: ws, profile: profile, ip: ip, closed: make(chan struct{})}
}

func (c *conn) send(msgType string, payload any) error {
	body, err := protocol.EncodeServer(msgType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.ws.WriteMessage(websocket.TextMessage, body)
}

func (c *conn) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
		c.mu.Unlock()
		_ = c.ws.Close()
	})
}

// maxConnsPerIP caps concurrent WebSocket connections from one remote
// address, per spec.md §4.6; the 4th simultaneous attempt is rejected with
// CloseTooManyConns rather than evicting an existing connection.
const maxConnsPerIP = 3

// Hub is the match.Broadcaster implementation: the single place that maps
// a user id onto a live socket. Lobby and match code never see a *conn —
// only SendTo/IsConnected, per spec.md §9's "gateway only holds a handle
// to send into" ownership note.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*conn // userID -> current connection
	ipCounts map[string]int   // remote address -> concurrent connection count
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*conn), ipCounts: make(map[string]int)}
}

// acquireIP reserves one of ip's connection slots, reporting whether the
// cap left room for it. Call releaseIP exactly once per successful
// acquireIP, on connection teardown.
func (h *Hub) acquireIP(ip string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ipCounts[ip] >= maxConnsPerIP {
		return false
	}
	h.ipCounts[ip]++
	return true
}

// releaseIP frees a slot reserved by a prior successful acquireIP.
func (h *Hub) releaseIP(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ipCounts[ip] <= 1 {
		delete(h.ipCounts, ip)
		return
	}
	h.ipCounts[ip]--
}

// register installs c as userID's connection, closing and replacing any
// prior connection for the same user with CloseDuplicateReconn — spec.md
// §6's 1008 close code for exactly this case.
func (h *Hub) register(userID string, c *conn) {
	h.mu.Lock()
	old := h.conns[userID]
	h.conns[userID] = c
	h.mu.Unlock()

	if old != nil && old != c {
		old.closeWithCode(protocol.CloseDuplicateReconn, "duplicate connection")
	}
}

// unregister removes c only if it is still the connection on file for
// userID (a stale close racing a newer reconnect must not evict it).
func (h *Hub) unregister(userID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[userID]; ok && cur == c {
		delete(h.conns, userID)
	}
}

// SendTo implements match.Broadcaster and lobby's ad hoc single-user sends.
// A user with no live connection silently drops the message — this is the
// normal case for an eliminated or disconnected player, not an error.
func (h *Hub) SendTo(userID, msgType string, payload any) {
	h.mu.RLock()
	c := h.conns[userID]
	h.mu.RUnlock()
	if c == nil {
		return
	}

	switch msgType {
	case protocol.TypeMatchStarting:
		if p, ok := payload.(protocol.MatchStartingPayload); ok {
			c.mu.Lock()
			c.matchID = p.MatchID
			c.mu.Unlock()
		}
	case protocol.TypeMatchEnd:
		c.mu.Lock()
		c.matchID = ""
		c.mu.Unlock()
	}

	if err := c.send(msgType, payload); err != nil {
		log.Printf("gateway: send %s to %s failed: %v", msgType, userID, err)
	}
}

// IsConnected implements match.Broadcaster.
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[userID]
	return ok
}

// closeAll force-closes every live connection with the given code, used
// during graceful shutdown (spec.md §7: "all connections are closed with
// 1001").
func (h *Hub) closeAll(code int, reason string) {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWithCode(code, reason)
	}
}
