package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/rps-arena/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	helloTimeout  = 10 * time.Second
	appPingPeriod = 5 * time.Second
	pongWait      = 20 * time.Second
	maxFrameBytes = 16 * 1024
)

// serveWS upgrades one HTTP request to a WebSocket and runs its full
// lifecycle: the mandatory HELLO handshake, then a read pump dispatching
// client frames until the socket closes. It returns once the connection is
// gone.
func (g *Gateway) serveWS(profile PortProfile) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		ip := c.ClientIP()
		if !g.hub.acquireIP(ip) {
			cn := newConn(ws, profile, ip)
			cn.closeWithCode(protocol.CloseTooManyConns, "too many connections from this address")
			return
		}

		cn := newConn(ws, profile, ip)
		ws.SetReadLimit(maxFrameBytes)

		userID, ok := g.handshake(cn)
		if !ok {
			g.hub.releaseIP(ip)
			_ = ws.Close()
			return
		}

		g.hub.register(userID, cn)
		defer g.onDisconnect(cn)

		go g.pingLoop(cn)
		g.readLoop(cn)
	}
}

// handshake blocks for the first frame, which must be HELLO, validates the
// session token, and replies WELCOME + LOBBY_LIST (+ LOBBY_UPDATE and
// RECONNECT_STATE if the caller already has state to resume). It returns
// the resolved user id.
func (g *Gateway) handshake(cn *conn) (string, bool) {
	_ = cn.ws.SetReadDeadline(time.Now().Add(helloTimeout))
	_, raw, err := cn.ws.ReadMessage()
	if err != nil {
		return "", false
	}
	_ = cn.ws.SetReadDeadline(time.Time{})

	msg, err := protocol.DecodeClient(raw, cn.profile == ProfileAdmin)
	if err != nil || msg.Type != protocol.TypeHello {
		cn.closeWithCode(protocol.CloseInvalidSession, "first frame must be HELLO")
		return "", false
	}

	userID, ok := g.handleHello(cn, *msg.Hello)
	return userID, ok
}

// readLoop consumes frames until the socket errors or closes, dispatching
// each to the matching handler. Invalid frames are answered with an ERROR
// message rather than closing the connection — only the handshake's first
// frame is close-worthy.
func (g *Gateway) readLoop(cn *conn) {
	cn.ws.SetPongHandler(func(string) error {
		return cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = cn.ws.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, raw, err := cn.ws.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.DecodeClient(raw, cn.profile == ProfileAdmin)
		if err != nil {
			_ = cn.send(protocol.TypeError, protocol.NewErrorPayload(protocol.ErrInternal))
			continue
		}

		// INPUT gets its own, much higher-rate bucket per spec.md §4.6 —
		// everything else shares the tighter general-purpose bucket.
		limiter := g.otherLimit
		if msg.Type == protocol.TypeInput {
			limiter = g.inputLimit
		}
		if !limiter.Allow(cn.userID) {
			_ = cn.send(protocol.TypeError, protocol.NewErrorPayload(protocol.ErrRateLimited))
			continue
		}
		g.dispatch(cn, msg)
	}
}

// pingLoop sends a WebSocket-protocol ping every appPingPeriod so a
// half-open TCP connection is detected well inside the match's
// reconnect-grace window instead of surviving until the OS times it out.
func (g *Gateway) pingLoop(cn *conn) {
	ticker := time.NewTicker(appPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-cn.closed:
			return
		case <-ticker.C:
			cn.mu.Lock()
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := cn.ws.WriteMessage(websocket.PingMessage, nil)
			cn.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// onDisconnect runs once per connection teardown: it unregisters from the
// hub and, if the user was seated in a live match, marks the seat
// disconnected so the grace-period clock starts.
func (g *Gateway) onDisconnect(cn *conn) {
	g.hub.unregister(cn.userID, cn)
	g.hub.releaseIP(cn.ip)
	_ = cn.ws.Close()

	cn.mu.Lock()
	matchID := cn.matchID
	cn.mu.Unlock()
	if matchID != "" {
		g.matchMgr.SetConnected(matchID, cn.userID, false)
	}
}
