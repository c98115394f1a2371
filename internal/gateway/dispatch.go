package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/rawblock/rps-arena/internal/lobby"
	"github.com/rawblock/rps-arena/internal/physics"
	"github.com/rawblock/rps-arena/internal/protocol"
	"github.com/rawblock/rps-arena/pkg/models"
)

// handleHello resolves the session token, completes registration, and
// replays whatever state the caller needs to resume: WELCOME always, then
// LOBBY_LIST, then LOBBY_UPDATE/RECONNECT_STATE if the caller already has
// a seat or an in-flight match. A reconnect mid-match additionally rotates
// the session token and notifies the match.
func (g *Gateway) handleHello(cn *conn, hello protocol.Hello) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := g.store.GetSessionByToken(ctx, hello.SessionToken)
	if err != nil || time.Now().After(sess.ExpiresAt) {
		cn.closeWithCode(protocol.CloseInvalidSession, "invalid or expired session")
		return "", false
	}
	cn.userID = sess.UserID

	_ = cn.send(protocol.TypeWelcome, protocol.WelcomePayload{UserID: sess.UserID})
	_ = cn.send(protocol.TypeLobbyList, g.buildLobbyListPayload(ctx))

	active, ok, err := g.store.FindActiveLobbyForUser(ctx, sess.UserID)
	if err != nil || !ok {
		return sess.UserID, true
	}
	_ = cn.send(protocol.TypeLobbyUpdate, g.buildLobbyUpdatePayload(ctx, active))

	if active.Status != models.LobbyInProgress || active.CurrentMatchID == nil {
		return sess.UserID, true
	}

	matchID := *active.CurrentMatchID
	state, ok := g.matchMgr.ReconnectState(matchID, sess.UserID)
	if !ok {
		return sess.UserID, true
	}

	g.matchMgr.SetConnected(matchID, sess.UserID, true)
	cn.matchID = matchID

	newSess, err := g.store.CreateSession(ctx, sess.UserID, g.sessionTTL)
	if err == nil {
		_ = g.store.DeleteSession(ctx, sess.Token)
		_ = cn.send(protocol.TypeTokenUpdate, protocol.TokenUpdatePayload{SessionToken: newSess.Token})
	}
	_ = cn.send(protocol.TypeReconnectState, state)

	return sess.UserID, true
}

// dispatch routes one decoded frame to its handler. HELLO never reaches
// here — it is consumed entirely by the handshake.
func (g *Gateway) dispatch(cn *conn, msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeJoinLobby:
		g.handleJoinLobby(cn, *msg.JoinLobby)
	case protocol.TypeRequestRefund:
		g.handleRequestRefund(cn)
	case protocol.TypePing:
		g.handlePing(cn, *msg.Ping)
	case protocol.TypeInput:
		g.handleInput(cn, *msg.Input)
	default:
		_ = cn.send(protocol.TypeError, protocol.NewErrorPayload(protocol.ErrInternal))
	}
}

func (g *Gateway) handleJoinLobby(cn *conn, req protocol.JoinLobby) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	skipVerification := cn.profile == ProfileAdmin
	err := g.lobbyMgr.Join(ctx, req.LobbyID, cn.userID, req.PaymentTxHash, skipVerification)
	if err != nil {
		_ = cn.send(protocol.TypeError, protocol.NewErrorPayload(joinErrorCode(err)))
		return
	}

	lb, err := g.store.GetLobby(ctx, req.LobbyID)
	if err != nil {
		return
	}
	g.broadcastLobbyUpdate(ctx, lb)
}

func joinErrorCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, lobby.ErrLobbyFull):
		return protocol.ErrLobbyFull
	case errors.Is(err, lobby.ErrLobbyBusy):
		return protocol.ErrLobbyNotFound
	case errors.Is(err, lobby.ErrAlreadyInLobby):
		return protocol.ErrAlreadyInLobby
	case errors.Is(err, lobby.ErrDuplicateTxHash), errors.Is(err, lobby.ErrPaymentNotVerified):
		return protocol.ErrPaymentNotConfirm
	default:
		return protocol.ErrInternal
	}
}

func (g *Gateway) handleRequestRefund(cn *conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lb, ok, err := g.store.FindActiveLobbyForUser(ctx, cn.userID)
	if err != nil || !ok {
		_ = cn.send(protocol.TypeError, protocol.NewErrorPayload(protocol.ErrNotInLobby))
		return
	}

	if err := g.lobbyMgr.RequestTimeoutRefund(ctx, lb.ID); err != nil {
		_ = cn.send(protocol.TypeError, protocol.NewErrorPayload(protocol.ErrRefundNotAvail))
		return
	}

	_ = cn.send(protocol.TypeRefundProcessed, protocol.RefundProcessedPayload{
		LobbyID: lb.ID,
		Amount:  g.cfg.BuyIn,
	})

	if refreshed, err := g.store.GetLobby(ctx, lb.ID); err == nil {
		g.broadcastLobbyUpdate(ctx, refreshed)
	}
}

func (g *Gateway) handlePing(cn *conn, ping protocol.Ping) {
	_ = cn.send(protocol.TypePong, protocol.PongPayload{
		ClientTime: ping.ClientTime,
		ServerTime: time.Now().UnixMilli(),
	})
}

func (g *Gateway) handleInput(cn *conn, in protocol.Input) {
	cn.mu.Lock()
	matchID := cn.matchID
	cn.mu.Unlock()
	if matchID == "" {
		return
	}

	input := physics.Input{
		Sequence: in.Sequence,
		IsBot:    in.HasTarget,
		DirX:     in.DirX,
		DirY:     in.DirY,
		TargetX:  in.TargetX,
		TargetY:  in.TargetY,
	}
	g.matchMgr.HandleInput(matchID, cn.userID, input)
}

// buildLobbyListPayload and buildLobbyUpdatePayload translate store rows
// into their wire-protocol shape.
func (g *Gateway) buildLobbyListPayload(ctx context.Context) protocol.LobbyListPayload {
	lobbies, err := g.store.ListLobbies(ctx)
	if err != nil {
		log.Printf("gateway: listing lobbies: %v", err)
		return protocol.LobbyListPayload{}
	}

	out := make([]protocol.LobbySummary, 0, len(lobbies))
	for _, lb := range lobbies {
		players, err := g.store.ListLobbyPlayers(ctx, lb.ID)
		count := 0
		if err == nil {
			for _, p := range players {
				if p.Active() {
					count++
				}
			}
		}
		out = append(out, protocol.LobbySummary{
			LobbyID:     lb.ID,
			Status:      string(lb.Status),
			PlayerCount: count,
		})
	}
	return protocol.LobbyListPayload{Lobbies: out}
}

func (g *Gateway) buildLobbyUpdatePayload(ctx context.Context, lb models.Lobby) protocol.LobbyUpdatePayload {
	players, _ := g.store.ListLobbyPlayers(ctx, lb.ID)
	ids := make([]string, 0, len(players))
	for _, p := range players {
		if p.Active() {
			ids = append(ids, p.UserID)
		}
	}
	payload := protocol.LobbyUpdatePayload{
		LobbyID:     lb.ID,
		Status:      string(lb.Status),
		PlayerCount: len(ids),
		PlayerIDs:   ids,
	}
	if lb.TimeoutAt != nil {
		payload.TimeoutAt = lb.TimeoutAt.UnixMilli()
	}
	return payload
}

// broadcastLobbyUpdate fans a lobby's new state out to every connected
// session. The lobby count is small (spec.md's LOBBY_COUNT default is 16),
// so broadcasting to all connections rather than tracking per-lobby
// subscribers keeps the lobby list live for every client browsing it.
func (g *Gateway) broadcastLobbyUpdate(ctx context.Context, lb models.Lobby) {
	payload := g.buildLobbyUpdatePayload(ctx, lb)
	g.hub.mu.RLock()
	conns := make([]*conn, 0, len(g.hub.conns))
	for _, c := range g.hub.conns {
		conns = append(conns, c)
	}
	g.hub.mu.RUnlock()

	for _, c := range conns {
		_ = c.send(protocol.TypeLobbyUpdate, payload)
	}
}
