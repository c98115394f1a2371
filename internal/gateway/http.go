package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// httpHandler groups the plain-HTTP routes, which need to know which
// PortProfile they were mounted under (bot/dev routes only exist on
// admin, and admin JOIN_LOBBY-equivalents skip payment verification).
type httpHandler struct {
	g       *Gateway
	profile PortProfile
}

// handleHealth returns store health, the deferred-write-queue depth, and
// per-active-match tick staleness, per spec.md §6's GET /api/health.
func (h *httpHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	dbErr := h.g.store.Health(ctx)
	staleness := h.g.matchMgr.ActiveMatchStaleness(time.Now())
	staleMillis := make(map[string]int64, len(staleness))
	for id, d := range staleness {
		staleMillis[id] = d.Milliseconds()
	}

	status := http.StatusOK
	dbStatus := "ok"
	if dbErr != nil {
		status = http.StatusServiceUnavailable
		dbStatus = dbErr.Error()
	}

	c.JSON(status, gin.H{
		"database":           dbStatus,
		"deferredQueueDepth": h.g.store.DeferredQueueDepth(),
		"matchTickStaleness": staleMillis,
	})
}

// handleAuth verifies a wallet login message+signature and issues a
// session token, per spec.md §6's POST /api/auth.
func (h *httpHandler) handleAuth(c *gin.Context) {
	var req struct {
		Wallet    string `json:"wallet"`
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Wallet == "" || req.Message == "" || req.Signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet, message and signature are required"})
		return
	}

	ok, err := verifyWalletSignature(req.Message, req.Signature, req.Wallet)
	if err != nil || !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	ctx := c.Request.Context()
	user, err := h.g.store.GetOrCreateUser(ctx, req.Wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve user"})
		return
	}

	sess, err := h.g.store.CreateSession(ctx, user.ID, h.g.sessionTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionToken": sess.Token,
		"userId":       user.ID,
		"expiresAt":    sess.ExpiresAt,
	})
}

// handleLogout invalidates a session token.
func (h *httpHandler) handleLogout(c *gin.Context) {
	var req struct {
		SessionToken string `json:"sessionToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionToken is required"})
		return
	}
	if err := h.g.store.DeleteSession(c.Request.Context(), req.SessionToken); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// handleLobbies returns the current lobby list.
func (h *httpHandler) handleLobbies(c *gin.Context) {
	lobbies, err := h.g.store.ListLobbies(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list lobbies"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lobbies": lobbies})
}

// botJoinRequest is the shared body shape for the bot/add and bot/fill
// admin routes.
type botJoinRequest struct {
	LobbyID int `json:"lobbyId"`
}

// handleBotAdd seats one synthetic bot player into a lobby, bypassing
// payment verification (admin-only, per spec.md §9).
func (h *httpHandler) handleBotAdd(c *gin.Context) {
	var req botJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.LobbyID < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lobbyId is required"})
		return
	}
	if err := h.addOneBot(c.Request.Context(), req.LobbyID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "bot_added", "lobbyId": req.LobbyID})
}

// handleBotFill tops a lobby up to three active players with bots, for
// quickly exercising a match end to end without human players.
func (h *httpHandler) handleBotFill(c *gin.Context) {
	var req botJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.LobbyID < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lobbyId is required"})
		return
	}

	ctx := c.Request.Context()
	players, err := h.g.store.ListLobbyPlayers(ctx, req.LobbyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list lobby players"})
		return
	}
	active := 0
	for _, p := range players {
		if p.Active() {
			active++
		}
	}

	added := 0
	for active+added < 3 {
		if err := h.addOneBot(ctx, req.LobbyID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		added++
	}
	c.JSON(http.StatusOK, gin.H{"status": "bots_filled", "lobbyId": req.LobbyID, "added": added})
}

func (h *httpHandler) addOneBot(ctx context.Context, lobbyID int) error {
	wallet := "0xbot_" + uuid.New().String()
	user, err := h.g.store.GetOrCreateUser(ctx, wallet)
	if err != nil {
		return err
	}
	txHash := "0xbot_tx_" + uuid.New().String()
	return h.g.lobbyMgr.Join(ctx, lobbyID, user.ID, txHash, true)
}

// handleBotRemove refunds and clears every bot-wallet seat from a lobby.
// Bots never pay in, so this is a bookkeeping reset rather than a real
// on-chain refund for those seats; any paying human seats are left alone.
func (h *httpHandler) handleBotRemove(c *gin.Context) {
	var req botJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.LobbyID < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lobbyId is required"})
		return
	}
	if err := h.g.lobbyMgr.ProcessRefund(c.Request.Context(), req.LobbyID, "admin_bot_remove"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "bots_removed", "lobbyId": req.LobbyID})
}

// handleDevReset force-resets a lobby: every active seat is refunded and
// the lobby returns to empty, regardless of its current status.
func (h *httpHandler) handleDevReset(c *gin.Context) {
	var req botJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.LobbyID < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lobbyId is required"})
		return
	}
	if err := h.g.lobbyMgr.ProcessRefund(c.Request.Context(), req.LobbyID, "admin_force_reset"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset", "lobbyId": req.LobbyID})
}
