// Package gateway implements the WebSocket session layer and HTTP surface
// of spec.md §4.6 / §9: two independent listeners — public (payments
// required) and admin (payments bypassed, bot control) — that share every
// handler except for a PortProfile value threaded through each acceptor,
// the dispatcher that turns wire-protocol frames into calls on the lobby
// and match managers, and the Hub that is the sole implementation of
// match.Broadcaster passed into internal/match.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/internal/config"
	"github.com/rawblock/rps-arena/internal/lobby"
	"github.com/rawblock/rps-arena/internal/match"
	"github.com/rawblock/rps-arena/internal/protocol"
	"github.com/rawblock/rps-arena/internal/store"
)

// PortProfile distinguishes the public listener from the admin listener.
// It is not a config flag on a single server — spec.md §9 requires two
// independent acceptors sharing handlers, differing only in payment
// verification and the presence of bot/dev routes.
type PortProfile int

const (
	ProfilePublic PortProfile = iota
	ProfileAdmin
)

func (p PortProfile) String() string {
	if p == ProfileAdmin {
		return "admin"
	}
	return "public"
}

const defaultSessionTTL = 24 * time.Hour

// Gateway wires the session layer to the lobby and match managers and
// serves both PortProfiles.
type Gateway struct {
	cfg        config.Config
	store      store.Store
	lobbyMgr   *lobby.Manager
	matchMgr   *match.Manager
	alertMgr   *alerts.Manager
	hub         *Hub
	inputLimit  *RateLimiter
	otherLimit  *RateLimiter
	httpLimit   *RateLimiter
	sessionTTL  time.Duration

	publicSrv *http.Server
	adminSrv  *http.Server
}

// NewGateway wires the session layer to hub, the lobby manager, and the
// match manager. hub must be constructed first with NewHub and handed to
// match.NewManager as its Broadcaster before it is passed here — the
// engine's startup ordering is: hub, then match manager, then gateway.
func NewGateway(cfg config.Config, st store.Store, hub *Hub, lobbyMgr *lobby.Manager, matchMgr *match.Manager, alertMgr *alerts.Manager) *Gateway {
	return &Gateway{
		cfg:        cfg,
		store:      st,
		lobbyMgr:   lobbyMgr,
		matchMgr:   matchMgr,
		alertMgr:   alertMgr,
		hub: hub,
		// spec.md §4.6: INPUT frames get their own, much higher budget
		// (the simulation expects one per tick at up to 120Hz) from every
		// other message type, which shares the tighter general budget.
		inputLimit: NewRateLimiter(120, 120),
		otherLimit: NewRateLimiter(10, 10),
		httpLimit:  NewRateLimiter(0.5, 10),
		sessionTTL: defaultSessionTTL,
	}
}

// Start launches both listeners as background goroutines and returns
// immediately; fatal listen errors are logged, matching the teacher's
// "log and keep the rest of the process alive" posture for non-primary
// services.
func (g *Gateway) Start() {
	g.publicSrv = &http.Server{
		Addr:    ":" + g.cfg.PublicPort,
		Handler: g.buildRouter(ProfilePublic),
	}
	g.adminSrv = &http.Server{
		Addr:    ":" + g.cfg.AdminPort,
		Handler: g.buildRouter(ProfileAdmin),
	}

	go func() {
		log.Printf("gateway: public listener on :%s", g.cfg.PublicPort)
		if err := g.publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: public listener failed: %v", err)
		}
	}()
	go func() {
		log.Printf("gateway: admin listener on :%s", g.cfg.AdminPort)
		if err := g.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: admin listener failed: %v", err)
		}
	}()
}

// Shutdown closes every live connection with CloseServerShutdown and stops
// both HTTP listeners. Voiding in-flight matches on shutdown is the
// caller's responsibility (cmd/engine/main.go calls match.Manager.VoidMatch
// per active match before or after this, per its own recovery ordering).
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.hub.closeAll(protocol.CloseServerShutdown, "server_restart")

	if err := g.publicSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway: shutting down public listener: %w", err)
	}
	if err := g.adminSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway: shutting down admin listener: %w", err)
	}
	return nil
}

func (g *Gateway) buildRouter(profile PortProfile) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	h := &httpHandler{g: g, profile: profile}

	pub := r.Group("/api")
	pub.Use(g.httpLimit.Middleware())
	{
		pub.GET("/health", h.handleHealth)
		pub.POST("/auth", h.handleAuth)
		pub.POST("/logout", h.handleLogout)
		pub.GET("/lobbies", h.handleLobbies)
		pub.GET("/stream", g.serveWS(profile))
	}

	if profile == ProfileAdmin {
		admin := r.Group("/api")
		admin.Use(AdminAuthMiddleware(g.cfg.AdminAPIToken))
		{
			admin.POST("/bot/add", h.handleBotAdd)
			admin.POST("/bot/fill", h.handleBotFill)
			admin.POST("/bot/remove", h.handleBotRemove)
			admin.POST("/dev/reset", h.handleDevReset)
		}
	}

	return r
}
