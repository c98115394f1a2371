package main

import (
	"context"
	"encoding/hex"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/internal/chain"
	"github.com/rawblock/rps-arena/internal/config"
	"github.com/rawblock/rps-arena/internal/gateway"
	"github.com/rawblock/rps-arena/internal/lobby"
	"github.com/rawblock/rps-arena/internal/match"
	"github.com/rawblock/rps-arena/internal/store"
)

// engineServer implements internal/engine.Engine by delegating to the
// lobby and match managers constructed below, breaking the import cycle
// between those two packages.
type engineServer struct {
	lobbyMgr *lobby.Manager
	matchMgr *match.Manager
}

func (e *engineServer) StartMatch(ctx context.Context, lobbyID int) error {
	return e.matchMgr.StartMatch(ctx, lobbyID)
}

func (e *engineServer) VoidMatch(ctx context.Context, matchID string, reason string) error {
	return e.matchMgr.VoidMatch(ctx, matchID, reason)
}

func (e *engineServer) LobbyLock(ctx context.Context, lobbyID int) (func(), error) {
	return e.lobbyMgr.LobbyLock(ctx, lobbyID)
}

func (e *engineServer) ProcessLobbyRefund(ctx context.Context, lobbyID int, reason string) error {
	return e.lobbyMgr.ProcessRefund(ctx, lobbyID, reason)
}

func main() {
	log.Println("Starting RPS Arena Engine...")

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: failed to connect to PostgreSQL: %v", err)
	}
	defer st.Close()

	schemaPath := getEnvOrDefault("SCHEMA_PATH", "internal/store/schema.sql")
	if err := st.InitSchema(ctx, schemaPath); err != nil {
		log.Fatalf("FATAL: schema init failed: %v", err)
	}

	walletSeed, err := decodeHexSeed(cfg.LobbyWalletHDSeed)
	if err != nil {
		log.Fatalf("FATAL: invalid LOBBY_WALLET_HD_SEED: %v", err)
	}
	if err := chain.ValidateSeed(walletSeed); err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	evmChain, err := chain.NewEVMChain(ctx, cfg.RPCPrimaryURL, cfg.RPCFallbackURLs, cfg.TokenContract, walletSeed)
	if err != nil {
		log.Fatalf("FATAL: failed to connect to chain RPC: %v", err)
	}

	if err := seedLobbies(ctx, st, walletSeed, cfg); err != nil {
		log.Fatalf("FATAL: failed to seed lobby wallets: %v", err)
	}

	alertMgr := alerts.NewManager(nil)
	for i, url := range cfg.AlertWebhookURLs {
		alertMgr.RegisterWebhook(alertWebhookName(i), url, alerts.SeverityLow, nil)
	}

	lobbyMgr := lobby.NewManager(st, st, evmChain, alertMgr, lobby.Config{
		BuyIn:            cfg.BuyIn,
		MinConfirmations: cfg.MinConfirmations,
		MaxTxAge:         cfg.MaxTxAge,
		LobbyTimeout:     cfg.LobbyTimeout,
	})

	// The Hub must exist before the match manager (it is the manager's
	// Broadcaster), and the match manager before the gateway (it is one of
	// the gateway's constructor arguments) — see gateway.NewGateway's doc
	// comment for the full ordering rationale.
	hub := gateway.NewHub()
	matchMgr := match.NewManager(st, st, st, st, st, evmChain, alertMgr, hub, cfg)

	eng := &engineServer{lobbyMgr: lobbyMgr, matchMgr: matchMgr}
	lobbyMgr.SetEngine(eng)

	gw := gateway.NewGateway(cfg, st, hub, lobbyMgr, matchMgr, alertMgr)

	log.Println("engine: recovering interrupted matches from prior run...")
	if err := matchMgr.RecoverInterrupted(ctx); err != nil {
		log.Printf("engine: recovery pass failed: %v", err)
	}

	depositMonitor := lobby.NewDepositMonitor(lobbyMgr, uint64(getEnvIntOrDefault("DEPOSIT_SCAN_RANGE_BLOCKS", 5000)))
	go depositMonitor.Run(ctx)

	go stuckLobbyLoop(ctx, lobbyMgr)

	lobbyWallets, err := lobbyWalletAddresses(ctx, st)
	if err != nil {
		log.Fatalf("FATAL: failed to load lobby wallets for sweep task: %v", err)
	}
	sweep := chain.NewSweepTask(evmChain, lobbyWallets, cfg.TreasuryAddress, big.NewInt(cfg.TreasuryCut), func(lobbyID int) uint32 {
		return uint32(lobbyID)
	})
	go sweep.Run(ctx, 10*time.Minute)

	healthMonitor := match.NewHealthMonitor(matchMgr)
	go healthMonitor.Run(ctx)

	gw.Start()

	log.Printf("engine: public listener on :%s, admin listener on :%s", cfg.PublicPort, cfg.AdminPort)

	<-ctx.Done()
	log.Println("engine: shutdown signal received, draining...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Printf("engine: gateway shutdown error: %v", err)
	}

	voidActiveMatches(shutdownCtx, matchMgr)

	log.Println("engine: shutdown complete")
}

// voidActiveMatches walks every match the in-memory manager still considers
// running and voids it with reason server_restart, so RecoverInterrupted
// finds a clean settle-or-refund trail on the next boot instead of a match
// frozen mid-tick.
func voidActiveMatches(ctx context.Context, matchMgr *match.Manager) {
	for id := range matchMgr.ActiveMatchStaleness(time.Now()) {
		if err := matchMgr.VoidMatch(ctx, id, "server_restart"); err != nil {
			log.Printf("engine: failed to void match %s on shutdown: %v", id, err)
		}
	}
}

// stuckLobbyLoop runs lobby.Manager.CheckStuckLobbies on a fixed interval
// until ctx is cancelled.
func stuckLobbyLoop(ctx context.Context, lobbyMgr *lobby.Manager) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lobbyMgr.CheckStuckLobbies(ctx)
		}
	}
}

// seedLobbies derives one wallet per configured lobby slot from the HD
// seed and ensures a lobby row exists for each, encrypting each derived
// key at rest under WALLET_ENCRYPTION_KEY.
func seedLobbies(ctx context.Context, st store.Store, walletSeed []byte, cfg config.Config) error {
	addresses := make([]string, cfg.LobbyCount)
	encryptedKeys := make([][]byte, cfg.LobbyCount)

	for i := 0; i < cfg.LobbyCount; i++ {
		lobbyID := i + 1
		key, err := chain.DeriveKey(walletSeed, uint32(lobbyID))
		if err != nil {
			return err
		}
		addresses[i] = chain.Address(key)

		enc, err := chain.EncryptPrivateKey(key, cfg.WalletEncryptionKey)
		if err != nil {
			return err
		}
		encryptedKeys[i] = enc
	}

	return st.EnsureLobbies(ctx, addresses, encryptedKeys)
}

// lobbyWalletAddresses reads back every seeded lobby's deposit address for
// the treasury sweep task.
func lobbyWalletAddresses(ctx context.Context, st store.Store) (map[int]string, error) {
	lobbies, err := st.ListLobbies(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int]string, len(lobbies))
	for _, l := range lobbies {
		out[l.ID] = l.DepositAddress
	}
	return out, nil
}

func decodeHexSeed(s string) ([]byte, error) {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

func alertWebhookName(i int) string {
	return "webhook-" + string(rune('a'+i))
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	return n
}
