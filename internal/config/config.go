// Package config loads the arena engine's configuration from the
// environment. All credentials MUST come from environment variables; there
// are no fallback defaults for security-sensitive values. Use a .env file
// for local development: cp .env.example .env && edit .env.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rawblock/rps-arena/internal/physics"
)

// Config is the fully resolved set of engine settings.
type Config struct {
	PublicPort string
	AdminPort  string

	LobbyCount int

	ArenaWidth  float64
	ArenaHeight float64
	PlayerRadius float64
	MaxSpeed     float64
	TickRate     int
	SnapshotRate int

	CountdownSeconds   int
	ReconnectGrace     time.Duration
	LobbyTimeout       time.Duration
	PersistenceInterval int64
	ShowdownHeartsToWin int
	MaxConsecutiveTickErrors int
	SettlementGrace    time.Duration
	StallThreshold     time.Duration

	RPCPrimaryURL  string
	RPCFallbackURLs []string
	TokenContract  string
	BuyIn          int64
	WinnerPayout   int64
	TreasuryCut    int64
	MinConfirmations int64
	MaxTxAge       time.Duration

	LobbyWalletHDSeed string
	WalletEncryptionKey string
	TreasuryAddress   string

	AlertWebhookURLs []string

	DatabaseURL string
	LogDir      string
	LogLevel    string
	SentryDSN   string

	AdminAPIToken string

	BackupDir string
}

// Load reads and validates the process configuration. It exits the process
// with code 1 (via log.Fatalf) if a required secret or setting is missing,
// matching the exit-code contract in the external interface spec.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded (%v); relying on process environment", err)
	}

	cfg := Config{
		PublicPort: getEnvOrDefault("PUBLIC_PORT", "7331"),
		AdminPort:  getEnvOrDefault("ADMIN_PORT", "7332"),

		LobbyCount: getEnvIntOrDefault("LOBBY_COUNT", 16),

		ArenaWidth:   getEnvFloatOrDefault("ARENA_WIDTH", 1600),
		ArenaHeight:  getEnvFloatOrDefault("ARENA_HEIGHT", 900),
		PlayerRadius: getEnvFloatOrDefault("PLAYER_RADIUS", 22),
		MaxSpeed:     getEnvFloatOrDefault("MAX_SPEED", 450),
		TickRate:     getEnvIntOrDefault("TICK_RATE", 30),
		SnapshotRate: getEnvIntOrDefault("SNAPSHOT_RATE", 30),

		CountdownSeconds:    getEnvIntOrDefault("COUNTDOWN_SECONDS", 3),
		ReconnectGrace:      time.Duration(getEnvIntOrDefault("RECONNECT_GRACE_SECONDS", 30)) * time.Second,
		LobbyTimeout:        time.Duration(getEnvIntOrDefault("LOBBY_TIMEOUT_SECONDS", 600)) * time.Second,
		PersistenceInterval: int64(getEnvIntOrDefault("PERSISTENCE_INTERVAL_TICKS", 5)),
		ShowdownHeartsToWin: getEnvIntOrDefault("SHOWDOWN_HEARTS_TO_WIN", 2),
		MaxConsecutiveTickErrors: getEnvIntOrDefault("MAX_CONSECUTIVE_TICK_ERRORS", 3),
		SettlementGrace:    time.Duration(getEnvIntOrDefault("SETTLEMENT_GRACE_SECONDS", 5)) * time.Second,
		StallThreshold:     time.Duration(getEnvIntOrDefault("STALL_THRESHOLD_SECONDS", 2)) * time.Second,

		RPCPrimaryURL:   requireEnv("RPC_PRIMARY_URL"),
		RPCFallbackURLs: splitCSV(os.Getenv("RPC_FALLBACK_URLS")),
		TokenContract:   requireEnv("TOKEN_CONTRACT_ADDRESS"),
		BuyIn:           getEnvInt64OrDefault("BUY_IN_AMOUNT", 1_000_000), // 1.000000 units
		WinnerPayout:    getEnvInt64OrDefault("WINNER_PAYOUT_AMOUNT", 2_400_000),
		TreasuryCut:     getEnvInt64OrDefault("TREASURY_CUT_AMOUNT", 600_000),
		MinConfirmations: int64(getEnvIntOrDefault("MIN_CONFIRMATIONS", 3)),
		MaxTxAge:        time.Duration(getEnvIntOrDefault("MAX_TX_AGE_SECONDS", 3600)) * time.Second,

		LobbyWalletHDSeed:   requireEnv("LOBBY_WALLET_HD_SEED"),
		WalletEncryptionKey: requireEnv("WALLET_ENCRYPTION_KEY"),
		TreasuryAddress:     requireEnv("TREASURY_ADDRESS"),

		AlertWebhookURLs: splitCSV(os.Getenv("ALERT_WEBHOOK_URLS")),

		DatabaseURL: requireEnv("DATABASE_URL"),
		LogDir:      getEnvOrDefault("LOG_DIR", "./logs"),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
		SentryDSN:   os.Getenv("SENTRY_DSN"),

		AdminAPIToken: os.Getenv("ADMIN_API_TOKEN"),

		BackupDir: getEnvOrDefault("BACKUP_DIR", "./backups"),
	}

	if cfg.AdminAPIToken == "" {
		log.Println("[SECURITY WARNING] ADMIN_API_TOKEN is not set. The admin port's " +
			"bot/dev routes are reachable without authentication. Set ADMIN_API_TOKEN in production.")
	}

	return cfg
}

// MaxStep is the per-axis/per-tick maximum displacement derived from
// MaxSpeed and TickRate.
func (c Config) MaxStep() float64 {
	return c.MaxSpeed / float64(c.TickRate)
}

// PhysicsConfig projects the subset of Config the physics package needs
// into its own Config type, keeping physics free of an upward dependency
// on internal/config.
func (c Config) PhysicsConfig() physics.Config {
	return physics.Config{
		ArenaWidth:   c.ArenaWidth,
		ArenaHeight:  c.ArenaHeight,
		PlayerRadius: c.PlayerRadius,
		MaxSpeed:     c.MaxSpeed,
		TickRate:     c.TickRate,
	}
}

func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
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
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("FATAL: %s must be an integer, got %q: %v", key, v, err)
	}
	return n
}

func getEnvInt64OrDefault(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("FATAL: %s must be an integer, got %q: %v", key, v, err)
	}
	return n
}

func getEnvFloatOrDefault(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("FATAL: %s must be a number, got %q: %v", key, v, err)
	}
	return n
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
