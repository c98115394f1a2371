// Package models holds the durable entities that flow between the gateway,
// lobby, match and store layers. Every timestamp is UTC; every monetary
// amount is an integer in minor units of the configured stablecoin (6
// decimals, i.e. "1.000000" units == 1_000_000).
package models

import "time"

// LobbyStatus is the lifecycle state of a Lobby.
type LobbyStatus string

const (
	LobbyEmpty      LobbyStatus = "empty"
	LobbyWaiting    LobbyStatus = "waiting"
	LobbyReady      LobbyStatus = "ready"
	LobbyInProgress LobbyStatus = "in_progress"
)

// MatchStatus is the lifecycle state of a Match.
type MatchStatus string

const (
	MatchCountdown MatchStatus = "countdown"
	MatchRunning   MatchStatus = "running"
	MatchEnding    MatchStatus = "ending"
	MatchFinished  MatchStatus = "finished"
	MatchVoid      MatchStatus = "void"
)

// Role is one of the three arena roles; rock beats scissors beats paper
// beats rock.
type Role string

const (
	RoleRock     Role = "rock"
	RolePaper    Role = "paper"
	RoleScissors Role = "scissors"
)

// Beats reports whether r beats other under the rock/paper/scissors table.
func (r Role) Beats(other Role) bool {
	switch r {
	case RoleRock:
		return other == RoleScissors
	case RolePaper:
		return other == RoleRock
	case RoleScissors:
		return other == RolePaper
	}
	return false
}

// PayoutStatus tracks a PayoutAttempt row.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutSuccess PayoutStatus = "success"
	PayoutFailed  PayoutStatus = "failed"
)

// SourceWallet identifies which custodial account funded a payout/refund.
// Per REDESIGN FLAG 3, treasury-sourced refunds are deprecated; the lobby
// wallet is the sole source in new code, but the column is kept for the
// audit trail of older rows.
type SourceWallet string

const (
	SourceLobby    SourceWallet = "lobby"
	SourceTreasury SourceWallet = "treasury"
)

// User is a wallet-authenticated player identity.
type User struct {
	ID          string `json:"id"`
	Wallet      string `json:"wallet"` // hex address as stored by GetOrCreateUser; not case-normalized
	DisplayName string `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Session is an opaque bearer token issued at login.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Token     string    `json:"-"` // never serialized back to clients except at issuance
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Lobby is one of the fixed, pre-derived game rooms.
type Lobby struct {
	ID                int         `json:"id"`
	Status            LobbyStatus `json:"status"`
	DepositAddress    string      `json:"depositAddress"`
	EncryptedKey      []byte      `json:"-"`
	FirstJoinAt       *time.Time  `json:"firstJoinAt,omitempty"`
	TimeoutAt         *time.Time  `json:"timeoutAt,omitempty"`
	CurrentMatchID    *string     `json:"currentMatchId,omitempty"`
}

// LobbyPlayer is one paid seat in a Lobby.
type LobbyPlayer struct {
	ID              string     `json:"id"`
	LobbyID         int        `json:"lobbyId"`
	UserID          string     `json:"userId"`
	PaymentTxHash   string     `json:"paymentTxHash"`
	JoinedAt        time.Time  `json:"joinedAt"`
	RefundedAt      *time.Time `json:"refundedAt,omitempty"`
	RefundReason    string     `json:"refundReason,omitempty"`
	RefundTxHash    string     `json:"refundTxHash,omitempty"`
}

// Active reports whether the player still occupies a non-refunded seat.
func (p LobbyPlayer) Active() bool { return p.RefundedAt == nil }

// Match is one played round within a Lobby.
type Match struct {
	ID            string      `json:"id"`
	LobbyID       int         `json:"lobbyId"`
	Status        MatchStatus `json:"status"`
	RNGSeed       uint64      `json:"-"`
	CountdownAt   *time.Time  `json:"countdownAt,omitempty"`
	RunningAt     *time.Time  `json:"runningAt,omitempty"`
	EndedAt       *time.Time  `json:"endedAt,omitempty"`
	WinnerID      *string     `json:"winnerId,omitempty"`
	PayoutAmount  *int64      `json:"payoutAmount,omitempty"`
	PayoutTxHash  *string     `json:"payoutTxHash,omitempty"`
}

// MatchPlayer is one of the three seated combatants of a Match.
type MatchPlayer struct {
	MatchID       string  `json:"matchId"`
	UserID        string  `json:"userId"`
	Role          Role    `json:"role"`
	SpawnX        float64 `json:"spawnX"`
	SpawnY        float64 `json:"spawnY"`
	EliminatedAt  *time.Time `json:"eliminatedAt,omitempty"`
	EliminatedBy  string  `json:"eliminatedBy,omitempty"`
	FinalX        float64 `json:"finalX"`
	FinalY        float64 `json:"finalY"`
}

// MatchEvent is one row of the append-only per-match event log.
type MatchEvent struct {
	MatchID string    `json:"matchId"`
	Tick    int64     `json:"tick"`
	Type    string    `json:"type"`
	Payload []byte    `json:"payload"` // raw JSON
	At      time.Time `json:"at"`
}

// MatchState is the recovery-authoritative periodic snapshot of live match
// state. StateJSON's schema is versioned; a reader must reject a Version it
// does not recognize rather than guess at its layout.
type MatchState struct {
	MatchID   string      `json:"matchId"`
	Version   int         `json:"version"`
	Tick      int64       `json:"tick"`
	Status    MatchStatus `json:"status"`
	StateJSON []byte      `json:"stateJson"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// CurrentStateVersion and CompatibleStateVersions gate recovery: a
// MatchState row whose Version is absent from CompatibleStateVersions must
// be treated as unreadable and forces a void + refund on recovery.
const CurrentStateVersion = 1

var CompatibleStateVersions = []int{1}

// PayoutAttempt is one row of the settlement audit trail.
type PayoutAttempt struct {
	ID             string       `json:"id"`
	MatchID        string       `json:"matchId"`
	LobbyID        int          `json:"lobbyId"`
	Recipient      string       `json:"recipient"`
	Amount         int64        `json:"amount"`
	AttemptNumber  int          `json:"attemptNumber"`
	Status         PayoutStatus `json:"status"`
	SourceWallet   SourceWallet `json:"sourceWallet"`
	TxHash         string       `json:"txHash,omitempty"`
	Error          string       `json:"error,omitempty"`
	ErrorType      string       `json:"errorType,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// PlayerStats is the per-wallet running totals row, updated once per
// finished match in a single SQL statement so that streak math stays
// race-free under concurrent match completions.
type PlayerStats struct {
	Wallet            string    `json:"wallet"`
	TotalMatches      int64     `json:"totalMatches"`
	TotalWins         int64     `json:"totalWins"`
	TotalLosses       int64     `json:"totalLosses"`
	TotalEarnings     int64     `json:"totalEarnings"`
	TotalSpend        int64     `json:"totalSpend"`
	CurrentWinStreak  int64     `json:"currentWinStreak"`
	BestWinStreak     int64     `json:"bestWinStreak"`
	FirstMatchAt      time.Time `json:"firstMatchAt"`
	LastMatchAt       time.Time `json:"lastMatchAt"`
}

// PaidWallet tracks first/last/total payments for a wallet. The row is
// upserted for every seated wallet when a match finishes with a payout
// (store.RecordMatchResult); joins whose match is voided or refunded are
// not counted.
type PaidWallet struct {
	Wallet         string    `json:"wallet"`
	FirstPaymentAt time.Time `json:"firstPaymentAt"`
	TotalPayments  int64     `json:"totalPayments"`
	LastPaymentAt  time.Time `json:"lastPaymentAt"`
}
