// Package engine defines the narrow interface Lobby and Match depend on
// instead of depending on each other directly. Lobby needs to ask for a
// match to start; Match needs to ask for a lobby refund and needs the
// lobby's async lock for the handoff — without this interface the two
// packages would import each other (spec.md §9's dependency-inversion
// note). Physics, Protocol, Store and Chain stay leaf packages with no
// upward reference to either.
package engine

import "context"

// Engine is implemented by the process that owns both the lobby manager
// and the match manager (wired together in cmd/engine/main.go).
type Engine interface {
	// StartMatch is invoked once a lobby reaches its third active player.
	// It performs the pre-start balance check, creates the Match row and
	// in-memory match, and begins the tick scheduler. A non-nil error
	// means the match never started; the caller must void/refund the
	// lobby.
	StartMatch(ctx context.Context, lobbyID int) error

	// VoidMatch marks an in-flight match void (e.g. INSUFFICIENT_LOBBY_BALANCE,
	// crash recovery with unreadable state) and triggers a lobby refund.
	VoidMatch(ctx context.Context, matchID string, reason string) error

	// LobbyLock acquires the per-lobby async lock for the duration of the
	// returned release function. Callers must always call the release
	// function, typically via defer.
	LobbyLock(ctx context.Context, lobbyID int) (release func(), err error)

	// ProcessLobbyRefund refunds every non-refunded player in a lobby from
	// the lobby wallet and resets the lobby to empty. reason is recorded
	// on every LobbyPlayer row touched.
	ProcessLobbyRefund(ctx context.Context, lobbyID int, reason string) error
}
