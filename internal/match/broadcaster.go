package match

// Broadcaster is the small outward-facing interface Match uses to deliver
// protocol frames to connected clients, implemented by internal/gateway.
// Match never imports gateway directly — the gateway imports match to feed
// INPUT/connect/disconnect events in, and match reaches back out only
// through this interface, per spec.md §9's "match state exclusively owned
// by the match task; the gateway only holds a handle to send into that
// task" design note.
type Broadcaster interface {
	// SendTo delivers msgType/payload to one user id's active connection,
	// if any. Silently a no-op if the user has no live connection. Match
	// fans a message out to every seat itself (it is the only party that
	// knows which users belong to a given match) by calling SendTo once
	// per seat — there is no broadcast-all mode here.
	SendTo(userID string, msgType string, payload any)

	// IsConnected reports whether userID currently has a live WebSocket
	// connection, used when a match starts to seed each seat's connected
	// flag; seats still disconnected at countdown's end are eliminated.
	IsConnected(userID string) bool
}
