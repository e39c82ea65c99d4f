// Package observerproto defines the read-only spectator surface: the JSON
// bootstrap document and the SUBSCRIBE message that opens a stream. The
// stream itself carries ordinary game frames (WELCOME, PATCH, NOTICE), so a
// spectator renders with the same decoder as a player.
package observerproto

// Version of the observer surface, separate from the game WS protocol.
const Version = "1.0"

// Client -> Server. First message on the observer WS connection. Can be
// re-sent to switch the watched session.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Session         string `json:"session,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string   `json:"protocol_version"`
	DefaultSession  string   `json:"default_session"`
	Sessions        []string `json:"sessions"`
}
