package protocol

import "geocoins.world/internal/geo"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Session         string `json:"session,omitempty"`
	Resume          string `json:"resume,omitempty"`
	Name            string `json:"name,omitempty"`
}

// WELCOME (server -> client): the full state of the visible window, enough
// for a client to draw without replaying history.
type WelcomeMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Session         string       `json:"session"`
	ResumeToken     string       `json:"resume_token"`
	Rules           RulesInfo    `json:"rules"`
	Origin          geo.Cell     `json:"origin"`
	Player          PlayerState  `json:"player"`
	Caches          []CacheState `json:"caches"`
}

// RulesInfo mirrors the world parameters a client needs to interpret cells.
type RulesInfo struct {
	CellSizeDeg      float64    `json:"cell_size_deg"`
	WindowRadius     int        `json:"window_radius"`
	SpawnProbability float64    `json:"spawn_probability"`
	ValueScale       int        `json:"value_scale"`
	Origin           geo.LatLng `json:"origin"`
}

type PlayerState struct {
	Pos   geo.LatLng `json:"pos"`
	Coins int        `json:"coins"`
}

type CacheState struct {
	Cell       geo.Cell `json:"cell"`
	Bounds     geo.Rect `json:"bounds"`
	PointValue int      `json:"point_value"`
	Coins      int      `json:"coins"`
}

// ACT (client -> server). Kind selects which of the optional fields apply:
// MOVE_TO uses lat/lng, MOVE_BY uses d_lat/d_lng, COLLECT and DEPOSIT use
// i/j, POS_LOST uses reason. Seq is chosen by the client and echoed in the
// ACK so requests can be correlated.
type ActMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Seq             uint64  `json:"seq"`
	Kind            string  `json:"kind"`
	Lat             float64 `json:"lat,omitempty"`
	Lng             float64 `json:"lng,omitempty"`
	DLat            float64 `json:"d_lat,omitempty"`
	DLng            float64 `json:"d_lng,omitempty"`
	I               int     `json:"i,omitempty"`
	J               int     `json:"j,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

// PATCH (server -> client): the change set of one accepted action. Seq is
// the game's save sequence after the action, so clients can order patches
// and detect gaps after a resume. Entered and left are sorted by cell.
type PatchMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Seq             uint64       `json:"seq"`
	Origin          geo.Cell     `json:"origin"`
	Entered         []CacheState `json:"entered,omitempty"`
	Left            []geo.Cell   `json:"left,omitempty"`
	Player          PlayerState  `json:"player"`
}

// ACK (server -> client): verdict on one ACT. Rejected actions carry a code
// from errors.go; the game state is untouched.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// NOTICE (server -> client): user-visible advisory, no state attached.
type NoticeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Level           string `json:"level"`
	Text            string `json:"text"`
}

// ERROR (server -> client): terminal protocol failure; the server closes
// the connection after sending one.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Text            string `json:"text,omitempty"`
}
