package game

import "geocoins.world/internal/geo"

// Default drop-in location when no origin is configured.
const (
	DefaultOriginLat = 36.98949379578401
	DefaultOriginLng = -122.06277128548504
)

// Rules are the fixed generation and window parameters for one game. They are
// part of the world's identity: changing CellSizeDeg or SpawnProbability under
// an existing save produces a different world.
type Rules struct {
	// CellSizeDeg is the grid tile width in degrees.
	CellSizeDeg float64

	// SpawnProbability is the chance a freshly decided cell holds a cache.
	SpawnProbability float64

	// ValueScale scales the initial-value roll; a cache starts with
	// floor(roll * ValueScale) points.
	ValueScale int

	// WindowRadius is the visibility half-width: the active window is the
	// (2r+1) x (2r+1) square of cells around the player.
	WindowRadius int

	// Origin is where a fresh player starts.
	Origin geo.LatLng
}

func (r *Rules) applyDefaults() {
	if r.CellSizeDeg <= 0 {
		r.CellSizeDeg = 1e-4
	}
	if r.SpawnProbability <= 0 {
		r.SpawnProbability = 0.10
	}
	if r.ValueScale <= 0 {
		r.ValueScale = 100
	}
	if r.WindowRadius <= 0 {
		r.WindowRadius = 8
	}
	if r.Origin == (geo.LatLng{}) {
		r.Origin = geo.LatLng{Lat: DefaultOriginLat, Lng: DefaultOriginLng}
	}
}

// Normalized returns a copy with defaults applied.
func (r Rules) Normalized() Rules {
	r.applyDefaults()
	return r
}
