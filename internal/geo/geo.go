// Package geo maps continuous latitude/longitude positions onto the discrete
// cell grid the game world is built on.
package geo

import (
	"fmt"
	"math"
)

// LatLng is a position in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Cell is a discrete grid coordinate. Cell (i, j) covers the half-open box
// [i*size, (i+1)*size) x [j*size, (j+1)*size) in degrees, so every position
// belongs to exactly one cell.
type Cell struct {
	I int `json:"i"`
	J int `json:"j"`
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.I, c.J)
}

// Add returns the cell offset by (di, dj).
func (c Cell) Add(di, dj int) Cell {
	return Cell{I: c.I + di, J: c.J + dj}
}

// Less orders cells by (I, J). Used wherever map iteration must be made
// deterministic before export.
func Less(a, b Cell) bool {
	if a.I != b.I {
		return a.I < b.I
	}
	return a.J < b.J
}

// Rect is an axis-aligned box, south-west to north-east corner.
type Rect struct {
	SW LatLng `json:"sw"`
	NE LatLng `json:"ne"`
}

// CellAt returns the cell containing p. Floor keeps the half-open covering
// exact for negative coordinates too.
func CellAt(p LatLng, size float64) Cell {
	return Cell{
		I: int(math.Floor(p.Lat / size)),
		J: int(math.Floor(p.Lng / size)),
	}
}

// Bounds returns the box covered by c.
func Bounds(c Cell, size float64) Rect {
	return Rect{
		SW: LatLng{Lat: float64(c.I) * size, Lng: float64(c.J) * size},
		NE: LatLng{Lat: float64(c.I+1) * size, Lng: float64(c.J+1) * size},
	}
}

// Center returns the midpoint of r.
func Center(r Rect) LatLng {
	return LatLng{
		Lat: (r.SW.Lat + r.NE.Lat) / 2,
		Lng: (r.SW.Lng + r.NE.Lng) / 2,
	}
}

// Valid reports whether p is a real position: finite and inside the
// latitude/longitude domain.
func Valid(p LatLng) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
