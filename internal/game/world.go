package game

import (
	"math"
	"sort"

	"geocoins.world/internal/geo"
	"geocoins.world/internal/rng"
)

// CellRef is the canonical handle for one grid cell. The world hands out at
// most one per coordinate for its whole lifetime, so callers may compare
// pointers to detect "same cell" and use the handle as a stable key.
type CellRef struct {
	Cell   geo.Cell
	Bounds geo.Rect
}

// Cache is the mutable economic state bound to one cell. PointValue is the
// remaining collectible value, Coins the number of coins deposited back.
// Both counters stay >= 0. A cache is created at most once per cell and never
// destroyed; only its presentation comes and goes with the window.
type Cache struct {
	Cell       geo.Cell
	PointValue int
	Coins      int
}

// TakePoint removes one point if any remain.
func (c *Cache) TakePoint() bool {
	if c == nil || c.PointValue <= 0 {
		return false
	}
	c.PointValue--
	return true
}

// AddCoin records one deposited coin.
func (c *Cache) AddCoin() {
	if c == nil {
		return
	}
	c.Coins++
}

// RollFunc produces the deterministic roll for a seed string, in [0,1).
type RollFunc func(seed string) float64

// World owns the canonical cell handles, the visited set, and every cache
// ever spawned. All state must be accessed only from the session goroutine.
type World struct {
	rules Rules
	roll  RollFunc

	cells   map[geo.Cell]*CellRef
	visited map[geo.Cell]struct{}
	caches  map[geo.Cell]*Cache
}

func NewWorld(rules Rules, roll RollFunc) *World {
	if roll == nil {
		roll = rng.Roll
	}
	return &World{
		rules:   rules.Normalized(),
		roll:    roll,
		cells:   map[geo.Cell]*CellRef{},
		visited: map[geo.Cell]struct{}{},
		caches:  map[geo.Cell]*Cache{},
	}
}

// Canonical returns the shared handle for c, creating it on first request.
func (w *World) Canonical(c geo.Cell) *CellRef {
	if ref, ok := w.cells[c]; ok {
		return ref
	}
	ref := &CellRef{Cell: c, Bounds: geo.Bounds(c, w.rules.CellSizeDeg)}
	w.cells[c] = ref
	return ref
}

// Decide runs the one-time spawn decision for c. The first call marks the
// cell visited and rolls; every later call returns the recorded outcome
// without touching the dice again.
func (w *World) Decide(c geo.Cell) (*Cache, bool) {
	if _, seen := w.visited[c]; seen {
		ca, ok := w.caches[c]
		return ca, ok
	}
	w.visited[c] = struct{}{}

	if w.roll(rng.CellSeed(c.I, c.J)) < w.rules.SpawnProbability {
		ca := &Cache{
			Cell:       c,
			PointValue: int(math.Floor(w.roll(rng.CellTagSeed(c.I, c.J, "initialValue")) * float64(w.rules.ValueScale))),
		}
		w.caches[c] = ca
		return ca, true
	}
	return nil, false
}

// CacheAt returns the cache at c, if one has been decided into existence.
func (w *World) CacheAt(c geo.Cell) (*Cache, bool) {
	ca, ok := w.caches[c]
	return ca, ok
}

// Visited reports whether the spawn decision for c has been made.
func (w *World) Visited(c geo.Cell) bool {
	_, ok := w.visited[c]
	return ok
}

// Caches lists every spawned cache sorted by cell, for deterministic export.
func (w *World) Caches() []*Cache {
	out := make([]*Cache, 0, len(w.caches))
	for _, ca := range w.caches {
		out = append(out, ca)
	}
	sort.Slice(out, func(i, j int) bool { return geo.Less(out[i].Cell, out[j].Cell) })
	return out
}

// VisitedCells lists the visited set sorted by cell.
func (w *World) VisitedCells() []geo.Cell {
	out := make([]geo.Cell, 0, len(w.visited))
	for c := range w.visited {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return geo.Less(out[i], out[j]) })
	return out
}

func (w *World) CacheCount() int   { return len(w.caches) }
func (w *World) VisitedCount() int { return len(w.visited) }

// MarkVisited records a decision imported from a save, without rolling.
func (w *World) MarkVisited(c geo.Cell) {
	w.visited[c] = struct{}{}
}

// RestoreCache reinstates a cache imported from a save with its persisted
// counters. The cell is implicitly marked visited.
func (w *World) RestoreCache(c geo.Cell, pointValue, coins int) *Cache {
	if pointValue < 0 {
		pointValue = 0
	}
	if coins < 0 {
		coins = 0
	}
	ca := &Cache{Cell: c, PointValue: pointValue, Coins: coins}
	w.caches[c] = ca
	w.visited[c] = struct{}{}
	return ca
}
