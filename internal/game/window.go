package game

import (
	"sort"

	"geocoins.world/internal/geo"
)

// CacheView is what a presentation layer needs to draw one cache: the cell,
// its box on the map, and the current counters. Views are copies; the world
// keeps ownership of the live state.
type CacheView struct {
	Cell       geo.Cell
	Bounds     geo.Rect
	PointValue int
	Coins      int
}

// Changes reports one window reconciliation. Entered lists every cache whose
// cell came into view (materialize it); Left lists cells that dropped out of
// view (tear the presentation down, the cache state is retained). Both are
// sorted by cell.
type Changes struct {
	Origin  geo.Cell
	Entered []CacheView
	Left    []geo.Cell
}

// Empty reports whether the reconciliation changed nothing visible.
func (ch Changes) Empty() bool {
	return len(ch.Entered) == 0 && len(ch.Left) == 0
}

// windowCells lists the inclusive square of cells around origin.
func windowCells(origin geo.Cell, r int) []geo.Cell {
	out := make([]geo.Cell, 0, (2*r+1)*(2*r+1))
	for di := -r; di <= r; di++ {
		for dj := -r; dj <= r; dj++ {
			out = append(out, origin.Add(di, dj))
		}
	}
	return out
}

// recomputeWindow reconciles the active set against the player's current
// cell. Newly active cells get their one-time spawn decision; previously
// decided cells re-enter with their current state. Decisions are keyed by
// coordinate, so the scan order cannot change the outcome.
func (g *Game) recomputeWindow() Changes {
	origin := geo.CellAt(g.player.Pos, g.rules.CellSizeDeg)
	want := windowCells(origin, g.rules.WindowRadius)
	wantSet := make(map[geo.Cell]struct{}, len(want))
	for _, c := range want {
		wantSet[c] = struct{}{}
	}

	ch := Changes{Origin: origin}

	// Teardown first: anything active that is no longer wanted.
	for c := range g.active {
		if _, ok := wantSet[c]; !ok {
			ch.Left = append(ch.Left, c)
		}
	}
	for _, c := range ch.Left {
		delete(g.active, c)
	}
	sort.Slice(ch.Left, func(i, j int) bool { return geo.Less(ch.Left[i], ch.Left[j]) })

	// Materialize: every cache on a cell that just became active.
	for _, c := range want {
		if _, ok := g.active[c]; ok {
			continue
		}
		g.active[c] = struct{}{}
		if ca, ok := g.world.Decide(c); ok {
			ch.Entered = append(ch.Entered, g.viewOf(ca))
		}
	}
	sort.Slice(ch.Entered, func(i, j int) bool { return geo.Less(ch.Entered[i].Cell, ch.Entered[j].Cell) })

	return ch
}

func (g *Game) viewOf(ca *Cache) CacheView {
	return CacheView{
		Cell:       ca.Cell,
		Bounds:     g.world.Canonical(ca.Cell).Bounds,
		PointValue: ca.PointValue,
		Coins:      ca.Coins,
	}
}

// ActiveCaches lists every cache currently inside the window, sorted by
// cell. This is the full state a fresh client needs.
func (g *Game) ActiveCaches() []CacheView {
	out := make([]CacheView, 0, 16)
	for c := range g.active {
		if ca, ok := g.world.CacheAt(c); ok {
			out = append(out, g.viewOf(ca))
		}
	}
	sort.Slice(out, func(i, j int) bool { return geo.Less(out[i].Cell, out[j].Cell) })
	return out
}
