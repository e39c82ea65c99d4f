// Package game implements the deterministic cache world: grid generation,
// window reconciliation, the player economy, and write-through persistence
// of all of it.
package game

import (
	"fmt"

	"geocoins.world/internal/geo"
	"geocoins.world/internal/persistence/save"
)

// Saver persists encoded save blobs. Put must not return before the blob is
// durable: the game treats a completed call as the commit point for the
// mutation that triggered it.
type Saver interface {
	Put(slot string, blob []byte) error
	Delete(slot string) error
}

// Game bundles the rules, the cache world, the player and the active window
// into the one state object every operation runs against. All methods must be
// called from the owning session goroutine. Every mutating operation runs to
// completion and persists the full state before returning.
type Game struct {
	rules  Rules
	world  *World
	player *Player
	active map[geo.Cell]struct{}

	slot  string
	saver Saver
	seq   uint64

	// Optional save journal (may be nil). Implemented in internal/persistence/*.
	journal SaveJournal
}

// New builds a fresh game in its default state. The window is empty until
// RebuildWindow or the first movement.
func New(rules Rules, slot string, saver Saver, roll RollFunc) *Game {
	rules = rules.Normalized()
	return &Game{
		rules:  rules,
		world:  NewWorld(rules, roll),
		player: NewPlayer(rules.Origin),
		active: map[geo.Cell]struct{}{},
		slot:   slot,
		saver:  saver,
	}
}

func (g *Game) Rules() Rules  { return g.rules }
func (g *Game) World() *World { return g.world }
func (g *Game) Slot() string  { return g.slot }

func (g *Game) SetSaveJournal(j SaveJournal) { g.journal = j }

// Seq counts committed mutations since the game was created or restored.
func (g *Game) Seq() uint64 { return g.seq }

// OriginCell is the cell under the player right now.
func (g *Game) OriginCell() geo.Cell {
	return geo.CellAt(g.player.Pos, g.rules.CellSizeDeg)
}

// PlayerView is the player state as reported to clients.
type PlayerView struct {
	Pos     geo.LatLng `json:"pos"`
	Coins   int        `json:"coins"`
	PathLen int        `json:"path_len"`
}

func (g *Game) PlayerView() PlayerView {
	return PlayerView{Pos: g.player.Pos, Coins: g.player.Coins, PathLen: len(g.player.Path)}
}

// Trail returns up to max most recent positions, oldest first. max <= 0
// returns the whole trail.
func (g *Game) Trail(max int) []geo.LatLng {
	path := g.player.Path
	if max > 0 && len(path) > max {
		path = path[len(path)-max:]
	}
	out := make([]geo.LatLng, len(path))
	copy(out, path)
	return out
}

// ViewAt returns the current view of the cache at c.
func (g *Game) ViewAt(c geo.Cell) (CacheView, bool) {
	ca, ok := g.world.CacheAt(c)
	if !ok {
		return CacheView{}, false
	}
	return g.viewOf(ca), true
}

// MoveTo handles a position update from any source; manual controls and live
// fixes are treated identically. Invalid positions are ignored without
// touching state. Valid ones extend the trail, reconcile the window and
// commit.
func (g *Game) MoveTo(p geo.LatLng) (Changes, error) {
	if !geo.Valid(p) {
		return Changes{Origin: g.OriginCell()}, nil
	}
	g.player.moveTo(p)
	ch := g.recomputeWindow()
	return ch, g.save()
}

// MoveBy nudges the player by a lat/lng delta.
func (g *Game) MoveBy(dLat, dLng float64) (Changes, error) {
	return g.MoveTo(geo.LatLng{Lat: g.player.Pos.Lat + dLat, Lng: g.player.Pos.Lng + dLng})
}

// Collect moves one point from the cache at c into the player's inventory.
// Unknown cells and empty caches are a no-op reporting false.
func (g *Game) Collect(c geo.Cell) (bool, error) {
	ca, ok := g.world.CacheAt(c)
	if !ok || !ca.TakePoint() {
		return false, nil
	}
	g.player.Coins++
	return true, g.save()
}

// Deposit moves one coin from the player's inventory into the cache at c.
// Unknown cells and an empty inventory are a no-op reporting false.
func (g *Game) Deposit(c geo.Cell) (bool, error) {
	ca, ok := g.world.CacheAt(c)
	if !ok || g.player.Coins <= 0 {
		return false, nil
	}
	g.player.Coins--
	ca.AddCoin()
	return true, g.save()
}

// Reset discards all state and the persisted blob: fresh world, player at
// the origin with nothing, and the window rebuilt around the origin.
func (g *Game) Reset() (Changes, error) {
	g.world = NewWorld(g.rules, g.world.roll)
	g.player = NewPlayer(g.rules.Origin)
	g.active = map[geo.Cell]struct{}{}
	g.seq = 0
	ch := g.recomputeWindow()
	if g.saver == nil {
		return ch, nil
	}
	if err := g.saver.Delete(g.slot); err != nil {
		return ch, fmt.Errorf("clear save %q: %w", g.slot, err)
	}
	return ch, nil
}

// RebuildWindow recomputes the active set without persisting. Used after a
// restore: any decision it makes would be reproduced identically by the next
// load, so deferring the write loses nothing.
func (g *Game) RebuildWindow() Changes {
	return g.recomputeWindow()
}

func (g *Game) save() error {
	g.seq++
	return g.persist()
}

// Checkpoint persists the current state without recording a new mutation.
// Used for final saves on shutdown and by the admin surface.
func (g *Game) Checkpoint() error {
	return g.persist()
}

func (g *Game) persist() error {
	if g.saver == nil {
		return nil
	}
	blob, err := save.Encode(g.ExportSave())
	if err != nil {
		return fmt.Errorf("encode save: %w", err)
	}
	if err := g.saver.Put(g.slot, blob); err != nil {
		return fmt.Errorf("write save %q: %w", g.slot, err)
	}
	if g.journal != nil {
		g.journal.RecordSave(SaveRecord{Slot: g.slot, Seq: g.seq, Bytes: len(blob)})
	}
	return nil
}

// ExportSave captures the full game state as a versioned save record.
// Visited cells and caches are sorted, so equal states export equal records.
func (g *Game) ExportSave() *save.SaveV1 {
	s := &save.SaveV1{
		Header: save.Header{Version: save.Version, Slot: g.slot, Seq: g.seq},
		Player: save.PlayerV1{
			Lat:   g.player.Pos.Lat,
			Lng:   g.player.Pos.Lng,
			Coins: g.player.Coins,
			Path:  make([][2]float64, 0, len(g.player.Path)),
		},
	}
	for _, p := range g.player.Path {
		s.Player.Path = append(s.Player.Path, [2]float64{p.Lat, p.Lng})
	}
	for _, c := range g.world.VisitedCells() {
		s.Visited = append(s.Visited, [2]int{c.I, c.J})
	}
	for _, ca := range g.world.Caches() {
		s.Caches = append(s.Caches, save.CacheV1{I: ca.Cell.I, J: ca.Cell.J, PointValue: ca.PointValue, Coins: ca.Coins})
	}
	return s
}

// RestoreSave replaces the game state with the contents of s. The active
// window starts empty; RebuildWindow materializes it at the restored
// position.
func (g *Game) RestoreSave(s *save.SaveV1) {
	g.world = NewWorld(g.rules, g.world.roll)
	g.active = map[geo.Cell]struct{}{}
	g.seq = s.Header.Seq

	p := &Player{
		Pos:   geo.LatLng{Lat: s.Player.Lat, Lng: s.Player.Lng},
		Coins: s.Player.Coins,
	}
	if len(s.Player.Path) > 0 {
		p.Path = make([]geo.LatLng, 0, len(s.Player.Path))
		for _, q := range s.Player.Path {
			p.Path = append(p.Path, geo.LatLng{Lat: q[0], Lng: q[1]})
		}
	}
	p.initDefaults()
	g.player = p

	for _, v := range s.Visited {
		g.world.MarkVisited(geo.Cell{I: v[0], J: v[1]})
	}
	for _, ca := range s.Caches {
		g.world.RestoreCache(geo.Cell{I: ca.I, J: ca.J}, ca.PointValue, ca.Coins)
	}
}
