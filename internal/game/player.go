package game

import "geocoins.world/internal/geo"

// Player is the session's avatar: where it is, everywhere it has been, and
// the coins it carries outside any cache.
type Player struct {
	Pos   geo.LatLng
	Path  []geo.LatLng
	Coins int
}

func NewPlayer(origin geo.LatLng) *Player {
	return &Player{
		Pos:  origin,
		Path: []geo.LatLng{origin},
	}
}

func (p *Player) initDefaults() {
	if len(p.Path) == 0 {
		p.Path = []geo.LatLng{p.Pos}
	}
	if p.Coins < 0 {
		p.Coins = 0
	}
}

// moveTo advances the player and extends the trail.
func (p *Player) moveTo(dst geo.LatLng) {
	p.Pos = dst
	p.Path = append(p.Path, dst)
}
