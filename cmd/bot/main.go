package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"geocoins.world/internal/geo"
	"geocoins.world/internal/protocol"
)

// model is the bot's picture of the world, maintained by the reader
// goroutine from WELCOME and PATCH frames.
type model struct {
	mu     sync.Mutex
	rules  protocol.RulesInfo
	player protocol.PlayerState
	caches map[geo.Cell]protocol.CacheState
	ready  bool
}

func (m *model) applyWelcome(w protocol.WelcomeMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = w.Rules
	m.player = w.Player
	m.caches = map[geo.Cell]protocol.CacheState{}
	for _, c := range w.Caches {
		m.caches[c.Cell] = c
	}
	m.ready = true
}

func (m *model) applyPatch(p protocol.PatchMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.caches == nil {
		return
	}
	m.player = p.Player
	for _, cell := range p.Left {
		delete(m.caches, cell)
	}
	for _, c := range p.Entered {
		m.caches[c.Cell] = c
	}
}

func (m *model) snapshot() (protocol.RulesInfo, protocol.PlayerState, []protocol.CacheState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	caches := make([]protocol.CacheState, 0, len(m.caches))
	for _, c := range m.caches {
		caches = append(caches, c)
	}
	return m.rules, m.player, caches, m.ready
}

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/ws", "ws url")
		session  = flag.String("session", "", "session id (server default when empty)")
		name     = flag.String("name", "bot", "client name")
		interval = flag.Duration("interval", 500*time.Millisecond, "time between actions")
		steps    = flag.Int("steps", 0, "stop after this many actions (0 = run until interrupted)")
		seed     = flag.Int64("seed", 0, "walk seed (0 = time-based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(*seed))
	logger.Printf("seed=%d", *seed)

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Session:         *session,
		Name:            *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	var world model
	done := make(chan struct{})
	go readLoop(conn, logger, &world, done)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var seq uint64
	sent := 0
	for {
		select {
		case <-stop:
			logger.Printf("interrupted after %d actions", sent)
			return
		case <-done:
			logger.Printf("connection closed after %d actions", sent)
			return
		case <-ticker.C:
		}

		rules, player, caches, ready := world.snapshot()
		if !ready {
			continue
		}
		seq++
		act := nextAct(r, rules, player, caches)
		act.Type = protocol.TypeAct
		act.ProtocolVersion = protocol.Version
		act.Seq = seq
		if err := conn.WriteJSON(act); err != nil {
			logger.Printf("write: %v", err)
			return
		}
		sent++
		if *steps > 0 && sent >= *steps {
			logger.Printf("done after %d actions", sent)
			return
		}
	}
}

// nextAct picks the bot's move: collect what it sees, bank what it holds,
// otherwise wander. Caches are sorted so a fixed seed replays the same walk.
func nextAct(r *rand.Rand, rules protocol.RulesInfo, player protocol.PlayerState, caches []protocol.CacheState) protocol.ActMsg {
	sort.Slice(caches, func(i, j int) bool { return geo.Less(caches[i].Cell, caches[j].Cell) })

	if player.Coins > 0 && len(caches) > 0 {
		c := caches[0]
		return protocol.ActMsg{Kind: protocol.KindDeposit, I: c.Cell.I, J: c.Cell.J}
	}
	for _, c := range caches {
		if c.PointValue > 0 {
			return protocol.ActMsg{Kind: protocol.KindCollect, I: c.Cell.I, J: c.Cell.J}
		}
	}

	// Nothing worth touching here; wander.
	size := rules.CellSizeDeg
	switch n := r.Intn(20); {
	case n == 0:
		// Simulate a GPS dropout.
		return protocol.ActMsg{Kind: protocol.KindPosLost, Reason: "signal lost"}
	case n == 1:
		// Jump a few cells out.
		return protocol.ActMsg{
			Kind: protocol.KindMoveTo,
			Lat:  player.Pos.Lat + float64(r.Intn(11)-5)*size,
			Lng:  player.Pos.Lng + float64(r.Intn(11)-5)*size,
		}
	default:
		return protocol.ActMsg{
			Kind: protocol.KindMoveBy,
			DLat: float64(r.Intn(3)-1) * size,
			DLng: float64(r.Intn(3)-1) * size,
		}
	}
}

func readLoop(conn *websocket.Conn, logger *log.Logger, world *model, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			world.applyWelcome(w)
			logger.Printf("WELCOME session=%s caches=%d coins=%d resume=%s", w.Session, len(w.Caches), w.Player.Coins, w.ResumeToken)

		case protocol.TypePatch:
			var p protocol.PatchMsg
			if err := json.Unmarshal(msg, &p); err != nil {
				continue
			}
			world.applyPatch(p)

		case protocol.TypeAck:
			var a protocol.AckMsg
			if err := json.Unmarshal(msg, &a); err != nil {
				continue
			}
			if !a.OK {
				logger.Printf("ACK seq=%d rejected code=%s msg=%s", a.Seq, a.Code, a.Message)
			}

		case protocol.TypeNotice:
			var n protocol.NoticeMsg
			if err := json.Unmarshal(msg, &n); err != nil {
				continue
			}
			logger.Printf("NOTICE %s: %s", n.Level, n.Text)

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logger.Printf("ERROR %s: %s", e.Code, e.Text)
			return
		}
	}
}
