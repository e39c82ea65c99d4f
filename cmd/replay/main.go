// Command replay verifies a save against the deterministic generator: it
// rebuilds a fresh world under the configured rules, walks the save's own
// trail, and checks that generation lands on the same visited cells and
// cache spawns. Catches config drift and corrupted saves before they bite
// a running server.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"geocoins.world/internal/config"
	"geocoins.world/internal/game"
	"geocoins.world/internal/geo"
	"geocoins.world/internal/persistence/save"
	"geocoins.world/internal/persistence/store"
)

func main() {
	var (
		dataDir    = flag.String("data", "./data", "runtime data directory")
		configPath = flag.String("config", "./configs/game.yaml", "config file path")
		session    = flag.String("session", "default", "session id")
		inPath     = flag.String("in", "", "verify an exported .save file instead of the store")
		logsDir    = flag.String("logs", "", "also scan actions-*.jsonl.zst logs in this dir (informational)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	rules := cfg.Rules()

	blob, err := loadBlob(*dataDir, *session, *inPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load save:", err)
		os.Exit(1)
	}
	sv, err := save.Decode(blob)
	if err != nil {
		fmt.Fprintln(os.Stderr, "decode save:", err)
		os.Exit(1)
	}

	fmt.Printf("save v%d slot=%s seq=%d coins=%d trail=%d visited=%d caches=%d\n",
		sv.Header.Version, sv.Header.Slot, sv.Header.Seq, sv.Player.Coins,
		len(sv.Player.Path), len(sv.Visited), len(sv.Caches))

	if err := verify(rules, sv); err != nil {
		fmt.Fprintln(os.Stderr, "verify:", err)
		os.Exit(1)
	}

	if *logsDir != "" {
		if err := scanActionLogs(*logsDir, sv.Header.Slot); err != nil {
			fmt.Fprintln(os.Stderr, "scan logs:", err)
			os.Exit(1)
		}
	}

	fmt.Printf("replay ok: trail=%d visited=%d caches=%d\n", len(sv.Player.Path), len(sv.Visited), len(sv.Caches))
}

func loadBlob(dataDir, session, inPath string) ([]byte, error) {
	if inPath != "" {
		return os.ReadFile(inPath)
	}
	st, err := store.Open(filepath.Join(dataDir, "saves.db"))
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.Get(session)
}

// verify replays the trail through a fresh game and compares what generation
// decides against what the save recorded.
func verify(rules game.Rules, sv *save.SaveV1) error {
	rules = rules.Normalized()
	if len(sv.Player.Path) == 0 {
		return fmt.Errorf("save has an empty trail")
	}
	start := geo.LatLng{Lat: sv.Player.Path[0][0], Lng: sv.Player.Path[0][1]}
	if start != rules.Origin {
		return fmt.Errorf("trail starts at %v but the configured origin is %v; the save was made under different rules",
			start, rules.Origin)
	}

	g := game.New(rules, sv.Header.Slot, nil, nil)
	g.RebuildWindow()
	for _, q := range sv.Player.Path[1:] {
		if _, err := g.MoveTo(geo.LatLng{Lat: q[0], Lng: q[1]}); err != nil {
			return fmt.Errorf("replay move: %w", err)
		}
	}

	if got := g.PlayerView().Pos; got != (geo.LatLng{Lat: sv.Player.Lat, Lng: sv.Player.Lng}) {
		return fmt.Errorf("final position %v does not match the save %v", got, geo.LatLng{Lat: sv.Player.Lat, Lng: sv.Player.Lng})
	}

	if err := compareCells("visited", cellsOf(g.World().VisitedCells()), sv.Visited); err != nil {
		return err
	}

	fresh := g.World().Caches()
	freshCells := make([][2]int, 0, len(fresh))
	for _, ca := range fresh {
		freshCells = append(freshCells, [2]int{ca.Cell.I, ca.Cell.J})
	}
	saveCells := make([][2]int, 0, len(sv.Caches))
	for _, ca := range sv.Caches {
		saveCells = append(saveCells, [2]int{ca.I, ca.J})
	}
	if err := compareCells("cache", freshCells, saveCells); err != nil {
		return err
	}

	// Points only ever leave a cache through a collect, and every collected
	// coin is either still held or deposited somewhere. The books must
	// balance exactly.
	freshPoints := 0
	for _, ca := range fresh {
		freshPoints += ca.PointValue
	}
	savePoints, saveCoins := 0, 0
	touched := 0
	byCell := map[[2]int]int{}
	for i, ca := range fresh {
		byCell[freshCells[i]] = ca.PointValue
	}
	for _, ca := range sv.Caches {
		savePoints += ca.PointValue
		saveCoins += ca.Coins
		initial := byCell[[2]int{ca.I, ca.J}]
		if ca.PointValue > initial {
			return fmt.Errorf("cache (%d,%d) holds %d points but spawned with %d", ca.I, ca.J, ca.PointValue, initial)
		}
		if ca.PointValue != initial || ca.Coins != 0 {
			touched++
		}
	}
	if freshPoints != savePoints+sv.Player.Coins+saveCoins {
		return fmt.Errorf("economy out of balance: spawned %d points, save accounts for %d (%d in caches, %d held, %d deposited)",
			freshPoints, savePoints+sv.Player.Coins+saveCoins, savePoints, sv.Player.Coins, saveCoins)
	}

	fmt.Printf("generation matches: %d caches (%d touched), %d points spawned\n", len(fresh), touched, freshPoints)
	return nil
}

func cellsOf(cells []geo.Cell) [][2]int {
	out := make([][2]int, 0, len(cells))
	for _, c := range cells {
		out = append(out, [2]int{c.I, c.J})
	}
	return out
}

func compareCells(what string, got, want [][2]int) error {
	sortCells(got)
	sortCells(want)
	if len(got) != len(want) {
		return fmt.Errorf("%s set size mismatch: replay=%d save=%d", what, len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("%s set diverges at (%d,%d) vs (%d,%d)", what, got[i][0], got[i][1], want[i][0], want[i][1])
		}
	}
	return nil
}

func sortCells(cells [][2]int) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i][0] != cells[j][0] {
			return cells[i][0] < cells[j][0]
		}
		return cells[i][1] < cells[j][1]
	})
}

// scanActionLogs tallies the journaled actions for slot. The journal is a
// lossy index, so the counts are reported rather than enforced.
func scanActionLogs(dir, slot string) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "actions-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var total, accepted, resets int
	for _, name := range names {
		if err := scanOneLog(filepath.Join(dir, name), slot, &total, &accepted, &resets); err != nil {
			return err
		}
	}
	fmt.Printf("journal: files=%d actions=%d accepted=%d resets=%d\n", len(names), total, accepted, resets)
	return nil
}

func scanOneLog(path, slot string, total, accepted, resets *int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var e game.ActionRecord
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if e.Slot != slot {
			continue
		}
		*total++
		if e.OK {
			*accepted++
		}
		if e.Kind == "RESET" {
			*resets++
		}
	}
	return sc.Err()
}
