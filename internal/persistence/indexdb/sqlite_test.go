package indexdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"geocoins.world/internal/game"
)

func TestSQLiteJournal_RecordAction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	j, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	j.RecordAction(game.ActionRecord{
		Slot: "default", Seq: 3, Kind: "MOVE_TO",
		Lat: 36.9895, Lng: -122.0628, OK: true, Coins: 1, Entered: 2, Left: 1,
	})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var (
		slot    string
		seq     int64
		kind    string
		ok      int
		entered int
		evicted int
	)
	row := db.QueryRow(`SELECT slot,seq,kind,ok,entered,evicted FROM actions WHERE slot='default'`)
	if err := row.Scan(&slot, &seq, &kind, &ok, &entered, &evicted); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if slot != "default" || seq != 3 || kind != "MOVE_TO" || ok != 1 || entered != 2 || evicted != 1 {
		t.Fatalf("row mismatch: slot=%q seq=%d kind=%q ok=%d entered=%d evicted=%d", slot, seq, kind, ok, entered, evicted)
	}
}

func TestSQLiteJournal_RecordSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	j, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	j.RecordSave(game.SaveRecord{Slot: "default", Seq: 7, Bytes: 512})
	j.RecordSave(game.SaveRecord{Slot: "default", Seq: 8, Bytes: 600})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	hist, err := j2.SaveHistory("default", 10)
	if err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(hist))
	}
	if hist[0].Seq != 8 || hist[0].Bytes != 600 {
		t.Fatalf("newest row mismatch: %+v", hist[0])
	}
	if hist[0].At == "" {
		t.Fatalf("expected At to be stamped")
	}
}

func TestSQLiteJournal_RecentActionsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	j, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	for i := 1; i <= 5; i++ {
		j.RecordAction(game.ActionRecord{Slot: "default", Seq: uint64(i), Kind: "MOVE_BY", OK: true})
	}
	j.RecordAction(game.ActionRecord{Slot: "other", Seq: 1, Kind: "COLLECT", OK: false})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	acts, err := j2.RecentActions("default", 3)
	if err != nil {
		t.Fatalf("RecentActions: %v", err)
	}
	if len(acts) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(acts))
	}
	if acts[0].Seq != 5 || acts[2].Seq != 3 {
		t.Fatalf("expected newest first, got seqs %d,%d,%d", acts[0].Seq, acts[1].Seq, acts[2].Seq)
	}

	n, err := j2.ActionCount("default")
	if err != nil {
		t.Fatalf("ActionCount: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 actions for slot, got %d", n)
	}
}

func TestSQLiteJournal_DropWhenFull(t *testing.T) {
	j := &SQLiteJournal{ch: make(chan req, 1)}
	j.ch <- req{kind: reqAction}

	j.RecordAction(game.ActionRecord{Slot: "default", Seq: 1, Kind: "MOVE_TO"})
	if got := j.Dropped(); got != 1 {
		t.Fatalf("Dropped=%d want=1", got)
	}
}
