// Package indexdb mirrors handled actions and committed saves into a sqlite
// database for offline querying. It is a secondary index: entries are
// enqueued without blocking the game loop and dropped if the writer falls
// behind. The save store remains the source of truth.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"geocoins.world/internal/game"
)

type SQLiteJournal struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqAction reqKind = iota + 1
	reqSave
)

type req struct {
	kind reqKind

	action game.ActionRecord
	save   game.SaveRecord
}

func OpenSQLite(path string) (*SQLiteJournal, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	j := &SQLiteJournal{
		db: db,
		// Bursty bot traffic can outrun the writer briefly.
		ch: make(chan req, 65536),
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.loop()
	}()
	return j, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS actions (
			slot TEXT NOT NULL,
			seq INTEGER NOT NULL,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			lat REAL NOT NULL,
			lng REAL NOT NULL,
			ok INTEGER NOT NULL,
			coins INTEGER NOT NULL,
			entered INTEGER NOT NULL,
			evicted INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_slot_at ON actions(slot, at);`,
		`CREATE TABLE IF NOT EXISTS saves (
			slot TEXT NOT NULL,
			seq INTEGER NOT NULL,
			at TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			PRIMARY KEY (slot, seq)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (j *SQLiteJournal) Close() error {
	var err error
	j.once.Do(func() {
		j.closed.Store(true)
		close(j.ch)
		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}

// RecordAction enqueues one action row. Never blocks; drops if the writer
// has fallen behind.
func (j *SQLiteJournal) RecordAction(e game.ActionRecord) {
	if j == nil || j.closed.Load() {
		return
	}
	if e.At == "" {
		e.At = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case j.ch <- req{kind: reqAction, action: e}:
	default:
		j.dropped.Add(1)
	}
}

// RecordSave enqueues one save row.
func (j *SQLiteJournal) RecordSave(e game.SaveRecord) {
	if j == nil || j.closed.Load() {
		return
	}
	if e.At == "" {
		e.At = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case j.ch <- req{kind: reqSave, save: e}:
	default:
		j.dropped.Add(1)
	}
}

// Dropped reports how many entries were discarded because the queue was full.
func (j *SQLiteJournal) Dropped() uint64 {
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

// RecentActions returns the newest action rows for slot, newest first.
func (j *SQLiteJournal) RecentActions(slot string, limit int) ([]game.ActionRecord, error) {
	if j == nil {
		return nil, fmt.Errorf("journal is not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(
		`SELECT slot,seq,at,kind,lat,lng,ok,coins,entered,evicted FROM actions WHERE slot=? ORDER BY rowid DESC LIMIT ?`,
		slot, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []game.ActionRecord
	for rows.Next() {
		var e game.ActionRecord
		var ok int
		if err := rows.Scan(&e.Slot, &e.Seq, &e.At, &e.Kind, &e.Lat, &e.Lng, &ok, &e.Coins, &e.Entered, &e.Left); err != nil {
			return nil, err
		}
		e.OK = ok != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveHistory returns the newest save rows for slot, newest first.
func (j *SQLiteJournal) SaveHistory(slot string, limit int) ([]game.SaveRecord, error) {
	if j == nil {
		return nil, fmt.Errorf("journal is not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.Query(
		`SELECT slot,seq,at,bytes FROM saves WHERE slot=? ORDER BY seq DESC LIMIT ?`,
		slot, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []game.SaveRecord
	for rows.Next() {
		var e game.SaveRecord
		if err := rows.Scan(&e.Slot, &e.Seq, &e.At, &e.Bytes); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActionCount returns the total journaled actions for slot.
func (j *SQLiteJournal) ActionCount(slot string) (int64, error) {
	if j == nil {
		return 0, fmt.Errorf("journal is not configured")
	}
	var n int64
	err := j.db.QueryRow(`SELECT COUNT(*) FROM actions WHERE slot=?`, slot).Scan(&n)
	return n, err
}

func (j *SQLiteJournal) loop() {
	ctx := context.Background()

	insertAction, _ := j.db.Prepare(`INSERT INTO actions(slot,seq,at,kind,lat,lng,ok,coins,entered,evicted,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertSave, _ := j.db.Prepare(`INSERT OR REPLACE INTO saves(slot,seq,at,bytes) VALUES(?,?,?,?)`)
	defer func() {
		if insertAction != nil {
			_ = insertAction.Close()
		}
		if insertSave != nil {
			_ = insertSave.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := j.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range j.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqAction:
			e := r.action
			raw, _ := json.Marshal(e)
			ok := 0
			if e.OK {
				ok = 1
			}
			if insertAction != nil {
				if _, err := tx.Stmt(insertAction).Exec(
					e.Slot, int64(e.Seq), e.At, e.Kind,
					e.Lat, e.Lng, ok, e.Coins, e.Entered, e.Left,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSave:
			e := r.save
			if insertSave != nil {
				if _, err := tx.Stmt(insertSave).Exec(e.Slot, int64(e.Seq), e.At, e.Bytes); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
