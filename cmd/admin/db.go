package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// journalCmd queries the sqlite action/save index directly. Works against a
// running server; the journal is written under WAL.
func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite journal path (optional)")
	session := fs.String("session", "default", "session id")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "actions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "journal.db")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "actions":
		rows, err := db.Query(
			`SELECT slot,seq,at,kind,lat,lng,ok,coins,entered,evicted FROM actions WHERE slot=? ORDER BY rowid DESC LIMIT ?`,
			*session, *limit,
		)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Slot    string  `json:"slot"`
				Seq     uint64  `json:"seq"`
				At      string  `json:"at"`
				Kind    string  `json:"kind"`
				Lat     float64 `json:"lat"`
				Lng     float64 `json:"lng"`
				OK      bool    `json:"ok"`
				Coins   int     `json:"coins"`
				Entered int     `json:"entered"`
				Evicted int     `json:"evicted"`
			}
			var ok int
			if err := rows.Scan(&r.Slot, &r.Seq, &r.At, &r.Kind, &r.Lat, &r.Lng, &ok, &r.Coins, &r.Entered, &r.Evicted); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.OK = ok != 0
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "saves":
		rows, err := db.Query(
			`SELECT slot,seq,at,bytes FROM saves WHERE slot=? ORDER BY seq DESC LIMIT ?`,
			*session, *limit,
		)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Slot  string `json:"slot"`
				Seq   uint64 `json:"seq"`
				At    string `json:"at"`
				Bytes int    `json:"bytes"`
			}
			if err := rows.Scan(&r.Slot, &r.Seq, &r.At, &r.Bytes); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	case "counts":
		rows, err := db.Query(
			`SELECT slot, COUNT(*), SUM(ok) FROM actions GROUP BY slot ORDER BY slot`,
		)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Slot     string `json:"slot"`
				Actions  int64  `json:"actions"`
				Accepted int64  `json:"accepted"`
			}
			if err := rows.Scan(&r.Slot, &r.Actions, &r.Accepted); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "rows:", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin journal [-data ./data|-db PATH] [-session ID] [-limit N] actions|saves|counts")
		os.Exit(2)
	}
}
