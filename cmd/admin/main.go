package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"geocoins.world/internal/persistence/save"
	"geocoins.world/internal/persistence/store"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "state":
			stateCmd(os.Args[2:])
			return
		case "sessions":
			sessionsCmd(os.Args[2:])
			return
		case "reset":
			opCmd("reset", os.Args[2:])
			return
		case "save":
			opCmd("save", os.Args[2:])
			return
		case "export":
			opCmd("export", os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "show":
			showCmd(os.Args[2:])
			return
		case "restore":
			restoreCmd(os.Args[2:])
			return
		}
	}
	savesCmd(os.Args[1:])
}

// savesCmd lists the save slots in the local store with their headers. Needs
// exclusive access to saves.db; against a running server use "sessions".
func savesCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	st := openStore(*dataDir)
	defer st.Close()

	slots, err := st.Slots()
	if err != nil {
		fmt.Fprintln(os.Stderr, "slots:", err)
		os.Exit(1)
	}
	for _, slot := range slots {
		blob, err := st.Get(slot)
		if err != nil {
			fmt.Fprintln(os.Stderr, "get:", err)
			os.Exit(1)
		}
		h, err := save.ReadHeader(blob)
		if err != nil {
			printJSON(map[string]any{"slot": slot, "bytes": len(blob), "error": err.Error()})
			continue
		}
		printJSON(map[string]any{"slot": slot, "version": h.Version, "seq": h.Seq, "bytes": len(blob)})
	}
}

// showCmd decodes one save and prints it.
func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	session := fs.String("session", "default", "session id")
	withCaches := fs.Bool("caches", false, "include the full cache list")
	_ = fs.Parse(args)

	st := openStore(*dataDir)
	defer st.Close()

	blob, err := st.Get(*session)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "no save for session %q\n", *session)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "get:", err)
		os.Exit(1)
	}
	sv, err := save.Decode(blob)
	if err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}

	out := map[string]any{
		"header": sv.Header,
		"player": map[string]any{
			"lat":      sv.Player.Lat,
			"lng":      sv.Player.Lng,
			"coins":    sv.Player.Coins,
			"path_len": len(sv.Player.Path),
		},
		"visited": len(sv.Visited),
		"caches":  len(sv.Caches),
	}
	if *withCaches {
		out["cache_list"] = sv.Caches
	}
	printJSON(out)
}

// restoreCmd imports an exported .save file into a slot. The server must be
// stopped; it loads the slot on its next start.
func restoreCmd(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	session := fs.String("session", "", "target session id (required)")
	inPath := fs.String("in", "", "exported save file (required)")
	force := fs.Bool("force", false, "restore into a slot the export was not taken from")
	_ = fs.Parse(args)

	if strings.TrimSpace(*session) == "" {
		fmt.Fprintln(os.Stderr, "missing -session")
		os.Exit(2)
	}
	if strings.TrimSpace(*inPath) == "" {
		fmt.Fprintln(os.Stderr, "missing -in")
		os.Exit(2)
	}

	blob, err := os.ReadFile(*inPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	sv, err := save.Decode(blob)
	if err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	if sv.Header.Slot != *session {
		if !*force {
			fmt.Fprintf(os.Stderr, "export is from slot %q, target is %q; pass -force to restore anyway\n", sv.Header.Slot, *session)
			os.Exit(2)
		}
		// Rewrite the header so the stored blob agrees with its slot.
		sv.Header.Slot = *session
		blob, err = save.Encode(sv)
		if err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			os.Exit(1)
		}
	}

	st := openStore(*dataDir)
	defer st.Close()

	if err := st.Put(*session, blob); err != nil {
		fmt.Fprintln(os.Stderr, "put:", err)
		os.Exit(1)
	}
	printJSON(map[string]any{"ok": true, "session": *session, "seq": sv.Header.Seq, "bytes": len(blob)})
}

func openStore(dataDir string) *store.Store {
	path := filepath.Join(dataDir, "saves.db")
	st, err := store.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		fmt.Fprintln(os.Stderr, "hint: a running server holds the lock; use the state/sessions subcommands against it instead")
		os.Exit(1)
	}
	return st
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
