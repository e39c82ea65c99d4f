package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"geocoins.world/internal/game"
	"geocoins.world/internal/persistence/indexdb"
	"geocoins.world/internal/persistence/store"
	"geocoins.world/internal/transport/observer"
	"geocoins.world/internal/transport/ws"
)

type serverDeps struct {
	mgr     *game.Manager
	store   *store.Store
	journal *indexdb.SQLiteJournal
	mirror  *indexdb.Mirror
	upload  *uploadRuntime
	session string
	dataDir string
	logger  *log.Logger
}

func buildMux(deps serverDeps, enableAdmin, enablePprof bool) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})

	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		sessions := deps.mgr.All()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP geocoins_sessions Number of hosted sessions.\n")
		fmt.Fprintf(rw, "# TYPE geocoins_sessions gauge\n")
		fmt.Fprintf(rw, "geocoins_sessions %d\n", len(sessions))

		fmt.Fprintf(rw, "# HELP geocoins_session_clients Connected clients per session.\n")
		fmt.Fprintf(rw, "# TYPE geocoins_session_clients gauge\n")
		for _, s := range sessions {
			fmt.Fprintf(rw, "geocoins_session_clients{session=%q} %d\n", s.ID(), s.Clients())
		}

		fmt.Fprintf(rw, "# HELP geocoins_session_observers Attached spectators per session.\n")
		fmt.Fprintf(rw, "# TYPE geocoins_session_observers gauge\n")
		for _, s := range sessions {
			fmt.Fprintf(rw, "geocoins_session_observers{session=%q} %d\n", s.ID(), s.Observers())
		}

		fmt.Fprintf(rw, "# HELP geocoins_session_actions_total Actions handled per session.\n")
		fmt.Fprintf(rw, "# TYPE geocoins_session_actions_total counter\n")
		for _, s := range sessions {
			fmt.Fprintf(rw, "geocoins_session_actions_total{session=%q} %d\n", s.ID(), s.Acts())
		}

		if deps.journal != nil {
			fmt.Fprintf(rw, "# HELP geocoins_journal_dropped_total Journal rows dropped because the writer fell behind.\n")
			fmt.Fprintf(rw, "# TYPE geocoins_journal_dropped_total counter\n")
			fmt.Fprintf(rw, "geocoins_journal_dropped_total %d\n", deps.journal.Dropped())
		}
		if deps.mirror != nil {
			fmt.Fprintf(rw, "# HELP geocoins_journal_mirror_dropped_total Mirror events dropped because the queue was full.\n")
			fmt.Fprintf(rw, "# TYPE geocoins_journal_mirror_dropped_total counter\n")
			fmt.Fprintf(rw, "geocoins_journal_mirror_dropped_total %d\n", deps.mirror.Dropped())

			fmt.Fprintf(rw, "# HELP geocoins_journal_mirror_flush_failures_total Mirror batches that exhausted their retries.\n")
			fmt.Fprintf(rw, "# TYPE geocoins_journal_mirror_flush_failures_total counter\n")
			fmt.Fprintf(rw, "geocoins_journal_mirror_flush_failures_total %d\n", deps.mirror.FlushFailures())
		}
		writeUploadMetrics(rw, deps.upload)
	})

	if enableAdmin {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			out := map[string]game.StateView{}
			for _, s := range deps.mgr.All() {
				state, err := s.RequestState(ctx)
				if err != nil {
					continue
				}
				out[s.ID()] = state
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{"sessions": out})
		})

		mux.HandleFunc("/admin/v1/sessions", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			slots, err := deps.store.Slots()
			if err != nil {
				http.Error(rw, err.Error(), http.StatusInternalServerError)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{
				"running": deps.mgr.SessionIDs(),
				"slots":   slots,
			})
		})

		mux.HandleFunc("/admin/v1/sessions/", deps.sessionAdminHandler())

		obsSrv := observer.NewServer(deps.mgr, deps.session, deps.logger)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		deps.logger.Printf("admin endpoints disabled (GEOCOINS_ENABLE_ADMIN_HTTP=false)")
	}

	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	mux.HandleFunc("/ws", ws.NewServer(deps.mgr, deps.session, deps.logger).Handler())
	return mux
}

// sessionAdminHandler serves /admin/v1/sessions/{id}/{op} for running
// sessions. Cold save slots are managed with the admin CLI against the
// store directly.
func (deps serverDeps) sessionAdminHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/admin/v1/sessions/")
		parts := strings.Split(strings.Trim(path, "/"), "/")
		if len(parts) != 2 {
			http.NotFound(rw, r)
			return
		}
		id, op := parts[0], parts[1]

		sess := deps.mgr.Session(id)
		if sess == nil {
			http.Error(rw, "session not found", http.StatusNotFound)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		rw.Header().Set("Content-Type", "application/json")

		switch op {
		case "state":
			if r.Method != http.MethodGet {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			state, err := sess.RequestState(ctx)
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "session": id, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(state)

		case "journal":
			if r.Method != http.MethodGet {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if deps.journal == nil {
				http.Error(rw, "journal disabled", http.StatusServiceUnavailable)
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			actions, err := deps.journal.RecentActions(id, limit)
			if err != nil {
				rw.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "session": id, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"session": id, "actions": actions})

		case "reset":
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			state, err := sess.RequestReset(ctx)
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "session": id, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "session": id, "seq": state.Seq, "note": "session reset completed"})

		case "save":
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			state, err := sess.RequestSave(ctx)
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "session": id, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "session": id, "seq": state.Seq})

		case "export":
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			path, size, err := deps.exportSave(ctx, sess, id)
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "session": id, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "session": id, "path": path, "bytes": size})

		default:
			http.NotFound(rw, r)
		}
	}
}

// exportSave checkpoints the session and copies its blob into the exports
// dir, where the upload queue can pick it up.
func (deps serverDeps) exportSave(ctx context.Context, sess *game.Session, id string) (string, int, error) {
	if _, err := sess.RequestSave(ctx); err != nil {
		return "", 0, err
	}
	blob, err := deps.store.Get(id)
	if err != nil {
		return "", 0, err
	}
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
	path := filepath.Join(deps.dataDir, "exports", fmt.Sprintf("%s-%s.save", id, stamp))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, err
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", 0, err
	}
	deps.upload.Enqueue(path)
	return path, len(blob), nil
}

func writeUploadMetrics(rw http.ResponseWriter, up *uploadRuntime) {
	if up == nil || !up.enabled {
		return
	}
	s := up.Stats()

	fmt.Fprintf(rw, "# HELP geocoins_upload_queue_depth Current upload queue depth.\n")
	fmt.Fprintf(rw, "# TYPE geocoins_upload_queue_depth gauge\n")
	fmt.Fprintf(rw, "geocoins_upload_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP geocoins_upload_enqueued_total Total upload enqueue attempts.\n")
	fmt.Fprintf(rw, "# TYPE geocoins_upload_enqueued_total counter\n")
	fmt.Fprintf(rw, "geocoins_upload_enqueued_total %d\n", s.Enqueued)

	fmt.Fprintf(rw, "# HELP geocoins_upload_dropped_total Files dropped because the queue stayed saturated.\n")
	fmt.Fprintf(rw, "# TYPE geocoins_upload_dropped_total counter\n")
	fmt.Fprintf(rw, "geocoins_upload_dropped_total %d\n", s.Dropped)

	fmt.Fprintf(rw, "# HELP geocoins_upload_success_total Successful uploads.\n")
	fmt.Fprintf(rw, "# TYPE geocoins_upload_success_total counter\n")
	fmt.Fprintf(rw, "geocoins_upload_success_total %d\n", s.Uploaded)

	fmt.Fprintf(rw, "# HELP geocoins_upload_fail_total Uploads that exhausted their retries.\n")
	fmt.Fprintf(rw, "# TYPE geocoins_upload_fail_total counter\n")
	fmt.Fprintf(rw, "geocoins_upload_fail_total %d\n", s.Failed)

	fmt.Fprintf(rw, "# HELP geocoins_upload_last_success_unix Unix timestamp of the last successful upload.\n")
	fmt.Fprintf(rw, "# TYPE geocoins_upload_last_success_unix gauge\n")
	fmt.Fprintf(rw, "geocoins_upload_last_success_unix %d\n", s.LastOKUnix)
}
