package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"geocoins.world/internal/config"
	"geocoins.world/internal/game"
	"geocoins.world/internal/persistence/indexdb"
	persistlog "geocoins.world/internal/persistence/log"
	"geocoins.world/internal/persistence/store"
)

func main() {
	var (
		addr           = flag.String("addr", "", "http listen address (overrides config)")
		configPath     = flag.String("config", "./configs/game.yaml", "config file path")
		dataDir        = flag.String("data", "", "runtime data directory (overrides config)")
		sessionID      = flag.String("session", "", "default session id (overrides config)")
		disableJournal = flag.Bool("disable_journal", false, "disable the sqlite action journal")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *sessionID != "" {
		cfg.Session = *sessionID
	}
	if *disableJournal {
		cfg.Journal.Enabled = false
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "saves.db"))
	if err != nil {
		logger.Fatalf("open save store: %v", err)
	}
	defer st.Close()

	up, err := buildUploadRuntime(cfg, logger)
	if err != nil {
		logger.Fatalf("init upload queue: %v", err)
	}
	defer up.Close()

	logOpts := persistlog.LoggerOptions{}
	if up.enabled {
		logOpts.RotateLayout = up.rotateLayout
		logOpts.OnClose = up.Enqueue
	}

	var (
		actionSinks []game.ActionJournal
		saveSinks   []game.SaveJournal
		noticeSinks []game.NoticeJournal
	)
	if cfg.Logs.Enabled {
		actionLog := persistlog.NewActionLoggerWithOptions(cfg.DataDir, logOpts)
		saveLog := persistlog.NewSaveLoggerWithOptions(cfg.DataDir, logOpts)
		noticeLog := persistlog.NewNoticeLoggerWithOptions(cfg.DataDir, logOpts)
		defer actionLog.Close()
		defer saveLog.Close()
		defer noticeLog.Close()
		actionSinks = append(actionSinks, actionLog)
		saveSinks = append(saveSinks, saveLog)
		noticeSinks = append(noticeSinks, noticeLog)
	}

	var journal *indexdb.SQLiteJournal
	if cfg.Journal.Enabled {
		journal, err = indexdb.OpenSQLite(cfg.JournalPath())
		if err != nil {
			logger.Fatalf("open journal: %v", err)
		}
		defer journal.Close()
		actionSinks = append(actionSinks, journal)
		saveSinks = append(saveSinks, journal)
	}

	var mirror *indexdb.Mirror
	if cfg.Mirror.Endpoint != "" {
		mirror, err = indexdb.OpenMirror(indexdb.MirrorConfig{
			Endpoint:      cfg.Mirror.Endpoint,
			Token:         cfg.Mirror.Token,
			Instance:      cfg.Mirror.Instance,
			BatchSize:     cfg.Mirror.BatchSize,
			FlushInterval: time.Duration(cfg.Mirror.FlushIntervalMS) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatalf("open journal mirror: %v", err)
		}
		defer mirror.Close()
		actionSinks = append(actionSinks, mirror)
		saveSinks = append(saveSinks, mirror)
	}

	mgr := game.NewManager(cfg.Rules(), st)
	mgr.SetLogger(logger)
	if len(actionSinks) > 0 {
		mgr.SetActionJournal(actionFan(actionSinks))
	}
	if len(saveSinks) > 0 {
		mgr.SetSaveJournal(saveFan(saveSinks))
	}
	if len(noticeSinks) > 0 {
		mgr.SetNoticeJournal(noticeFan(noticeSinks))
	}

	// Warm the default session so its save loads before the first client.
	if _, err := mgr.GetOrCreate(cfg.Session); err != nil {
		logger.Fatalf("open session %q: %v", cfg.Session, err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	deps := serverDeps{
		mgr:     mgr,
		store:   st,
		journal: journal,
		mirror:  mirror,
		upload:  up,
		session: cfg.Session,
		dataDir: cfg.DataDir,
		logger:  logger,
	}
	enableAdminHTTP := envBool("GEOCOINS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("GEOCOINS_ENABLE_PPROF_HTTP", false)
	mux := buildMux(deps, enableAdminHTTP, enablePprofHTTP)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s session=%q data=%s", cfg.ListenAddr, cfg.Session, cfg.DataDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Final saves before the sinks close.
	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	if err := mgr.Shutdown(shCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	logger.Printf("stopped")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

// Journal fan-out: every sink sees every record. The sinks are all best
// effort, so there is nothing to aggregate.
type (
	actionFan []game.ActionJournal
	saveFan   []game.SaveJournal
	noticeFan []game.NoticeJournal
)

func (f actionFan) RecordAction(r game.ActionRecord) {
	for _, s := range f {
		s.RecordAction(r)
	}
}

func (f saveFan) RecordSave(r game.SaveRecord) {
	for _, s := range f {
		s.RecordSave(r)
	}
}

func (f noticeFan) RecordNotice(r game.NoticeRecord) {
	for _, s := range f {
		s.RecordNotice(r)
	}
}
