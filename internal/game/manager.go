package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"geocoins.world/internal/persistence/save"
	"geocoins.world/internal/persistence/store"
)

// SaveStore is what the manager needs from the persistence layer.
type SaveStore interface {
	Saver
	Get(slot string) ([]byte, error)
}

// Manager creates and hosts sessions keyed by id. Each session gets its own
// goroutine; the manager only touches the map under its mutex.
type Manager struct {
	rules Rules
	store SaveStore
	roll  RollFunc

	actions ActionJournal
	saves   SaveJournal
	notices NoticeJournal
	lg      *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(rules Rules, st SaveStore) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		rules:    rules.Normalized(),
		store:    st,
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*Session{},
	}
}

// Setters must be called before the first GetOrCreate.
func (m *Manager) SetActionJournal(j ActionJournal) { m.actions = j }
func (m *Manager) SetSaveJournal(j SaveJournal)     { m.saves = j }
func (m *Manager) SetNoticeJournal(j NoticeJournal) { m.notices = j }
func (m *Manager) SetLogger(l *log.Logger)          { m.lg = l }
func (m *Manager) SetRoll(r RollFunc)               { m.roll = r }

// GetOrCreate returns the running session for id, loading its save on first
// use. An unreadable blob is logged and the session starts from defaults;
// losing a corrupt save beats refusing to start.
func (m *Manager) GetOrCreate(id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("manager is shut down")
	}
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	g, notice := m.loadGame(id)
	g.SetSaveJournal(m.saves)

	s := NewSession(id, g)
	s.SetActionJournal(m.actions)
	s.SetNoticeJournal(m.notices)
	s.SetLogger(m.lg)
	if notice != "" {
		s.SetStartupNotice(notice)
		if m.notices != nil {
			m.notices.RecordNotice(NoticeRecord{Slot: id, Level: "warn", Text: notice})
		}
	}

	m.sessions[id] = s
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = s.Run(m.ctx)
	}()
	return s, nil
}

func (m *Manager) loadGame(id string) (g *Game, notice string) {
	g = New(m.rules, id, m.store, m.roll)

	blob, err := m.store.Get(id)
	switch {
	case err == nil:
		sv, derr := save.Decode(blob)
		if derr != nil {
			m.printf("session %q: unreadable save, starting fresh: %v", id, derr)
			notice = "saved state was unreadable; starting fresh"
			break
		}
		g.RestoreSave(sv)
	case errors.Is(err, store.ErrNotFound):
	default:
		m.printf("session %q: load failed, starting fresh: %v", id, err)
		notice = "saved state could not be read; starting fresh"
	}

	g.RebuildWindow()
	return g, notice
}

// Session returns the running session for id, or nil.
func (m *Manager) Session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// SessionIDs lists running sessions, sorted.
func (m *Manager) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// All snapshots the running sessions.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Shutdown checkpoints every session, stops the loops and waits for them.
// The manager is unusable afterwards; the store stays open for the caller
// to close.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if _, err := s.RequestSave(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("final save %q: %w", s.ID(), err)
		}
	}
	m.cancel()
	m.wg.Wait()
	return firstErr
}

func (m *Manager) printf(format string, args ...any) {
	if m.lg == nil {
		return
	}
	m.lg.Printf(format, args...)
}
