package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"geocoins.world/internal/geo"
	"geocoins.world/internal/protocol"
)

// JoinRequest asks the session loop to attach a client. Resume may be empty
// for a fresh join; a non-empty token must match the session's current one.
type JoinRequest struct {
	Resume string
	Name   string
	Out    chan []byte
	Resp   chan JoinResponse
}

type JoinResponse struct {
	OK      bool
	Code    string
	Welcome protocol.WelcomeMsg
}

// ActEnvelope is one client action delivered to the loop. From identifies
// the issuing client so the ACK goes only there; patches go to everyone.
type ActEnvelope struct {
	From chan []byte
	Act  protocol.ActMsg
}

// ObserveRequest attaches a read-only spectator. The spectator receives a
// WELCOME snapshot on Out followed by every broadcast; it cannot act, and
// attaching does not rotate the resume token. Re-sending a request for an
// already attached channel delivers a fresh WELCOME, which is how a spectator
// that fell behind resyncs.
type ObserveRequest struct {
	Out chan []byte
}

// StateView is the session summary returned by the admin surface.
type StateView struct {
	Session   string     `json:"session"`
	Seq       uint64     `json:"seq"`
	Player    PlayerView `json:"player"`
	Origin    geo.Cell   `json:"origin"`
	Active    int        `json:"active"`
	Caches    int        `json:"caches"`
	Visited   int        `json:"visited"`
	Clients   int        `json:"clients"`
	Observers int        `json:"observers"`
}

type adminKind int

const (
	adminReset adminKind = iota
	adminSave
	adminState
)

type adminReq struct {
	kind adminKind
	resp chan adminResp
}

type adminResp struct {
	state StateView
	err   string
}

// Session runs one game on its own goroutine. All game state is owned by
// that goroutine; other goroutines talk to it through the channels below.
type Session struct {
	id    string
	g     *Game
	token string

	clients   map[chan []byte]struct{}
	observers map[chan []byte]struct{}

	inbox   chan ActEnvelope
	join    chan JoinRequest
	observe chan ObserveRequest
	leave   chan chan []byte
	admin   chan adminReq
	stop    chan struct{}

	journal ActionJournal
	notices NoticeJournal
	lg      *log.Logger

	// Delivered once, to the first client that joins. Set when the session
	// was started from an unreadable save.
	pendingNotice string

	clientCount   atomic.Int64
	observerCount atomic.Int64
	acts          atomic.Uint64
}

func NewSession(id string, g *Game) *Session {
	return &Session{
		id:        id,
		g:         g,
		token:     newResumeToken(id),
		clients:   map[chan []byte]struct{}{},
		observers: map[chan []byte]struct{}{},
		inbox:     make(chan ActEnvelope, 256),
		join:      make(chan JoinRequest, 16),
		observe:   make(chan ObserveRequest, 16),
		leave:     make(chan chan []byte, 16),
		admin:     make(chan adminReq, 8),
		stop:      make(chan struct{}),
	}
}

func newResumeToken(id string) string {
	return fmt.Sprintf("resume_%s_%d", id, time.Now().UnixNano())
}

func (s *Session) SetActionJournal(j ActionJournal) { s.journal = j }
func (s *Session) SetNoticeJournal(j NoticeJournal) { s.notices = j }
func (s *Session) SetLogger(l *log.Logger)          { s.lg = l }

// SetStartupNotice queues a one-shot NOTICE for the first client to join.
// Must be called before Run.
func (s *Session) SetStartupNotice(text string) { s.pendingNotice = text }

func (s *Session) ID() string { return s.id }

func (s *Session) Inbox() chan<- ActEnvelope      { return s.inbox }
func (s *Session) Join() chan<- JoinRequest       { return s.join }
func (s *Session) Observe() chan<- ObserveRequest { return s.observe }
func (s *Session) Leave() chan<- chan []byte      { return s.leave }

// Clients is the number of currently attached clients. Safe from any
// goroutine.
func (s *Session) Clients() int64 { return s.clientCount.Load() }

// Observers is the number of attached read-only spectators.
func (s *Session) Observers() int64 { return s.observerCount.Load() }

// Acts is the number of actions handled since the session started.
func (s *Session) Acts() uint64 { return s.acts.Load() }

func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case req := <-s.join:
			s.handleJoin(req)
		case req := <-s.observe:
			s.handleObserve(req)
		case out := <-s.leave:
			if _, ok := s.clients[out]; ok {
				delete(s.clients, out)
				s.clientCount.Store(int64(len(s.clients)))
			} else if _, ok := s.observers[out]; ok {
				delete(s.observers, out)
				s.observerCount.Store(int64(len(s.observers)))
			}
		case env := <-s.inbox:
			s.handleAct(env)
		case req := <-s.admin:
			s.handleAdmin(req)
		}
	}
}

func (s *Session) Stop() { close(s.stop) }

// RequestReset asks the loop to discard all state and the persisted blob.
// Safe to call from other goroutines (admin HTTP handlers).
func (s *Session) RequestReset(ctx context.Context) (StateView, error) {
	return s.request(ctx, adminReset)
}

// RequestSave asks the loop to persist a checkpoint of the current state.
func (s *Session) RequestSave(ctx context.Context) (StateView, error) {
	return s.request(ctx, adminSave)
}

// RequestState asks the loop for a consistent state summary.
func (s *Session) RequestState(ctx context.Context) (StateView, error) {
	return s.request(ctx, adminState)
}

func (s *Session) request(ctx context.Context, kind adminKind) (StateView, error) {
	if s == nil {
		return StateView{}, errors.New("no session")
	}
	resp := make(chan adminResp, 1)
	req := adminReq{kind: kind, resp: resp}

	select {
	case s.admin <- req:
	case <-ctx.Done():
		return StateView{}, ctx.Err()
	case <-s.stop:
		return StateView{}, errors.New("session stopped")
	}

	select {
	case r := <-resp:
		if r.err != "" {
			return r.state, errors.New(r.err)
		}
		return r.state, nil
	case <-ctx.Done():
		return StateView{}, ctx.Err()
	case <-s.stop:
		return StateView{}, errors.New("session stopped")
	}
}

func (s *Session) handleJoin(req JoinRequest) {
	token := strings.TrimSpace(req.Resume)
	if token != "" && token != s.token {
		if req.Resp != nil {
			req.Resp <- JoinResponse{Code: protocol.ErrResume}
		}
		return
	}

	if req.Out != nil {
		s.clients[req.Out] = struct{}{}
		s.clientCount.Store(int64(len(s.clients)))
	}

	// Rotate on every successful join; an old token never works twice.
	s.token = newResumeToken(s.id)

	resp := JoinResponse{OK: true, Welcome: s.welcomeMsg()}
	if req.Resp != nil {
		req.Resp <- resp
	}

	if s.pendingNotice != "" && req.Out != nil {
		s.sendTo(req.Out, s.noticeMsg("warn", s.pendingNotice))
		s.pendingNotice = ""
	}
}

func (s *Session) handleObserve(req ObserveRequest) {
	if req.Out == nil {
		return
	}
	s.observers[req.Out] = struct{}{}
	s.observerCount.Store(int64(len(s.observers)))

	// The token is join credentials; spectators don't get one.
	w := s.welcomeMsg()
	w.ResumeToken = ""
	s.sendTo(req.Out, w)
}

func (s *Session) handleAct(env ActEnvelope) {
	s.acts.Add(1)
	act := env.Act

	switch act.Kind {
	case protocol.KindMoveTo:
		s.handleMove(env, geo.LatLng{Lat: act.Lat, Lng: act.Lng}, func(p geo.LatLng) (Changes, error) {
			return s.g.MoveTo(p)
		})

	case protocol.KindMoveBy:
		pos := s.g.PlayerView().Pos
		target := geo.LatLng{Lat: pos.Lat + act.DLat, Lng: pos.Lng + act.DLng}
		s.handleMove(env, target, func(geo.LatLng) (Changes, error) {
			return s.g.MoveBy(act.DLat, act.DLng)
		})

	case protocol.KindCollect:
		cell := geo.Cell{I: act.I, J: act.J}
		if _, ok := s.g.ViewAt(cell); !ok {
			s.reject(env, protocol.ErrUnknownCell, "no cache at "+cell.String())
			return
		}
		ok, err := s.g.Collect(cell)
		if err != nil {
			s.fail(env, "collect", err)
			return
		}
		if !ok {
			s.reject(env, protocol.ErrEmptyCache, "cache at "+cell.String()+" has no points")
			return
		}
		s.accept(env, s.cellPatch(cell))

	case protocol.KindDeposit:
		cell := geo.Cell{I: act.I, J: act.J}
		if _, ok := s.g.ViewAt(cell); !ok {
			s.reject(env, protocol.ErrUnknownCell, "no cache at "+cell.String())
			return
		}
		ok, err := s.g.Deposit(cell)
		if err != nil {
			s.fail(env, "deposit", err)
			return
		}
		if !ok {
			s.reject(env, protocol.ErrNoCoins, "no coins to deposit")
			return
		}
		s.accept(env, s.cellPatch(cell))

	case protocol.KindPosLost:
		reason := strings.TrimSpace(act.Reason)
		if reason == "" {
			reason = "unknown"
		}
		text := "position source lost: " + reason
		s.ack(env, true, "", "")
		s.recordNotice("warn", text)
		s.broadcast(s.noticeMsg("warn", text))
		s.record(act.Kind, true, 0, 0)

	default:
		s.reject(env, protocol.ErrBadMsg, "unknown act kind "+act.Kind)
	}
}

// handleMove validates the target before touching the game so the ACK can
// name the rejection; the game guards again internally.
func (s *Session) handleMove(env ActEnvelope, target geo.LatLng, move func(geo.LatLng) (Changes, error)) {
	if !geo.Valid(target) {
		s.reject(env, protocol.ErrBadPos, "position outside the lat/lng domain")
		return
	}
	ch, err := move(target)
	if err != nil {
		s.fail(env, "move", err)
		return
	}
	s.accept(env, s.patchMsg(ch))
}

func (s *Session) handleAdmin(req adminReq) {
	resp := adminResp{}
	switch req.kind {
	case adminReset:
		if _, err := s.g.Reset(); err != nil {
			resp.err = err.Error()
			break
		}
		s.token = newResumeToken(s.id)
		s.recordNotice("info", "session reset by admin")
		s.record("RESET", true, 0, 0)
		// Clients rebuild from a fresh WELCOME; a patch cannot express a
		// whole-world replacement.
		s.broadcast(s.welcomeMsg())
	case adminSave:
		if err := s.g.Checkpoint(); err != nil {
			resp.err = err.Error()
		}
	case adminState:
	}
	resp.state = s.stateView()
	if req.resp != nil {
		select {
		case req.resp <- resp:
		default:
		}
	}
}

func (s *Session) stateView() StateView {
	return StateView{
		Session:   s.id,
		Seq:       s.g.Seq(),
		Player:    s.g.PlayerView(),
		Origin:    s.g.OriginCell(),
		Active:    len(s.g.ActiveCaches()),
		Caches:    s.g.World().CacheCount(),
		Visited:   s.g.World().VisitedCount(),
		Clients:   len(s.clients),
		Observers: len(s.observers),
	}
}

// accept ACKs env and broadcasts the patch to every attached client.
func (s *Session) accept(env ActEnvelope, patch protocol.PatchMsg) {
	s.ack(env, true, "", "")
	s.broadcast(patch)
	s.record(env.Act.Kind, true, len(patch.Entered), len(patch.Left))
}

func (s *Session) reject(env ActEnvelope, code, msg string) {
	s.ack(env, false, code, msg)
	s.record(env.Act.Kind, false, 0, 0)
}

// fail handles persistence errors surfaced by the game. The in-memory state
// may be ahead of the store; the client is told the action did not commit.
func (s *Session) fail(env ActEnvelope, op string, err error) {
	s.printf("session %s: %s: %v", s.id, op, err)
	s.recordNotice("warn", "a change could not be saved")
	s.ack(env, false, protocol.ErrInternal, "persistence failure")
	s.record(env.Act.Kind, false, 0, 0)
}

func (s *Session) ack(env ActEnvelope, ok bool, code, msg string) {
	s.sendTo(env.From, protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		Seq:             env.Act.Seq,
		OK:              ok,
		Code:            code,
		Message:         msg,
	})
}

func (s *Session) record(kind string, ok bool, entered, left int) {
	if s.journal == nil {
		return
	}
	pv := s.g.PlayerView()
	s.journal.RecordAction(ActionRecord{
		Slot:    s.id,
		Seq:     s.g.Seq(),
		Kind:    kind,
		Lat:     pv.Pos.Lat,
		Lng:     pv.Pos.Lng,
		OK:      ok,
		Coins:   pv.Coins,
		Entered: entered,
		Left:    left,
	})
}

func (s *Session) recordNotice(level, text string) {
	if s.notices == nil {
		return
	}
	s.notices.RecordNotice(NoticeRecord{Slot: s.id, Level: level, Text: text})
}

func (s *Session) welcomeMsg() protocol.WelcomeMsg {
	r := s.g.Rules()
	pv := s.g.PlayerView()
	active := s.g.ActiveCaches()
	out := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		Session:         s.id,
		ResumeToken:     s.token,
		Rules: protocol.RulesInfo{
			CellSizeDeg:      r.CellSizeDeg,
			WindowRadius:     r.WindowRadius,
			SpawnProbability: r.SpawnProbability,
			ValueScale:       r.ValueScale,
			Origin:           r.Origin,
		},
		Origin: s.g.OriginCell(),
		Player: protocol.PlayerState{Pos: pv.Pos, Coins: pv.Coins},
		Caches: make([]protocol.CacheState, 0, len(active)),
	}
	for _, cv := range active {
		out.Caches = append(out.Caches, cacheState(cv))
	}
	return out
}

func (s *Session) patchMsg(ch Changes) protocol.PatchMsg {
	pv := s.g.PlayerView()
	out := protocol.PatchMsg{
		Type:            protocol.TypePatch,
		ProtocolVersion: protocol.Version,
		Seq:             s.g.Seq(),
		Origin:          ch.Origin,
		Player:          protocol.PlayerState{Pos: pv.Pos, Coins: pv.Coins},
	}
	for _, cv := range ch.Entered {
		out.Entered = append(out.Entered, cacheState(cv))
	}
	out.Left = append(out.Left, ch.Left...)
	return out
}

// cellPatch reports an in-place cache change: the updated view rides in the
// entered list and clients upsert by cell.
func (s *Session) cellPatch(cell geo.Cell) protocol.PatchMsg {
	patch := s.patchMsg(Changes{Origin: s.g.OriginCell()})
	if cv, ok := s.g.ViewAt(cell); ok {
		patch.Entered = append(patch.Entered, cacheState(cv))
	}
	return patch
}

func (s *Session) noticeMsg(level, text string) protocol.NoticeMsg {
	return protocol.NoticeMsg{
		Type:            protocol.TypeNotice,
		ProtocolVersion: protocol.Version,
		Level:           level,
		Text:            text,
	}
}

func cacheState(v CacheView) protocol.CacheState {
	return protocol.CacheState{
		Cell:       v.Cell,
		Bounds:     v.Bounds,
		PointValue: v.PointValue,
		Coins:      v.Coins,
	}
}

func (s *Session) broadcast(msg any) {
	if len(s.clients) == 0 && len(s.observers) == 0 {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for out := range s.clients {
		select {
		case out <- b:
		default:
			// Slow client; it can resync from the next WELCOME.
		}
	}
	for out := range s.observers {
		select {
		case out <- b:
		default:
		}
	}
}

func (s *Session) sendTo(out chan []byte, msg any) {
	if out == nil {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case out <- b:
	default:
	}
}

func (s *Session) printf(format string, args ...any) {
	if s.lg == nil {
		return
	}
	s.lg.Printf(format, args...)
}
