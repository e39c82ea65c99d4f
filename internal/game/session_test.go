package game

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"geocoins.world/internal/geo"
	"geocoins.world/internal/protocol"
)

// memJournal collects every record kind the session can emit.
type memJournal struct {
	mu      sync.Mutex
	actions []ActionRecord
	saves   []SaveRecord
	notices []NoticeRecord
}

func (m *memJournal) RecordAction(r ActionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, r)
}

func (m *memJournal) RecordSave(r SaveRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, r)
}

func (m *memJournal) RecordNotice(r NoticeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, r)
}

func (m *memJournal) lastAction() (ActionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.actions) == 0 {
		return ActionRecord{}, false
	}
	return m.actions[len(m.actions)-1], true
}

func (m *memJournal) noticeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notices)
}

func newTestSession() (*Session, *memStore, *memJournal) {
	g, st := newTestGame(2)
	j := &memJournal{}
	s := NewSession("default", g)
	s.SetActionJournal(j)
	s.SetNoticeJournal(j)
	return s, st, j
}

func joinClient(t *testing.T, s *Session, resume string) (chan []byte, JoinResponse) {
	t.Helper()
	out := make(chan []byte, 16)
	resp := make(chan JoinResponse, 1)
	s.handleJoin(JoinRequest{Resume: resume, Out: out, Resp: resp})
	return out, <-resp
}

func readMsg(t *testing.T, out chan []byte) []byte {
	t.Helper()
	select {
	case b := <-out:
		return b
	default:
		t.Fatalf("no message queued")
		return nil
	}
}

func decodeAs[T any](t *testing.T, b []byte, wantType string) T {
	t.Helper()
	base, err := protocol.DecodeBase(b)
	if err != nil {
		t.Fatalf("decode base: %v", err)
	}
	if base.Type != wantType {
		t.Fatalf("message type = %q, want %q (%s)", base.Type, wantType, b)
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", wantType, err)
	}
	return v
}

func act(out chan []byte, a protocol.ActMsg) ActEnvelope {
	a.Type = protocol.TypeAct
	a.ProtocolVersion = protocol.Version
	return ActEnvelope{From: out, Act: a}
}

func TestHandleJoin_WelcomeCarriesWindowState(t *testing.T) {
	s, _, _ := newTestSession()
	out, resp := joinClient(t, s, "")
	if !resp.OK {
		t.Fatalf("join rejected: %+v", resp)
	}
	w := resp.Welcome
	if w.Type != protocol.TypeWelcome || w.Session != "default" {
		t.Fatalf("welcome = %+v", w)
	}
	if w.ResumeToken == "" {
		t.Fatalf("no resume token")
	}
	if len(w.Caches) != 3 {
		t.Fatalf("welcome caches = %d, want 3", len(w.Caches))
	}
	if w.Rules.CellSizeDeg != 1e-4 || w.Rules.WindowRadius != 2 {
		t.Fatalf("rules = %+v", w.Rules)
	}
	if w.Origin != (geo.Cell{I: 0, J: 0}) {
		t.Fatalf("origin = %v", w.Origin)
	}
	if s.Clients() != 1 {
		t.Fatalf("clients = %d", s.Clients())
	}
	if len(out) != 0 {
		t.Fatalf("unexpected queued messages: %d", len(out))
	}
}

func TestHandleJoin_ResumeTokenRotates(t *testing.T) {
	s, _, _ := newTestSession()
	_, first := joinClient(t, s, "")

	// The issued token works once.
	_, second := joinClient(t, s, first.Welcome.ResumeToken)
	if !second.OK {
		t.Fatalf("valid token rejected: %+v", second)
	}
	if second.Welcome.ResumeToken == first.Welcome.ResumeToken {
		t.Fatalf("token did not rotate")
	}

	// Replaying it fails.
	_, third := joinClient(t, s, first.Welcome.ResumeToken)
	if third.OK || third.Code != protocol.ErrResume {
		t.Fatalf("stale token accepted: %+v", third)
	}
}

func TestHandleAct_MoveToAckAndPatch(t *testing.T) {
	s, _, j := newTestSession()
	out, _ := joinClient(t, s, "")

	s.handleAct(act(out, protocol.ActMsg{Seq: 7, Kind: protocol.KindMoveTo, Lat: 0.00005, Lng: 0.00015}))

	ack := decodeAs[protocol.AckMsg](t, readMsg(t, out), protocol.TypeAck)
	if !ack.OK || ack.Seq != 7 || ack.Code != "" {
		t.Fatalf("ack = %+v", ack)
	}
	patch := decodeAs[protocol.PatchMsg](t, readMsg(t, out), protocol.TypePatch)
	if patch.Seq != 1 {
		t.Fatalf("patch seq = %d", patch.Seq)
	}
	if patch.Origin != (geo.Cell{I: 0, J: 1}) {
		t.Fatalf("patch origin = %v", patch.Origin)
	}
	if patch.Player.Pos != (geo.LatLng{Lat: 0.00005, Lng: 0.00015}) {
		t.Fatalf("patch player = %+v", patch.Player)
	}

	rec, ok := j.lastAction()
	if !ok || rec.Kind != protocol.KindMoveTo || !rec.OK || rec.Seq != 1 {
		t.Fatalf("journal = %+v ok=%v", rec, ok)
	}
}

func TestHandleAct_MoveByUsesDelta(t *testing.T) {
	s, _, _ := newTestSession()
	out, _ := joinClient(t, s, "")

	s.handleAct(act(out, protocol.ActMsg{Seq: 1, Kind: protocol.KindMoveBy, DLat: 0.0001, DLng: 0}))
	ack := decodeAs[protocol.AckMsg](t, readMsg(t, out), protocol.TypeAck)
	if !ack.OK {
		t.Fatalf("ack = %+v", ack)
	}
	patch := decodeAs[protocol.PatchMsg](t, readMsg(t, out), protocol.TypePatch)
	if patch.Origin != (geo.Cell{I: 1, J: 0}) {
		t.Fatalf("patch origin = %v", patch.Origin)
	}
}

func TestHandleAct_CollectDepositFlow(t *testing.T) {
	s, _, _ := newTestSession()
	out, _ := joinClient(t, s, "")

	s.handleAct(act(out, protocol.ActMsg{Seq: 1, Kind: protocol.KindCollect, I: -1, J: 2}))
	ack := decodeAs[protocol.AckMsg](t, readMsg(t, out), protocol.TypeAck)
	if !ack.OK {
		t.Fatalf("collect ack = %+v", ack)
	}
	patch := decodeAs[protocol.PatchMsg](t, readMsg(t, out), protocol.TypePatch)
	if len(patch.Entered) != 1 || patch.Entered[0].Cell != (geo.Cell{I: -1, J: 2}) {
		t.Fatalf("patch entered = %+v", patch.Entered)
	}
	if patch.Entered[0].PointValue != 37 {
		t.Fatalf("cache value = %d, want 37", patch.Entered[0].PointValue)
	}
	if patch.Player.Coins != 1 {
		t.Fatalf("player coins = %d", patch.Player.Coins)
	}

	s.handleAct(act(out, protocol.ActMsg{Seq: 2, Kind: protocol.KindDeposit, I: 2, J: 2}))
	ack = decodeAs[protocol.AckMsg](t, readMsg(t, out), protocol.TypeAck)
	if !ack.OK {
		t.Fatalf("deposit ack = %+v", ack)
	}
	patch = decodeAs[protocol.PatchMsg](t, readMsg(t, out), protocol.TypePatch)
	if len(patch.Entered) != 1 || patch.Entered[0].Coins != 1 || patch.Entered[0].PointValue != 6 {
		t.Fatalf("deposit patch = %+v", patch.Entered)
	}
	if patch.Player.Coins != 0 {
		t.Fatalf("player coins = %d", patch.Player.Coins)
	}
}

func TestHandleAct_Rejections(t *testing.T) {
	s, _, _ := newTestSession()
	out, _ := joinClient(t, s, "")

	// Drain (2,2) so the empty-cache path is reachable.
	for i := 0; i < 6; i++ {
		s.handleAct(act(out, protocol.ActMsg{Seq: uint64(i), Kind: protocol.KindCollect, I: 2, J: 2}))
		readMsg(t, out) // ack
		readMsg(t, out) // patch
	}
	// Get rid of the collected coins so DEPOSIT can fail on E_NO_COINS.
	for i := 0; i < 6; i++ {
		s.handleAct(act(out, protocol.ActMsg{Seq: uint64(i), Kind: protocol.KindDeposit, I: 2, J: 2}))
		readMsg(t, out)
		readMsg(t, out)
	}

	cases := []struct {
		name string
		msg  protocol.ActMsg
		code string
	}{
		{"move outside domain", protocol.ActMsg{Kind: protocol.KindMoveTo, Lat: 91, Lng: 0}, protocol.ErrBadPos},
		{"move by off the globe", protocol.ActMsg{Kind: protocol.KindMoveBy, DLat: 1000, DLng: 0}, protocol.ErrBadPos},
		{"collect unknown cell", protocol.ActMsg{Kind: protocol.KindCollect, I: 9, J: 9}, protocol.ErrUnknownCell},
		{"collect empty cache", protocol.ActMsg{Kind: protocol.KindCollect, I: 2, J: 2}, protocol.ErrEmptyCache},
		{"deposit unknown cell", protocol.ActMsg{Kind: protocol.KindDeposit, I: 9, J: 9}, protocol.ErrUnknownCell},
		{"deposit without coins", protocol.ActMsg{Kind: protocol.KindDeposit, I: 2, J: 2}, protocol.ErrNoCoins},
		{"unknown kind", protocol.ActMsg{Kind: "FLY"}, protocol.ErrBadMsg},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.msg.Seq = 99
			s.handleAct(act(out, tc.msg))
			ack := decodeAs[protocol.AckMsg](t, readMsg(t, out), protocol.TypeAck)
			if ack.OK || ack.Code != tc.code {
				t.Fatalf("ack = %+v, want code %s", ack, tc.code)
			}
			if !protocol.IsKnownCode(ack.Code) {
				t.Fatalf("unknown wire code %q", ack.Code)
			}
			// Rejections never broadcast a patch.
			if len(out) != 0 {
				t.Fatalf("rejection queued %d extra messages", len(out))
			}
		})
	}
}

func TestHandleAct_PosLostNotifies(t *testing.T) {
	s, _, j := newTestSession()
	out, _ := joinClient(t, s, "")

	s.handleAct(act(out, protocol.ActMsg{Seq: 3, Kind: protocol.KindPosLost, Reason: "gps timeout"}))

	ack := decodeAs[protocol.AckMsg](t, readMsg(t, out), protocol.TypeAck)
	if !ack.OK {
		t.Fatalf("ack = %+v", ack)
	}
	notice := decodeAs[protocol.NoticeMsg](t, readMsg(t, out), protocol.TypeNotice)
	if notice.Level != "warn" || notice.Text == "" {
		t.Fatalf("notice = %+v", notice)
	}
	if s.g.Seq() != 0 {
		t.Fatalf("POS_LOST touched game state: seq=%d", s.g.Seq())
	}
	if j.noticeCount() != 1 {
		t.Fatalf("notices journaled = %d", j.noticeCount())
	}
	rec, _ := j.lastAction()
	if rec.Kind != protocol.KindPosLost || !rec.OK {
		t.Fatalf("journal = %+v", rec)
	}
}

func TestHandleObserve_SpectatorStream(t *testing.T) {
	s, _, _ := newTestSession()
	out, first := joinClient(t, s, "")

	obs := make(chan []byte, 16)
	s.handleObserve(ObserveRequest{Out: obs})

	w := decodeAs[protocol.WelcomeMsg](t, readMsg(t, obs), protocol.TypeWelcome)
	if w.ResumeToken != "" {
		t.Fatalf("spectator welcome carries a resume token")
	}
	if len(w.Caches) != 3 {
		t.Fatalf("spectator caches = %d", len(w.Caches))
	}
	if s.Observers() != 1 {
		t.Fatalf("observers = %d", s.Observers())
	}

	// Attaching a spectator must not rotate the player's token.
	_, second := joinClient(t, s, first.Welcome.ResumeToken)
	if !second.OK {
		t.Fatalf("resume after observe: %+v", second)
	}

	// Broadcasts reach spectators too.
	s.handleAct(act(out, protocol.ActMsg{Seq: 1, Kind: protocol.KindMoveTo, Lat: 0.00005, Lng: 0.00015}))
	patch := decodeAs[protocol.PatchMsg](t, readMsg(t, obs), protocol.TypePatch)
	if patch.Origin != (geo.Cell{I: 0, J: 1}) {
		t.Fatalf("spectator patch origin = %v", patch.Origin)
	}

	// Re-observing the same channel is a resync, not a second attachment.
	s.handleObserve(ObserveRequest{Out: obs})
	decodeAs[protocol.WelcomeMsg](t, readMsg(t, obs), protocol.TypeWelcome)
	if s.Observers() != 1 {
		t.Fatalf("observers after resync = %d", s.Observers())
	}
}

func TestSessionRun_ObserverAttachDetach(t *testing.T) {
	s, _, _ := newTestSession()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	obs := make(chan []byte, 16)
	s.Observe() <- ObserveRequest{Out: obs}
	w := decodeAs[protocol.WelcomeMsg](t, waitMsg(t, obs), protocol.TypeWelcome)
	if w.Session != "default" || w.ResumeToken != "" {
		t.Fatalf("welcome = %+v", w)
	}

	state, err := s.RequestState(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Observers != 1 || state.Clients != 0 {
		t.Fatalf("state = %+v", state)
	}

	s.Leave() <- obs
	deadline := time.Now().Add(2 * time.Second)
	for s.Observers() != 0 {
		if !time.Now().Before(deadline) {
			t.Fatalf("observer still attached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleAdmin_ResetRestoresDefaults(t *testing.T) {
	s, st, j := newTestSession()
	out, _ := joinClient(t, s, "")

	s.handleAct(act(out, protocol.ActMsg{Seq: 1, Kind: protocol.KindCollect, I: -1, J: 2}))
	readMsg(t, out)
	readMsg(t, out)

	resp := make(chan adminResp, 1)
	s.handleAdmin(adminReq{kind: adminReset, resp: resp})
	r := <-resp
	if r.err != "" {
		t.Fatalf("reset: %s", r.err)
	}
	if r.state.Seq != 0 || r.state.Player.Coins != 0 {
		t.Fatalf("state after reset = %+v", r.state)
	}
	if st.deletes != 1 {
		t.Fatalf("deletes = %d", st.deletes)
	}

	// Clients rebuild from a pushed WELCOME.
	w := decodeAs[protocol.WelcomeMsg](t, readMsg(t, out), protocol.TypeWelcome)
	if len(w.Caches) != 3 || w.Caches[0].PointValue != 38 {
		t.Fatalf("welcome after reset = %+v", w.Caches)
	}
	if j.noticeCount() != 1 {
		t.Fatalf("notices = %d", j.noticeCount())
	}
}

func TestHandleAdmin_SaveCheckpoints(t *testing.T) {
	s, st, _ := newTestSession()

	resp := make(chan adminResp, 1)
	s.handleAdmin(adminReq{kind: adminSave, resp: resp})
	if r := <-resp; r.err != "" {
		t.Fatalf("save: %s", r.err)
	}
	if st.putCount() != 1 {
		t.Fatalf("puts = %d", st.putCount())
	}
	resp = make(chan adminResp, 1)
	s.handleAdmin(adminReq{kind: adminState, resp: resp})
	r := <-resp
	if r.state.Session != "default" || r.state.Seq != 0 || r.state.Caches != 3 {
		t.Fatalf("state = %+v", r.state)
	}
}

func TestSessionRun_EndToEnd(t *testing.T) {
	s, _, _ := newTestSession()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	out := make(chan []byte, 16)
	resp := make(chan JoinResponse, 1)
	s.Join() <- JoinRequest{Out: out, Resp: resp}
	jr := waitJoin(t, resp)
	if !jr.OK {
		t.Fatalf("join: %+v", jr)
	}

	s.Inbox() <- act(out, protocol.ActMsg{Seq: 5, Kind: protocol.KindMoveTo, Lat: 0.00015, Lng: 0.00005})
	ack := decodeAs[protocol.AckMsg](t, waitMsg(t, out), protocol.TypeAck)
	if !ack.OK || ack.Seq != 5 {
		t.Fatalf("ack = %+v", ack)
	}
	decodeAs[protocol.PatchMsg](t, waitMsg(t, out), protocol.TypePatch)

	state, err := s.RequestState(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Clients != 1 || state.Seq != 1 {
		t.Fatalf("state = %+v", state)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop")
	}
}

func waitMsg(t *testing.T, out chan []byte) []byte {
	t.Helper()
	select {
	case b := <-out:
		return b
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
		return nil
	}
}

func waitJoin(t *testing.T, resp chan JoinResponse) JoinResponse {
	t.Helper()
	select {
	case r := <-resp:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for join response")
		return JoinResponse{}
	}
}
