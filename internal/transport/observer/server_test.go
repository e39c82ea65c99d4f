package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"geocoins.world/internal/game"
	"geocoins.world/internal/geo"
	"geocoins.world/internal/observerproto"
	"geocoins.world/internal/persistence/store"
	"geocoins.world/internal/protocol"
)

func newTestServer(t *testing.T) (*game.Manager, *Server) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "saves.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mgr := game.NewManager(game.Rules{
		CellSizeDeg:      1e-4,
		SpawnProbability: 0.10,
		ValueScale:       100,
		WindowRadius:     2,
		Origin:           geo.LatLng{Lat: 0.00005, Lng: 0.00005},
	}, st)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	return mgr, NewServer(mgr, "default", log.New(io.Discard, "", 0))
}

func subscribeMsg(session string) observerproto.SubscribeMsg {
	return observerproto.SubscribeMsg{
		Type:            "SUBSCRIBE",
		ProtocolVersion: observerproto.Version,
		Session:         session,
	}
}

func TestBootstrapListsRunningSessions(t *testing.T) {
	mgr, obs := newTestServer(t)
	if _, err := mgr.GetOrCreate("default"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/observer/bootstrap", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	obs.BootstrapHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp observerproto.BootstrapResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ProtocolVersion != observerproto.Version || resp.DefaultSession != "default" {
		t.Fatalf("bootstrap = %+v", resp)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0] != "default" {
		t.Fatalf("sessions = %v", resp.Sessions)
	}
}

func TestBootstrapRejectsNonLoopback(t *testing.T) {
	_, obs := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/observer/bootstrap", nil)
	req.RemoteAddr = "8.8.8.8:1234"
	rec := httptest.NewRecorder()
	obs.BootstrapHandler()(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestSubscribeStreamsWelcomeAndPatches(t *testing.T) {
	mgr, obs := newTestServer(t)
	sess, err := mgr.GetOrCreate("default")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	srv := httptest.NewServer(obs.WSHandler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	b, _ := json.Marshal(subscribeMsg(""))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(frame, &welcome); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if welcome.Type != protocol.TypeWelcome || welcome.Session != "default" {
		t.Fatalf("welcome = %+v", welcome)
	}
	if welcome.ResumeToken != "" {
		t.Fatalf("spectator welcome carries a resume token")
	}
	if len(welcome.Caches) != 3 {
		t.Fatalf("welcome caches = %d", len(welcome.Caches))
	}

	// A player action shows up on the spectator stream as a PATCH.
	player := make(chan []byte, 16)
	resp := make(chan game.JoinResponse, 1)
	sess.Join() <- game.JoinRequest{Out: player, Resp: resp}
	if jr := <-resp; !jr.OK {
		t.Fatalf("player join: %+v", jr)
	}
	sess.Inbox() <- game.ActEnvelope{From: player, Act: protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Seq:             1,
		Kind:            protocol.KindMoveTo,
		Lat:             0.00005,
		Lng:             0.00015,
	}}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read patch: %v", err)
	}
	var patch protocol.PatchMsg
	if err := json.Unmarshal(frame, &patch); err != nil {
		t.Fatalf("decode patch: %v", err)
	}
	if patch.Type != protocol.TypePatch || patch.Origin != (geo.Cell{I: 0, J: 1}) {
		t.Fatalf("patch = %+v", patch)
	}
}

func TestSubscribeUnknownSessionIsClosed(t *testing.T) {
	_, obs := newTestServer(t)

	srv := httptest.NewServer(obs.WSHandler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	// No session is running, so even the default slot is not watchable.
	b, _ := json.Marshal(subscribeMsg("nope"))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close for unknown session")
	}
}

func TestSubscribeWrongVersionIsClosed(t *testing.T) {
	mgr, obs := newTestServer(t)
	if _, err := mgr.GetOrCreate("default"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	srv := httptest.NewServer(obs.WSHandler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	sub := subscribeMsg("")
	sub.ProtocolVersion = "999.0"
	b, _ := json.Marshal(sub)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close for wrong protocol version")
	}
}
