package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"geocoins.world/internal/game"
	"geocoins.world/internal/protocol"
)

// clientQueue bounds the per-client outbound buffer. A client that falls
// this far behind starts losing patches and must resync from a reconnect.
const clientQueue = 32

type Server struct {
	manager *game.Manager
	session string
	log     *log.Logger

	upgrader websocket.Upgrader
}

// NewServer serves the game protocol over websockets. Clients that name no
// session in HELLO land in defaultSession.
func NewServer(m *game.Manager, defaultSession string, logger *log.Logger) *Server {
	return &Server{
		manager: m,
		session: defaultSession,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess, out := s.handshake(conn)
		if sess == nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeAct {
				continue
			}
			var act protocol.ActMsg
			if err := json.Unmarshal(msg, &act); err != nil {
				continue
			}
			if !sameMajor(act.ProtocolVersion) {
				continue
			}
			sess.Inbox() <- game.ActEnvelope{From: out, Act: act}
		}

		// Cleanup.
		sess.Leave() <- out
	}
}

// handshake runs the HELLO/WELCOME exchange. On any failure the client gets
// an ERROR frame and a nil session back; the caller closes the connection.
func (s *Server) handshake(conn *websocket.Conn) (*game.Session, chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.closeError(conn, protocol.ErrProto, "expected HELLO")
		return nil, nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.closeError(conn, protocol.ErrBadMsg, "unreadable HELLO")
		return nil, nil
	}
	if !sameMajor(hello.ProtocolVersion) {
		s.closeError(conn, protocol.ErrProto, "unsupported protocol_version "+hello.ProtocolVersion)
		return nil, nil
	}

	id := strings.TrimSpace(hello.Session)
	if id == "" {
		id = s.session
	}
	sess, err := s.manager.GetOrCreate(id)
	if err != nil {
		s.printf("ws: session %q: %v", id, err)
		s.closeError(conn, protocol.ErrInternal, "session unavailable")
		return nil, nil
	}

	out := make(chan []byte, clientQueue)
	respCh := make(chan game.JoinResponse, 1)
	sess.Join() <- game.JoinRequest{Resume: hello.Resume, Name: hello.Name, Out: out, Resp: respCh}
	resp := <-respCh
	if !resp.OK {
		code := resp.Code
		if code == "" {
			code = protocol.ErrInternal
		}
		s.closeError(conn, code, "resume rejected")
		return nil, nil
	}

	if err := writeJSON(conn, resp.Welcome); err != nil {
		sess.Leave() <- out
		return nil, nil
	}
	return sess, out
}

func (s *Server) closeError(conn *websocket.Conn, code, text string) {
	_ = writeJSON(conn, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Text:            text,
	})
}

func (s *Server) printf(format string, args ...any) {
	if s.log == nil {
		return
	}
	s.log.Printf(format, args...)
}

// sameMajor accepts any client on our major version; minor revisions only
// add fields.
func sameMajor(v string) bool {
	want, _, _ := strings.Cut(protocol.Version, ".")
	got, _, _ := strings.Cut(v, ".")
	return got == want
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
