// Package observer serves read-only websocket streams of running sessions.
// Spectators receive the same WELCOME and PATCH frames as players but cannot
// act, and attaching one never rotates a session's resume token. The
// endpoints are loopback-only; a dashboard is expected to sit on the same
// host or behind its own proxy.
package observer

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"geocoins.world/internal/game"
	"geocoins.world/internal/observerproto"
)

// observerQueue bounds a spectator's outbound buffer. Spectators cannot act
// to provoke a resync, so they get a deeper buffer than players and can
// re-send SUBSCRIBE for a fresh WELCOME if they fall behind anyway.
const observerQueue = 256

type Server struct {
	manager *game.Manager
	session string
	log     *log.Logger

	upgrader websocket.Upgrader
}

// NewServer wires the spectator endpoints to a session manager.
// defaultSession is used when a SUBSCRIBE names no session.
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

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			DefaultSession:  s.session,
			Sessions:        s.manager.SessionIDs(),
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		// Spectating never creates a session; the slot must already be live.
		sess := s.resolve(sub.Session)
		if sess == nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown session"), time.Now().Add(time.Second))
			return
		}

		out := make(chan []byte, observerQueue)
		select {
		case sess.Observe() <- game.ObserveRequest{Out: out}:
		default:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		current := sess
		defer func() {
			select {
			case current.Leave() <- out:
			default:
				// Session loop is stopping; nothing else to do.
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine. The WELCOME snapshot lands on out ahead of any
		// later broadcasts, so pumping one channel preserves frame order.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-out:
					if !ok {
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: a re-sent SUBSCRIBE switches sessions or, for the
		// current one, requests a fresh WELCOME.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				continue
			}
			if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
				continue
			}
			target := s.resolve(sub.Session)
			if target == nil {
				continue
			}
			if target != current {
				select {
				case current.Leave() <- out:
				default:
				}
				current = target
			}
			select {
			case target.Observe() <- game.ObserveRequest{Out: out}:
			default:
				// Drop updates under load; the client may resend.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) resolve(id string) *game.Session {
	id = strings.TrimSpace(id)
	if id == "" {
		id = s.session
	}
	return s.manager.Session(id)
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
