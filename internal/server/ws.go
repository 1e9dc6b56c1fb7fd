package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"nmea-bridge/internal/command"
)

// Keepalive: the server pings and the peer must pong within pongWait or the
// read side times out and tears the connection down.
const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSServer serves the same frame stream over WebSocket at /ws. ASCII
// sentences go out as text messages, binary PGN frames as binary messages,
// and inbound text messages feed the command channel.
type WSServer struct {
	addr     string
	hub      *Hub
	cmds     *command.Channel
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
	server   *http.Server
	ln       net.Listener
}

// NewWSServer wires the WebSocket endpoint to the hub and command channel.
func NewWSServer(addr string, hub *Hub, cmds *command.Channel, log *zap.SugaredLogger) *WSServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &WSServer{
		addr: addr,
		hub:  hub,
		cmds: cmds,
		log:  log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Browser dashboards connect from any origin.
			},
		},
	}
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	s.server = &http.Server{Addr: addr, Handler: r}
	return s
}

// Listen binds the address, reporting failures as ErrBind.
func (s *WSServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%w: ws %s: %v", ErrBind, s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *WSServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start serves until ctx is cancelled.
func (s *WSServer) Start(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.log.Infow("websocket server listening", "addr", s.ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe("ws", r.RemoteAddr)
	defer s.hub.Unsubscribe(sub.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer cancel()
		defer conn.Close()
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		for {
			var payload []byte
			select {
			case payload = <-sub.frames:
			case payload = <-sub.replies:
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				continue
			case <-sub.Kicked():
				return
			case <-ctx.Done():
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(messageType(payload), payload); err != nil {
				s.log.Debugw("websocket write failed", "id", sub.ID, "error", err)
				return
			}
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("websocket read ended", "id", sub.ID, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			s.hub.Touch(sub.ID, false)
			continue
		}
		reply, handled := s.cmds.HandleLine(ctx, string(data))
		s.hub.Touch(sub.ID, handled)
		if handled {
			sub.Reply(reply)
		}
	}
}

// messageType picks text for ASCII sentences and binary for PGN frames.
func messageType(payload []byte) int {
	if len(payload) > 0 && payload[0] == '$' {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}
