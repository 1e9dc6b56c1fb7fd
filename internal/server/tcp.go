package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"nmea-bridge/internal/command"
)

// ErrBind marks listen failures so the CLI can map them to its own exit
// code. Test with errors.Is.
var ErrBind = errors.New("address bind failed")

const writeTimeout = 10 * time.Second

// TCPServer streams frames to raw TCP clients, the classic NMEA-over-TCP
// setup chartplotters expect, and accepts command sentences on the same
// connection.
type TCPServer struct {
	addr string
	hub  *Hub
	cmds *command.Channel
	log  *zap.SugaredLogger
	ln   net.Listener
}

// NewTCPServer wires a TCP listener to the hub and the command channel.
func NewTCPServer(addr string, hub *Hub, cmds *command.Channel, log *zap.SugaredLogger) *TCPServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TCPServer{addr: addr, hub: hub, cmds: cmds, log: log}
}

// Listen binds the address. Kept separate from Start so bind failures
// surface before the process commits to running.
func (s *TCPServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%w: tcp %s: %v", ErrBind, s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *TCPServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start accepts connections until ctx is cancelled.
func (s *TCPServer) Start(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.log.Infow("tcp server listening", "addr", s.ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warnw("tcp accept failed", "error", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn) {
	sub := s.hub.Subscribe("tcp", conn.RemoteAddr().String())
	defer s.hub.Unsubscribe(sub.ID)
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Writer owns the connection's outbound side; the reader below never
	// writes directly.
	go func() {
		defer cancel()
		defer conn.Close()
		for {
			var payload []byte
			select {
			case payload = <-sub.frames:
			case payload = <-sub.replies:
			case <-sub.Kicked():
				return
			case <-ctx.Done():
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := conn.Write(payload); err != nil {
				s.log.Debugw("tcp write failed", "id", sub.ID, "error", err)
				return
			}
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 4096)
	for scanner.Scan() {
		line := scanner.Text()
		reply, handled := s.cmds.HandleLine(ctx, line)
		s.hub.Touch(sub.ID, handled)
		if handled {
			sub.Reply(reply)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.log.Debugw("tcp read ended", "id", sub.ID, "error", err)
	}
}
