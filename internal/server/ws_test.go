package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nmea-bridge/internal/command"
	"nmea-bridge/internal/nmea"
)

func startWS(t *testing.T) (*WSServer, *Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(64, nil)
	srv := NewWSServer("127.0.0.1:0", hub, command.NewChannel(okApplier{}, nil), nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Start(ctx)
	return srv, hub, cancel
}

func TestWebSocketTextAndBinaryFrames(t *testing.T) {
	srv, hub, cancel := startWS(t)
	defer cancel()

	url := "ws://" + srv.Addr().String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()
	waitFor(t, "subscription", func() bool { return hub.Len() == 1 })

	sentence := []byte(nmea.Format("$SDDPT,14.2,0.0"))
	binary := nmea.Frame{Priority: 3, PGN: nmea.PGNWaterDepth, Source: 8, Data: []byte{1, 2, 3}}.Marshal()
	hub.Publish(sentence)
	hub.Publish(binary)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read text frame: %v", err)
	}
	if kind != websocket.TextMessage || !strings.HasPrefix(string(data), "$SDDPT") {
		t.Fatalf("first message kind=%d data=%q", kind, data)
	}

	kind, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read binary frame: %v", err)
	}
	if kind != websocket.BinaryMessage || data[0] != nmea.FrameMagic {
		t.Fatalf("second message kind=%d first byte=0x%02X", kind, data[0])
	}
}

func TestWebSocketCommandReply(t *testing.T) {
	srv, hub, cancel := startWS(t)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "subscription", func() bool { return hub.Len() == 1 })

	cmd := strings.TrimRight(nmea.Format("$PBRC,1,AP,DISENGAGE"), "\r\n")
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		t.Fatalf("write command: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if kind != websocket.TextMessage || !strings.HasPrefix(string(data), "$PBRA,1,ACK,DISENGAGE") {
		t.Fatalf("reply kind=%d data=%q", kind, data)
	}
}

func TestWebSocketKick(t *testing.T) {
	srv, hub, cancel := startWS(t)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "subscription", func() bool { return hub.Len() == 1 })

	hub.KickAll()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected websocket to drop after kick")
	}
	waitFor(t, "unsubscribe", func() bool { return hub.Len() == 0 })
}
