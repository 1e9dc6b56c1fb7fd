// Package server fans simulator output out to TCP and WebSocket clients and
// feeds their inbound lines to the command channel.
package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscriber is one connected client's view of the hub. Frames and command
// replies arrive on separate channels so the connection writer can interleave
// them without blocking the broadcast path.
type Subscriber struct {
	ID        string
	Proto     string
	Remote    string
	Connected time.Time

	frames  chan []byte
	replies chan []byte
	kick    chan struct{}
	once    sync.Once

	// Guarded by the hub mutex, mutated only through Hub.Touch.
	lastActive time.Time
	commands   bool
}

// Frames is the broadcast stream for this client.
func (s *Subscriber) Frames() <-chan []byte { return s.frames }

// Replies carries ACK/NAK traffic addressed to this client only.
func (s *Subscriber) Replies() <-chan []byte { return s.replies }

// Kicked is closed when the bridge force-disconnects the client.
func (s *Subscriber) Kicked() <-chan struct{} { return s.kick }

// Reply queues a command reply, dropping it if the client is not draining.
func (s *Subscriber) Reply(b []byte) {
	select {
	case s.replies <- b:
	default:
	}
}

func (s *Subscriber) closeKick() {
	s.once.Do(func() { close(s.kick) })
}

// ClientInfo is the status-endpoint view of a subscriber.
type ClientInfo struct {
	ID         string    `json:"id"`
	Proto      string    `json:"proto"`
	Remote     string    `json:"remote"`
	Queued     int       `json:"queued"`
	Connected  time.Time `json:"connected"`
	LastActive time.Time `json:"last_active"`
	Commands   bool      `json:"commands"`
}

// Hub owns the subscriber registry. Publishing never blocks: a client that
// stops draining loses its own oldest frames and nobody else notices.
type Hub struct {
	queueSize int
	log       *zap.SugaredLogger

	// Unix nanoseconds of the most recent broadcast, for the health
	// endpoint. Atomic so Publish can stay on the read lock.
	lastBroadcast atomic.Int64

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// NewHub builds a hub with the given per-client queue depth.
func NewHub(queueSize int, log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Hub{
		queueSize: queueSize,
		log:       log,
		subs:      make(map[string]*Subscriber),
	}
}

// Subscribe registers a client and returns its subscription.
func (h *Hub) Subscribe(proto, remote string) *Subscriber {
	now := time.Now().UTC()
	sub := &Subscriber{
		ID:         uuid.NewString(),
		Proto:      proto,
		Remote:     remote,
		Connected:  now,
		frames:     make(chan []byte, h.queueSize),
		replies:    make(chan []byte, 16),
		kick:       make(chan struct{}),
		lastActive: now,
	}
	h.mu.Lock()
	h.subs[sub.ID] = sub
	n := len(h.subs)
	h.mu.Unlock()
	connectedClients.WithLabelValues(proto).Inc()
	h.log.Infow("client connected", "id", sub.ID, "proto", proto, "remote", remote, "clients", n)
	return sub
}

// Unsubscribe removes a client. Safe to call twice.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	n := len(h.subs)
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.closeKick()
	connectedClients.WithLabelValues(sub.Proto).Dec()
	h.log.Infow("client disconnected", "id", id, "proto", sub.Proto, "clients", n)
}

// Touch records inbound traffic from a client; command marks the client as
// using the bidirectional command path.
func (h *Hub) Touch(id string, command bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	sub.lastActive = time.Now().UTC()
	if command {
		sub.commands = true
	}
}

// LastBroadcast reports when the hub last published a frame; zero before the
// first one.
func (h *Hub) LastBroadcast() time.Time {
	ns := h.lastBroadcast.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Publish offers one frame to every subscriber. A full queue sheds its
// oldest frame to make room, so lagging clients skip ahead instead of
// stalling the simulation.
func (h *Hub) Publish(frame []byte) {
	broadcastFramesTotal.Inc()
	h.lastBroadcast.Store(time.Now().UnixNano())
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.frames <- frame:
			continue
		default:
		}
		select {
		case <-sub.frames:
			droppedFramesTotal.WithLabelValues(sub.Proto).Inc()
		default:
		}
		select {
		case sub.frames <- frame:
		default:
			droppedFramesTotal.WithLabelValues(sub.Proto).Inc()
		}
	}
}

// PublishBatch publishes frames in order.
func (h *Hub) PublishBatch(frames [][]byte) {
	for _, f := range frames {
		h.Publish(f)
	}
}

// Kick force-disconnects one client.
func (h *Hub) Kick(id string) bool {
	h.mu.RLock()
	sub, ok := h.subs[id]
	h.mu.RUnlock()
	if ok {
		sub.closeKick()
	}
	return ok
}

// KickAll force-disconnects every client and reports how many were hit.
func (h *Hub) KickAll() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		sub.closeKick()
	}
	return len(h.subs)
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Clients snapshots the registry for the status endpoint.
func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ClientInfo, 0, len(h.subs))
	for _, sub := range h.subs {
		out = append(out, ClientInfo{
			ID:         sub.ID,
			Proto:      sub.Proto,
			Remote:     sub.Remote,
			Queued:     len(sub.frames),
			Connected:  sub.Connected,
			LastActive: sub.lastActive,
			Commands:   sub.commands,
		})
	}
	return out
}
