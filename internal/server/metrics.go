package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	broadcastFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_broadcast_frames_total",
		Help: "Frames handed to the hub for fan-out.",
	})
	droppedFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_dropped_frames_total",
		Help: "Frames dropped because a client queue was full.",
	}, []string{"proto"})
	connectedClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_connected_clients",
		Help: "Currently connected data clients.",
	}, []string{"proto"})
)
