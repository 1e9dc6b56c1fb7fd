package server

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server is the common lifecycle of the protocol servers.
type Server interface {
	Start(ctx context.Context) error
}

// Manager runs all protocol servers and stops them together: the first
// failure or a cancelled context takes the whole group down.
type Manager struct {
	servers []Server
	log     *zap.SugaredLogger
}

// NewManager groups servers under one lifecycle.
func NewManager(log *zap.SugaredLogger, servers ...Server) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{servers: servers, log: log}
}

// Start launches all servers in parallel and waits for termination.
func (m *Manager) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range m.servers {
		srv := s
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}
	m.log.Infow("all servers starting", "count", len(m.servers))
	return g.Wait()
}
