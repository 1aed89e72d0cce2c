package server

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/otaupdater/pkg/log"
)

// Server defines the common interface for everything the updater runs next
// to the event loop.
type Server interface {
	Start(ctx context.Context) error
}

// Func adapts a blocking function to Server.
type Func func(ctx context.Context) error

func (f Func) Start(ctx context.Context) error { return f(ctx) }

// Manager manages the lifecycle of the sub-servers.
type Manager struct {
	servers []Server
}

func NewManager(servers ...Server) *Manager {
	return &Manager{servers: servers}
}

// Add registers s. It must be called before Start.
func (m *Manager) Add(s Server) {
	m.servers = append(m.servers, s)
}

// Start launches all servers in parallel and waits for termination. The
// first error cancels the others.
func (m *Manager) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, s := range m.servers {
		g.Go(func() error {
			return s.Start(ctx)
		})
	}

	log.Debug("All servers starting...", "count", len(m.servers))
	return g.Wait()
}
