package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
	"github.com/autopeer-io/otaupdater/pkg/log"
)

// Static is a link that is always associated, for wired interfaces and
// simulation. Connect waits for the interface to carry an IPv4 address and
// reports it.
type Static struct {
	iface    string
	interval time.Duration
	addr     AddrFunc

	events chan core.LinkEvent

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	waiting bool

	log log.Logger
}

var _ Monitor = (*Static)(nil)

func NewStatic(iface string, interval time.Duration, addr AddrFunc) *Static {
	return &Static{
		iface:    iface,
		interval: interval,
		addr:     addr,
		events:   make(chan core.LinkEvent, 4),
		log:      log.WithName(Tag),
	}
}

func (s *Static) Events() <-chan core.LinkEvent {
	return s.events
}

func (s *Static) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.Info("wifi_init_sta finished.", "interface", s.iface, "driver", "static")
	send(ctx, s.events, core.LinkEvent{Type: core.LinkStarted})
	return nil
}

func (s *Static) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil || s.ctx.Err() != nil {
		return errStopped
	}
	if s.waiting {
		return nil
	}
	s.waiting = true

	s.wg.Add(1)
	go s.waitForAddress(s.ctx)
	return nil
}

func (s *Static) waitForAddress(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.waiting = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		addr, err := s.addr(s.iface)
		if err != nil {
			s.log.Debug("Failed to read interface address", "error", err)
		}
		if addr != "" {
			send(ctx, s.events, core.LinkEvent{Type: core.AddressAcquired, Addr: addr})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Static) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}
