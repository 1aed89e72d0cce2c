// Package updater wires the connectivity monitor, the flash HAL and the OTA
// session into the device process.
package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/otaupdater/internal/pkg/metrics"
	"github.com/autopeer-io/otaupdater/internal/updater/core"
	"github.com/autopeer-io/otaupdater/internal/updater/netmon"
	"github.com/autopeer-io/otaupdater/internal/updater/ota"
	"github.com/autopeer-io/otaupdater/internal/updater/server"
	"github.com/autopeer-io/otaupdater/internal/updater/storage"
	"github.com/autopeer-io/otaupdater/pkg/log"
)

// Tag is the log subsystem of the process orchestrator.
const Tag = "main"

var errNotReady = errors.New("device state is not loaded")

// Mounter brings up the auxiliary storage.
type Mounter interface {
	Mount(ctx context.Context) (storage.Info, error)
	Unmount() error
}

// Option configures an Updater.
type Option func(*Updater)

// WithStorage mounts m before the link is started.
func WithStorage(m Mounter) Option {
	return func(u *Updater) { u.storage = m }
}

// WithServers runs s next to the event loop.
func WithServers(s ...server.Server) Option {
	return func(u *Updater) {
		for _, srv := range s {
			u.servers.Add(srv)
		}
	}
}

// WithObservers registers session observers on top of the metrics one.
func WithObservers(obs ...ota.Observer) Option {
	return func(u *Updater) { u.observers = append(u.observers, obs...) }
}

// WithRebootDelay sets the grace period between stopping the link and the
// restart.
func WithRebootDelay(d time.Duration) Option {
	return func(u *Updater) { u.rebootDelay = d }
}

// Updater owns the link event loop and starts at most one session per
// process, on the first address acquisition.
type Updater struct {
	hal       core.HAL
	monitor   netmon.Monitor
	transport core.Transport
	storage   Mounter
	servers   *server.Manager
	observers []ota.Observer

	rebootDelay time.Duration

	mu          sync.Mutex
	ready       bool
	link        core.LinkEventType
	addr        string
	storageInfo *storage.Info
	session     *ota.Session
	sessionDone chan struct{}

	log log.Logger
}

var _ server.Probe = (*Updater)(nil)

func New(hal core.HAL, monitor netmon.Monitor, transport core.Transport, opts ...Option) *Updater {
	u := &Updater{
		hal:         hal,
		monitor:     monitor,
		transport:   transport,
		servers:     server.NewManager(),
		observers:   []ota.Observer{ota.NewMetricsObserver()},
		rebootDelay: 200 * time.Millisecond,
		sessionDone: make(chan struct{}),
		log:         log.WithName(Tag),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run loads the device state, mounts the auxiliary storage and then serves
// link events until ctx is done. A failed session does not end Run.
func (u *Updater) Run(ctx context.Context) error {
	if err := u.hal.Init(ctx); err != nil {
		return fmt.Errorf("initialize device state: %w", err)
	}
	u.mu.Lock()
	u.ready = true
	u.mu.Unlock()

	if running, err := u.hal.RunningPartition(); err == nil {
		u.log.Info("Device state loaded", "deviceID", u.hal.DeviceID(), "running", running.Label)
	}

	if u.storage != nil {
		if info, err := u.storage.Mount(ctx); err == nil {
			u.mu.Lock()
			u.storageInfo = &info
			u.mu.Unlock()
			defer func() {
				if err := u.storage.Unmount(); err != nil {
					u.log.Error(err, "Failed to unmount storage")
				}
			}()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return u.servers.Start(ctx)
	})
	g.Go(func() error {
		return u.loop(ctx)
	})

	err := g.Wait()
	if stopErr := u.monitor.Stop(); stopErr != nil {
		u.log.Error(stopErr, "Failed to stop link")
	}
	u.waitSession()

	if c, ok := u.hal.(io.Closer); ok {
		if closeErr := c.Close(); closeErr != nil {
			u.log.Error(closeErr, "Failed to close flash")
		}
	}
	return err
}

func (u *Updater) loop(ctx context.Context) error {
	u.log.Info("Connecting to Wi-Fi...")
	if err := u.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start link: %w", err)
	}

	events := u.monitor.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			u.handle(ctx, ev)
		}
	}
}

func (u *Updater) handle(ctx context.Context, ev core.LinkEvent) {
	metrics.LinkEvents.WithLabelValues(string(ev.Type)).Inc()

	u.mu.Lock()
	u.link = ev.Type
	if ev.Type == core.AddressAcquired {
		u.addr = ev.Addr
	} else if ev.Type == core.Disconnected {
		u.addr = ""
	}
	u.mu.Unlock()

	wifi := log.WithName(netmon.Tag)
	switch ev.Type {
	case core.LinkStarted:
		u.connect()
	case core.Disconnected:
		wifi.Info("Disconnected. Reconnecting...", "reason", ev.Reason)
		u.connect()
	case core.AddressAcquired:
		wifi.Info("Connected to Wi-Fi, starting OTA update...", "ip", ev.Addr)
		u.startSession(ctx)
	default:
		u.log.Debug("Ignoring link event", "event", ev.String())
	}
}

func (u *Updater) connect() {
	if err := u.monitor.Connect(); err != nil {
		u.log.Error(err, "Failed to request association")
	}
}

// startSession launches the one session of this process. Later address
// acquisitions are ignored.
func (u *Updater) startSession(ctx context.Context) {
	u.mu.Lock()
	if u.session != nil {
		u.mu.Unlock()
		u.log.Debug("Update session already started")
		return
	}
	opts := []ota.Option{
		ota.WithObserver(u.observers...),
		ota.WithNetwork(u.monitor),
		ota.WithRebootDelay(u.rebootDelay),
	}
	s := ota.NewSession(u.hal, opts...)
	u.session = s
	u.mu.Unlock()

	go func() {
		defer close(u.sessionDone)
		if err := s.Run(ctx, u.transport); err != nil {
			u.log.Error(err, "Update failed, keeping current firmware", "session", s.ID(), "state", s.State())
			return
		}
		u.log.Info("Update applied", "session", s.ID(), "bytes", s.BytesWritten())
	}()
}

func (u *Updater) waitSession() {
	u.mu.Lock()
	started := u.session != nil
	u.mu.Unlock()
	if started {
		<-u.sessionDone
	}
}

// Session returns the session of this process, or nil before the first
// address acquisition.
func (u *Updater) Session() *ota.Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.session
}

// Ready reports whether the device state was loaded.
func (u *Updater) Ready() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.ready {
		return errNotReady
	}
	return nil
}
