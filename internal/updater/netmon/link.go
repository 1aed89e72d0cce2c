package netmon

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
	"github.com/autopeer-io/otaupdater/pkg/log"
	"github.com/autopeer-io/otaupdater/pkg/options"
)

const wpaCompleted = "COMPLETED"

// Link drives a wpa_supplicant station through wpa_cli and samples the
// supplicant state and interface address to raise events.
type Link struct {
	iface    string
	ssid     string
	password string
	interval time.Duration

	run  Runner
	addr AddrFunc

	events chan core.LinkEvent

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	networkID  string
	connecting bool
	associated bool
	lastAddr   string
	stopped    bool

	log log.Logger
}

var _ Monitor = (*Link)(nil)

func NewLink(opts *options.WifiOptions, run Runner, addr AddrFunc) *Link {
	return &Link{
		iface:    opts.Interface,
		ssid:     opts.SSID,
		password: opts.Password,
		interval: opts.PollInterval,
		run:      run,
		addr:     addr,
		events:   make(chan core.LinkEvent, 16),
		log:      log.WithName(Tag),
	}
}

func (l *Link) Events() <-chan core.LinkEvent {
	return l.events
}

// Start registers the network with the supplicant, starts sampling and
// emits LinkStarted.
func (l *Link) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.ctx != nil {
		l.mu.Unlock()
		return fmt.Errorf("link %s already started", l.iface)
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	out, err := l.wpa("add_network")
	if err != nil {
		return err
	}
	id := strings.TrimSpace(string(out))

	settings := [][]string{{"ssid", quote(l.ssid)}}
	if l.password != "" {
		settings = append(settings, []string{"psk", quote(l.password)})
	} else {
		settings = append(settings, []string{"key_mgmt", "NONE"})
	}
	for _, kv := range settings {
		if _, err := l.wpa("set_network", id, kv[0], kv[1]); err != nil {
			return fmt.Errorf("configure network %s: %w", kv[0], err)
		}
	}

	l.mu.Lock()
	l.networkID = id
	l.mu.Unlock()

	l.log.Info("wifi_init_sta finished.", "interface", l.iface, "ssid", l.ssid)

	l.wg.Add(1)
	go l.poll()

	send(l.ctx, l.events, core.LinkEvent{Type: core.LinkStarted})
	return nil
}

// Connect selects the configured network. A failed attempt is reported as
// Disconnected by the sampler.
func (l *Link) Connect() error {
	l.mu.Lock()
	if l.stopped || l.networkID == "" {
		l.mu.Unlock()
		return errStopped
	}
	id := l.networkID
	l.connecting = true
	l.mu.Unlock()

	if _, err := l.wpa("select_network", id); err != nil {
		return err
	}
	_, err := l.wpa("reconnect")
	return err
}

// Stop disconnects and stops sampling. It is idempotent.
func (l *Link) Stop() error {
	l.mu.Lock()
	if l.stopped || l.ctx == nil {
		l.stopped = true
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	id := l.networkID
	l.cancel()
	l.mu.Unlock()

	l.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := l.run(ctx, "wpa_cli", "-i", l.iface, "disconnect"); err != nil {
		return err
	}
	if id != "" {
		if _, err := l.run(ctx, "wpa_cli", "-i", l.iface, "remove_network", id); err != nil {
			return err
		}
	}
	l.log.Info("Link stopped", "interface", l.iface)
	return nil
}

func (l *Link) poll() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.sample()
		}
	}
}

func (l *Link) sample() {
	out, err := l.wpa("status")
	if err != nil {
		l.log.Debug("Failed to read supplicant status", "error", err)
		return
	}
	state := statusField(out, "wpa_state")

	addr, err := l.addr(l.iface)
	if err != nil {
		l.log.Debug("Failed to read interface address", "error", err)
		addr = ""
	}

	for _, ev := range l.transition(state, addr) {
		send(l.ctx, l.events, ev)
	}
}

// transition updates the sampled state and returns the events it implies.
func (l *Link) transition(state, addr string) []core.LinkEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var evs []core.LinkEvent
	switch {
	case state == wpaCompleted:
		l.associated = true
		l.connecting = false
		if addr != "" && addr != l.lastAddr {
			l.lastAddr = addr
			evs = append(evs, core.LinkEvent{Type: core.AddressAcquired, Addr: addr})
		}
	case l.associated:
		l.associated = false
		l.lastAddr = ""
		evs = append(evs, core.LinkEvent{Type: core.Disconnected, Reason: strings.ToLower(state)})
	case l.connecting && (state == "DISCONNECTED" || state == "INACTIVE" || state == "INTERFACE_DISABLED"):
		l.connecting = false
		evs = append(evs, core.LinkEvent{Type: core.Disconnected, Reason: strings.ToLower(state)})
	}
	return evs
}

func (l *Link) wpa(args ...string) ([]byte, error) {
	out, err := l.run(l.ctx, "wpa_cli", append([]string{"-i", l.iface}, args...)...)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(bytes.TrimSpace(out), []byte("FAIL")) {
		return nil, fmt.Errorf("wpa_cli %s: FAIL", args[0])
	}
	return out, nil
}

func statusField(out []byte, key string) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok && k == key {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func quote(s string) string {
	return `"` + s + `"`
}
