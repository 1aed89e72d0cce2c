package netmon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
	"github.com/autopeer-io/otaupdater/pkg/options"
)

// Tag is the log subsystem of link events.
const Tag = "Wifi_Event"

// Monitor owns the network link and reports its state changes. Events are
// delivered in order on a single channel that stays open for the lifetime of
// the process.
type Monitor interface {
	// Start brings the interface up and emits LinkStarted.
	Start(ctx context.Context) error
	// Events returns the event stream.
	Events() <-chan core.LinkEvent
	// Connect requests an association. The outcome arrives as an event.
	Connect() error
	// Stop tears the link down. No event follows.
	Stop() error
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// AddrFunc returns the first IPv4 address of an interface, or "" when it has
// none.
type AddrFunc func(iface string) (string, error)

// New returns the monitor selected by opts.Driver.
func New(opts *options.WifiOptions) (Monitor, error) {
	switch opts.Driver {
	case "wpa":
		return NewLink(opts, ExecRunner, InterfaceAddr), nil
	case "static":
		return NewStatic(opts.Interface, opts.PollInterval, InterfaceAddr), nil
	default:
		return nil, fmt.Errorf("unknown link driver %q", opts.Driver)
	}
}

// ExecRunner runs the command on the host.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %v: %w", name, args, err)
	}
	return out, nil
}

// InterfaceAddr reads the interface addresses from the kernel.
func InterfaceAddr(iface string) (string, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return "", err
	}
	if ifi.Flags&net.FlagUp == 0 {
		return "", nil
	}

	addrs, err := ifi.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil && !ipn.IP.IsLinkLocalUnicast() {
			return ipn.IP.String(), nil
		}
	}
	return "", nil
}

var errStopped = errors.New("link is stopped")

func send(ctx context.Context, ch chan<- core.LinkEvent, ev core.LinkEvent) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
