package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
	"github.com/autopeer-io/otaupdater/pkg/log"
)

// Tag is the log subsystem of transfer lifecycle events.
const Tag = "Eventos"

// ErrIdleTimeout is the cause recorded when no data arrived in time.
var ErrIdleTimeout = errors.New("no data received within the idle timeout")

// Config tunes a transport.
type Config struct {
	// Timeout bounds the wait for the next piece of the body. Time spent in
	// the delivery callback is not counted.
	Timeout time.Duration
	// BufferSize is the largest chunk delivered.
	BufferSize int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	return c
}

// watchdog cancels a transfer that stays idle for too long.
type watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
}

func newWatchdog(timeout time.Duration, cancel context.CancelCauseFunc) *watchdog {
	return &watchdog{
		timeout: timeout,
		timer:   time.AfterFunc(timeout, func() { cancel(ErrIdleTimeout) }),
	}
}

func (w *watchdog) pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer.Stop()
}

func (w *watchdog) rearm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer.Reset(w.timeout)
}

// pump delivers r as chunks until EOF and then signals the end of the stream.
// A read error is delivered as a transport failure. An error returned by
// deliver stops the pump and is returned as is.
func pump(ctx context.Context, r io.Reader, cfg Config, wd *watchdog, deliver core.DeliverFunc, logger log.Logger) error {
	buf := make([]byte, cfg.BufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			wd.pause()
			if derr := deliver(core.Chunk(bytes.Clone(buf[:n]))); derr != nil {
				logger.Debug("Transfer aborted by consumer", "error", derr)
				return derr
			}
			wd.rearm()
		}

		if errors.Is(err, io.EOF) {
			wd.pause()
			logger.Info("HTTP_EVENT_ON_FINISH")
			return deliver(core.EndOfStream())
		}
		if err != nil {
			return fail(ctx, err, deliver, logger)
		}
	}
}

// fail reports err, or the cancellation cause that produced it, as the
// transport failure of the stream.
func fail(ctx context.Context, err error, deliver core.DeliverFunc, logger log.Logger) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
		err = fmt.Errorf("%w: %w", cause, err)
	}
	logger.Error(err, "HTTP_EVENT_ERROR")

	if derr := deliver(core.TransportFailure(err)); derr != nil {
		logger.Debug("Consumer rejected transport failure", "error", derr)
	}
	return err
}
