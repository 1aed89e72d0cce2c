package ota

import (
	"context"
	"time"

	"github.com/autopeer-io/otaupdater/internal/pkg/metrics"
	"github.com/autopeer-io/otaupdater/internal/updater/core"
)

// Transition describes one session state change.
type Transition struct {
	SessionID    string
	From         core.SessionState
	To           core.SessionState
	Partition    core.Partition
	BytesWritten int64
	Err          *core.SessionError
	At           time.Time
}

// Observer is notified synchronously of every transition, in order. It runs
// with the session locked and must not call back into the session.
type Observer interface {
	OnTransition(ctx context.Context, tr Transition)
}

// Flusher is implemented by observers that buffer transitions. Flush is
// called once the session reached Rebooting, before the network is stopped.
type Flusher interface {
	Flush(ctx context.Context) error
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ctx context.Context, tr Transition)

func (f ObserverFunc) OnTransition(ctx context.Context, tr Transition) { f(ctx, tr) }

// MetricsObserver records transitions in the process metrics registry.
type MetricsObserver struct {
	streamingSince time.Time
	lastWritten    int64
}

var _ Observer = (*MetricsObserver)(nil)

func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{}
}

func (m *MetricsObserver) OnTransition(_ context.Context, tr Transition) {
	metrics.SessionTransitions.WithLabelValues(string(tr.To)).Inc()
	metrics.SetSessionState(string(tr.To))

	if tr.BytesWritten > m.lastWritten {
		metrics.BytesWritten.Add(float64(tr.BytesWritten - m.lastWritten))
		m.lastWritten = tr.BytesWritten
	}

	switch {
	case tr.To == core.StateStreaming:
		m.streamingSince = tr.At
	case tr.From == core.StateStreaming && !m.streamingSince.IsZero():
		metrics.DownloadDuration.Observe(tr.At.Sub(m.streamingSince).Seconds())
	}

	if tr.Err != nil {
		metrics.SessionFailures.WithLabelValues(string(tr.Err.Reason)).Inc()
	}
}
