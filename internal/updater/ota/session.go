package ota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
	"github.com/autopeer-io/otaupdater/pkg/log"
)

// Tag is the log subsystem of the update path.
const Tag = "OTA_Update"

const (
	evSelect   = "select"
	evOpen     = "open"
	evStream   = "stream"
	evFinalize = "finalize"
	evActivate = "activate"
	evReboot   = "reboot"
	evFail     = "fail"
)

// Network is the part of the connectivity stack a session needs: it is shut
// down right before the restart.
type Network interface {
	Stop() error
}

// Option configures a Session.
type Option func(*Session)

// WithObserver registers observers notified of every state change.
func WithObserver(obs ...Observer) Option {
	return func(s *Session) { s.observers = append(s.observers, obs...) }
}

// WithNetwork sets the network stopped before the restart.
func WithNetwork(n Network) Option {
	return func(s *Session) { s.network = n }
}

// WithRebootDelay sets the grace period between stopping the network and
// requesting the restart.
func WithRebootDelay(d time.Duration) Option {
	return func(s *Session) { s.rebootDelay = d }
}

// Session is one end-to-end update attempt. It is driven either by Run with a
// Transport, or by Begin followed by a sequence of Handle calls. Handle is
// serialized: chunks are written one at a time, in call order.
type Session struct {
	id string

	mu  sync.Mutex
	fsm *fsm.FSM

	hal      core.HAL
	selector *Selector
	sink     *Sink
	network  Network

	rebootDelay time.Duration
	sleep       func(time.Duration)
	observers   []Observer

	partition core.Partition
	handle    *WriteHandle
	written   int64
	chunks    int
	failure   *core.SessionError

	log log.Logger
}

// NewSession returns an Idle session against hal.
func NewSession(hal core.HAL, opts ...Option) *Session {
	s := &Session{
		id:          fmt.Sprintf("ota-%d", time.Now().UnixNano()),
		hal:         hal,
		selector:    NewSelector(hal),
		sink:        NewSink(hal),
		rebootDelay: 200 * time.Millisecond,
		sleep:       time.Sleep,
		log:         log.WithName(Tag),
	}
	for _, opt := range opts {
		opt(s)
	}

	nonTerminal := []string{
		string(core.StateIdle),
		string(core.StatePartitionSelected),
		string(core.StateWriteOpen),
		string(core.StateStreaming),
		string(core.StateFinalizing),
		string(core.StateBootPending),
	}

	s.fsm = fsm.NewFSM(
		string(core.StateIdle),
		fsm.Events{
			{Name: evSelect, Src: []string{string(core.StateIdle)}, Dst: string(core.StatePartitionSelected)},
			{Name: evOpen, Src: []string{string(core.StatePartitionSelected)}, Dst: string(core.StateWriteOpen)},
			{Name: evStream, Src: []string{string(core.StateWriteOpen)}, Dst: string(core.StateStreaming)},
			{Name: evFinalize, Src: []string{string(core.StateStreaming)}, Dst: string(core.StateFinalizing)},
			{Name: evActivate, Src: []string{string(core.StateFinalizing)}, Dst: string(core.StateBootPending)},
			{Name: evReboot, Src: []string{string(core.StateBootPending)}, Dst: string(core.StateRebooting)},
			{Name: evFail, Src: nonTerminal, Dst: string(core.StateFailed)},
		},
		fsm.Callbacks{
			"enter_state": s.onEnterState,
		},
	)

	return s
}

// ID identifies the session in logs and status reports.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() core.SessionState {
	return core.SessionState(s.fsm.Current())
}

// Partition returns the selected update partition, zero before selection.
func (s *Session) Partition() core.Partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partition
}

// BytesWritten returns the number of image bytes written so far.
func (s *Session) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Err returns the failure of a Failed session and nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		return nil
	}
	return s.failure
}

// Run executes the whole update: select, open, stream through t, finalize,
// switch the boot partition and restart. It returns nil once the session
// reached Rebooting and the session error otherwise.
func (s *Session) Run(ctx context.Context, t core.Transport) error {
	if err := s.Begin(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	err := s.advance(ctx, evStream)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	streamErr := t.Stream(ctx, func(ev core.StreamEvent) error {
		return s.Handle(ctx, ev)
	})

	// The transport returned without a terminal event of its own.
	if s.State() == core.StateStreaming {
		if streamErr != nil {
			_ = s.Handle(ctx, core.TransportFailure(streamErr))
		} else {
			_ = s.Handle(ctx, core.EndOfStream())
		}
	}

	return s.Err()
}

// Begin selects the update partition and opens a write handle on it, leaving
// the session in WriteOpen.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != core.StateIdle {
		return fmt.Errorf("session %s already started (state %s)", s.id, st)
	}

	p, err := s.selector.SelectUpdateTarget()
	if err != nil {
		return s.fail(ctx, asSessionError(err, core.NoUpdatePartition))
	}
	s.partition = p
	if err := s.advance(ctx, evSelect); err != nil {
		return err
	}

	h, err := s.sink.Open(p, core.SizeUnknown)
	if err != nil {
		return s.fail(ctx, asSessionError(err, core.OpenFailed))
	}
	s.handle = h
	s.log.Info("OTA begin", "session", s.id, "partition", p.Label, "size", core.SizeUnknown)

	return s.advance(ctx, evOpen)
}

// Handle feeds one stream event into the session. A chunk is written before
// Handle returns; a non-nil error means the session failed and the caller
// must stop delivering.
func (s *Session) Handle(ctx context.Context, ev core.StreamEvent) error {
	s.mu.Lock()
	err := s.apply(ctx, ev)
	rebooting := err == nil && s.State() == core.StateRebooting
	s.mu.Unlock()

	// Rebooting is terminal, so the restart runs without holding the session.
	if rebooting {
		s.reboot(ctx)
	}
	return err
}

func (s *Session) apply(ctx context.Context, ev core.StreamEvent) error {
	switch st := s.State(); st {
	case core.StateWriteOpen:
		if err := s.advance(ctx, evStream); err != nil {
			return err
		}
	case core.StateStreaming:
	case core.StateFailed:
		return s.failure
	default:
		return fmt.Errorf("session %s cannot accept %s in state %s", s.id, ev.Type, st)
	}

	switch ev.Type {
	case core.ChunkReceived:
		if err := s.handle.Write(ev.Data); err != nil {
			return s.fail(ctx, asSessionError(err, core.WriteFailed))
		}
		s.chunks++
		s.written = s.handle.Written()
		return nil

	case core.StreamEnded:
		return s.complete(ctx)

	case core.StreamFailed:
		cause := ev.Err
		if cause == nil {
			cause = errors.New("transport reported an error")
		}
		return s.fail(ctx, core.Fail(core.TransportError, cause))

	default:
		return fmt.Errorf("unknown stream event %s", ev.Type)
	}
}

func (s *Session) complete(ctx context.Context) error {
	s.log.Info("OTA successful, writing new firmware to flash.", "bytes", s.written, "chunks", s.chunks)

	if err := s.advance(ctx, evFinalize); err != nil {
		return err
	}
	if err := s.handle.Finalize(); err != nil {
		return s.fail(ctx, asSessionError(err, core.FinalizeFailed))
	}

	if err := s.advance(ctx, evActivate); err != nil {
		return err
	}
	if err := s.hal.SetBootPartition(s.partition); err != nil {
		return s.fail(ctx, core.Fail(core.BootPointerUpdateFailed, err))
	}

	return s.advance(ctx, evReboot)
}

func (s *Session) reboot(ctx context.Context) {
	s.log.Info("Rebooting...", "partition", s.partition.Label)

	s.flush(ctx)
	if s.network != nil {
		if err := s.network.Stop(); err != nil {
			s.log.Error(err, "Failed to stop network before restart")
		}
	}
	s.sleep(s.rebootDelay)
	_ = s.log.Sync()

	if err := s.hal.Restart(); err != nil {
		s.log.Error(err, "Restart request failed")
	}
}

// flush gives buffering observers up to the reboot grace period to deliver
// what they hold while the network is still up.
func (s *Session) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.rebootDelay)
	defer cancel()

	for _, o := range s.observers {
		f, ok := o.(Flusher)
		if !ok {
			continue
		}
		if err := f.Flush(ctx); err != nil {
			s.log.Error(err, "Failed to flush observer before restart")
		}
	}
}

func (s *Session) fail(ctx context.Context, se *core.SessionError) error {
	if s.failure == nil {
		s.failure = se
	}
	if s.handle != nil {
		if err := s.handle.Abort(); err != nil {
			s.log.Error(err, "Failed to release write handle", "partition", s.partition.Label)
		}
	}

	switch se.Reason {
	case core.BootPointerUpdateFailed:
		s.log.Error(se.Err, "OTA set boot partition failed", "partition", s.partition.Label,
			"impact", "image is valid but the previous firmware will boot")
	default:
		s.log.Error(se.Err, se.Reason.Sentinel().Error(), "session", s.id, "reason", se.Reason, "bytes", s.written)
	}

	if err := s.fsm.Event(ctx, evFail, se); err != nil {
		s.log.Error(err, "Failed to record session failure", "state", s.State())
	}
	return s.failure
}

func (s *Session) advance(ctx context.Context, event string) error {
	if err := s.fsm.Event(ctx, event); err != nil {
		return fmt.Errorf("session %s: %s from %s: %w", s.id, event, s.State(), err)
	}
	return nil
}

func (s *Session) onEnterState(ctx context.Context, e *fsm.Event) {
	tr := Transition{
		SessionID:    s.id,
		From:         core.SessionState(e.Src),
		To:           core.SessionState(e.Dst),
		Partition:    s.partition,
		BytesWritten: s.written,
		At:           time.Now(),
	}
	if len(e.Args) > 0 {
		if se, ok := e.Args[0].(*core.SessionError); ok {
			tr.Err = se
		}
	}

	s.log.Debug("Session transition", "session", s.id, "from", tr.From, "to", tr.To)
	for _, o := range s.observers {
		o.OnTransition(ctx, tr)
	}
}

// asSessionError keeps err's own reason when it carries one.
func asSessionError(err error, fallback core.FailureReason) *core.SessionError {
	var se *core.SessionError
	if errors.As(err, &se) {
		return se
	}
	return core.Fail(fallback, err)
}
