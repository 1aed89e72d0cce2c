package ota

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
)

var (
	factory = core.Partition{Label: "factory", Type: core.TypeApp, SubType: "factory", Offset: 0x10000, Size: 0x100000}
	ota0    = core.Partition{Label: "ota_0", Type: core.TypeApp, SubType: "ota_0", Offset: 0x110000, Size: 0x100000}
	ota1    = core.Partition{Label: "ota_1", Type: core.TypeApp, SubType: "ota_1", Offset: 0x210000, Size: 0x100000}
	nvs     = core.Partition{Label: "nvs", Type: core.TypeData, SubType: "nvs", Offset: 0x9000, Size: 0x4000}
)

// fakeHAL records every call in order.
type fakeHAL struct {
	mu sync.Mutex

	running core.Partition
	next    *core.Partition
	boot    core.Partition

	beginErr   error
	writeErr   error
	failWrite  int // 1-based write call that fails, 0 never
	finishErr  error
	setBootErr error
	restartErr error

	data     bytes.Buffer
	writes   int
	aborted  bool
	finished bool
	bootSets []core.Partition
	restarts int
	calls    []string
}

func newFakeHAL() *fakeHAL {
	next := ota0
	return &fakeHAL{running: factory, next: &next, boot: factory}
}

func (f *fakeHAL) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeHAL) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeHAL) Init(context.Context) error { return nil }

func (f *fakeHAL) DeviceID() string { return "fake-device" }

func (f *fakeHAL) Partitions() []core.Partition {
	return []core.Partition{nvs, factory, ota0, ota1}
}

func (f *fakeHAL) RunningPartition() (core.Partition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeHAL) NextUpdatePartition(core.Partition) (core.Partition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next == nil {
		return core.Partition{}, core.ErrPartitionNotFound
	}
	return *f.next, nil
}

func (f *fakeHAL) BootPartition() (core.Partition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boot, nil
}

func (f *fakeHAL) BeginWrite(p core.Partition, _ core.ExpectedSize) (core.FlashWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("begin:" + p.Label)
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &fakeWriter{f: f}, nil
}

func (f *fakeHAL) SetBootPartition(p core.Partition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("setboot:" + p.Label)
	if f.setBootErr != nil {
		return f.setBootErr
	}
	f.bootSets = append(f.bootSets, p)
	f.boot = p
	return nil
}

func (f *fakeHAL) Restart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("restart")
	f.restarts++
	return f.restartErr
}

type fakeWriter struct {
	f *fakeHAL

	block   chan struct{}
	entered chan struct{}
}

func (w *fakeWriter) Write(b []byte) (int, error) {
	if w.block != nil {
		w.entered <- struct{}{}
		<-w.block
	}

	f := w.f
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.record("write")
	if f.writeErr != nil || (f.failWrite > 0 && f.writes == f.failWrite) {
		err := f.writeErr
		if err == nil {
			err = errors.New("flash program error")
		}
		return 0, err
	}
	return f.data.Write(b)
}

func (w *fakeWriter) Finish() error {
	f := w.f
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("finish")
	if f.finishErr != nil {
		return f.finishErr
	}
	f.finished = true
	return nil
}

func (w *fakeWriter) Abort() error {
	f := w.f
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("abort")
	f.aborted = true
	return nil
}

// fakeNetwork records when it was stopped.
type fakeNetwork struct {
	hal     *fakeHAL
	stopped int
}

func (n *fakeNetwork) Stop() error {
	n.stopped++
	if n.hal != nil {
		n.hal.mu.Lock()
		n.hal.record("network-stop")
		n.hal.mu.Unlock()
	}
	return nil
}

// scriptTransport delivers a fixed event sequence and then returns err.
type scriptTransport struct {
	events []core.StreamEvent
	err    error
}

func (s scriptTransport) Stream(_ context.Context, deliver core.DeliverFunc) error {
	for _, ev := range s.events {
		if err := deliver(ev); err != nil {
			return err
		}
	}
	return s.err
}

// transitions records observed transitions.
type transitions struct {
	mu  sync.Mutex
	all []Transition
}

func (r *transitions) OnTransition(_ context.Context, tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, tr)
}

func (r *transitions) states() []core.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.SessionState, 0, len(r.all))
	for _, tr := range r.all {
		out = append(out, tr.To)
	}
	return out
}

func (r *transitions) last() Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.all[len(r.all)-1]
}

func newTestSession(h core.HAL, opts ...Option) (*Session, *transitions, *[]time.Duration) {
	rec := &transitions{}
	var slept []time.Duration
	s := NewSession(h, append([]Option{WithObserver(rec)}, opts...)...)
	s.sleep = func(d time.Duration) { slept = append(slept, d) }
	return s, rec, &slept
}
