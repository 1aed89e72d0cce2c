package ota

import (
	"errors"
	"fmt"
	"sync"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
)

var (
	errConcurrentWrite = errors.New("concurrent write on handle")
	errHandleClosed    = errors.New("write handle is closed")
)

// Sink opens write handles on update partitions.
type Sink struct {
	hal core.HAL
}

func NewSink(hal core.HAL) *Sink {
	return &Sink{hal: hal}
}

// Open erases p and returns a handle that appends to it.
func (s *Sink) Open(p core.Partition, size core.ExpectedSize) (*WriteHandle, error) {
	if !p.IsApp() {
		return nil, core.Fail(core.OpenFailed, fmt.Errorf("partition %s is not an app partition", p.Label))
	}
	if running, err := s.hal.RunningPartition(); err == nil && running.Same(p) {
		return nil, core.Fail(core.OpenFailed, fmt.Errorf("partition %s is running", p.Label))
	}
	if n, known := size.Bytes(); known && n > int64(p.Size) {
		return nil, core.Fail(core.OpenFailed, fmt.Errorf("image of %d bytes does not fit %s (%d bytes)", n, p.Label, p.Size))
	}

	w, err := s.hal.BeginWrite(p, size)
	if err != nil {
		return nil, core.Fail(core.OpenFailed, err)
	}

	return &WriteHandle{w: w, partition: p, state: handleOpen}, nil
}

type handleState int

const (
	handleOpen handleState = iota
	handleFinalized
	handleFailed
	handleAborted
)

// WriteHandle appends chunks to one partition. It enforces a single writer:
// overlapping Write calls fail instead of interleaving.
type WriteHandle struct {
	mu        sync.Mutex
	w         core.FlashWriter
	partition core.Partition
	offset    int64
	state     handleState
}

// Partition returns the partition the handle writes to.
func (h *WriteHandle) Partition() core.Partition {
	return h.partition
}

// Written returns the number of bytes appended so far.
func (h *WriteHandle) Written() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offset
}

// Write appends chunk at the current offset. A failed write leaves the
// handle unusable.
func (h *WriteHandle) Write(chunk []byte) error {
	if !h.mu.TryLock() {
		return core.Fail(core.WriteFailed, errConcurrentWrite)
	}
	defer h.mu.Unlock()

	if h.state != handleOpen {
		return core.Fail(core.WriteFailed, errHandleClosed)
	}
	if len(chunk) == 0 {
		return nil
	}
	if h.offset+int64(len(chunk)) > int64(h.partition.Size) {
		h.state = handleFailed
		return core.Fail(core.WriteFailed, fmt.Errorf("image exceeds partition %s (%d bytes)", h.partition.Label, h.partition.Size))
	}

	n, err := h.w.Write(chunk)
	h.offset += int64(n)
	if err == nil && n != len(chunk) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(chunk))
	}
	if err != nil {
		h.state = handleFailed
		return core.Fail(core.WriteFailed, err)
	}
	return nil
}

// Finalize flushes the handle and runs the platform image check. The
// partition must not be selected for boot unless Finalize returned nil.
func (h *WriteHandle) Finalize() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != handleOpen {
		return core.Fail(core.FinalizeFailed, errHandleClosed)
	}
	if err := h.w.Finish(); err != nil {
		h.state = handleFailed
		return core.Fail(core.FinalizeFailed, err)
	}
	h.state = handleFinalized
	return nil
}

// Abort releases a handle that will not be finalized. It is a no-op on a
// finalized or already aborted handle.
func (h *WriteHandle) Abort() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == handleFinalized || h.state == handleAborted {
		return nil
	}
	h.state = handleAborted
	return h.w.Abort()
}
