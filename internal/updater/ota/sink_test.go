package ota

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
)

func TestSelector_SelectUpdateTarget(t *testing.T) {
	h := newFakeHAL()
	sel := NewSelector(h)

	p, err := sel.SelectUpdateTarget()
	require.NoError(t, err)
	assert.Equal(t, "ota_0", p.Label)
	assert.Equal(t, core.RoleCandidate, p.Role)

	again, err := sel.SelectUpdateTarget()
	require.NoError(t, err)
	assert.Equal(t, p, again, "selection is stable until the boot pointer changes")
}

func TestSelector_Failures(t *testing.T) {
	h := newFakeHAL()
	h.next = nil
	_, err := NewSelector(h).SelectUpdateTarget()
	assert.ErrorIs(t, err, core.ErrNoUpdatePartition)

	h = newFakeHAL()
	running := factory
	h.next = &running
	_, err = NewSelector(h).SelectUpdateTarget()
	assert.ErrorIs(t, err, core.ErrNoUpdatePartition)
}

func TestSink_Open(t *testing.T) {
	h := newFakeHAL()
	sink := NewSink(h)

	_, err := sink.Open(nvs, core.SizeUnknown)
	assert.ErrorIs(t, err, core.ErrOpenFailed)

	_, err = sink.Open(factory, core.SizeUnknown)
	assert.ErrorIs(t, err, core.ErrOpenFailed, "running partition")

	_, err = sink.Open(ota0, core.KnownSize(int64(ota0.Size)+1))
	assert.ErrorIs(t, err, core.ErrOpenFailed)
	assert.Empty(t, h.Calls())

	h.beginErr = errors.New("flash busy")
	_, err = sink.Open(ota0, core.SizeUnknown)
	assert.ErrorIs(t, err, core.ErrOpenFailed)
	assert.ErrorIs(t, err, h.beginErr)

	h.beginErr = nil
	wh, err := sink.Open(ota0, core.KnownSize(10))
	require.NoError(t, err)
	assert.Equal(t, ota0, wh.Partition())
}

func TestWriteHandle_AppendsInOrder(t *testing.T) {
	h := newFakeHAL()
	wh, err := NewSink(h).Open(ota0, core.SizeUnknown)
	require.NoError(t, err)

	chunks := [][]byte{[]byte("one-"), {}, []byte("two-"), []byte("three")}
	for _, c := range chunks {
		require.NoError(t, wh.Write(c))
	}
	assert.Equal(t, "one-two-three", h.data.String())
	assert.EqualValues(t, 13, wh.Written())

	require.NoError(t, wh.Finalize())
	assert.ErrorIs(t, wh.Write([]byte("more")), core.ErrWriteFailed)
	assert.ErrorIs(t, wh.Finalize(), core.ErrFinalizeFailed)
	assert.NoError(t, wh.Abort())
	assert.False(t, h.aborted, "abort after finalize is a no-op")
}

func TestWriteHandle_Overflow(t *testing.T) {
	h := newFakeHAL()
	small := core.Partition{Label: "ota_1", Type: core.TypeApp, SubType: "ota_1", Offset: 0x210000, Size: 8}
	wh, err := NewSink(h).Open(small, core.SizeUnknown)
	require.NoError(t, err)

	require.NoError(t, wh.Write([]byte("12345")))
	err = wh.Write([]byte("6789"))
	assert.ErrorIs(t, err, core.ErrWriteFailed)
	assert.Equal(t, "12345", h.data.String())

	assert.ErrorIs(t, wh.Write([]byte("9")), core.ErrWriteFailed, "handle is unusable after a failure")
	assert.ErrorIs(t, wh.Finalize(), core.ErrFinalizeFailed)
	require.NoError(t, wh.Abort())
	assert.True(t, h.aborted)
}

func TestWriteHandle_FlashErrorIsNotRetried(t *testing.T) {
	h := newFakeHAL()
	h.failWrite = 1
	wh, err := NewSink(h).Open(ota0, core.SizeUnknown)
	require.NoError(t, err)

	assert.ErrorIs(t, wh.Write([]byte("abc")), core.ErrWriteFailed)
	assert.Equal(t, 1, h.writes)
}

func TestWriteHandle_FinalizeFailure(t *testing.T) {
	h := newFakeHAL()
	h.finishErr = errors.New("verify failed")
	wh, err := NewSink(h).Open(ota0, core.SizeUnknown)
	require.NoError(t, err)
	require.NoError(t, wh.Write([]byte("abc")))

	err = wh.Finalize()
	assert.ErrorIs(t, err, core.ErrFinalizeFailed)
	assert.ErrorIs(t, err, h.finishErr)
	assert.ErrorIs(t, wh.Write([]byte("d")), core.ErrWriteFailed)
}

func TestWriteHandle_RejectsConcurrentWriter(t *testing.T) {
	h := newFakeHAL()
	wh, err := NewSink(h).Open(ota0, core.SizeUnknown)
	require.NoError(t, err)

	fw := wh.w.(*fakeWriter)
	fw.block = make(chan struct{})
	fw.entered = make(chan struct{})

	done := make(chan error)
	go func() { done <- wh.Write([]byte("slow")) }()
	<-fw.entered

	err = wh.Write([]byte("fast"))
	assert.ErrorIs(t, err, core.ErrWriteFailed)
	assert.ErrorIs(t, err, errConcurrentWrite)

	close(fw.block)
	require.NoError(t, <-done)
	assert.Equal(t, "slow", h.data.String())
}
