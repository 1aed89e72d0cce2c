package hal

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
	"github.com/autopeer-io/otaupdater/pkg/options"
)

func defaultConfig(t *testing.T, verify bool) Config {
	t.Helper()
	parts, err := LoadTable("", flash4M)
	require.NoError(t, err)
	return Config{Partitions: parts, DeviceID: "dev-1", VerifyImage: verify}
}

func newMemoryHAL(t *testing.T, verify bool) *FlashHAL {
	t.Helper()
	h := NewMemory(defaultConfig(t, verify), flash4M)
	require.NoError(t, h.Init(context.Background()))
	return h
}

func partition(t *testing.T, h *FlashHAL, label string) core.Partition {
	t.Helper()
	for _, p := range h.Partitions() {
		if p.Label == label {
			return p
		}
	}
	t.Fatalf("no partition %s", label)
	return core.Partition{}
}

func flashImage(t *testing.T, h *FlashHAL, p core.Partition, img []byte) {
	t.Helper()
	w, err := h.BeginWrite(p, core.SizeUnknown)
	require.NoError(t, err)
	for chunk := range slices.Chunk(img, 100) {
		n, err := w.Write(chunk)
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)
	}
	require.NoError(t, w.Finish())
}

func testImage() []byte {
	return buildImage(true, descSegment("v2.0.0", "ota-demo"), bytes.Repeat([]byte{0x10, 0x20, 0x30, 0x40}, 300))
}

func TestFlashHAL_FreshDeviceBootsFactory(t *testing.T) {
	h := newMemoryHAL(t, true)

	running, err := h.RunningPartition()
	require.NoError(t, err)
	assert.Equal(t, "factory", running.Label)
	assert.Equal(t, core.RoleRunning, running.Role)

	boot, err := h.BootPartition()
	require.NoError(t, err)
	assert.Equal(t, "factory", boot.Label)

	next, err := h.NextUpdatePartition(running)
	require.NoError(t, err)
	assert.Equal(t, "ota_0", next.Label)

	roles := map[string]core.Role{}
	for _, p := range h.Partitions() {
		roles[p.Label] = p.Role
	}
	assert.Equal(t, core.RoleRunning, roles["factory"])
	assert.Equal(t, core.RoleCandidate, roles["ota_0"])
	assert.Equal(t, core.RoleInactive, roles["ota_1"])
	assert.Equal(t, core.RoleData, roles["otadata"])
	assert.Equal(t, "dev-1", h.DeviceID())
}

func TestFlashHAL_NextUpdatePartition(t *testing.T) {
	h := newMemoryHAL(t, false)

	next, err := h.NextUpdatePartition(partition(t, h, "ota_0"))
	require.NoError(t, err)
	assert.Equal(t, "ota_1", next.Label)

	next, err = h.NextUpdatePartition(partition(t, h, "ota_1"))
	require.NoError(t, err)
	assert.Equal(t, "ota_0", next.Label)

	single := NewMemory(Config{Partitions: []core.Partition{
		{Label: "otadata", Type: core.TypeData, SubType: "ota", Offset: 0xd000, Size: 0x2000},
		{Label: "ota_0", Type: core.TypeApp, SubType: "ota_0", Offset: 0x10000, Size: 0x100000},
	}}, flash4M)
	require.NoError(t, single.Init(context.Background()))

	running, err := single.RunningPartition()
	require.NoError(t, err)
	assert.Equal(t, "ota_0", running.Label)
	_, err = single.NextUpdatePartition(running)
	assert.ErrorIs(t, err, core.ErrPartitionNotFound)

	factoryOnly := NewMemory(Config{Partitions: []core.Partition{
		{Label: "factory", Type: core.TypeApp, SubType: "factory", Offset: 0x10000, Size: 0x100000},
	}}, flash4M)
	require.NoError(t, factoryOnly.Init(context.Background()))
	_, err = factoryOnly.NextUpdatePartition(partition(t, factoryOnly, "factory"))
	assert.ErrorIs(t, err, core.ErrPartitionNotFound)
}

func TestFlashHAL_WriteAndSelectBoot(t *testing.T) {
	h := newMemoryHAL(t, true)
	ota0 := partition(t, h, "ota_0")
	img := testImage()

	flashImage(t, h, ota0, img)

	info, err := h.Describe(ota0)
	require.NoError(t, err)
	assert.Equal(t, "v2.0.0", info.Version)
	assert.Equal(t, len(img), info.Length)

	require.NoError(t, h.SetBootPartition(ota0))

	boot, err := h.BootPartition()
	require.NoError(t, err)
	assert.Equal(t, "ota_0", boot.Label)

	running, err := h.RunningPartition()
	require.NoError(t, err)
	assert.Equal(t, "factory", running.Label, "running image does not change before a restart")

	otadata := partition(t, h, "otadata")
	entries, err := h.readEntries(otadata)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), entries[0].Seq)
	assert.True(t, entries[0].valid())
	assert.False(t, entries[1].valid())
}

func TestFlashHAL_BootSelectionSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	cfg := defaultConfig(t, true)
	img := testImage()

	h := NewFlash(cfg, path, flash4M)
	require.NoError(t, h.Init(context.Background()))
	flashImage(t, h, partition(t, h, "ota_0"), img)
	require.NoError(t, h.SetBootPartition(partition(t, h, "ota_0")))
	require.NoError(t, h.Close())

	h = NewFlash(cfg, path, flash4M)
	require.NoError(t, h.Init(context.Background()))
	running, err := h.RunningPartition()
	require.NoError(t, err)
	assert.Equal(t, "ota_0", running.Label)

	next, err := h.NextUpdatePartition(running)
	require.NoError(t, err)
	assert.Equal(t, "ota_1", next.Label)

	flashImage(t, h, next, img)
	require.NoError(t, h.SetBootPartition(next))

	entries, err := h.readEntries(partition(t, h, "otadata"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), entries[0].Seq)
	assert.Equal(t, uint32(2), entries[1].Seq, "second selection goes to the other sector")
	require.NoError(t, h.Close())

	h = NewFlash(cfg, path, flash4M)
	require.NoError(t, h.Init(context.Background()))
	running, err = h.RunningPartition()
	require.NoError(t, err)
	assert.Equal(t, "ota_1", running.Label)

	flashImage(t, h, partition(t, h, "factory"), img)
	require.NoError(t, h.SetBootPartition(partition(t, h, "factory")))
	require.NoError(t, h.Close())

	h = NewFlash(cfg, path, flash4M)
	require.NoError(t, h.Init(context.Background()))
	running, err = h.RunningPartition()
	require.NoError(t, err)
	assert.Equal(t, "factory", running.Label)
	require.NoError(t, h.Close())
}

func TestFlashHAL_FlashImageSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))

	h := NewFlash(defaultConfig(t, false), path, flash4M)
	err := h.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected")
}

func TestFlashHAL_InvalidImageIsNeverBootable(t *testing.T) {
	h := newMemoryHAL(t, true)
	ota0 := partition(t, h, "ota_0")

	w, err := h.BeginWrite(ota0, core.SizeUnknown)
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte{0xAB}, 4096))
	require.NoError(t, err)
	assert.ErrorIs(t, w.Finish(), ErrInvalidImage)

	assert.ErrorIs(t, h.SetBootPartition(ota0), ErrInvalidImage)

	boot, err := h.BootPartition()
	require.NoError(t, err)
	assert.Equal(t, "factory", boot.Label)
}

func TestFlashHAL_TruncatedImageFailsFinish(t *testing.T) {
	h := newMemoryHAL(t, true)
	img := testImage()

	w, err := h.BeginWrite(partition(t, h, "ota_0"), core.SizeUnknown)
	require.NoError(t, err)
	_, err = w.Write(img[:len(img)/2])
	require.NoError(t, err)
	assert.Error(t, w.Finish())
}

func TestFlashHAL_BeginWriteRules(t *testing.T) {
	h := newMemoryHAL(t, false)

	_, err := h.BeginWrite(partition(t, h, "factory"), core.SizeUnknown)
	assert.ErrorContains(t, err, "running")

	_, err = h.BeginWrite(partition(t, h, "nvs"), core.SizeUnknown)
	assert.ErrorContains(t, err, "not an app partition")

	_, err = h.BeginWrite(core.Partition{Label: "ghost", Type: core.TypeApp, Offset: 0x10000, Size: 1}, core.SizeUnknown)
	assert.ErrorIs(t, err, core.ErrPartitionNotFound)

	_, err = h.BeginWrite(partition(t, h, "ota_0"), core.KnownSize(2<<20))
	assert.ErrorContains(t, err, "does not fit")

	w, err := h.BeginWrite(partition(t, h, "ota_0"), core.KnownSize(100))
	require.NoError(t, err)

	_, err = h.BeginWrite(partition(t, h, "ota_1"), core.SizeUnknown)
	assert.ErrorIs(t, err, errBusy)

	_, err = w.Write(make([]byte, sectorSize+1))
	assert.ErrorContains(t, err, "erased region")

	require.NoError(t, w.Abort())
	require.NoError(t, w.Abort())
	_, err = w.Write([]byte{1})
	assert.ErrorIs(t, err, errWriterClosed)

	w, err = h.BeginWrite(partition(t, h, "ota_1"), core.SizeUnknown)
	require.NoError(t, err)
	assert.ErrorContains(t, w.Finish(), "no image data")
}

func TestFlashHAL_RewriteErasesPreviousImage(t *testing.T) {
	h := newMemoryHAL(t, true)
	ota0 := partition(t, h, "ota_0")

	w, err := h.BeginWrite(ota0, core.SizeUnknown)
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 2048))
	require.NoError(t, err)
	assert.Error(t, w.Finish())

	flashImage(t, h, ota0, testImage())

	_, err = h.Describe(ota0)
	assert.NoError(t, err)
}

func TestFlashHAL_EraseNVSAndRepairOtadata(t *testing.T) {
	cfg := defaultConfig(t, false)
	cfg.EraseNVS = true

	h := NewMemory(cfg, flash4M)
	media := newMemoryMedium(flash4M)
	h.open = func() (*medium, error) { return media, nil }

	nvs := partition(t, h, "nvs")
	otadata := partition(t, h, "otadata")
	_, err := media.WriteAt([]byte("calibration"), int64(nvs.Offset))
	require.NoError(t, err)
	_, err = media.WriteAt([]byte("garbage"), int64(otadata.Offset))
	require.NoError(t, err)

	require.NoError(t, h.Init(context.Background()))

	b, err := media.Slice(int64(nvs.Offset), int64(nvs.Size))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, int(nvs.Size)), b)

	b, err = media.Slice(int64(otadata.Offset), int64(otadata.Size))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, int(otadata.Size)), b)

	running, err := h.RunningPartition()
	require.NoError(t, err)
	assert.Equal(t, "factory", running.Label)
}

func TestFlashHAL_RunningOverride(t *testing.T) {
	cfg := defaultConfig(t, false)
	cfg.RunningPartition = "ota_1"
	h := NewMemory(cfg, flash4M)
	require.NoError(t, h.Init(context.Background()))

	running, err := h.RunningPartition()
	require.NoError(t, err)
	assert.Equal(t, "ota_1", running.Label)

	next, err := h.NextUpdatePartition(running)
	require.NoError(t, err)
	assert.Equal(t, "ota_0", next.Label)

	cfg.RunningPartition = "nvs"
	assert.Error(t, NewMemory(cfg, flash4M).Init(context.Background()))
}

func TestFlashHAL_Faults(t *testing.T) {
	h := newMemoryHAL(t, false)
	ota0 := partition(t, h, "ota_0")
	boom := errors.New("boom")

	h.InjectFaults(Faults{BeginWrite: boom})
	_, err := h.BeginWrite(ota0, core.SizeUnknown)
	assert.ErrorIs(t, err, boom)

	h.InjectFaults(Faults{Write: boom, WriteAfter: 150})
	w, err := h.BeginWrite(ota0, core.SizeUnknown)
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 100))
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 100))
	assert.ErrorIs(t, err, boom)
	require.NoError(t, w.Abort())

	h.InjectFaults(Faults{Finish: boom})
	w, err = h.BeginWrite(ota0, core.SizeUnknown)
	require.NoError(t, err)
	_, err = w.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.ErrorIs(t, w.Finish(), boom)

	h.InjectFaults(Faults{SetBoot: boom})
	assert.ErrorIs(t, h.SetBootPartition(ota0), boom)

	h.InjectFaults(Faults{Restart: boom})
	assert.ErrorIs(t, h.Restart(), boom)
	assert.Equal(t, 0, h.Restarts())
}

func TestFlashHAL_Restart(t *testing.T) {
	h := newMemoryHAL(t, false)
	require.NoError(t, h.Restart())
	assert.Equal(t, 1, h.Restarts())

	cfg := defaultConfig(t, false)
	cfg.RestartMode = RestartSystem
	sys := NewMemory(cfg, flash4M)
	require.NoError(t, sys.Init(context.Background()))
	rebooted := false
	sys.reboot = func() error { rebooted = true; return nil }
	require.NoError(t, sys.Restart())
	assert.True(t, rebooted)

	cfg.RestartMode = RestartExit
	ex := NewMemory(cfg, flash4M)
	code := -1
	ex.exit = func(c int) { code = c }
	require.NoError(t, ex.Restart())
	assert.Equal(t, 0, code)
}

func TestFlashHAL_NotInitialized(t *testing.T) {
	h := NewMemory(defaultConfig(t, false), flash4M)

	_, err := h.RunningPartition()
	assert.ErrorIs(t, err, errNotInitialized)
	_, err = h.BootPartition()
	assert.ErrorIs(t, err, errNotInitialized)
	_, err = h.BeginWrite(core.Partition{}, core.SizeUnknown)
	assert.ErrorIs(t, err, errNotInitialized)
	assert.ErrorIs(t, h.SetBootPartition(core.Partition{}), errNotInitialized)
}

func TestNewFromOptions(t *testing.T) {
	opts := options.NewHALOptions()
	opts.Backend = "memory"
	opts.RestartMode = RestartNone

	h, err := NewFromOptions(opts, "dev-9")
	require.NoError(t, err)
	require.NoError(t, h.Init(context.Background()))
	assert.Equal(t, "dev-9", h.DeviceID())
	assert.Len(t, h.Partitions(), 7)

	opts.Backend = "flash"
	opts.FlashImage = filepath.Join(t.TempDir(), "nested", "flash.bin")
	h, err = NewFromOptions(opts, "dev-9")
	require.NoError(t, err)
	require.NoError(t, h.Init(context.Background()))
	require.NoError(t, h.Close())
	assert.FileExists(t, opts.FlashImage)

	opts.Backend = "tape"
	_, err = NewFromOptions(opts, "dev-9")
	assert.Error(t, err)
}
