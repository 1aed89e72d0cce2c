package hal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
	"github.com/autopeer-io/otaupdater/pkg/log"
	"github.com/autopeer-io/otaupdater/pkg/options"
)

var (
	errNotInitialized = errors.New("HAL is not initialized")
	errBusy           = errors.New("another write is in progress")
	errWriterClosed   = errors.New("flash writer is closed")
)

// Restart modes.
const (
	RestartSystem = "system"
	RestartExit   = "exit"
	RestartNone   = "none"
)

// Config describes the emulated device.
type Config struct {
	Partitions []core.Partition
	DeviceID   string

	// RunningPartition overrides the bootloader's choice when set.
	RunningPartition string

	VerifyImage bool
	EraseNVS    bool
	RestartMode string
}

// Faults makes individual operations fail. Zero values disable a fault.
type Faults struct {
	BeginWrite error
	// Write fails the first write that would take the partition past
	// WriteAfter bytes.
	Write      error
	WriteAfter int64
	Finish     error
	SetBoot    error
	Restart    error
}

// FlashHAL implements core.HAL over an emulated NOR flash laid out by a
// partition table, with the boot selection kept in an otadata partition.
type FlashHAL struct {
	cfg  Config
	open func() (*medium, error)

	mu          sync.Mutex
	media       *medium
	initialized bool
	running     core.Partition
	boot        core.Partition
	writing     bool
	faults      Faults
	restarts    int

	reboot func() error
	exit   func(code int)

	log log.Logger
}

var _ core.HAL = (*FlashHAL)(nil)

// NewFlash returns a HAL backed by the flash image file at path.
func NewFlash(cfg Config, path string, size int64) *FlashHAL {
	return newHAL(cfg, func() (*medium, error) { return openMappedMedium(path, size) })
}

// NewMemory returns a HAL backed by volatile memory. It restarts in "none"
// mode unless told otherwise.
func NewMemory(cfg Config, size int64) *FlashHAL {
	if cfg.RestartMode == "" {
		cfg.RestartMode = RestartNone
	}
	return newHAL(cfg, func() (*medium, error) { return newMemoryMedium(size), nil })
}

// NewFromOptions builds the HAL selected by opts.
func NewFromOptions(opts *options.HALOptions, deviceID string) (*FlashHAL, error) {
	parts, err := LoadTable(opts.PartitionTable, opts.FlashSize)
	if err != nil {
		return nil, err
	}

	cfg := Config{
		Partitions:       parts,
		DeviceID:         deviceID,
		RunningPartition: opts.RunningPartition,
		VerifyImage:      opts.VerifyImage,
		EraseNVS:         opts.EraseNVS,
		RestartMode:      opts.RestartMode,
	}

	switch opts.Backend {
	case "memory":
		return NewMemory(cfg, opts.FlashSize), nil
	case "flash":
		return NewFlash(cfg, opts.FlashImage, opts.FlashSize), nil
	default:
		return nil, fmt.Errorf("unknown HAL backend %q", opts.Backend)
	}
}

func newHAL(cfg Config, open func() (*medium, error)) *FlashHAL {
	if cfg.RestartMode == "" {
		cfg.RestartMode = RestartSystem
	}
	cfg.Partitions = append([]core.Partition(nil), cfg.Partitions...)

	return &FlashHAL{
		cfg:    cfg,
		open:   open,
		reboot: systemReboot,
		exit:   os.Exit,
		log:    log.WithName("HAL"),
	}
}

// Init opens the flash, optionally erases NVS and resolves the boot
// selection from otadata. It is idempotent.
func (h *FlashHAL) Init(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.initialized {
		return nil
	}

	media, err := h.open()
	if err != nil {
		return err
	}
	for _, p := range h.cfg.Partitions {
		if int64(p.End()) > media.Size() {
			media.Close()
			return fmt.Errorf("partition %s ends past the flash (%d bytes)", p.Label, media.Size())
		}
	}
	h.media = media

	if h.cfg.EraseNVS {
		for _, p := range h.cfg.Partitions {
			if p.Type != core.TypeData || p.SubType != "nvs" {
				continue
			}
			if err := h.media.Erase(int64(p.Offset), int64(p.Size)); err != nil {
				return fmt.Errorf("erase %s: %w", p.Label, err)
			}
			h.log.Info("NVS partition erased", "label", p.Label)
		}
	}

	if err := h.repairOtadata(); err != nil {
		return err
	}

	h.boot = h.selectBoot()
	h.running = h.boot
	if h.cfg.RunningPartition != "" {
		p, ok := h.find(func(p core.Partition) bool { return p.Label == h.cfg.RunningPartition })
		if !ok || !p.IsApp() {
			return fmt.Errorf("running partition %q is not an app partition", h.cfg.RunningPartition)
		}
		h.running = p
	}
	h.initialized = true

	h.log.Info("Flash initialized", "running", h.running.Label, "boot", h.boot.Label, "size", h.media.Size())
	return nil
}

// Close unmaps the flash.
func (h *FlashHAL) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.media == nil {
		return nil
	}
	err := errors.Join(h.media.Flush(), h.media.Close())
	h.media = nil
	h.initialized = false
	return err
}

func (h *FlashHAL) DeviceID() string {
	return h.cfg.DeviceID
}

// InjectFaults replaces the active faults.
func (h *FlashHAL) InjectFaults(f Faults) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = f
}

// Restarts returns how many restarts were requested.
func (h *FlashHAL) Restarts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restarts
}

func (h *FlashHAL) Partitions() []core.Partition {
	h.mu.Lock()
	defer h.mu.Unlock()

	next, nextErr := h.nextUpdate(h.running)
	out := make([]core.Partition, 0, len(h.cfg.Partitions))
	for _, p := range h.cfg.Partitions {
		switch {
		case !p.IsApp():
			p.Role = core.RoleData
		case h.initialized && p.Same(h.running):
			p.Role = core.RoleRunning
		case h.initialized && nextErr == nil && p.Same(next):
			p.Role = core.RoleCandidate
		case p.SubType == "factory":
			p.Role = core.RoleFactory
		default:
			p.Role = core.RoleInactive
		}
		out = append(out, p)
	}
	return out
}

func (h *FlashHAL) RunningPartition() (core.Partition, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return core.Partition{}, errNotInitialized
	}
	p := h.running
	p.Role = core.RoleRunning
	return p, nil
}

func (h *FlashHAL) BootPartition() (core.Partition, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return core.Partition{}, errNotInitialized
	}
	return h.boot, nil
}

// NextUpdatePartition returns the OTA slot after from, wrapping around. A
// non-OTA partition such as factory is followed by the first slot.
func (h *FlashHAL) NextUpdatePartition(from core.Partition) (core.Partition, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextUpdate(from)
}

func (h *FlashHAL) nextUpdate(from core.Partition) (core.Partition, error) {
	slots := h.otaSlots()
	if len(slots) == 0 {
		return core.Partition{}, core.ErrPartitionNotFound
	}

	if _, ok := from.OTASlot(); !ok {
		return slots[0], nil
	}

	for i, p := range slots {
		if p.Same(from) {
			next := slots[(i+1)%len(slots)]
			if next.Same(from) {
				return core.Partition{}, core.ErrPartitionNotFound
			}
			return next, nil
		}
	}
	return slots[0], nil
}

// BeginWrite erases p, the whole partition when size is unknown, and
// returns a writer at its first byte. Only one writer can be open at a time.
func (h *FlashHAL) BeginWrite(p core.Partition, size core.ExpectedSize) (core.FlashWriter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return nil, errNotInitialized
	}
	tp, err := h.lookup(p)
	if err != nil {
		return nil, err
	}
	if !tp.IsApp() {
		return nil, fmt.Errorf("partition %s is not an app partition", tp.Label)
	}
	if tp.Same(h.running) {
		return nil, fmt.Errorf("partition %s is running", tp.Label)
	}
	if h.writing {
		return nil, errBusy
	}
	if h.faults.BeginWrite != nil {
		return nil, h.faults.BeginWrite
	}

	erase := int64(tp.Size)
	if n, known := size.Bytes(); known {
		if n > int64(tp.Size) {
			return nil, fmt.Errorf("image of %d bytes does not fit %s", n, tp.Label)
		}
		erase = int64(alignUp(uint32(n), sectorSize))
	}
	if err := h.media.Erase(int64(tp.Offset), erase); err != nil {
		return nil, fmt.Errorf("erase %s: %w", tp.Label, err)
	}
	h.writing = true

	h.log.Debug("Partition erased", "label", tp.Label, "bytes", erase)
	return &flashWriter{h: h, p: tp, erased: erase}, nil
}

// SetBootPartition selects p for the next boot. For an OTA slot the next
// sequence number goes to the otadata sector not holding the active entry.
// Factory is selected by erasing otadata.
func (h *FlashHAL) SetBootPartition(p core.Partition) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return errNotInitialized
	}
	tp, err := h.lookup(p)
	if err != nil {
		return err
	}
	if !tp.IsApp() {
		return fmt.Errorf("partition %s is not an app partition", tp.Label)
	}
	if h.faults.SetBoot != nil {
		return h.faults.SetBoot
	}

	if h.cfg.VerifyImage {
		if _, err := h.verify(tp); err != nil {
			return fmt.Errorf("partition %s: %w", tp.Label, err)
		}
	}

	otadata, hasOtadata := h.otadata()
	slot, isOTA := tp.OTASlot()

	switch {
	case !isOTA:
		if hasOtadata {
			if err := h.media.Erase(int64(otadata.Offset), 2*sectorSize); err != nil {
				return fmt.Errorf("erase %s: %w", otadata.Label, err)
			}
		}
	case !hasOtadata:
		return fmt.Errorf("no otadata partition to select %s", tp.Label)
	default:
		entries, err := h.readEntries(otadata)
		if err != nil {
			return err
		}

		seq, sector := uint32(slot+1), 0
		if active := activeEntry(entries); active >= 0 {
			seq = nextSeq(entries[active].Seq, slot, len(h.otaSlots()))
			sector = 1 - active
		}

		off := int64(otadata.Offset) + int64(sector)*sectorSize
		if err := h.media.Erase(off, sectorSize); err != nil {
			return fmt.Errorf("erase %s: %w", otadata.Label, err)
		}
		if _, err := h.media.WriteAt(newEntry(seq).encode(), off); err != nil {
			return fmt.Errorf("write %s: %w", otadata.Label, err)
		}
		h.log.Debug("Boot selection written", "seq", seq, "sector", sector)
	}

	if err := h.media.Flush(); err != nil {
		return fmt.Errorf("flush flash: %w", err)
	}

	h.boot = tp
	h.log.Info("Boot partition set", "label", tp.Label, "offset", tp.Offset)
	return nil
}

// Restart performs the configured restart. In "none" mode it only counts.
func (h *FlashHAL) Restart() error {
	h.mu.Lock()
	if h.faults.Restart != nil {
		h.mu.Unlock()
		return h.faults.Restart
	}
	h.restarts++
	mode := h.cfg.RestartMode
	if h.media != nil {
		if err := h.media.Flush(); err != nil {
			h.log.Error(err, "Failed to flush flash before restart")
		}
	}
	h.mu.Unlock()

	switch mode {
	case RestartSystem:
		return h.reboot()
	case RestartExit:
		h.exit(0)
		return nil
	default:
		h.log.Info("Restart requested", "mode", mode)
		return nil
	}
}

// Describe validates the image in p and returns what it found.
func (h *FlashHAL) Describe(p core.Partition) (ImageInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return ImageInfo{}, errNotInitialized
	}
	tp, err := h.lookup(p)
	if err != nil {
		return ImageInfo{}, err
	}
	return h.verify(tp)
}

func (h *FlashHAL) verify(p core.Partition) (ImageInfo, error) {
	b, err := h.media.Slice(int64(p.Offset), int64(p.Size))
	if err != nil {
		return ImageInfo{}, err
	}
	return VerifyImage(b)
}

func (h *FlashHAL) repairOtadata() error {
	otadata, ok := h.otadata()
	if !ok {
		return nil
	}
	entries, err := h.readEntries(otadata)
	if err != nil {
		return err
	}
	if activeEntry(entries) >= 0 {
		return nil
	}

	b, err := h.media.Slice(int64(otadata.Offset), 2*sectorSize)
	if err != nil {
		return err
	}
	for _, c := range b {
		if c != 0xFF {
			h.log.Warn("otadata holds no valid entry, erasing", "label", otadata.Label)
			return h.media.Erase(int64(otadata.Offset), 2*sectorSize)
		}
	}
	return nil
}

// selectBoot resolves the partition a bootloader would start: the slot of
// the active otadata entry, then factory, then the first OTA slot.
func (h *FlashHAL) selectBoot() core.Partition {
	slots := h.otaSlots()
	if otadata, ok := h.otadata(); ok && len(slots) > 0 {
		if entries, err := h.readEntries(otadata); err == nil {
			if active := activeEntry(entries); active >= 0 {
				want := bootSlot(entries[active].Seq, len(slots))
				if p, ok := h.find(func(p core.Partition) bool {
					n, ok := p.OTASlot()
					return ok && n == want
				}); ok {
					return p
				}
			}
		}
	}

	if p, ok := h.find(func(p core.Partition) bool { return p.IsApp() && p.SubType == "factory" }); ok {
		return p
	}
	if len(slots) > 0 {
		return slots[0]
	}
	p, _ := h.find(core.Partition.IsApp)
	return p
}

func (h *FlashHAL) readEntries(otadata core.Partition) ([2]otaEntry, error) {
	var entries [2]otaEntry
	for i := range entries {
		b, err := h.media.Slice(int64(otadata.Offset)+int64(i)*sectorSize, otaEntrySize)
		if err != nil {
			return entries, fmt.Errorf("read %s: %w", otadata.Label, err)
		}
		entries[i] = decodeEntry(b)
	}
	return entries, nil
}

func (h *FlashHAL) otadata() (core.Partition, bool) {
	return h.find(func(p core.Partition) bool { return p.Type == core.TypeData && p.SubType == "ota" })
}

// otaSlots returns the OTA app partitions ordered by slot number.
func (h *FlashHAL) otaSlots() []core.Partition {
	var slots []core.Partition
	for _, p := range h.cfg.Partitions {
		if _, ok := p.OTASlot(); ok {
			slots = append(slots, p)
		}
	}
	sort.Slice(slots, func(i, j int) bool {
		a, _ := slots[i].OTASlot()
		b, _ := slots[j].OTASlot()
		return a < b
	})
	return slots
}

func (h *FlashHAL) find(match func(core.Partition) bool) (core.Partition, bool) {
	for _, p := range h.cfg.Partitions {
		if match(p) {
			return p, true
		}
	}
	return core.Partition{}, false
}

// lookup resolves p against the table, rejecting stale descriptions.
func (h *FlashHAL) lookup(p core.Partition) (core.Partition, error) {
	tp, ok := h.find(func(t core.Partition) bool { return t.Same(p) })
	if !ok {
		return core.Partition{}, fmt.Errorf("%w: %s", core.ErrPartitionNotFound, p.Label)
	}
	return tp, nil
}

// flashWriter appends to one partition within its erased region.
type flashWriter struct {
	h      *FlashHAL
	p      core.Partition
	erased int64
	off    int64
	closed bool
}

func (w *flashWriter) Write(b []byte) (int, error) {
	h := w.h
	h.mu.Lock()
	defer h.mu.Unlock()

	if w.closed {
		return 0, errWriterClosed
	}
	if w.off+int64(len(b)) > w.erased {
		return 0, fmt.Errorf("write of %d bytes at 0x%x passes the erased region of %s", len(b), w.off, w.p.Label)
	}
	if h.faults.Write != nil && w.off+int64(len(b)) > h.faults.WriteAfter {
		return 0, h.faults.Write
	}

	n, err := h.media.WriteAt(b, int64(w.p.Offset)+w.off)
	w.off += int64(n)
	return n, err
}

func (w *flashWriter) Finish() error {
	h := w.h
	h.mu.Lock()
	defer h.mu.Unlock()

	if w.closed {
		return errWriterClosed
	}
	w.closed = true
	h.writing = false

	if w.off == 0 {
		return fmt.Errorf("no image data written to %s", w.p.Label)
	}
	if err := h.media.Flush(); err != nil {
		return fmt.Errorf("flush flash: %w", err)
	}
	if h.faults.Finish != nil {
		return h.faults.Finish
	}

	if !h.cfg.VerifyImage {
		return nil
	}
	info, err := h.verify(w.p)
	if err != nil {
		return err
	}
	if int64(info.Length) > w.off {
		return fmt.Errorf("%w: image is %d bytes but only %d were written", ErrInvalidImage, info.Length, w.off)
	}
	h.log.Info("Image verified", "label", w.p.Label, "length", info.Length,
		"version", info.Version, "project", info.ProjectName)
	return nil
}

func (w *flashWriter) Abort() error {
	h := w.h
	h.mu.Lock()
	defer h.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	h.writing = false
	return nil
}
