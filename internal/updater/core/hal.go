package core

import (
	"context"
	"errors"
)

// ErrPartitionNotFound is returned by a HAL when a lookup matches no partition.
var ErrPartitionNotFound = errors.New("partition not found")

// HAL (Hardware Abstraction Layer) is everything the updater needs from the
// device: the partition table, flash writes and the persistent boot pointer.
type HAL interface {
	// Init loads persistent state (boot selection, NVS). It must be called
	// once before any other method.
	Init(ctx context.Context) error

	// DeviceID identifies the device in status reports.
	DeviceID() string

	// Partitions returns the partition table with roles resolved against
	// the running image.
	Partitions() []Partition

	// RunningPartition returns the partition the current image executes from.
	RunningPartition() (Partition, error)

	// NextUpdatePartition returns the OTA slot that follows from, or
	// ErrPartitionNotFound when the layout has none.
	NextUpdatePartition(from Partition) (Partition, error)

	// BootPartition returns the partition selected for the next boot.
	BootPartition() (Partition, error)

	// BeginWrite erases p (all of it when size is unknown) and returns a
	// writer positioned at its first byte.
	BeginWrite(p Partition, size ExpectedSize) (FlashWriter, error)

	// SetBootPartition persists p as the next boot target.
	SetBootPartition(p Partition) error

	// Restart reboots the device.
	Restart() error
}

// FlashWriter appends to one partition. It is not safe for concurrent use.
type FlashWriter interface {
	// Write appends b at the current offset.
	Write(b []byte) (int, error)

	// Finish flushes written data and runs the platform's image check.
	Finish() error

	// Abort releases the writer without validating anything.
	Abort() error
}

// ExpectedSize is the announced length of an image, if any.
type ExpectedSize struct {
	n     int64
	known bool
}

// SizeUnknown is used when the transport does not announce a length.
var SizeUnknown = ExpectedSize{}

// KnownSize announces an image of n bytes.
func KnownSize(n int64) ExpectedSize {
	return ExpectedSize{n: n, known: true}
}

// Bytes returns the announced size and whether it is known.
func (s ExpectedSize) Bytes() (int64, bool) {
	return s.n, s.known
}

func (s ExpectedSize) String() string {
	if !s.known {
		return "unknown"
	}
	return formatBytes(s.n)
}
