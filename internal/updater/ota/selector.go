package ota

import (
	"errors"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
	"github.com/autopeer-io/otaupdater/pkg/log"
)

// Selector finds the partition the next image is written to.
type Selector struct {
	hal core.HAL
	log log.Logger
}

func NewSelector(hal core.HAL) *Selector {
	return &Selector{hal: hal, log: log.WithName(Tag)}
}

// SelectUpdateTarget returns the OTA slot after the running partition. It
// only reads the partition table, so repeated calls return the same slot
// until the device boots another image.
func (s *Selector) SelectUpdateTarget() (core.Partition, error) {
	running, err := s.hal.RunningPartition()
	if err != nil {
		return core.Partition{}, core.Fail(core.NoUpdatePartition, err)
	}
	s.log.Info("Running from partition", "label", running.Label, "offset", running.Offset)

	next, err := s.hal.NextUpdatePartition(running)
	if err != nil {
		s.log.Info("Update partition", "label", "NULL")
		if errors.Is(err, core.ErrPartitionNotFound) {
			return core.Partition{}, core.Fail(core.NoUpdatePartition, nil)
		}
		return core.Partition{}, core.Fail(core.NoUpdatePartition, err)
	}
	s.log.Info("Update partition", "label", next.Label, "offset", next.Offset, "size", next.Size)

	if next.Same(running) {
		return core.Partition{}, core.Fail(core.NoUpdatePartition, errors.New("update slot is the running partition"))
	}

	next.Role = core.RoleCandidate
	return next, nil
}
