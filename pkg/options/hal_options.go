package options

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HALOptions)(nil)

// HALOptions selects and configures the flash platform.
type HALOptions struct {
	// Backend is "flash" (a memory-mapped flash image on disk) or "memory"
	// (volatile, for dry runs).
	Backend string `json:"backend" mapstructure:"backend"`

	FlashImage string `json:"flash-image" mapstructure:"flash-image"`
	FlashSize  int64  `json:"flash-size" mapstructure:"flash-size"`

	// PartitionTable is a partition CSV. Empty uses the built-in two-slot
	// layout.
	PartitionTable string `json:"partition-table" mapstructure:"partition-table"`

	// RunningPartition overrides the partition the bootloader selected.
	RunningPartition string `json:"running-partition" mapstructure:"running-partition"`

	VerifyImage bool `json:"verify-image" mapstructure:"verify-image"`
	EraseNVS    bool `json:"erase-nvs" mapstructure:"erase-nvs"`

	// RestartMode is "system", "exit" or "none".
	RestartMode string `json:"restart-mode" mapstructure:"restart-mode"`
}

func NewHALOptions() *HALOptions {
	return &HALOptions{
		Backend:     "flash",
		FlashImage:  "/var/lib/cpeer-ota/flash.bin",
		FlashSize:   4 << 20,
		VerifyImage: true,
		RestartMode: "system",
	}
}

func (o *HALOptions) Validate() []error {
	errs := []error{}

	switch o.Backend {
	case "flash":
		if !filepath.IsAbs(o.FlashImage) {
			errs = append(errs, errors.New("--hal.flash-image must be absolute"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("--hal.backend must be flash or memory, got %q", o.Backend))
	}

	if o.FlashSize <= 0 || o.FlashSize%4096 != 0 {
		errs = append(errs, fmt.Errorf("--hal.flash-size must be a positive multiple of 4096, got %d", o.FlashSize))
	}

	switch o.RestartMode {
	case "system", "exit", "none":
	default:
		errs = append(errs, fmt.Errorf("--hal.restart-mode must be system, exit or none, got %q", o.RestartMode))
	}

	return errs
}

func (o *HALOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Backend, "hal.backend", o.Backend, "Flash platform backend: flash or memory.")
	fs.StringVar(&o.FlashImage, "hal.flash-image", o.FlashImage, "Path of the flash image file, created erased if missing.")
	fs.Int64Var(&o.FlashSize, "hal.flash-size", o.FlashSize, "Size of the flash in bytes.")
	fs.StringVar(&o.PartitionTable, "hal.partition-table", o.PartitionTable, "Partition table CSV. Empty uses the built-in layout.")
	fs.StringVar(&o.RunningPartition, "hal.running-partition", o.RunningPartition, "Label of the running partition. Empty follows otadata.")
	fs.BoolVar(&o.VerifyImage, "hal.verify-image", o.VerifyImage, "Check the app image before it can be selected for boot.")
	fs.BoolVar(&o.EraseNVS, "hal.erase-nvs", o.EraseNVS, "Erase the NVS partition on start-up.")
	fs.StringVar(&o.RestartMode, "hal.restart-mode", o.RestartMode, "How a restart is performed: system, exit or none.")
}
