package options

import (
	"errors"
	"path/filepath"

	"github.com/spf13/pflag"
)

var _ IOptions = (*StorageOptions)(nil)

// StorageOptions describes the auxiliary filesystem mounted at boot. The
// update path never writes to it.
type StorageOptions struct {
	// Device is the block device to mount. Empty uses a plain directory.
	Device string `json:"device" mapstructure:"device"`

	MountPath string `json:"mount-path" mapstructure:"mount-path"`
	FSType    string `json:"fs-type" mapstructure:"fs-type"`
	Label     string `json:"label" mapstructure:"label"`

	// FormatIfMountFailed formats the device and retries once when the
	// first mount attempt fails.
	FormatIfMountFailed bool `json:"format-if-mount-failed" mapstructure:"format-if-mount-failed"`

	// MaxFiles caps the number of entries the storage is expected to hold.
	MaxFiles int `json:"max-files" mapstructure:"max-files"`
}

func NewStorageOptions() *StorageOptions {
	return &StorageOptions{
		MountPath:           "/spiffs",
		FSType:              "ext4",
		Label:               "storage",
		FormatIfMountFailed: true,
		MaxFiles:            5,
	}
}

func (o *StorageOptions) Validate() []error {
	errs := []error{}

	if !filepath.IsAbs(o.MountPath) {
		errs = append(errs, errors.New("--storage.mount-path must be absolute"))
	}
	if o.MaxFiles < 0 {
		errs = append(errs, errors.New("--storage.max-files must not be negative"))
	}

	return errs
}

func (o *StorageOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Device, "storage.device", o.Device, "Block device holding the auxiliary filesystem. Empty uses a directory.")
	fs.StringVar(&o.MountPath, "storage.mount-path", o.MountPath, "Where the auxiliary filesystem is mounted.")
	fs.StringVar(&o.FSType, "storage.fs-type", o.FSType, "Filesystem type of the auxiliary storage.")
	fs.StringVar(&o.Label, "storage.label", o.Label, "Label used when the storage has to be formatted.")
	fs.BoolVar(&o.FormatIfMountFailed, "storage.format-if-mount-failed", o.FormatIfMountFailed, "Format the device when it cannot be mounted.")
	fs.IntVar(&o.MaxFiles, "storage.max-files", o.MaxFiles, "Maximum number of files expected on the auxiliary storage.")
}
