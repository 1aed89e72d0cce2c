// Package storage mounts the auxiliary data filesystem that sits next to the
// firmware partitions. Nothing in the update path writes to it; it is brought
// up at boot so that its health shows in the logs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/autopeer-io/otaupdater/pkg/log"
	"github.com/autopeer-io/otaupdater/pkg/options"
)

// Tag is the log subsystem of the storage mount.
const Tag = "Storage"

// ErrUnsupported is returned by the mount helpers on platforms without a
// mount syscall.
var ErrUnsupported = errors.New("mounting block devices is not supported on this platform")

// Info describes a mounted filesystem.
type Info struct {
	Path      string
	Device    string
	Total     uint64
	Used      uint64
	Entries   int
	Formatted bool
}

type (
	mountFunc  func(device, target, fstype string) error
	formatFunc func(ctx context.Context, device, fstype, label string) error
	usageFunc  func(path string) (total, used uint64, err error)
)

// Mounter brings the auxiliary filesystem up.
type Mounter struct {
	opts *options.StorageOptions

	mount   mountFunc
	unmount func(target string) error
	format  formatFunc
	usage   usageFunc

	mounted bool
	log     log.Logger
}

func New(opts *options.StorageOptions) *Mounter {
	return &Mounter{
		opts:    opts,
		mount:   mountDevice,
		unmount: unmountDevice,
		format:  formatDevice,
		usage:   diskUsage,
		log:     log.WithName(Tag),
	}
}

// Mount mounts the configured device at the mount path. When the first
// attempt fails and FormatIfMountFailed is set the device is formatted and
// mounted again. With no device the mount path is used as a plain directory.
func (m *Mounter) Mount(ctx context.Context) (Info, error) {
	info := Info{Path: m.opts.MountPath, Device: m.opts.Device}
	m.log.Info("Initializing storage", "path", info.Path, "device", info.Device, "fsType", m.opts.FSType)

	if err := os.MkdirAll(info.Path, 0o755); err != nil {
		return info, fmt.Errorf("create mount point %s: %w", info.Path, err)
	}

	if info.Device != "" {
		err := m.mount(info.Device, info.Path, m.opts.FSType)
		if err != nil && m.opts.FormatIfMountFailed {
			m.log.Warn("Mount failed, formatting", "device", info.Device, "error", err)
			if ferr := m.format(ctx, info.Device, m.opts.FSType, m.opts.Label); ferr != nil {
				err = errors.Join(err, ferr)
			} else {
				info.Formatted = true
				err = m.mount(info.Device, info.Path, m.opts.FSType)
			}
		}
		if err != nil {
			m.log.Error(err, "Failed to mount or format filesystem", "device", info.Device)
			return info, fmt.Errorf("mount %s on %s: %w", info.Device, info.Path, err)
		}
		m.mounted = true
	}

	total, used, err := m.usage(info.Path)
	if err != nil {
		m.log.Error(err, "Failed to get partition information", "path", info.Path)
		return info, nil
	}
	info.Total, info.Used = total, used
	m.log.Info(fmt.Sprintf("Partition size: total: %d, used: %d", total, used))

	entries, err := os.ReadDir(info.Path)
	if err == nil {
		info.Entries = len(entries)
		if m.opts.MaxFiles > 0 && info.Entries > m.opts.MaxFiles {
			m.log.Warn("Storage holds more files than expected", "entries", info.Entries, "maxFiles", m.opts.MaxFiles)
		}
	}

	return info, nil
}

// Unmount releases a device mounted by Mount. Directory mode is a no-op.
func (m *Mounter) Unmount() error {
	if !m.mounted {
		return nil
	}
	if err := m.unmount(m.opts.MountPath); err != nil {
		return fmt.Errorf("unmount %s: %w", m.opts.MountPath, err)
	}
	m.mounted = false
	m.log.Info("Storage unmounted", "path", m.opts.MountPath)
	return nil
}

func formatDevice(ctx context.Context, device, fstype, label string) error {
	var args []string
	switch fstype {
	case "vfat", "fat", "msdos":
		fstype = "vfat"
		if label != "" {
			args = append(args, "-n", label)
		}
	default:
		args = append(args, "-F")
		if label != "" {
			args = append(args, "-L", label)
		}
	}
	args = append(args, device)

	out, err := exec.CommandContext(ctx, "mkfs."+fstype, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("mkfs.%s: %w: %s", fstype, err, out)
	}
	return nil
}
