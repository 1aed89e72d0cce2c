//go:build linux

package storage

import (
	"golang.org/x/sys/unix"
)

func mountDevice(device, target, fstype string) error {
	return unix.Mount(device, target, fstype, unix.MS_NOATIME, "")
}

func unmountDevice(target string) error {
	return unix.Unmount(target, 0)
}

func diskUsage(path string) (uint64, uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bfree * bsize
	return total, total - free, nil
}
