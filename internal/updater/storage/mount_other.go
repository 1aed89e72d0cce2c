//go:build !linux

package storage

func mountDevice(string, string, string) error { return ErrUnsupported }

func unmountDevice(string) error { return ErrUnsupported }

func diskUsage(string) (uint64, uint64, error) { return 0, 0, ErrUnsupported }
