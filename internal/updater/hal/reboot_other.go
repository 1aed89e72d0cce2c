//go:build !linux

package hal

import (
	"fmt"
	"runtime"
)

func systemReboot() error {
	return fmt.Errorf("system restart is not supported on %s", runtime.GOOS)
}
