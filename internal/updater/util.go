package updater

import (
	"os"
	"strings"

	"github.com/autopeer-io/otaupdater/pkg/log"
)

// Sources consulted by DiscoverDeviceID, in order.
var (
	deviceIDEnv   = "CPEER_DEVICE_ID"
	deviceIDFiles = []string{"/etc/cpeer/device-id", "/etc/machine-id"}
	hostname      = os.Hostname
)

// DiscoverDeviceID tries to get the device ID from the environment: an
// injected variable first, then provisioning files, then the hostname.
func DiscoverDeviceID() string {
	if envID := os.Getenv(deviceIDEnv); envID != "" {
		log.Info("DeviceID detected from env", "id", envID)
		return envID
	}

	for _, path := range deviceIDFiles {
		if content, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(content)); id != "" {
				log.Info("DeviceID detected from file", "id", id, "path", path)
				return id
			}
		}
	}

	if name, err := hostname(); err == nil && name != "" {
		log.Info("DeviceID derived from hostname", "id", name)
		return name
	}

	return ""
}
