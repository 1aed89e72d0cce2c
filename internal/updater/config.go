package updater

import (
	"fmt"

	"github.com/autopeer-io/otaupdater/internal/updater/hal"
	"github.com/autopeer-io/otaupdater/internal/updater/netmon"
	"github.com/autopeer-io/otaupdater/internal/updater/report"
	"github.com/autopeer-io/otaupdater/internal/updater/server"
	"github.com/autopeer-io/otaupdater/internal/updater/storage"
	"github.com/autopeer-io/otaupdater/internal/updater/transport"
	"github.com/autopeer-io/otaupdater/pkg/mqtt"
	"github.com/autopeer-io/otaupdater/pkg/mqtt/topic"
	"github.com/autopeer-io/otaupdater/pkg/options"
)

type Config struct {
	DeviceID string

	OTAOptions     *options.OTAOptions
	WifiOptions    *options.WifiOptions
	StorageOptions *options.StorageOptions
	HALOptions     *options.HALOptions
	HttpOptions    *options.HttpOptions
	MqttOptions    *options.MqttOptions
	S3Options      *options.S3Options
}

// NewUpdater builds every component the options enable.
func (cfg *Config) NewUpdater() (*Updater, error) {
	deviceID := cfg.DeviceID
	if deviceID == "" {
		if deviceID = DiscoverDeviceID(); deviceID == "" {
			return nil, fmt.Errorf("unable to determine the device ID")
		}
	}

	device, err := hal.NewFromOptions(cfg.HALOptions, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to init HAL: %w", err)
	}

	monitor, err := netmon.New(cfg.WifiOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to init link: %w", err)
	}

	fetch, err := transport.New(cfg.OTAOptions, cfg.S3Options)
	if err != nil {
		return nil, fmt.Errorf("failed to init transport: %w", err)
	}

	opts := []Option{
		WithStorage(storage.New(cfg.StorageOptions)),
		WithRebootDelay(cfg.OTAOptions.RebootDelay),
	}

	if cfg.MqttOptions.Enabled() {
		reporter, err := cfg.newReporter(deviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to init mqtt reporter: %w", err)
		}
		opts = append(opts, WithObservers(reporter), WithServers(server.Func(reporter.Run)))
	}

	u := New(device, monitor, fetch, opts...)
	if cfg.HttpOptions.Enabled {
		u.servers.Add(server.NewHTTP(cfg.HttpOptions, u))
	}
	return u, nil
}

func (cfg *Config) newReporter(deviceID string) (*report.MQTT, error) {
	topics := topic.NewBuilder(cfg.MqttOptions.TopicRoot)

	mqttConfig := cfg.MqttOptions.ToClientConfig()
	if mqttConfig.ClientID == "" {
		mqttConfig.ClientID = fmt.Sprintf("cpeer-ota-%s", deviceID)
	}

	// We rely on the broker's reception time, so no timestamp in the will.
	offline, err := report.OfflinePayload(deviceID)
	if err != nil {
		return nil, err
	}
	mqttConfig.WillTopic = topics.Online(deviceID)
	mqttConfig.WillPayload = offline
	mqttConfig.WillQoS = 1
	mqttConfig.WillRetain = true

	client, err := mqtt.NewClient(mqttConfig)
	if err != nil {
		return nil, err
	}
	return report.NewMQTT(client, topics, deviceID), nil
}
