package options

import (
	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/otaupdater/internal/updater"
	"github.com/autopeer-io/otaupdater/pkg/app"
	"github.com/autopeer-io/otaupdater/pkg/log"
	"github.com/autopeer-io/otaupdater/pkg/options"
)

type UpdaterOptions struct {
	// DeviceID names the device in status reports. Discovered when empty.
	DeviceID string `json:"device-id" mapstructure:"device-id"`

	OTAOptions     *options.OTAOptions     `json:"ota" mapstructure:"ota"`
	WifiOptions    *options.WifiOptions    `json:"wifi" mapstructure:"wifi"`
	StorageOptions *options.StorageOptions `json:"storage" mapstructure:"storage"`
	HALOptions     *options.HALOptions     `json:"hal" mapstructure:"hal"`
	HttpOptions    *options.HttpOptions    `json:"http" mapstructure:"http"`
	MqttOptions    *options.MqttOptions    `json:"mqtt" mapstructure:"mqtt"`
	S3Options      *options.S3Options      `json:"s3" mapstructure:"s3"`
	Log            *log.Options            `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*UpdaterOptions)(nil)

func NewUpdaterOptions() *UpdaterOptions {
	return &UpdaterOptions{
		OTAOptions:     options.NewOTAOptions(),
		WifiOptions:    options.NewWifiOptions(),
		StorageOptions: options.NewStorageOptions(),
		HALOptions:     options.NewHALOptions(),
		HttpOptions:    options.NewHttpOptions(),
		MqttOptions:    options.NewMqttOptions(),
		S3Options:      options.NewS3Options(),
		Log:            log.NewOptions(),
	}
}

func (o *UpdaterOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.addGenericFlags(fss.FlagSet("generic"))
	o.OTAOptions.AddFlags(fss.FlagSet("ota"))
	o.WifiOptions.AddFlags(fss.FlagSet("wifi"))
	o.StorageOptions.AddFlags(fss.FlagSet("storage"))
	o.HALOptions.AddFlags(fss.FlagSet("hal"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *UpdaterOptions) addGenericFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.DeviceID, "device-id", o.DeviceID, "Device identifier used in status reports. Discovered from the environment when empty.")
}

func (o *UpdaterOptions) Complete() error {
	if o.DeviceID == "" {
		o.DeviceID = updater.DiscoverDeviceID()
	}
	return nil
}

func (o *UpdaterOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.OTAOptions.Validate()...)
	errs = append(errs, o.WifiOptions.Validate()...)
	errs = append(errs, o.StorageOptions.Validate()...)
	errs = append(errs, o.HALOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *UpdaterOptions) Config() (*updater.Config, error) {
	return &updater.Config{
		DeviceID:       o.DeviceID,
		OTAOptions:     o.OTAOptions,
		WifiOptions:    o.WifiOptions,
		StorageOptions: o.StorageOptions,
		HALOptions:     o.HALOptions,
		HttpOptions:    o.HttpOptions,
		MqttOptions:    o.MqttOptions,
		S3Options:      o.S3Options,
	}, nil
}
