package options

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*WifiOptions)(nil)

// WifiOptions configures the station-mode network link.
type WifiOptions struct {
	// Driver selects the link implementation: "wpa" drives wpa_supplicant
	// through wpa_cli, "static" treats the interface as always connected.
	Driver string `json:"driver" mapstructure:"driver"`

	Interface string `json:"interface" mapstructure:"interface"`
	SSID      string `json:"ssid" mapstructure:"ssid"`
	Password  string `json:"password" mapstructure:"password"`

	// PollInterval is how often carrier and address state are sampled.
	PollInterval time.Duration `json:"poll-interval" mapstructure:"poll-interval"`
}

func NewWifiOptions() *WifiOptions {
	return &WifiOptions{
		Driver:       "wpa",
		Interface:    "wlan0",
		PollInterval: 500 * time.Millisecond,
	}
}

func (o *WifiOptions) Validate() []error {
	errs := []error{}

	switch o.Driver {
	case "wpa":
		if o.SSID == "" {
			errs = append(errs, errors.New("--wifi.ssid is required for the wpa driver"))
		}
		if o.Password != "" && (len(o.Password) < 8 || len(o.Password) > 63) {
			errs = append(errs, errors.New("--wifi.password must be 8 to 63 characters"))
		}
	case "static":
	default:
		errs = append(errs, fmt.Errorf("--wifi.driver must be 'wpa' or 'static', got %q", o.Driver))
	}

	if o.Interface == "" {
		errs = append(errs, errors.New("--wifi.interface must not be empty"))
	}
	if o.PollInterval <= 0 {
		errs = append(errs, errors.New("--wifi.poll-interval must be positive"))
	}

	return errs
}

func (o *WifiOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Driver, "wifi.driver", o.Driver, "Link driver: 'wpa' (wpa_supplicant station) or 'static'.")
	fs.StringVar(&o.Interface, "wifi.interface", o.Interface, "Network interface used for the download.")
	fs.StringVar(&o.SSID, "wifi.ssid", o.SSID, "SSID of the access point to join.")
	fs.StringVar(&o.Password, "wifi.password", o.Password, "WPA passphrase. Empty joins an open network.")
	fs.DurationVar(&o.PollInterval, "wifi.poll-interval", o.PollInterval, "Interval between link state samples.")
}
