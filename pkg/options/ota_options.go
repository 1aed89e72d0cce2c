package options

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*OTAOptions)(nil)

// OTAOptions describes where the firmware comes from and how the session
// paces itself around the restart.
type OTAOptions struct {
	// URL is the firmware endpoint. http(s):// is fetched with a plain GET,
	// s3://bucket/key through the S3 options.
	URL string `json:"url" mapstructure:"url"`

	// Timeout bounds the wait for the next chunk of the response body.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// RebootDelay is the grace period between stopping the network and the
	// restart request.
	RebootDelay time.Duration `json:"reboot-delay" mapstructure:"reboot-delay"`

	// BufferSize is the read size used when pulling the response body, which
	// is also the largest chunk handed to the flash sink.
	BufferSize int `json:"buffer-size" mapstructure:"buffer-size"`
}

func NewOTAOptions() *OTAOptions {
	return &OTAOptions{
		URL:         "http://192.168.1.12:8080/firmware",
		Timeout:     10 * time.Second,
		RebootDelay: 200 * time.Millisecond,
		BufferSize:  4096,
	}
}

func (o *OTAOptions) Validate() []error {
	errs := []error{}

	u, err := url.Parse(o.URL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("--ota.url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "s3":
		errs = append(errs, fmt.Errorf("--ota.url scheme must be http, https or s3, got %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("--ota.url %q has no host", o.URL))
	}

	if o.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("--ota.timeout must be positive"))
	}
	if o.RebootDelay < 0 {
		errs = append(errs, fmt.Errorf("--ota.reboot-delay must not be negative"))
	}
	if o.BufferSize < 512 {
		errs = append(errs, fmt.Errorf("--ota.buffer-size must be at least 512 bytes"))
	}

	return errs
}

func (o *OTAOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.URL, "ota.url", o.URL, "Firmware image URL (http, https or s3://bucket/key).")
	fs.DurationVar(&o.Timeout, "ota.timeout", o.Timeout, "Maximum wait for the next chunk of the firmware download.")
	fs.DurationVar(&o.RebootDelay, "ota.reboot-delay", o.RebootDelay, "Grace period between stopping the network and restarting.")
	fs.IntVar(&o.BufferSize, "ota.buffer-size", o.BufferSize, "Receive buffer size in bytes.")
}
