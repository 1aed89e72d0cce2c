package options

import (
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HttpOptions)(nil)

// HttpOptions configures the local health and metrics endpoint.
type HttpOptions struct {
	// Enabled turns the endpoint on. Constrained devices usually leave it off.
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Address with server address.
	Addr string `json:"addr" mapstructure:"addr"`

	// Timeout bounds reads and writes on the endpoint.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// NewHttpOptions creates a HttpOptions object with default parameters.
func NewHttpOptions() *HttpOptions {
	return &HttpOptions{
		Enabled: true,
		Addr:    "0.0.0.0:9108",
		Timeout: 5 * time.Second,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *HttpOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	errors := []error{}

	if err := ValidateAddress(o.Addr); err != nil {
		errors = append(errors, err)
	}

	return errors
}

// AddFlags adds flags for the health/metrics endpoint to the specified FlagSet.
func (o *HttpOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "http.enabled", o.Enabled, "Serve /healthz, /readyz and /metrics.")
	fs.StringVar(&o.Addr, "http.addr", o.Addr, "Bind address and port of the health and metrics endpoint.")
	fs.DurationVar(&o.Timeout, "http.timeout", o.Timeout, "Read and write timeout of the health and metrics endpoint.")
}
