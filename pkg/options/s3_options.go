package options

import (
	"errors"

	"github.com/spf13/pflag"
)

var _ IOptions = (*S3Options)(nil)

// S3Options configures access to an S3-compatible firmware store. It is only
// consulted when the firmware URL uses the s3:// scheme.
type S3Options struct {
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `json:"access-key-id" mapstructure:"access-key-id"`
	SecretAccessKey string `json:"secret-access-key" mapstructure:"secret-access-key"`
	UseSSL          bool   `json:"use-ssl" mapstructure:"use-ssl"`
	Region          string `json:"region" mapstructure:"region"`

	// InsecureSkipVerify disables certificate checks for self-signed stores.
	InsecureSkipVerify bool `json:"insecure-skip-verify" mapstructure:"insecure-skip-verify"`
}

func NewS3Options() *S3Options {
	return &S3Options{
		UseSSL: true,
		Region: "us-east-1",
	}
}

func (o *S3Options) Validate() []error {
	errs := []error{}

	if (o.AccessKeyID == "") != (o.SecretAccessKey == "") {
		errs = append(errs, errors.New("--s3.access-key-id and --s3.secret-access-key must be set together"))
	}

	return errs
}

func (o *S3Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Endpoint, "s3.endpoint", o.Endpoint, "S3 service endpoint used for s3:// firmware URLs (e.g. minio.local:9000).")
	fs.StringVar(&o.AccessKeyID, "s3.access-key-id", o.AccessKeyID, "S3 access key ID.")
	fs.StringVar(&o.SecretAccessKey, "s3.secret-access-key", o.SecretAccessKey, "S3 secret access key.")
	fs.BoolVar(&o.UseSSL, "s3.use-ssl", o.UseSSL, "Enable SSL for the S3 connection.")
	fs.StringVar(&o.Region, "s3.region", o.Region, "S3 region.")
	fs.BoolVar(&o.InsecureSkipVerify, "s3.insecure-skip-verify", o.InsecureSkipVerify, "Skip TLS certificate verification for the S3 endpoint.")
}
