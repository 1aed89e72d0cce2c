package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
	"github.com/autopeer-io/otaupdater/pkg/log"
	"github.com/autopeer-io/otaupdater/pkg/options"
)

// S3 streams the firmware object from an S3-compatible store.
type S3 struct {
	client *minio.Client
	bucket string
	key    string
	cfg    Config
	log    log.Logger
}

var _ core.Transport = (*S3)(nil)

func NewS3(client *minio.Client, bucket, key string, cfg Config) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		key:    key,
		cfg:    cfg.withDefaults(),
		log:    log.WithName(Tag),
	}
}

// NewMinIOClient builds a client for the store described by opts.
func NewMinIOClient(opts *options.S3Options) (*minio.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure:    opts.UseSSL,
		Region:    opts.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return client, nil
}

// Stream reads the object and delivers it. A missing object surfaces on the
// first read and is a transport failure.
func (t *S3) Stream(ctx context.Context, deliver core.DeliverFunc) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	wd := newWatchdog(t.cfg.Timeout, cancel)
	defer wd.pause()

	obj, err := t.client.GetObject(ctx, t.bucket, t.key, minio.GetObjectOptions{})
	if err != nil {
		return fail(ctx, err, deliver, t.log)
	}
	defer obj.Close()

	t.log.Info("HTTP_EVENT_HEADER_SENT", "bucket", t.bucket, "key", t.key)
	return pump(ctx, obj, t.cfg, wd, deliver, t.log)
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("%q is not an s3:// URL", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("%q must name a bucket and an object key", raw)
	}
	return u.Host, key, nil
}

// New returns the transport matching the scheme of the firmware URL.
func New(ota *options.OTAOptions, s3 *options.S3Options) (core.Transport, error) {
	cfg := Config{Timeout: ota.Timeout, BufferSize: ota.BufferSize}

	if !strings.HasPrefix(ota.URL, "s3://") {
		return NewHTTP(ota.URL, &http.Client{}, cfg), nil
	}

	bucket, key, err := ParseS3URL(ota.URL)
	if err != nil {
		return nil, err
	}
	if s3.Endpoint == "" {
		return nil, fmt.Errorf("--s3.endpoint is required for %s", ota.URL)
	}
	client, err := NewMinIOClient(s3)
	if err != nil {
		return nil, err
	}
	return NewS3(client, bucket, key, cfg), nil
}
