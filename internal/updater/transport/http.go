package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptrace"

	"github.com/autopeer-io/otaupdater/internal/updater/core"
	"github.com/autopeer-io/otaupdater/pkg/log"
)

// A HTTPDoer is satisfied by any *http.Client, but also easy to implement in
// case extra middleware is desired.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTP fetches the firmware with a plain GET. The body is not required to
// carry a Content-Length.
type HTTP struct {
	url  string
	doer HTTPDoer
	cfg  Config
	log  log.Logger
}

var _ core.Transport = (*HTTP)(nil)

func NewHTTP(url string, doer HTTPDoer, cfg Config) *HTTP {
	if doer == nil {
		doer = &http.Client{}
	}
	return &HTTP{
		url:  url,
		doer: doer,
		cfg:  cfg.withDefaults(),
		log:  log.WithName(Tag),
	}
}

// Stream performs the GET and delivers the body. Any non-2xx status is a
// transport failure.
func (t *HTTP) Stream(ctx context.Context, deliver core.DeliverFunc) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	wd := newWatchdog(t.cfg.Timeout, cancel)
	defer wd.pause()

	trace := &httptrace.ClientTrace{
		WroteHeaders: func() { t.log.Info("HTTP_EVENT_HEADER_SENT") },
		GotConn: func(info httptrace.GotConnInfo) {
			t.log.Debug("HTTP_EVENT_ON_CONNECTED", "reused", info.Reused)
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, t.url, nil)
	if err != nil {
		return fail(ctx, err, deliver, t.log)
	}

	resp, err := t.doer.Do(req)
	if err != nil {
		return fail(ctx, err, deliver, t.log)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(ctx, fmt.Errorf("unexpected HTTP status %s", resp.Status), deliver, t.log)
	}
	t.log.Debug("HTTP_EVENT_ON_HEADER", "status", resp.StatusCode, "content-length", resp.ContentLength)

	return pump(ctx, resp.Body, t.cfg, wd, deliver, t.log)
}
