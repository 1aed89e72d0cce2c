package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopeer-io/otaupdater/internal/pkg/metrics"
	"github.com/autopeer-io/otaupdater/pkg/log"
	"github.com/autopeer-io/otaupdater/pkg/options"
)

// Probe is what the endpoint reports on.
type Probe interface {
	// Ready returns nil once the device state is loaded.
	Ready() error
	// Status returns a JSON-encodable snapshot of the updater.
	Status() any
}

// HTTP serves /healthz, /readyz, /status and /metrics.
type HTTP struct {
	server *http.Server
	log    log.Logger
}

var _ Server = (*HTTP)(nil)

func NewHTTP(opts *options.HttpOptions, probe Probe) *HTTP {
	return &HTTP{
		server: &http.Server{
			Addr:         opts.Addr,
			Handler:      NewRouter(probe),
			ReadTimeout:  opts.Timeout,
			WriteTimeout: opts.Timeout,
		},
		log: log.WithName("HTTP"),
	}
}

// NewRouter builds the endpoint routes.
func NewRouter(probe Probe) *mux.Router {
	r := mux.NewRouter()

	// Basic Liveness Probe
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if err := probe.Ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(probe.Status()); err != nil {
			log.Error(err, "Failed to encode status")
		}
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}

func (s *HTTP) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the endpoint on ln until ctx is done.
func (s *HTTP) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("Starting HTTP Server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
