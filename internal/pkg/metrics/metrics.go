package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every updater metric. It is served on /metrics.
var Registry = prometheus.NewRegistry()

var sessionStates = []string{
	"Idle", "PartitionSelected", "WriteOpen", "Streaming",
	"Finalizing", "BootPending", "Rebooting", "Failed",
}

var (
	// SessionTransitions counts entries into each session state.
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpeer_ota_session_transitions_total",
			Help: "Total number of OTA session transitions by target state.",
		},
		[]string{"state"},
	)

	// SessionFailures counts failed sessions by reason.
	SessionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpeer_ota_session_failures_total",
			Help: "Total number of failed OTA sessions by reason.",
		},
		[]string{"reason"},
	)

	// SessionState is 1 for the current state of the active session.
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cpeer_ota_session_state",
			Help: "Current OTA session state (1 = current).",
		},
		[]string{"state"},
	)

	BytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cpeer_ota_bytes_written_total",
			Help: "Total number of image bytes written to flash.",
		},
	)

	DownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cpeer_ota_download_duration_seconds",
			Help:    "Time spent streaming an image into the update partition.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	// LinkEvents counts connectivity events by type.
	LinkEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cpeer_ota_link_events_total",
			Help: "Total number of network link events by type.",
		},
		[]string{"event"},
	)

	// ReporterConnected is 1 while the MQTT status reporter is connected.
	ReporterConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cpeer_ota_reporter_connected",
			Help: "Connectivity of the MQTT status reporter (1=Connected, 0=Disconnected).",
		},
	)
)

// SetSessionState marks state as the current one.
func SetSessionState(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}

func init() {
	Registry.MustRegister(
		SessionTransitions,
		SessionFailures,
		SessionState,
		BytesWritten,
		DownloadDuration,
		LinkEvents,
		ReporterConnected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
