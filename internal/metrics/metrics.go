// Package metrics holds the engine's Prometheus collectors. Collectors are
// registered on a per-instance registry so tests and multiple engines in
// one process do not share counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edcompanion"

type Metrics struct {
	Registry *prometheus.Registry

	EventsRead        prometheus.Counter
	EventsSelected    *prometheus.CounterVec // kind
	MalformedLines    prometheus.Counter
	JournalResets     prometheus.Counter
	StatusAttempts    prometheus.Histogram
	StatusFailures    prometheus.Counter
	WaypointsComplete prometheus.Counter
	RacesFinished     prometheus.Counter
	PollDuration      prometheus.Histogram
	ComponentFailures *prometheus.CounterVec // component
	WSClients         prometheus.Gauge
	WSMessages        *prometheus.CounterVec // type
	GameRunning       prometheus.Gauge
}

// New creates the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		EventsRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "journal",
			Name: "events_read_total",
			Help: "Journal events decoded by the tailer",
		}),
		EventsSelected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "journal",
			Name: "events_selected_total",
			Help: "Events passed to consumers after filtering, by kind",
		}, []string{"kind"}),
		MalformedLines: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "journal",
			Name: "malformed_lines_total",
			Help: "Complete journal lines that failed to decode",
		}),
		JournalResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "journal",
			Name: "cursor_resets_total",
			Help: "Tail cursors reset after a file was replaced or truncated",
		}),
		StatusAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "status",
			Name:    "read_attempts",
			Help:    "Read attempts needed per status file revision",
			Buckets: []float64{1, 2, 3, 5, 10},
		}),
		StatusFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "status",
			Name: "read_failures_total",
			Help: "Status revisions abandoned after the retry ceiling",
		}),
		WaypointsComplete: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "race",
			Name: "waypoints_completed_total",
			Help: "Race waypoints completed",
		}),
		RacesFinished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "race",
			Name: "finished_total",
			Help: "Races run to the last waypoint",
		}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "monitor",
			Name:    "poll_duration_seconds",
			Help:    "Duration of one poll cycle",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ComponentFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor",
			Name: "component_failures_total",
			Help: "Failed polls by component",
		}, []string{"component"}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws",
			Name: "clients",
			Help: "Connected websocket clients",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws",
			Name: "messages_sent_total",
			Help: "Websocket messages broadcast, by type",
		}, []string{"type"}),
		GameRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "game_running",
			Help:      "1 when the game process is detected",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
