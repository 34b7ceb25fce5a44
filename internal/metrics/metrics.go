package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TelemetryIngest = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lapso_telemetry_ingest_total",
			Help: "Telemetry ingest attempts by result",
		},
		[]string{"result"},
	)
	CommandsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lapso_commands_enqueued_total",
			Help: "Commands enqueued by kind",
		},
		[]string{"kind"},
	)
	CommandsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lapso_commands_dispatched_total",
			Help: "Commands handed to polling agents by kind",
		},
		[]string{"kind"},
	)
	CommandResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lapso_command_results_total",
			Help: "Result reports by outcome",
		},
		[]string{"status"},
	)
	CommandsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lapso_commands_expired_total",
			Help: "Commands that expired before a terminal report",
		},
	)
	GeofenceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lapso_geofence_events_total",
			Help: "Geofence transitions by type",
		},
		[]string{"type"},
	)
	SecurityEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lapso_security_events_total",
			Help: "Ownership mismatches and suspicious activity",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		TelemetryIngest,
		CommandsEnqueued,
		CommandsDispatched,
		CommandResults,
		CommandsExpired,
		GeofenceEvents,
		SecurityEvents,
	)
}
