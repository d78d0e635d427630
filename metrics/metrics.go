// Package metrics exposes the process-wide Prometheus counters and gauges
// the Store actor updates as a pure observability side
// effect. Nothing in here participates in command dispatch or replication
// ordering; every metric is a write-only side channel.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "redserver"

var (
	// CommandsProcessed counts accepted Store commands by kind.
	CommandsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_processed_total",
			Help:      "Store commands processed, by kind.",
		},
		[]string{"command"},
	)

	// ReplicationFramesSent counts RESP frames fanned out to replica sinks.
	ReplicationFramesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_frames_sent_total",
			Help:      "RESP frames forwarded to registered replica sinks.",
		},
	)

	// ClientConnections tracks currently active client sinks registered with
	// the Store actor; it rises on InitClient and falls on CloseClient.
	ClientConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_connections",
			Help:      "Client connections currently registered with the Store actor.",
		},
	)

	// ReplicaConnections tracks currently active replica sinks registered
	// with the Store actor; it rises on InitReplica and falls on
	// CloseReplica.
	ReplicaConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replica_connections",
			Help:      "Replica connections currently registered with the Store actor.",
		},
	)
)

// Serve starts a blocking Prometheus exporter on addr. Callers typically run
// it in its own goroutine; an empty addr means metrics export is disabled,
// and Serve should not be called in that case.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
