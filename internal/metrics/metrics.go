// Package metrics exposes Prometheus counters and histograms for the core:
// connections established, bytes transferred per payload kind, frames
// dropped per reason, and bandwidth-upgrade outcomes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ConnectionsEstablished counts successful connected transitions,
	// labeled by medium tag.
	ConnectionsEstablished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nearby",
		Name:      "connections_established_total",
		Help:      "Connections that reached the connected state, by medium.",
	}, []string{"medium"})

	// ConnectionsRejected counts rejected/failed connection attempts,
	// labeled by reason (status string).
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nearby",
		Name:      "connections_rejected_total",
		Help:      "Connection attempts that ended in rejection or failure.",
	}, []string{"reason"})

	// PayloadBytesTransferred sums bytes accepted by the payload engine, by
	// direction and payload kind.
	PayloadBytesTransferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nearby",
		Name:      "payload_bytes_transferred_total",
		Help:      "Payload bytes sent or received, by direction and kind.",
	}, []string{"direction", "kind"})

	// PayloadOutcomes counts terminal payload progress events, by status.
	PayloadOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nearby",
		Name:      "payload_outcomes_total",
		Help:      "Terminal PayloadProgressInfo events, by status.",
	}, []string{"status"})

	// FramesDropped counts frames the endpoint manager or wire codec
	// discarded, by reason.
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nearby",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped without tearing down the channel, by reason.",
	}, []string{"reason"})

	// UpgradeOutcomes counts bandwidth-upgrade sub-state-machine terminal
	// transitions, by outcome (swapped, path_test_fail, channel_fail).
	UpgradeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nearby",
		Name:      "bandwidth_upgrade_outcomes_total",
		Help:      "Bandwidth-upgrade attempts, by outcome and target medium.",
	}, []string{"outcome", "medium"})
)

// Registry is a dedicated registry holding this package's collectors,
// grounded on the corpus's general use of client_golang rather than the
// implicit DefaultRegisterer, so a caller embedding this core alongside
// other Prometheus-instrumented code doesn't collide on metric names.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ConnectionsEstablished,
		ConnectionsRejected,
		PayloadBytesTransferred,
		PayloadOutcomes,
		FramesDropped,
		UpgradeOutcomes,
	)
}
