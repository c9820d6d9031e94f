// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Peers counts currently registered signaling connections.
	Peers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicerelay_peers",
		Help: "Number of registered peers.",
	})

	// Rooms counts rooms with at least one member.
	Rooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicerelay_rooms",
		Help: "Number of live rooms.",
	})

	// Actions counts signaling actions by name and outcome.
	Actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicerelay_signal_actions_total",
		Help: "Signaling actions processed, by action and status.",
	}, []string{"action", "status"})

	// Resources counts live media handles by kind.
	Resources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicerelay_media_resources",
		Help: "Live media resources held by the ledger, by kind.",
	}, []string{"kind"})
)
