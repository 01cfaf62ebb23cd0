package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "carbon",
		Subsystem: "pool",
		Name:      "active_connections",
		Help:      "Checked out connections per destination",
	}, []string{"destination"})

	idleConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "carbon",
		Subsystem: "pool",
		Name:      "idle_connections",
		Help:      "Idle connections per destination",
	}, []string{"destination"})

	createdConns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carbon",
		Subsystem: "pool",
		Name:      "connections_created_total",
		Help:      "Connections dialed per destination",
	}, []string{"destination"})

	evictedConns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carbon",
		Subsystem: "pool",
		Name:      "connections_evicted_total",
		Help:      "Connections closed by the pool, by reason",
	}, []string{"destination", "reason"})

	exhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "carbon",
		Subsystem: "pool",
		Name:      "exhausted_total",
		Help:      "Acquires rejected because the destination was at its connection limit",
	}, []string{"destination"})
)
