// Package metrics provides Prometheus metrics for statemesh nodes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all statemesh metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	// Placement planner
	PlacementsPlanned = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "statemesh_placements_planned_total",
		Help: "Total placement decisions that selected at least one node",
	})
	PlacementsExhausted = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "statemesh_placements_exhausted_total",
		Help: "Total placement attempts that failed for lack of capacity",
	})

	// Version store
	VersionCommits = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "statemesh_version_commits_total",
		Help: "Total accepted version commits",
	})
	VersionConflicts = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "statemesh_version_conflicts_total",
		Help: "Total version commits rejected with a stale predecessor",
	})

	// Gossip propagator
	EventsPublished = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "statemesh_events_published_total",
		Help: "Total events handed to the gossip channel, by event type",
	}, []string{"type"})
	EventsReceived = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "statemesh_events_received_total",
		Help: "Total events received from the gossip channel, by event type",
	}, []string{"type"})
	EventsDeduped = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "statemesh_events_deduped_total",
		Help: "Total received events ignored as duplicates",
	})
	EventDeliveryFailures = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "statemesh_event_delivery_failures_total",
		Help: "Total events whose broadcast failed after retry exhaustion",
	})
	GossipPeers = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "statemesh_gossip_peers",
		Help: "Currently connected gossip peers",
	})
)
