// Package kmetrics wires kgroup's Prometheus surface. It leans on
// github.com/twmb/franz-go/plugin/kprom the way the teacher's own
// examples/bench does for client metrics, but kgroup has no kgo.Client
// to hook into (kconsume drives the wire protocol directly), so only
// kprom's registry/handler half is used: it becomes the Registerer every
// other package's gauges and counters register against, and its Handler
// is what cmd/kgroup-consumer serves on /metrics.
package kmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/plugin/kprom"
)

// Metrics bundles the shared registerer/handler pair plus the
// package-level counters that don't belong to any one component
// (liveness registers its own gauges against Registerer(); rebalance
// increments the counters below through the bundle's methods).
type Metrics struct {
	kprom *kprom.Metrics

	rebalances        prometheus.Counter
	rebalanceFailures prometheus.Counter
	claimCollisions   prometheus.Counter
}

// New constructs the shared metrics bundle. Pass the result's Registerer
// to internal/liveness.New and the bundle itself to internal/rebalance.New
// so every gauge and counter lands on the same registry.
func New() *Metrics {
	km := kprom.NewMetrics("kgroup")
	m := &Metrics{
		kprom: km,
		rebalances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kgroup_rebalances_total",
			Help: "Total number of rebalance passes attempted by this member.",
		}),
		rebalanceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kgroup_rebalance_failures_total",
			Help: "Total number of rebalance passes that exhausted their retries.",
		}),
		claimCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kgroup_partition_claim_collisions_total",
			Help: "Total number of PartitionOwned collisions observed while claiming partitions.",
		}),
	}
	m.Registerer().MustRegister(m.rebalances, m.rebalanceFailures, m.claimCollisions)
	return m
}

// Registerer exposes the underlying registry so other packages can add
// their own collectors without this package needing to know about them.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.kprom.Registerer()
}

// Handler serves the aggregate registry, the same handler kind
// examples/bench exposes for its kgo.Client metrics.
func (m *Metrics) Handler() http.Handler {
	return m.kprom.Handler()
}

func (m *Metrics) RebalanceStarted()       { m.rebalances.Inc() }
func (m *Metrics) RebalanceFailed()        { m.rebalanceFailures.Inc() }
func (m *Metrics) ClaimCollisionObserved() { m.claimCollisions.Inc() }

// The accessors below exist for tests that need to assert on counter
// values directly rather than scraping Handler().
func (m *Metrics) RebalancesCounter() prometheus.Counter        { return m.rebalances }
func (m *Metrics) RebalanceFailuresCounter() prometheus.Counter { return m.rebalanceFailures }
func (m *Metrics) ClaimCollisionsCounter() prometheus.Counter   { return m.claimCollisions }
