// Package liveness implements the periodic background check that
// verifies the coordinator's ownership view still matches local state
// (spec.md §4.F). Drift — an ownership record quietly lost to a brief
// session suspension that never surfaced a watch event — triggers a
// rebalance instead of waiting for the next watch fire.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/twmb/kgroup/internal/assign"
	"github.com/twmb/kgroup/internal/klog"
)

// Registry is the subset of ownership.Registry the checker needs.
type Registry interface {
	ReadHeld(all []assign.Partition) ([]assign.Partition, error)
}

// Checker runs check on a fixed interval until Stop is called or the
// context passed to Run is cancelled.
type Checker struct {
	interval time.Duration
	log      klog.Logger
	owners   Registry

	// currentAll and currentLocal are read under mu; the rebalancer
	// updates them after every pass so the checker compares against the
	// latest known state rather than a stale snapshot from Start.
	mu           sync.Mutex
	currentAll   []assign.Partition
	currentLocal []assign.Partition

	trigger func()

	held     prometheus.Gauge
	assigned prometheus.Gauge

	stop chan struct{}
	done chan struct{}
}

const defaultInterval = 120 * time.Second

// New constructs a Checker. registerer may be nil to skip metrics
// registration (e.g. in tests); trigger is called on drift, the same
// "enqueue a rebalance" hook internal/watch uses.
func New(interval time.Duration, log klog.Logger, owners Registry, trigger func(), registerer prometheus.Registerer) *Checker {
	if interval <= 0 {
		interval = defaultInterval
	}
	if log == nil {
		log = klog.Nop
	}
	c := &Checker{
		interval: interval,
		log:      log,
		owners:   owners,
		trigger:  trigger,
		held: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kgroup_partitions_held",
			Help: "Partitions this member currently holds an ownership record for, per the coordinator.",
		}),
		assigned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kgroup_partitions_assigned",
			Help: "Partitions this member's last rebalance computed as its assignment.",
		}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if registerer != nil {
		registerer.MustRegister(c.held, c.assigned)
	}
	return c
}

// Update records the latest known canonical partition set and the
// locally-tracked assignment; the rebalancer calls this after every
// successful pass.
func (c *Checker) Update(all, local []assign.Partition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentAll = all
	c.currentLocal = local
}

// Run blocks until ctx is cancelled or Stop is called, checking on every
// tick. It is meant to be launched on its own goroutine.
func (c *Checker) Run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.check()
		}
	}
}

func (c *Checker) check() {
	c.mu.Lock()
	all := c.currentAll
	local := c.currentLocal
	c.mu.Unlock()

	held, err := c.owners.ReadHeld(all)
	if err != nil {
		c.log.Log(klog.LevelWarn, "liveness check failed to read held partitions", "err", err)
		return
	}

	c.held.Set(float64(len(held)))
	c.assigned.Set(float64(len(local)))

	if !samePartitionSet(held, local) {
		c.log.Log(klog.LevelInfo, "liveness check detected drift, triggering rebalance",
			"held", len(held), "assigned", len(local))
		c.trigger()
	}
}

// Stop halts the background loop. Safe to call once; Run will return
// shortly after.
func (c *Checker) Stop() {
	close(c.stop)
	<-c.done
}

func samePartitionSet(a, b []assign.Partition) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := assign.Sorted(a), assign.Sorted(b)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}
