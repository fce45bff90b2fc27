// Package rebalance implements the control loop that reconciles the
// coordinator's ownership state and the inner consumer with the
// assignment implied by the current participant and partition sets
// (spec.md §4.D). It is modeled after franz-go's consumerSession: a
// struct guarded by a non-reentrant mutex. Rebalance never calls Stop:
// when the assignment comes back empty it marks itself stopped and tears
// down the inner consumer while still holding the lock, then returns
// ErrNoPartitionsForConsumer and leaves any further cleanup to the caller.
package rebalance

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/kgroup/internal/assign"
	"github.com/twmb/kgroup/internal/klog"
	"github.com/twmb/kgroup/internal/kmetrics"
	"github.com/twmb/kgroup/internal/ownership"
	"github.com/twmb/kgroup/pkg/kgerr"
)

// InnerConsumer is the collaborator the Rebalancer constructs and tears
// down whenever the assignment changes. Concrete implementations live
// outside this package (pkg/kconsume.Consumer); tests use a fake.
type InnerConsumer interface {
	Stop()
	CommitOffsets() error
}

// Participants answers "who else is registered for this topic right
// now", including self-reregistration when a session expiry dropped our
// own participant record. Backed by internal/watch in production.
type Participants interface {
	// Get returns the sorted participant list, registering self first if
	// it is not already present.
	Get() ([]string, error)
}

// Builder constructs a new inner consumer over partitions. firstBuild is
// true exactly once per Rebalancer lifetime, letting the caller honor
// reset_offset_on_start only on that first construction (spec.md §4.D).
type Builder func(partitions []assign.Partition, firstBuild bool) (InnerConsumer, error)

// Config carries the tunables from spec.md §6 that this component reads.
type Config struct {
	MaxRetries  int
	BackoffUnit time.Duration // multiplied by the retry index, per spec.md §4.D step 3.vii
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = 2000 * time.Millisecond
	}
	return c
}

// Rebalancer is the single serialization point for convergence. All
// public methods are safe for concurrent use; Rebalance itself runs at
// most one pass at a time.
type Rebalancer struct {
	self    string
	cfg     Config
	log     klog.Logger
	owners  *ownership.Registry
	parts   Participants
	build   Builder
	metrics *kmetrics.Metrics // nil if the caller did not configure WithMetrics

	mu      sync.Mutex // non-reentrant: never held across a Stop call
	running bool
	built   bool // true once the inner consumer has been constructed at least once
	inner   InnerConsumer
	current []assign.Partition

	sleep func(time.Duration) // overridable in tests
}

func New(self string, cfg Config, log klog.Logger, owners *ownership.Registry, parts Participants, build Builder, metrics *kmetrics.Metrics) *Rebalancer {
	if log == nil {
		log = klog.Nop
	}
	return &Rebalancer{
		self:    self,
		cfg:     cfg.withDefaults(),
		log:     log,
		owners:  owners,
		parts:   parts,
		build:   build,
		metrics: metrics,
		running: true,
		sleep:   time.Sleep,
	}
}

// CurrentPartitions reports the partitions the last successful rebalance
// assigned to this member. Safe to call concurrently with Rebalance.
func (r *Rebalancer) CurrentPartitions() []assign.Partition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]assign.Partition, len(r.current))
	copy(out, r.current)
	return out
}

// Inner returns the currently-built inner consumer, or nil if none has
// been constructed yet (or the rebalancer has been stopped). Façade
// reads must tolerate nil during the brief swap a rebalance performs
// (spec.md §5).
func (r *Rebalancer) Inner() InnerConsumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inner
}

// setRunning writes the running flag. Its callers (Rebalance's self-stop
// branch and Stop) hold mu, and running is only read under mu.
func (r *Rebalancer) setRunning(v bool) {
	r.running = v
}

// Rebalance executes one convergence pass (spec.md §4.D algorithm). all
// is the canonical, currently-known partition set for the topic (T);
// callers refresh it from broker metadata before calling in.
func (r *Rebalancer) Rebalance(ctx context.Context, all []assign.Partition) error {
	// Step 1: best-effort commit before touching ownership, so a
	// dropped partition is not committed against by two owners at once.
	r.mu.Lock()
	inner := r.inner
	r.mu.Unlock()
	if inner != nil {
		if err := inner.CommitOffsets(); err != nil {
			r.log.Log(klog.LevelWarn, "pre-rebalance commit failed", "err", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return kgerr.ErrConsumerStopped
	}

	if r.metrics != nil {
		r.metrics.RebalanceStarted()
	}

	shouldStop, err := r.convergeLocked(ctx, all)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RebalanceFailed()
		}
		return err
	}
	if shouldStop {
		// Deferred self-stop: Stop() takes the same mutex, so it must
		// run after this method returns and releases it. We flip
		// running here (still holding mu, matching spec.md §4.G) and
		// tear the inner consumer down; the caller observing
		// ErrNoPartitionsForConsumer decides whether to call Stop() for
		// full coordinator cleanup. kgroup's façade treats the error as an
		// empty assignment and does not call Stop, so this member's
		// participant record stays registered until the consumer is
		// stopped.
		r.setRunning(false)
		if r.inner != nil {
			r.inner.Stop()
			r.inner = nil
		}
		r.current = nil
		return kgerr.ErrNoPartitionsForConsumer
	}
	return nil
}

// convergeLocked implements spec.md §4.D step 3, the retry loop. Caller
// must hold r.mu.
func (r *Rebalancer) convergeLocked(ctx context.Context, all []assign.Partition) (shouldStop bool, err error) {
	sortedAll := assign.Sorted(all)

	var lastErr error
	for i := 0; i < r.cfg.MaxRetries; i++ {
		members, err := r.parts.Get()
		if err != nil {
			return false, err
		}
		members = ensureSelf(members, r.self)
		sortedMembers := assign.SortedMembers(members)

		wanted := assign.For(sortedMembers, sortedAll, r.self)
		if len(wanted) == 0 {
			return true, nil
		}

		held, err := r.owners.ReadHeld(sortedAll)
		if err != nil {
			return false, err
		}

		for _, p := range diff(held, wanted) {
			if err := r.owners.Remove(p); err != nil {
				r.log.Log(klog.LevelWarn, "release failed", "partition", p.Partition, "err", err)
			}
		}

		toClaim := diff(wanted, held)
		claimErr := r.claim(toClaim)
		if claimErr == nil {
			r.reconcileInner(wanted)
			return false, nil
		}

		var owned *kgerr.PartitionOwnedError
		if !errors.As(claimErr, &owned) {
			return false, claimErr
		}
		if r.metrics != nil {
			r.metrics.ClaimCollisionObserved()
		}
		lastErr = claimErr
		if i == r.cfg.MaxRetries-1 {
			break
		}
		r.log.Log(klog.LevelInfo, "partition claim lost race, retrying", "attempt", i, "err", claimErr)
		r.sleep(time.Duration(i) * r.cfg.BackoffUnit)
		_ = ctx
	}
	return false, lastErr
}

// claim attempts to add every partition in toClaim, stopping at the
// first PartitionOwned collision (spec.md §4.D step 3.vii works pass by
// pass, not partition by partition, but a failed claim mid-batch must
// still surface so the retry loop can back off).
func (r *Rebalancer) claim(toClaim []assign.Partition) error {
	for _, p := range toClaim {
		if err := r.owners.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// reconcileInner tears down and rebuilds the inner consumer only when
// the assignment actually changed (spec.md §8 "Idempotence of
// rebalance"), and only honors reset_offset_on_start on the very first
// build (spec.md §4.D).
func (r *Rebalancer) reconcileInner(wanted []assign.Partition) {
	if samePartitions(r.current, wanted) {
		return
	}
	if r.inner != nil {
		r.inner.Stop()
		r.inner = nil
	}
	firstBuild := !r.built
	inner, err := r.build(wanted, firstBuild)
	if err != nil {
		r.log.Log(klog.LevelError, "inner consumer construction failed", "err", err)
		r.current = nil
		return
	}
	r.built = true
	r.inner = inner
	r.current = append([]assign.Partition(nil), wanted...)
}

// Stop acquires the rebalance mutex and flips running=false inside it
// (spec.md §4.G), preventing a concurrent Rebalance from re-registering
// nodes that are about to be removed by the caller's cleanup.
func (r *Rebalancer) Stop() InnerConsumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setRunning(false)
	inner := r.inner
	r.inner = nil
	r.current = nil
	return inner
}

func ensureSelf(members []string, self string) []string {
	for _, m := range members {
		if m == self {
			return members
		}
	}
	return append(members, self)
}

// diff returns the elements of a not present in b, compared by key.
func diff(a, b []assign.Partition) []assign.Partition {
	inB := make(map[string]struct{}, len(b))
	for _, p := range b {
		inB[partKey(p)] = struct{}{}
	}
	var out []assign.Partition
	for _, p := range a {
		if _, ok := inB[partKey(p)]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func partKey(p assign.Partition) string {
	return p.Topic + "-" + strconv.FormatInt(int64(p.LeaderID), 10) + "-" + strconv.FormatInt(int64(p.Partition), 10)
}

func samePartitions(a, b []assign.Partition) bool {
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
