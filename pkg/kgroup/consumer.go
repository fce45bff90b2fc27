package kgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/twmb/kgroup/internal/assign"
	"github.com/twmb/kgroup/internal/klog"
	"github.com/twmb/kgroup/internal/liveness"
	"github.com/twmb/kgroup/internal/ownership"
	"github.com/twmb/kgroup/internal/rebalance"
	"github.com/twmb/kgroup/internal/topology"
	"github.com/twmb/kgroup/internal/watch"
	"github.com/twmb/kgroup/internal/zkclient"
	"github.com/twmb/kgroup/pkg/kconsume"
	"github.com/twmb/kgroup/pkg/kgerr"
)

// Message is re-exported from kconsume so callers never need to import
// the inner-consumer package directly.
type Message = kconsume.Message

// Consumer is the façade spec.md §4.G describes: Start/Stop/Consume/
// CommitOffsets/ResetOffsets, background-error surfacing, and the
// lifecycle glue wiring internal/rebalance, internal/watch,
// internal/ownership, internal/liveness and internal/zkclient together.
type Consumer struct {
	cfg      cfg
	memberID string
	log      klog.Logger

	client      zkclient.Client
	ownsSession bool

	owners     *ownership.Registry
	dispatcher *watch.Dispatcher
	rebalancer *rebalance.Rebalancer
	checker    *liveness.Checker

	rebalanceCtx    context.Context
	rebalanceCancel context.CancelFunc
	rebalanceCh     chan struct{}

	bgErr atomic.Pointer[error]

	mu      sync.Mutex
	started bool
	stopped bool
}

// New constructs a Consumer for group consuming topic. It does not
// contact the coordinator until Start is called (or returns having
// already started, if WithAutoStart(true) — the default — is in effect).
func New(topic, group string, opts ...Opt) (*Consumer, error) {
	c := defaultCfg(topic, group)
	for _, o := range opts {
		o.apply(&c)
	}

	memberID, err := newMemberID()
	if err != nil {
		return nil, fmt.Errorf("kgroup: generating member id: %w", err)
	}

	con := &Consumer{
		cfg:      c,
		memberID: memberID,
		log:      c.log,
	}

	if c.autoStart {
		if err := con.Start(); err != nil {
			return nil, err
		}
	}
	return con, nil
}

// String implements a repr-equivalent log line: group + member id
// (supplemented from pykafka's BalancedConsumer.__repr__).
func (c *Consumer) String() string {
	return fmt.Sprintf("kgroup.Consumer{group=%s topic=%s member=%s}", c.cfg.group, c.cfg.topic, c.memberID)
}

// Start opens the coordinator session (if one was not injected), ensures
// the topic's ownership root exists, self-registers, installs watches,
// performs the initial rebalance, and spawns the liveness checker. Any
// failure during Start calls Stop and propagates (spec.md §4.G).
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	client := c.cfg.client
	ownsSession := false
	if client == nil {
		conn, err := zkclient.Dial(c.cfg.zkConnect, c.cfg.zkConnTimeout, c.log)
		if err != nil {
			return fmt.Errorf("kgroup: dialing coordinator: %w", err)
		}
		client = conn
		ownsSession = true
	}
	c.client = client
	c.ownsSession = ownsSession

	if err := c.startLocked(); err != nil {
		c.stopLocked()
		return err
	}
	c.started = true
	return nil
}

func (c *Consumer) startLocked() error {
	c.owners = ownership.New(c.client, c.cfg.group, c.cfg.topic, c.memberID)
	if err := c.owners.EnsureRoot(); err != nil {
		return fmt.Errorf("kgroup: ensuring ownership root: %w", err)
	}

	c.rebalanceCh = make(chan struct{}, 1)
	c.rebalanceCtx, c.rebalanceCancel = context.WithCancel(context.Background())

	c.dispatcher = watch.New(c.client, c.log, c.cfg.group, c.cfg.topic, c.memberID, c.triggerRebalance)

	all, err := topology.Partitions(c.client, c.cfg.topic)
	if err != nil {
		return fmt.Errorf("kgroup: reading topic topology: %w", err)
	}
	if err := c.dispatcher.RegisterSelf(len(all)); err != nil {
		return err
	}

	builder := c.buildInner
	if c.cfg.innerBuilder != nil {
		builder = c.cfg.innerBuilder
	}
	c.rebalancer = rebalance.New(c.memberID, rebalance.Config{
		MaxRetries:  c.cfg.rebalanceMaxRetries,
		BackoffUnit: c.cfg.rebalanceBackoff,
	}, c.log, c.owners, c.dispatcher, builder, c.cfg.metrics)

	if err := c.dispatcher.Install(); err != nil {
		return fmt.Errorf("kgroup: installing watches: %w", err)
	}

	if err := c.doRebalance(all); err != nil && !errors.Is(err, kgerr.ErrNoPartitionsForConsumer) {
		return err
	}

	var registerer prometheus.Registerer
	if c.cfg.metrics != nil {
		registerer = c.cfg.metrics.Registerer()
	}
	c.checker = liveness.New(c.cfg.livenessInterval, c.log, c.owners, c.triggerRebalance, registerer)
	c.checker.Update(all, c.rebalancer.CurrentPartitions())
	go c.checker.Run(c.rebalanceCtx)
	go c.rebalanceLoop()

	return nil
}

// triggerRebalance enqueues a rebalance pass without blocking the
// caller (a watch callback or the liveness checker), the same
// non-blocking buffered-channel trigger franz-go's metadata refresh uses.
func (c *Consumer) triggerRebalance() {
	select {
	case c.rebalanceCh <- struct{}{}:
	default:
	}
}

func (c *Consumer) rebalanceLoop() {
	for {
		select {
		case <-c.rebalanceCtx.Done():
			return
		case <-c.rebalanceCh:
			all, err := topology.Partitions(c.client, c.cfg.topic)
			if err != nil {
				c.setBackgroundErr(fmt.Errorf("kgroup: re-reading topology: %w", err))
				continue
			}
			if err := c.doRebalance(all); err != nil && !errors.Is(err, kgerr.ErrNoPartitionsForConsumer) {
				c.setBackgroundErr(&kgerr.BackgroundWorkerError{Err: err})
			}
		}
	}
}

func (c *Consumer) doRebalance(all []assign.Partition) error {
	err := c.rebalancer.Rebalance(c.rebalanceCtx, all)
	if c.checker != nil {
		c.checker.Update(all, c.rebalancer.CurrentPartitions())
	}
	return err
}

// buildInner satisfies rebalance.Builder: it constructs a kconsume.Consumer
// over the given partitions, honoring reset_offset_on_start only when
// firstBuild is true (spec.md §4.D).
func (c *Consumer) buildInner(partitions []assign.Partition, firstBuild bool) (rebalance.InnerConsumer, error) {
	ids := make([]int32, len(partitions))
	for i, p := range partitions {
		ids[i] = p.Partition
	}
	resetOffsets := firstBuild && c.cfg.resetOffsetStart
	inner, err := kconsume.New(c.rebalanceCtx, c.cfg.topic, c.cfg.group, ids, c.cfg.inner, resetOffsets, toInnerReset(c.cfg.autoOffsetReset))
	if err != nil {
		return nil, err
	}
	return &innerAdapter{inner}, nil
}

func toInnerReset(r AutoOffsetReset) kconsume.AutoOffsetReset {
	if r == OffsetLatest {
		return kconsume.OffsetLatest
	}
	return kconsume.OffsetEarliest
}

// innerAdapter narrows kconsume.Consumer down to the rebalance.InnerConsumer
// interface (Stop/CommitOffsets only); Consume and HeldOffsets are reached
// through the façade directly, not through the rebalancer.
type innerAdapter struct{ *kconsume.Consumer }

// innerFacade is the full set of inner-consumer methods the façade reaches
// for outside of rebalance.InnerConsumer's narrower Stop/CommitOffsets.
// currentInner asserts for this instead of the concrete *kconsume.Consumer
// so tests can substitute a fake without dialing a broker.
type innerFacade interface {
	Consume(ctx context.Context, block bool) (*Message, error)
	CommitOffsets() error
	ResetOffsets(partitionOffsets map[int32]int64) error
	HeldOffsets() map[int32]int64
}

// Stop stops and releases a Consumer. Safe to call more than once.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopLocked()
	c.stopped = true
}

// stopLocked implements spec.md §4.G's stop contract: flip running=false
// inside the rebalance mutex (handled by rebalancer.Stop), then tear down
// the inner consumer, then either close the owned session or explicitly
// delete our own ephemeral records if the session was injected.
func (c *Consumer) stopLocked() {
	if c.rebalanceCancel != nil {
		c.rebalanceCancel()
	}
	if c.checker != nil {
		c.checker.Stop()
	}
	if c.dispatcher != nil {
		c.dispatcher.Cancel()
	}
	// Capture the held partitions before rebalancer.Stop clears them, so
	// the session-borrower branch below can still release them.
	var held []assign.Partition
	if c.rebalancer != nil {
		held = c.rebalancer.CurrentPartitions()
		if inner := c.rebalancer.Stop(); inner != nil {
			inner.Stop()
		}
	}

	if c.client == nil {
		return
	}
	if c.ownsSession {
		c.client.Close()
		return
	}
	// Session is externally owned: our ephemerals outlive the connection
	// unless we delete them explicitly (spec.md §9's session-borrower
	// branch).
	if c.dispatcher != nil {
		c.dispatcher.DeregisterSelf()
	}
	if c.owners != nil {
		for _, p := range held {
			c.owners.Remove(p)
		}
	}
}

// Consume delegates to the inner consumer, failing fast if no partitions
// are currently held (spec.md §4.G). It surfaces any pending background
// error first.
func (c *Consumer) Consume(ctx context.Context, block bool) (*Message, error) {
	if err := c.takeBackgroundErr(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	rb := c.rebalancer
	c.mu.Unlock()
	if rb == nil {
		return nil, kgerr.ErrConsumerStopped
	}
	if len(rb.CurrentPartitions()) == 0 {
		return nil, kgerr.ErrNoPartitionsForConsumer
	}

	inner := c.currentInner()
	if inner == nil {
		return nil, kgerr.ErrNoPartitionsForConsumer
	}

	if c.cfg.consumerTimeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.consumerTimeout)
		defer cancel()

		msg, err := inner.Consume(ctx, block)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			// consumer_timeout_ms expiring means "no message arrived within
			// the window", not a caller-facing error (spec.md §4.G/§8).
			return nil, nil
		}
		return msg, err
	}
	return inner.Consume(ctx, block)
}

func (c *Consumer) currentInner() innerFacade {
	c.mu.Lock()
	rb := c.rebalancer
	c.mu.Unlock()
	if rb == nil {
		return nil
	}
	inner, ok := rb.Inner().(innerFacade)
	if !ok {
		return nil
	}
	return inner
}

// CommitOffsets surfaces any pending background error, then delegates.
func (c *Consumer) CommitOffsets() error {
	if err := c.takeBackgroundErr(); err != nil {
		return err
	}
	inner := c.currentInner()
	if inner == nil {
		return kgerr.ErrNoPartitionsForConsumer
	}
	return inner.CommitOffsets()
}

// ResetOffsets surfaces any pending background error, then delegates.
func (c *Consumer) ResetOffsets(partitionOffsets map[int32]int64) error {
	if err := c.takeBackgroundErr(); err != nil {
		return err
	}
	inner := c.currentInner()
	if inner == nil {
		return kgerr.ErrNoPartitionsForConsumer
	}
	return inner.ResetOffsets(partitionOffsets)
}

// HeldOffsets returns partition -> last-consumed offset, the supplemental
// accessor grounded on pykafka's held_offsets (SPEC_FULL.md).
func (c *Consumer) HeldOffsets() map[int32]int64 {
	inner := c.currentInner()
	if inner == nil {
		return nil
	}
	return inner.HeldOffsets()
}

func (c *Consumer) setBackgroundErr(err error) {
	c.bgErr.CompareAndSwap(nil, &err)
}

// takeBackgroundErr clears and returns the stored background error,
// single-writer-wins, drained exactly at façade entry points (spec.md §5).
func (c *Consumer) takeBackgroundErr() error {
	p := c.bgErr.Swap(nil)
	if p == nil {
		return nil
	}
	return *p
}
