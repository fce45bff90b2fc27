package kgroup

import (
	"time"

	"github.com/twmb/kgroup/internal/klog"
	"github.com/twmb/kgroup/internal/kmetrics"
	"github.com/twmb/kgroup/internal/rebalance"
	"github.com/twmb/kgroup/internal/zkclient"
	"github.com/twmb/kgroup/pkg/kconsume"
)

// AutoOffsetReset selects where a partition with no committed offset
// starts consuming.
type AutoOffsetReset string

const (
	OffsetEarliest AutoOffsetReset = "earliest"
	OffsetLatest   AutoOffsetReset = "latest"
)

// cfg holds every tunable from spec.md §6, plus the domain-stack
// additions (metrics, logging) SPEC_FULL.md layers on top. It is never
// constructed directly; use Opts with New.
type cfg struct {
	topic   string
	group   string
	client  zkclient.Client // if nil, New dials zkConnect itself
	log     klog.Logger
	metrics *kmetrics.Metrics

	// inner-consumer tuning, passed through to kconsume.Config verbatim.
	inner kconsume.Config

	autoCommitEnable      bool
	autoCommitInterval    time.Duration
	offsetsChannelBackoff time.Duration
	offsetsCommitRetries  int
	autoOffsetReset       AutoOffsetReset
	consumerTimeout       time.Duration // -1 = infinite

	rebalanceMaxRetries int
	rebalanceBackoff    time.Duration
	livenessInterval    time.Duration

	zkConnect        []string
	zkConnTimeout    time.Duration
	autoStart        bool
	resetOffsetStart bool

	// innerBuilder overrides buildInner's kconsume.New call. Unexported:
	// only this package's own tests reach for it, to drive the façade's
	// lifecycle without dialing a real broker.
	innerBuilder rebalance.Builder
}

func defaultCfg(topic, group string) cfg {
	return cfg{
		topic: topic,
		group: group,
		log:   klog.Nop,
		inner: kconsume.DefaultConfig(),

		autoCommitEnable:      false,
		autoCommitInterval:    60000 * time.Millisecond,
		offsetsChannelBackoff: 1000 * time.Millisecond,
		offsetsCommitRetries:  5,
		autoOffsetReset:       OffsetEarliest,
		consumerTimeout:       -1,

		rebalanceMaxRetries: 5,
		rebalanceBackoff:    2000 * time.Millisecond,
		livenessInterval:    120 * time.Second,

		zkConnect:        []string{"127.0.0.1:2181"},
		zkConnTimeout:    6000 * time.Millisecond,
		autoStart:        true,
		resetOffsetStart: false,
	}
}

// Opt configures a Consumer, the same functional-options shape kgo.Opt
// uses: each Opt is a small closure applied in order over the defaults.
type Opt interface {
	apply(*cfg)
}

type opt struct{ fn func(*cfg) }

func (o opt) apply(c *cfg) { o.fn(c) }

// WithZKClient injects an already-connected coordinator client instead of
// letting Start dial zookeeper_connect itself. When injected, Stop treats
// the session as externally owned (spec.md §4.G, §9's session-owner vs
// session-borrower branch).
func WithZKClient(client zkclient.Client) Opt {
	return opt{func(c *cfg) { c.client = client }}
}

// WithZKConnect sets the ensemble address list used when no client is
// injected.
func WithZKConnect(addrs ...string) Opt {
	return opt{func(c *cfg) { c.zkConnect = addrs }}
}

// WithZKConnectionTimeout sets zookeeper_connection_timeout_ms.
func WithZKConnectionTimeout(d time.Duration) Opt {
	return opt{func(c *cfg) { c.zkConnTimeout = d }}
}

// WithLogger sets the logger every internal component logs through.
func WithLogger(log klog.Logger) Opt {
	return opt{func(c *cfg) { c.log = log }}
}

// WithMetrics attaches a shared kmetrics.Metrics bundle; liveness and
// rebalance counters register against it.
func WithMetrics(m *kmetrics.Metrics) Opt {
	return opt{func(c *cfg) { c.metrics = m }}
}

// WithAutoCommit toggles auto_commit_enable and its interval.
func WithAutoCommit(enabled bool, interval time.Duration) Opt {
	return opt{func(c *cfg) {
		c.autoCommitEnable = enabled
		if interval > 0 {
			c.autoCommitInterval = interval
		}
	}}
}

// WithOffsetsCommitRetries sets offsets_commit_max_retries and
// offsets_channel_backoff_ms.
func WithOffsetsCommitRetries(maxRetries int, backoff time.Duration) Opt {
	return opt{func(c *cfg) {
		if maxRetries > 0 {
			c.offsetsCommitRetries = maxRetries
		}
		if backoff > 0 {
			c.offsetsChannelBackoff = backoff
		}
	}}
}

// WithAutoOffsetReset sets auto_offset_reset.
func WithAutoOffsetReset(r AutoOffsetReset) Opt {
	return opt{func(c *cfg) { c.autoOffsetReset = r }}
}

// WithConsumerTimeout sets consumer_timeout_ms; a negative duration means
// infinite, matching spec.md's -1 sentinel.
func WithConsumerTimeout(d time.Duration) Opt {
	return opt{func(c *cfg) { c.consumerTimeout = d }}
}

// WithRebalanceRetries sets rebalance_max_retries and
// rebalance_backoff_ms.
func WithRebalanceRetries(maxRetries int, backoffUnit time.Duration) Opt {
	return opt{func(c *cfg) {
		if maxRetries > 0 {
			c.rebalanceMaxRetries = maxRetries
		}
		if backoffUnit > 0 {
			c.rebalanceBackoff = backoffUnit
		}
	}}
}

// WithLivenessInterval overrides the 120s default liveness-check period
// (spec.md §4.F).
func WithLivenessInterval(d time.Duration) Opt {
	return opt{func(c *cfg) {
		if d > 0 {
			c.livenessInterval = d
		}
	}}
}

// WithAutoStart controls whether New's returned Consumer calls Start
// before returning.
func WithAutoStart(v bool) Opt {
	return opt{func(c *cfg) { c.autoStart = v }}
}

// WithResetOffsetOnStart honors reset_offset_on_start, applied only to
// the very first inner-consumer construction (spec.md §4.D).
func WithResetOffsetOnStart(v bool) Opt {
	return opt{func(c *cfg) { c.resetOffsetStart = v }}
}

// WithInnerConfig overrides the fetch-tuning knobs passed through to
// kconsume (fetch_message_max_bytes, num_consumer_fetchers,
// queued_max_messages, fetch_min_bytes, fetch_wait_max_ms, and the
// broker/SASL settings kconsume additionally needs).
func WithInnerConfig(inner kconsume.Config) Opt {
	return opt{func(c *cfg) { c.inner = inner }}
}
