// Package kconsume is the default inner consumer: the collaborator
// kgroup's Rebalancer constructs over a partition set once ownership is
// established, and tears down whenever the assignment changes. It owns
// the per-partition fetch loop, offset commit/fetch, decompression, and
// (optionally) SASL authentication against the real Kafka wire protocol.
//
// kconsume deliberately mirrors the teacher's own pkg/kgo in shape (a
// Client-like struct holding one broker connection, a fetch loop per
// partition, config via a struct instead of functional options since
// this package is constructed internally by kgroup and never by an end
// user directly) while implementing none of kgo's broker-managed group
// membership — that concern belongs entirely to kgroup's ZooKeeper core.
package kconsume

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/kgroup/internal/klog"
)

// Config carries the inner-consumer tuning knobs from spec.md §6's
// configuration table, plus the broker connection and SASL settings a
// real wire-protocol client additionally needs.
type Config struct {
	SeedBrokers []string
	ClientID    string

	FetchMessageMaxBytes int32
	NumFetchers          int
	QueuedMaxMessages    int
	FetchMinBytes        int32
	FetchWaitMax         time.Duration

	DialTimeout time.Duration
	SASL        SASLConfig

	Log klog.Logger
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		ClientID:             "kgroup",
		FetchMessageMaxBytes: 1 << 20, // 1 MiB
		NumFetchers:          1,
		QueuedMaxMessages:    2000,
		FetchMinBytes:        1,
		FetchWaitMax:         100 * time.Millisecond,
		DialTimeout:          10 * time.Second,
		Log:                  klog.Nop,
	}
}

// AutoOffsetReset selects where a partition with no usable committed
// offset starts consuming.
type AutoOffsetReset int

const (
	OffsetEarliest AutoOffsetReset = iota
	OffsetLatest
)

// Message is one delivered record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// partitionState tracks one partition's fetch position and queue.
type partitionState struct {
	partition int32

	mu           sync.Mutex
	nextOffset   int64
	lastConsumed int64
	committed    int64

	queue chan *Message
	stop  chan struct{}
}

// Consumer fetches, decompresses, and delivers records for a fixed set
// of partitions of one topic on one group, until Stop.
type Consumer struct {
	topic string
	group string
	cfg   Config

	broker *broker

	mu         sync.Mutex
	partitions map[int32]*partitionState
	messages   chan *Message
	wg         sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New dials the seed brokers and starts one fetch goroutine per
// partition. If resetOffsets is true, every partition starts from the
// configured auto_offset_reset position instead of its committed offset
// — callers (kgroup's Rebalancer) only pass true on the very first
// construction, per spec.md §4.D's reset_offset_on_start semantics.
func New(ctx context.Context, topic, group string, partitions []int32, cfg Config, resetOffsets bool, resetTo AutoOffsetReset) (*Consumer, error) {
	if cfg.Log == nil {
		cfg.Log = klog.Nop
	}
	br, err := dialAny(ctx, cfg.SeedBrokers, cfg.ClientID, cfg.DialTimeout, cfg.SASL, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("kconsume: dialing seed brokers: %w", err)
	}

	c := &Consumer{
		topic:      topic,
		group:      group,
		cfg:        cfg,
		broker:     br,
		partitions: make(map[int32]*partitionState, len(partitions)),
		messages:   make(chan *Message, cfg.QueuedMaxMessages),
		stopCh:     make(chan struct{}),
	}

	for _, p := range partitions {
		start, err := c.startOffset(ctx, p, resetOffsets, resetTo)
		if err != nil {
			c.Stop()
			return nil, err
		}
		ps := &partitionState{
			partition:    p,
			nextOffset:   start,
			lastConsumed: start - 1,
			queue:        c.messages,
			stop:         c.stopCh,
		}
		c.partitions[p] = ps
		c.wg.Add(1)
		go c.fetchLoop(ps)
	}

	return c, nil
}

// startOffset resolves the offset a partition should begin at: a reset
// position on first construction, otherwise the last committed offset
// (falling back to the reset position if nothing was ever committed).
func (c *Consumer) startOffset(ctx context.Context, partition int32, reset bool, resetTo AutoOffsetReset) (int64, error) {
	if !reset {
		committed, err := c.broker.fetchOffset(ctx, c.group, c.topic, partition)
		if err == nil && committed >= 0 {
			return committed, nil
		}
	}
	return c.broker.listOffset(ctx, c.topic, partition, resetTo)
}

// Stop halts every fetch goroutine and closes the broker connection.
// Safe to call more than once.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		if c.broker != nil {
			c.broker.close()
		}
	})
}

// CommitOffsets commits the last-consumed offset of every partition this
// consumer tracks. Best-effort: spec.md §4.D calls the pre-rebalance
// commit "best-effort; failures surface but do not abort".
func (c *Consumer) CommitOffsets() error {
	c.mu.Lock()
	offsets := make(map[int32]int64, len(c.partitions))
	for p, ps := range c.partitions {
		ps.mu.Lock()
		offsets[p] = ps.lastConsumed
		ps.mu.Unlock()
	}
	c.mu.Unlock()

	if len(offsets) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	if err := c.broker.commitOffsets(ctx, c.group, c.topic, offsets); err != nil {
		return fmt.Errorf("kconsume: commit offsets: %w", err)
	}
	c.mu.Lock()
	for p, off := range offsets {
		if ps, ok := c.partitions[p]; ok {
			ps.mu.Lock()
			ps.committed = off
			ps.mu.Unlock()
		}
	}
	c.mu.Unlock()
	return nil
}

// ResetOffsets seeks every named partition to the given offset and
// commits immediately, the explicit reset_offsets contract from spec.md
// §4.G.
func (c *Consumer) ResetOffsets(partitionOffsets map[int32]int64) error {
	c.mu.Lock()
	for p, off := range partitionOffsets {
		if ps, ok := c.partitions[p]; ok {
			ps.mu.Lock()
			ps.nextOffset = off
			ps.mu.Unlock()
		}
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	return c.broker.commitOffsets(ctx, c.group, c.topic, partitionOffsets)
}

// Consume returns the next available message. If block is false and no
// message is immediately queued, it returns (nil, nil). If block is true,
// it waits until a message arrives, ctx is cancelled, or Stop is called.
func (c *Consumer) Consume(ctx context.Context, block bool) (*Message, error) {
	if !block {
		select {
		case m := <-c.messages:
			return m, nil
		default:
			return nil, nil
		}
	}
	select {
	case m := <-c.messages:
		return m, nil
	case <-c.stopCh:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HeldOffsets returns the last-consumed offset per partition this
// consumer currently tracks — the Go-idiomatic stand-in for the source's
// "_partitions_by_id.itervalues()" access pattern (spec.md §9).
func (c *Consumer) HeldOffsets() map[int32]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int32]int64, len(c.partitions))
	for p, ps := range c.partitions {
		ps.mu.Lock()
		out[p] = ps.lastConsumed
		ps.mu.Unlock()
	}
	return out
}

// fetchLoop is one partition's fetch/deliver cycle. It runs until Stop
// closes ps.stop. This is the same "one goroutine owns one partition for
// its whole life" shape as franz-go's own per-partition consume sources.
func (c *Consumer) fetchLoop(ps *partitionState) {
	defer c.wg.Done()
	for {
		select {
		case <-ps.stop:
			return
		default:
		}

		ps.mu.Lock()
		offset := ps.nextOffset
		ps.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchWaitMax+c.cfg.DialTimeout)
		records, err := c.broker.fetch(ctx, c.topic, ps.partition, offset, c.cfg.FetchMessageMaxBytes, c.cfg.FetchMinBytes, c.cfg.FetchWaitMax)
		cancel()
		if err != nil {
			c.cfg.Log.Log(klog.LevelWarn, "fetch failed, retrying", "topic", c.topic, "partition", ps.partition, "err", err)
			select {
			case <-ps.stop:
				return
			case <-time.After(c.cfg.FetchWaitMax):
			}
			continue
		}

		for _, rec := range records {
			msg := &Message{
				Topic:     c.topic,
				Partition: ps.partition,
				Offset:    rec.Offset,
				Key:       rec.Key,
				Value:     rec.Value,
				Timestamp: rec.Timestamp,
			}
			select {
			case ps.queue <- msg:
				ps.mu.Lock()
				ps.lastConsumed = rec.Offset
				ps.nextOffset = rec.Offset + 1
				ps.mu.Unlock()
			case <-ps.stop:
				return
			}
		}
	}
}
