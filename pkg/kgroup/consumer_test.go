package kgroup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/twmb/kgroup/internal/assign"
	"github.com/twmb/kgroup/internal/rebalance"
	"github.com/twmb/kgroup/internal/zkclient"
	"github.com/twmb/kgroup/internal/zkclient/faketest"
	"github.com/twmb/kgroup/pkg/kgerr"
)

// fakeInnerConsumer satisfies both rebalance.InnerConsumer and this
// package's innerFacade, so façade-level tests can drive Consume/
// CommitOffsets/ResetOffsets/HeldOffsets without dialing a broker.
type fakeInnerConsumer struct {
	partitions []assign.Partition
	stopped    bool

	consumeErr error
	message    *Message
}

func (f *fakeInnerConsumer) Stop()                              { f.stopped = true }
func (f *fakeInnerConsumer) CommitOffsets() error                { return nil }
func (f *fakeInnerConsumer) ResetOffsets(map[int32]int64) error { return nil }
func (f *fakeInnerConsumer) HeldOffsets() map[int32]int64       { return nil }

func (f *fakeInnerConsumer) Consume(ctx context.Context, block bool) (*Message, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	if f.message != nil {
		return f.message, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func fakeBuilder() (rebalance.Builder, *[]*fakeInnerConsumer) {
	var built []*fakeInnerConsumer
	return func(partitions []assign.Partition, firstBuild bool) (rebalance.InnerConsumer, error) {
		fi := &fakeInnerConsumer{partitions: partitions}
		built = append(built, fi)
		return fi, nil
	}, &built
}

func seedTopic(t *testing.T, fake *faketest.Fake, topic string, partitionCount int) {
	t.Helper()
	if err := fake.EnsurePath("/brokers/topics/" + topic); err != nil {
		t.Fatalf("EnsurePath: %v", err)
	}
	partitions := make(map[string][]int, partitionCount)
	for i := 0; i < partitionCount; i++ {
		partitions[itoaTest(i)] = []int{1}
		if err := fake.EnsurePath("/brokers/topics/" + topic + "/partitions/" + itoaTest(i)); err != nil {
			t.Fatalf("EnsurePath: %v", err)
		}
		if err := fake.SetValue("/brokers/topics/"+topic+"/partitions/"+itoaTest(i)+"/state", []byte(`{"leader":1}`)); err != nil {
			t.Fatalf("SetValue: %v", err)
		}
	}
	body := `{"version":1,"partitions":{`
	first := true
	for id := range partitions {
		if !first {
			body += ","
		}
		first = false
		body += `"` + id + `":[1]`
	}
	body += "}}"
	if err := fake.SetValue("/brokers/topics/"+topic, []byte(body)); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestConsumer_StartAssignsAndConsume(t *testing.T) {
	fake := faketest.New()
	seedTopic(t, fake, "orders", 2)

	build, built := fakeBuilder()
	c, err := New("orders", "g1", WithZKClient(fake), WithAutoStart(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.cfg.innerBuilder = build

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if len(*built) != 1 {
		t.Fatalf("expected one inner consumer build, got %d", len(*built))
	}
	if len(c.rebalancer.CurrentPartitions()) != 2 {
		t.Fatalf("CurrentPartitions = %+v, want both partitions (sole member)", c.rebalancer.CurrentPartitions())
	}
}

func TestConsumer_CapacityExceeded(t *testing.T) {
	fake := faketest.New()
	seedTopic(t, fake, "orders", 1)

	// Pre-register one participant so the next Start sees capacity already
	// met (spec.md §4.E self-registration safety: |P| < |T| required).
	if err := fake.CreateEphemeral("/consumers/g1/ids/existing-member", []byte("orders")); err != nil {
		t.Fatalf("seed participant: %v", err)
	}

	build, _ := fakeBuilder()
	c, err := New("orders", "g1", WithZKClient(fake), WithAutoStart(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.cfg.innerBuilder = build

	err = c.Start()
	if !errors.Is(err, kgerr.ErrCapacityExceeded) {
		t.Fatalf("Start = %v, want ErrCapacityExceeded", err)
	}
}

func TestConsumer_StopReleasesOwnership(t *testing.T) {
	fake := faketest.New()
	seedTopic(t, fake, "orders", 2)

	build, built := fakeBuilder()
	c, err := New("orders", "g1", WithZKClient(fake), WithAutoStart(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.cfg.innerBuilder = build

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()

	if !(*built)[0].stopped {
		t.Fatalf("inner consumer was not stopped")
	}

	// Session is externally owned (WithZKClient), so Stop must have
	// explicitly deleted our participant and ownership records rather
	// than relying on session teardown.
	members, err := fake.Children("/consumers/g1/ids")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("participant records after Stop = %v, want none", members)
	}
	owned, err := fake.Children("/consumers/g1/owners/orders")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(owned) != 0 {
		t.Fatalf("ownership records after Stop = %v, want none", owned)
	}
}

func TestConsumer_ConsumeFailsFastWithoutPartitions(t *testing.T) {
	fake := faketest.New()
	seedTopic(t, fake, "orders", 1)

	// Two members, one partition: a peer registers right after this member
	// does (so the start-time capacity check still passes), and its id
	// sorts first, so this member's assignment is empty and it self-stops.
	if err := fake.WatchChildren("/consumers/g1/ids", func([]string) zkclient.WatchDecision {
		fake.CreateEphemeral("/consumers/g1/ids/!peer", []byte("orders"))
		return zkclient.Disarm
	}); err != nil {
		t.Fatalf("seed peer watch: %v", err)
	}

	build, _ := fakeBuilder()
	c, err := New("orders", "g1", WithZKClient(fake), WithAutoStart(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.cfg.innerBuilder = build

	err = c.Start()
	if err != nil {
		t.Fatalf("Start (self-stop should not surface as a Start error): %v", err)
	}

	_, err = c.Consume(nil, false)
	if !errors.Is(err, kgerr.ErrNoPartitionsForConsumer) {
		t.Fatalf("Consume = %v, want ErrNoPartitionsForConsumer", err)
	}
}

// TestConsumer_ConsumeTimeoutReturnsNoMessage asserts that a
// consumer_timeout_ms expiry surfaces as (nil, nil) — "no message arrived
// within the window" — rather than context.DeadlineExceeded (spec.md
// §4.G/§8).
func TestConsumer_ConsumeTimeoutReturnsNoMessage(t *testing.T) {
	fake := faketest.New()
	seedTopic(t, fake, "orders", 1)

	build := func(partitions []assign.Partition, firstBuild bool) (rebalance.InnerConsumer, error) {
		return &fakeInnerConsumer{partitions: partitions}, nil
	}

	c, err := New("orders", "g1", WithZKClient(fake), WithAutoStart(false), WithConsumerTimeout(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.cfg.innerBuilder = build

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	msg, err := c.Consume(context.Background(), true)
	if err != nil {
		t.Fatalf("Consume = (%v, %v), want (nil, nil) on consumer_timeout_ms expiry", msg, err)
	}
	if msg != nil {
		t.Fatalf("Consume message = %+v, want nil", msg)
	}
}
