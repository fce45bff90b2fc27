package rebalance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/twmb/kgroup/internal/assign"
	"github.com/twmb/kgroup/internal/kmetrics"
	"github.com/twmb/kgroup/internal/ownership"
	"github.com/twmb/kgroup/internal/zkclient/faketest"
	"github.com/twmb/kgroup/pkg/kgerr"
)

type staticParticipants struct {
	members []string
}

func (s *staticParticipants) Get() ([]string, error) { return s.members, nil }

type fakeInner struct {
	partitions []assign.Partition
	firstBuild bool
	stopped    bool
	commits    int
	commitErr  error
}

func (f *fakeInner) Stop() { f.stopped = true }
func (f *fakeInner) CommitOffsets() error {
	f.commits++
	return f.commitErr
}

func allOrders(n int32) []assign.Partition {
	var out []assign.Partition
	for i := int32(0); i < n; i++ {
		out = append(out, assign.Partition{Topic: "orders", LeaderID: 1, Partition: i})
	}
	return out
}

func newTestRebalancer(t *testing.T, self string, members []string, cfg Config) (*Rebalancer, *[]*fakeInner) {
	t.Helper()
	fake := faketest.New()
	owners := ownership.New(fake, "g1", "orders", self)
	if err := owners.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}
	var built []*fakeInner
	build := func(partitions []assign.Partition, firstBuild bool) (InnerConsumer, error) {
		fi := &fakeInner{partitions: partitions, firstBuild: firstBuild}
		built = append(built, fi)
		return fi, nil
	}
	r := New(self, cfg, nil, owners, &staticParticipants{members: members}, build, nil)
	r.sleep = func(time.Duration) {}
	return r, &built
}

func TestRebalance_EvenSplit(t *testing.T) {
	r, built := newTestRebalancer(t, "a", []string{"a", "b"}, Config{})
	if err := r.Rebalance(context.Background(), allOrders(4)); err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	got := r.CurrentPartitions()
	if len(got) != 2 || got[0].Partition != 0 || got[1].Partition != 1 {
		t.Fatalf("CurrentPartitions = %+v, want p0,p1", got)
	}
	if len(*built) != 1 {
		t.Fatalf("expected exactly one inner consumer build, got %d", len(*built))
	}
	if !(*built)[0].firstBuild {
		t.Fatalf("first build should report firstBuild=true")
	}
}

func TestRebalance_Overpopulation_SelfStops(t *testing.T) {
	r, built := newTestRebalancer(t, "c", []string{"a", "b", "c"}, Config{})
	err := r.Rebalance(context.Background(), allOrders(2))
	if !errors.Is(err, kgerr.ErrNoPartitionsForConsumer) {
		t.Fatalf("Rebalance = %v, want ErrNoPartitionsForConsumer", err)
	}
	if len(*built) != 0 {
		t.Fatalf("overpopulated member should never build an inner consumer, got %d builds", len(*built))
	}
}

func TestRebalance_IdempotentNoRebuild(t *testing.T) {
	r, built := newTestRebalancer(t, "a", []string{"a", "b"}, Config{})
	all := allOrders(4)
	if err := r.Rebalance(context.Background(), all); err != nil {
		t.Fatalf("first Rebalance: %v", err)
	}
	if err := r.Rebalance(context.Background(), all); err != nil {
		t.Fatalf("second Rebalance: %v", err)
	}
	if len(*built) != 1 {
		t.Fatalf("unchanged assignment should not rebuild inner consumer, got %d builds", len(*built))
	}
}

func TestRebalance_ClaimCollisionRetriesThenFails(t *testing.T) {
	fake := faketest.New()
	loser := ownership.New(fake, "g1", "orders", "loser")
	winner := ownership.New(fake, "g1", "orders", "winner")
	if err := loser.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}

	all := allOrders(1)
	if err := winner.Add(all[0]); err != nil {
		t.Fatalf("winner.Add: %v", err)
	}

	build := func(partitions []assign.Partition, firstBuild bool) (InnerConsumer, error) {
		return &fakeInner{partitions: partitions, firstBuild: firstBuild}, nil
	}
	metrics := kmetrics.New()
	r := New("loser", Config{MaxRetries: 3, BackoffUnit: time.Millisecond}, nil, loser,
		&staticParticipants{members: []string{"loser"}}, build, metrics)
	r.sleep = func(time.Duration) {}

	err := r.Rebalance(context.Background(), all)
	var owned *kgerr.PartitionOwnedError
	if !errors.As(err, &owned) {
		t.Fatalf("Rebalance = %v, want *kgerr.PartitionOwnedError after exhausting retries", err)
	}

	if got := testutil.ToFloat64(metrics.RebalancesCounter()); got != 1 {
		t.Fatalf("rebalances counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ClaimCollisionsCounter()); got != 3 {
		t.Fatalf("claim collisions counter = %v, want 3 (one per retry)", got)
	}
	if got := testutil.ToFloat64(metrics.RebalanceFailuresCounter()); got != 1 {
		t.Fatalf("rebalance failures counter = %v, want 1", got)
	}
}

func TestRebalance_StoppedReturnsConsumerStopped(t *testing.T) {
	r, _ := newTestRebalancer(t, "a", []string{"a"}, Config{})
	r.Stop()
	err := r.Rebalance(context.Background(), allOrders(2))
	if !errors.Is(err, kgerr.ErrConsumerStopped) {
		t.Fatalf("Rebalance after Stop = %v, want ErrConsumerStopped", err)
	}
}

func TestRebalance_JoinConvergence(t *testing.T) {
	fake := faketest.New()
	ownA := ownership.New(fake, "g1", "orders", "a")
	ownB := ownership.New(fake, "g1", "orders", "b")
	if err := ownA.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}

	build := func(partitions []assign.Partition, firstBuild bool) (InnerConsumer, error) {
		return &fakeInner{partitions: partitions, firstBuild: firstBuild}, nil
	}

	all := allOrders(4)
	rA := New("a", Config{}, nil, ownA, &staticParticipants{members: []string{"a", "b"}}, build, nil)
	rA.sleep = func(time.Duration) {}
	rB := New("b", Config{}, nil, ownB, &staticParticipants{members: []string{"a", "b"}}, build, nil)
	rB.sleep = func(time.Duration) {}

	if err := rA.Rebalance(context.Background(), all); err != nil {
		t.Fatalf("rA steady state: %v", err)
	}
	if err := rB.Rebalance(context.Background(), all); err != nil {
		t.Fatalf("rB steady state: %v", err)
	}

	rC := New("c", Config{}, nil, ownership.New(fake, "g1", "orders", "c"),
		&staticParticipants{members: []string{"a", "b", "c"}}, build, nil)
	rC.sleep = func(time.Duration) {}
	rA.parts = &staticParticipants{members: []string{"a", "b", "c"}}
	rB.parts = &staticParticipants{members: []string{"a", "b", "c"}}

	if err := rA.Rebalance(context.Background(), all); err != nil {
		t.Fatalf("rA rejoin: %v", err)
	}
	if err := rB.Rebalance(context.Background(), all); err != nil {
		t.Fatalf("rB rejoin: %v", err)
	}
	if err := rC.Rebalance(context.Background(), all); err != nil {
		t.Fatalf("rC join: %v", err)
	}

	wantA := []assign.Partition{all[0], all[1]}
	wantB := []assign.Partition{all[2]}
	wantC := []assign.Partition{all[3]}

	if got := rA.CurrentPartitions(); !samePartitions(got, wantA) {
		t.Fatalf("a's partitions = %+v, want %+v", got, wantA)
	}
	if got := rB.CurrentPartitions(); !samePartitions(got, wantB) {
		t.Fatalf("b's partitions = %+v, want %+v", got, wantB)
	}
	if got := rC.CurrentPartitions(); !samePartitions(got, wantC) {
		t.Fatalf("c's partitions = %+v, want %+v", got, wantC)
	}
}

func TestRebalance_CrashReclaim(t *testing.T) {
	fake := faketest.New()
	ownA := ownership.New(fake, "g1", "orders", "a")
	ownB := ownership.New(fake, "g1", "orders", "b")
	if err := ownA.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}

	build := func(partitions []assign.Partition, firstBuild bool) (InnerConsumer, error) {
		return &fakeInner{partitions: partitions, firstBuild: firstBuild}, nil
	}

	all := allOrders(4)
	rA := New("a", Config{}, nil, ownA, &staticParticipants{members: []string{"a", "b"}}, build, nil)
	rA.sleep = func(time.Duration) {}
	rB := New("b", Config{}, nil, ownB, &staticParticipants{members: []string{"a", "b"}}, build, nil)
	rB.sleep = func(time.Duration) {}

	if err := rA.Rebalance(context.Background(), all); err != nil {
		t.Fatalf("rA steady state: %v", err)
	}
	if err := rB.Rebalance(context.Background(), all); err != nil {
		t.Fatalf("rB steady state: %v", err)
	}

	fake.ExpireSession() // b's ephemeral ownership nodes vanish

	rA.parts = &staticParticipants{members: []string{"a"}}
	if err := rA.Rebalance(context.Background(), all); err != nil {
		t.Fatalf("rA reclaim: %v", err)
	}
	if got := rA.CurrentPartitions(); !samePartitions(got, all) {
		t.Fatalf("a's partitions after reclaim = %+v, want all of %+v", got, all)
	}
}
