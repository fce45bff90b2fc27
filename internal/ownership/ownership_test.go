package ownership

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/twmb/kgroup/internal/assign"
	"github.com/twmb/kgroup/internal/zkclient/faketest"
	"github.com/twmb/kgroup/pkg/kgerr"
)

func testPartitions() []assign.Partition {
	return []assign.Partition{
		{Topic: "orders", LeaderID: 1, Partition: 0},
		{Topic: "orders", LeaderID: 1, Partition: 1},
		{Topic: "orders", LeaderID: 2, Partition: 2},
	}
}

func TestRegistry_AddThenReadHeld(t *testing.T) {
	fake := faketest.New()
	r := New(fake, "g1", "orders", "member-a")
	if err := r.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}

	parts := testPartitions()
	if err := r.Add(parts[0]); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(parts[1]); err != nil {
		t.Fatalf("Add: %v", err)
	}

	held, err := r.ReadHeld(parts)
	if err != nil {
		t.Fatalf("ReadHeld: %v", err)
	}
	want := []assign.Partition{parts[0], parts[1]}
	if diff := cmp.Diff(want, held); diff != "" {
		t.Fatalf("ReadHeld mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_AddConflict(t *testing.T) {
	fake := faketest.New()
	a := New(fake, "g1", "orders", "member-a")
	b := New(fake, "g1", "orders", "member-b")
	p := testPartitions()[0]

	if err := a.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}
	if err := a.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := b.Add(p)
	var owned *kgerr.PartitionOwnedError
	if !errors.As(err, &owned) {
		t.Fatalf("Add from second member = %v, want *kgerr.PartitionOwnedError", err)
	}
	if owned.Partition != p.Partition {
		t.Fatalf("owned.Partition = %d, want %d", owned.Partition, p.Partition)
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	fake := faketest.New()
	r := New(fake, "g1", "orders", "member-a")
	p := testPartitions()[0]

	if err := r.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}
	if err := r.Remove(p); err != nil {
		t.Fatalf("Remove on absent node should be a no-op, got: %v", err)
	}

	if err := r.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Remove(p); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	held, err := r.ReadHeld(testPartitions())
	if err != nil {
		t.Fatalf("ReadHeld: %v", err)
	}
	if len(held) != 0 {
		t.Fatalf("ReadHeld after Remove = %v, want empty", held)
	}
}

func TestRegistry_ReadHeldIgnoresOtherMembers(t *testing.T) {
	fake := faketest.New()
	a := New(fake, "g1", "orders", "member-a")
	b := New(fake, "g1", "orders", "member-b")
	parts := testPartitions()

	if err := a.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}
	if err := a.Add(parts[0]); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Add(parts[2]); err != nil {
		t.Fatalf("Add: %v", err)
	}

	held, err := a.ReadHeld(parts)
	if err != nil {
		t.Fatalf("ReadHeld: %v", err)
	}
	want := []assign.Partition{parts[0]}
	if diff := cmp.Diff(want, held); diff != "" {
		t.Fatalf("ReadHeld mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_ReadHeldOnMissingRoot(t *testing.T) {
	fake := faketest.New()
	r := New(fake, "g1", "orders", "member-a")
	held, err := r.ReadHeld(testPartitions())
	if err != nil {
		t.Fatalf("ReadHeld on missing root should not error, got: %v", err)
	}
	if len(held) != 0 {
		t.Fatalf("ReadHeld on missing root = %v, want empty", held)
	}
}
