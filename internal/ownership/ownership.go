// Package ownership implements the authoritative record of "which member
// owns which partition" (spec.md §4.C). It is a thin layer over zkclient:
// all state lives in the coordinator, never cached locally, because after
// a session loss the coordinator's view is the only one that can be
// trusted (spec.md §4.D, "Why H is fetched from the coordinator each
// pass").
package ownership

import (
	"errors"
	"strconv"

	"github.com/twmb/kgroup/internal/assign"
	"github.com/twmb/kgroup/internal/zkclient"
	"github.com/twmb/kgroup/pkg/kgerr"
)

// Registry writes and reads ownership records under one topic's owners
// path for one group.
type Registry struct {
	client   zkclient.Client
	group    string
	topic    string
	memberID string
}

func New(client zkclient.Client, group, topic, memberID string) *Registry {
	return &Registry{client: client, group: group, topic: topic, memberID: memberID}
}

// EnsureRoot creates the persistent owners path if it does not exist yet.
func (r *Registry) EnsureRoot() error {
	return r.client.EnsurePath(zkclient.TopicOwnersPath(r.group, r.topic))
}

// Add claims p for this member. If a peer still holds the ownership
// record, it returns a *kgerr.PartitionOwnedError — the rebalancer treats
// this as retryable, not fatal (spec.md §4.D step 3.vii).
func (r *Registry) Add(p assign.Partition) error {
	path := zkclient.OwnershipPath(r.group, r.topic, p.LeaderID, p.Partition)
	err := r.client.CreateEphemeral(path, []byte(r.memberID))
	if errors.Is(err, zkclient.ErrNodeExists) {
		return &kgerr.PartitionOwnedError{Partition: p.Partition}
	}
	return err
}

// Remove releases p. A missing record is not an error: spec.md §4.C says
// NoNode is "silently accepted" here, matching pykafka's _remove_partitions.
func (r *Registry) Remove(p assign.Partition) error {
	path := zkclient.OwnershipPath(r.group, r.topic, p.LeaderID, p.Partition)
	return r.client.Delete(path)
}

// ReadHeld enumerates the owners path and returns the set of partition ids
// whose ownership record's value is this member's id. It needs the full
// Partition value (not just the id) to rebuild assign.Partition, so
// callers pass in the canonical partition set to resolve ids against.
func (r *Registry) ReadHeld(all []assign.Partition) ([]assign.Partition, error) {
	ownersPath := zkclient.TopicOwnersPath(r.group, r.topic)
	children, err := r.client.Children(ownersPath)
	if err != nil {
		if errors.Is(err, zkclient.ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}

	// byKey lets us match a "<leader>-<partition>" znode
	// name back to the full Partition struct from the canonical set.
	byKey := make(map[string]assign.Partition, len(all))
	for _, p := range all {
		byKey[ownershipKey(p.LeaderID, p.Partition)] = p
	}

	var held []assign.Partition
	for _, child := range children {
		value, err := r.client.Get(ownersPath + "/" + child)
		if err != nil {
			if errors.Is(err, zkclient.ErrNoNode) {
				continue // vanished mid-scan, per spec.md §4.C
			}
			return nil, err
		}
		if string(value) != r.memberID {
			continue
		}
		if p, ok := byKey[child]; ok {
			held = append(held, p)
		}
	}
	return held, nil
}

func ownershipKey(leaderID, partition int32) string {
	return strconv.FormatInt(int64(leaderID), 10) + "-" + strconv.FormatInt(int64(partition), 10)
}
