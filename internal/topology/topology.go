// Package topology reads a topic's partition set and per-partition
// leader from the broker metadata the coordinator exposes at
// /brokers/topics/<topic>, the "broker metadata collaborator" spec.md
// §3 treats as an external input to the Assignment Function.
//
// This is read-only JSON parsed with encoding/json rather than a
// third-party decoder: the wire shape is the legacy ZK-based Kafka
// broker registration format, which none of the retrieval pack's
// libraries model (kmsg's generated structs cover the binary Kafka
// protocol, not this ZooKeeper JSON convention), so there is no
// ecosystem library from the pack to ground a replacement on.
package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/twmb/kgroup/internal/assign"
	"github.com/twmb/kgroup/internal/zkclient"
	"github.com/twmb/kgroup/pkg/kgerr"
)

type topicMeta struct {
	Version    int              `json:"version"`
	Partitions map[string][]int `json:"partitions"` // partition id -> replica broker ids
}

type partitionState struct {
	Leader int32 `json:"leader"`
}

// Partitions returns topic's partitions, each stamped with its current
// leader broker id, suitable as the T input to internal/assign.
func Partitions(client zkclient.Client, topic string) ([]assign.Partition, error) {
	raw, err := client.Get(zkclient.BrokerTopicsPath() + "/" + topic)
	if err != nil {
		if errors.Is(err, zkclient.ErrNoNode) {
			return nil, fmt.Errorf("topology: topic %q not found: %w", topic, kgerr.ErrCoordinatorUnavailable)
		}
		return nil, err
	}

	var meta topicMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("topology: decoding %s metadata: %w", topic, err)
	}

	out := make([]assign.Partition, 0, len(meta.Partitions))
	for idStr := range meta.Partitions {
		id, err := strconv.ParseInt(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("topology: bad partition id %q: %w", idStr, err)
		}
		leader, err := readLeader(client, topic, int32(id), meta.Partitions[idStr])
		if err != nil {
			return nil, err
		}
		out = append(out, assign.Partition{Topic: topic, LeaderID: leader, Partition: int32(id)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out, nil
}

// readLeader consults the partition's state node for the current leader;
// if the state node is missing (some test fixtures and freshly created
// topics briefly lack it) the first replica stands in, mirroring how
// early Kafka clients tolerated a pre-election window.
func readLeader(client zkclient.Client, topic string, partition int32, replicas []int) (int32, error) {
	path := fmt.Sprintf("%s/%s/partitions/%d/state", zkclient.BrokerTopicsPath(), topic, partition)
	raw, err := client.Get(path)
	if err != nil {
		if errors.Is(err, zkclient.ErrNoNode) && len(replicas) > 0 {
			return int32(replicas[0]), nil
		}
		return 0, err
	}
	var state partitionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return 0, fmt.Errorf("topology: decoding %s/%d state: %w", topic, partition, err)
	}
	return state.Leader, nil
}
