package zkclient

import "fmt"

// Paths below mirror the coordinator layout from spec.md §6 exactly.

func BrokerIDsPath() string    { return "/brokers/ids" }
func BrokerTopicsPath() string { return "/brokers/topics" }

func GroupIDsPath(group string) string {
	return fmt.Sprintf("/consumers/%s/ids", group)
}

func ParticipantPath(group, memberID string) string {
	return fmt.Sprintf("%s/%s", GroupIDsPath(group), memberID)
}

func TopicOwnersPath(group, topic string) string {
	return fmt.Sprintf("/consumers/%s/owners/%s", group, topic)
}

// OwnershipPath encodes the partition's leader id at time of registration
// into the znode path, per spec.md §4.C: a later leader change makes
// read_held() blind to this record until the topic watch fires a fresh
// rebalance, which is accepted behavior, not a bug.
func OwnershipPath(group, topic string, leaderID, partition int32) string {
	return fmt.Sprintf("%s/%d-%d", TopicOwnersPath(group, topic), leaderID, partition)
}
