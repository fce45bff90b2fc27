// Package kgroup implements a ZooKeeper-coordinated, self-balancing
// consumer group. Every member independently computes the same
// partition assignment from the same inputs (group participants, topic
// partitions) and races to register ownership in ZooKeeper; no member
// ever sends its assignment to any other member.
//
// This package is the façade: Consumer wires internal/rebalance,
// internal/watch, internal/ownership, internal/liveness and
// internal/zkclient together and exposes Start, Stop, Consume,
// CommitOffsets, and ResetOffsets. The partition assignment algorithm
// itself lives in internal/assign and needs no coordinator at all.
package kgroup
