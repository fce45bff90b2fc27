// Package kgerr defines the typed errors raised by kgroup's balancing core.
package kgerr

import "fmt"

// ErrConsumerStopped is returned by any operation attempted after Stop, or
// during a forced stop triggered by an empty assignment.
var ErrConsumerStopped = fmt.Errorf("kgroup: consumer is stopped")

// ErrNoPartitionsForConsumer is returned by Consume when this member's
// current assignment is empty.
var ErrNoPartitionsForConsumer = fmt.Errorf("kgroup: no partitions assigned to this consumer")

// ErrCapacityExceeded is returned by Start when the group already has at
// least as many participants as the topic has partitions.
var ErrCapacityExceeded = fmt.Errorf("kgroup: cannot add consumer, participants already at least as many as partitions")

// ErrCoordinatorUnavailable is returned when a required broker-topology
// watch path does not exist, which usually means the Kafka cluster has not
// been initialized against this ZooKeeper ensemble.
var ErrCoordinatorUnavailable = fmt.Errorf("kgroup: broker path missing in coordinator; is the cluster initialized?")

// PartitionOwnedError is raised when a claim for a partition loses a race
// against a peer that still holds the ownership record. It is retried
// internally by the rebalancer and only surfaced to callers after
// rebalance_max_retries attempts.
type PartitionOwnedError struct {
	Partition int32
}

func (e *PartitionOwnedError) Error() string {
	return fmt.Sprintf("kgroup: partition %d is still owned by another member", e.Partition)
}

// BackgroundWorkerError wraps an error captured on a background goroutine
// (the liveness checker or a watch callback) so it can be re-raised
// synchronously on a caller's goroutine at the next façade entry point.
type BackgroundWorkerError struct {
	Err error
}

func (e *BackgroundWorkerError) Error() string {
	return fmt.Sprintf("kgroup: background worker error: %v", e.Err)
}

func (e *BackgroundWorkerError) Unwrap() error { return e.Err }
