package kconsume

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/twmb/kgroup/internal/klog"
)

// broker is one TCP connection to a Kafka broker, framing and
// correlating requests the same way franz-go's own broker.go does: a
// 4-byte big-endian length prefix, a request header, then the request
// body produced by a generated kmsg type's AppendTo.
type broker struct {
	conn     net.Conn
	clientID string
	log      klog.Logger

	mu       sync.Mutex // serializes request/response pairs on this conn
	corrID   int32
	dialOpts dialOpts
}

type dialOpts struct {
	timeout time.Duration
	sasl    SASLConfig
}

// dialAny connects to the first reachable seed broker. Real clients
// would additionally discover the full broker set from a Metadata
// response and round-robin; kconsume only ever needs one connection
// because partition leadership is already resolved by internal/topology
// before kconsume is constructed.
func dialAny(ctx context.Context, seeds []string, clientID string, timeout time.Duration, sasl SASLConfig, log klog.Logger) (*broker, error) {
	var lastErr error
	for _, addr := range seeds {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		b := &broker{conn: conn, clientID: clientID, log: log, dialOpts: dialOpts{timeout: timeout, sasl: sasl}}
		if sasl.Mechanism != SASLNone {
			if err := b.authenticate(ctx, sasl); err != nil {
				conn.Close()
				lastErr = err
				continue
			}
		}
		return b, nil
	}
	return nil, fmt.Errorf("kconsume: could not dial any seed broker: %w", lastErr)
}

func (b *broker) close() error {
	return b.conn.Close()
}

// roundTrip writes one framed request and reads its matching response.
// req must be a kmsg generated type; resp is populated via ReadFrom.
func (b *broker) roundTrip(ctx context.Context, key, version int16, req kmsg.Request, resp kmsg.Response) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := atomic.AddInt32(&b.corrID, 1)

	var body []byte
	body = appendRequestHeader(body, key, version, id, b.clientID)
	body = req.AppendTo(body)

	if dl, ok := ctx.Deadline(); ok {
		b.conn.SetDeadline(dl)
		defer b.conn.SetDeadline(time.Time{})
	}

	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(body)))
	if _, err := b.conn.Write(size[:]); err != nil {
		return err
	}
	if _, err := b.conn.Write(body); err != nil {
		return err
	}

	if _, err := io.ReadFull(b.conn, size[:]); err != nil {
		return err
	}
	respBody := make([]byte, binary.BigEndian.Uint32(size[:]))
	if _, err := io.ReadFull(b.conn, respBody); err != nil {
		return err
	}

	// Strip the 4-byte correlation id response header before handing the
	// remainder to the generated type's decoder.
	if len(respBody) < 4 {
		return fmt.Errorf("kconsume: short response header")
	}
	return resp.ReadFrom(respBody[4:])
}

// appendRequestHeader writes the standard Kafka request header: api key,
// api version, correlation id, nullable client id string.
func appendRequestHeader(dst []byte, key, version int16, corrID int32, clientID string) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], uint16(key))
	binary.BigEndian.PutUint16(buf[2:4], uint16(version))
	binary.BigEndian.PutUint32(buf[4:8], uint32(corrID))
	dst = append(dst, buf[:]...)

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(clientID)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, clientID...)
	return dst
}

// listOffset resolves the earliest or latest offset for a partition via
// ListOffsets, the same request franz-go's pkg/kgo/metadata.go issues
// when it needs to bootstrap a fetch position.
func (b *broker) listOffset(ctx context.Context, topic string, partition int32, reset AutoOffsetReset) (int64, error) {
	ts := int64(-1) // latest
	if reset == OffsetEarliest {
		ts = -2
	}

	req := kmsg.NewListOffsetsRequest()
	req.ReplicaID = -1
	t := kmsg.NewListOffsetsRequestTopic()
	t.Topic = topic
	p := kmsg.NewListOffsetsRequestTopicPartition()
	p.Partition = partition
	p.Timestamp = ts
	t.Partitions = append(t.Partitions, p)
	req.Topics = append(req.Topics, t)

	resp := kmsg.NewListOffsetsResponse()
	if err := b.roundTrip(ctx, req.Key(), req.Version, &req, &resp); err != nil {
		return 0, err
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if p.Partition == partition {
				if err := kerrFromCode(p.ErrorCode); err != nil {
					return 0, err
				}
				return p.Offset, nil
			}
		}
	}
	return 0, fmt.Errorf("kconsume: partition %d missing from ListOffsets response", partition)
}

// fetchOffset reads a group's committed offset for one partition via
// OffsetFetch. A negative return with a nil error means "nothing
// committed yet".
func (b *broker) fetchOffset(ctx context.Context, group, topic string, partition int32) (int64, error) {
	req := kmsg.NewOffsetFetchRequest()
	req.Group = group
	t := kmsg.NewOffsetFetchRequestTopic()
	t.Topic = topic
	t.Partitions = append(t.Partitions, partition)
	req.Topics = append(req.Topics, t)

	resp := kmsg.NewOffsetFetchResponse()
	if err := b.roundTrip(ctx, req.Key(), req.Version, &req, &resp); err != nil {
		return -1, err
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if p.Partition == partition {
				if err := kerrFromCode(p.ErrorCode); err != nil {
					return -1, err
				}
				return p.Offset, nil
			}
		}
	}
	return -1, nil
}

// commitOffsets writes committed offsets for every partition in offsets
// via OffsetCommit.
func (b *broker) commitOffsets(ctx context.Context, group, topic string, offsets map[int32]int64) error {
	req := kmsg.NewOffsetCommitRequest()
	req.Group = group
	t := kmsg.NewOffsetCommitRequestTopic()
	t.Topic = topic
	for partition, offset := range offsets {
		p := kmsg.NewOffsetCommitRequestTopicPartition()
		p.Partition = partition
		p.Offset = offset + 1 // Kafka commits the *next* offset to read
		t.Partitions = append(t.Partitions, p)
	}
	req.Topics = append(req.Topics, t)

	resp := kmsg.NewOffsetCommitResponse()
	if err := b.roundTrip(ctx, req.Key(), req.Version, &req, &resp); err != nil {
		return err
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if err := kerrFromCode(p.ErrorCode); err != nil {
				return fmt.Errorf("kconsume: committing partition %d: %w", p.Partition, err)
			}
		}
	}
	return nil
}

// fetchedRecord is one decoded, decompressed record ready for delivery.
type fetchedRecord struct {
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// fetch issues one Fetch request for a single partition starting at
// offset and returns the decoded records. Compression is resolved per
// record batch by codec.go.
func (b *broker) fetch(ctx context.Context, topic string, partition int32, offset int64, maxBytes, minBytes int32, maxWait time.Duration) ([]fetchedRecord, error) {
	req := kmsg.NewFetchRequest()
	req.ReplicaID = -1
	req.MaxWaitMillis = int32(maxWait / time.Millisecond)
	req.MinBytes = minBytes
	req.MaxBytes = maxBytes

	t := kmsg.NewFetchRequestTopic()
	t.Topic = topic
	p := kmsg.NewFetchRequestTopicPartition()
	p.Partition = partition
	p.FetchOffset = offset
	p.PartitionMaxBytes = maxBytes
	t.Partitions = append(t.Partitions, p)
	req.Topics = append(req.Topics, t)

	resp := kmsg.NewFetchResponse()
	if err := b.roundTrip(ctx, req.Key(), req.Version, &req, &resp); err != nil {
		return nil, err
	}

	var out []fetchedRecord
	for _, rt := range resp.Topics {
		for _, rp := range rt.Partitions {
			if err := kerrFromCode(rp.ErrorCode); err != nil {
				return nil, err
			}
			records, err := decodeRecordBatches(rp.RecordBatches)
			if err != nil {
				return nil, fmt.Errorf("kconsume: decoding fetched batch for %s/%d: %w", topic, partition, err)
			}
			out = append(out, records...)
		}
	}
	return out, nil
}

func kerrFromCode(code int16) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("kconsume: broker error code %d", code)
}
