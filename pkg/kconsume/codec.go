package kconsume

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Record batch compression codec, the low 3 bits of the v2 record batch
// attributes field — the same values franz-go's own producer/consumer
// path encodes.
const (
	codecNone   = 0
	codecGzip   = 1
	codecSnappy = 2
	codecLZ4    = 3
	codecZstd   = 4
)

// decodeRecordBatches parses the Kafka v2 record batch wire format
// (magic byte 2) out of raw, which Fetch responses embed as an opaque
// byte blob per partition. Multiple batches may be concatenated back to
// back; this loop walks them until raw is exhausted.
func decodeRecordBatches(raw []byte) ([]fetchedRecord, error) {
	var out []fetchedRecord
	for len(raw) > 0 {
		if len(raw) < 61 {
			break // trailing partial batch; broker will resend on next fetch
		}
		batchLen := int32(binary.BigEndian.Uint32(raw[8:12]))
		total := 12 + int(batchLen)
		if total > len(raw) {
			break
		}
		batch := raw[:total]
		records, err := decodeOneBatch(batch)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
		raw = raw[total:]
	}
	return out, nil
}

func decodeOneBatch(batch []byte) ([]fetchedRecord, error) {
	baseOffset := int64(binary.BigEndian.Uint64(batch[0:8]))
	magic := int8(batch[16])
	if magic != 2 {
		return nil, fmt.Errorf("kconsume: unsupported record batch magic %d", magic)
	}
	attrs := int16(binary.BigEndian.Uint16(batch[21:23]))
	codec := int(attrs) & 0x7
	firstTimestamp := int64(binary.BigEndian.Uint64(batch[27:35]))
	recordCount := int32(binary.BigEndian.Uint32(batch[57:61]))

	payload := batch[61:]
	decompressed, err := decompress(codec, payload)
	if err != nil {
		return nil, err
	}

	return decodeRecords(decompressed, baseOffset, firstTimestamp, int(recordCount))
}

func decompress(codec int, payload []byte) ([]byte, error) {
	switch codec {
	case codecNone:
		return payload, nil
	case codecGzip:
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("kconsume: gzip: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case codecSnappy:
		return snappy.Decode(nil, payload)
	case codecLZ4:
		r := lz4.NewReader(bytes.NewReader(payload))
		return io.ReadAll(r)
	case codecZstd:
		dec, err := zstd.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("kconsume: zstd: %w", err)
		}
		defer dec.Close()
		return io.ReadAll(dec)
	default:
		return nil, fmt.Errorf("kconsume: unknown compression codec %d", codec)
	}
}

// decodeRecords parses count varint-framed v2 records out of buf. Each
// record's offset and timestamp are deltas from the batch's base values.
func decodeRecords(buf []byte, baseOffset, firstTimestamp int64, count int) ([]fetchedRecord, error) {
	out := make([]fetchedRecord, 0, count)
	r := &byteReader{buf: buf}
	for i := 0; i < count; i++ {
		if _, err := r.varint(); err != nil { // record length, unused: we re-read fields explicitly
			return nil, err
		}
		if _, err := r.int8(); err != nil { // attributes, unused
			return nil, err
		}
		timestampDelta, err := r.varint()
		if err != nil {
			return nil, err
		}
		offsetDelta, err := r.varint()
		if err != nil {
			return nil, err
		}
		key, err := r.varintBytes()
		if err != nil {
			return nil, err
		}
		value, err := r.varintBytes()
		if err != nil {
			return nil, err
		}
		headerCount, err := r.varint()
		if err != nil {
			return nil, err
		}
		for h := int64(0); h < headerCount; h++ {
			if _, err := r.varintBytes(); err != nil { // header key
				return nil, err
			}
			if _, err := r.varintBytes(); err != nil { // header value
				return nil, err
			}
		}

		out = append(out, fetchedRecord{
			Offset:    baseOffset + offsetDelta,
			Key:       key,
			Value:     value,
			Timestamp: time.UnixMilli(firstTimestamp + timestampDelta),
		})
	}
	return out, nil
}

// byteReader is a minimal cursor over a record's varint-encoded fields;
// the full Kafka varint/zigzag scheme is small enough not to warrant an
// external dependency purely for this decode step.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) int8() (int8, error) {
	if r.pos >= len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := int8(r.buf[r.pos])
	r.pos++
	return v, nil
}

func (r *byteReader) varint() (int64, error) {
	var x uint64
	var s uint
	for {
		if r.pos >= len(r.buf) {
			return 0, io.ErrUnexpectedEOF
		}
		b := r.buf[r.pos]
		r.pos++
		x |= uint64(b&0x7f) << s
		if b < 0x80 {
			break
		}
		s += 7
	}
	return int64(x>>1) ^ -(int64(x) & 1), nil
}

func (r *byteReader) varintBytes() ([]byte, error) {
	n, err := r.varint()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}
