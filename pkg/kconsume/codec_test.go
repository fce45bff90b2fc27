package kconsume

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"testing"
	"time"
)

// appendVarint writes a Kafka-style zigzag varint.
func appendVarint(buf []byte, v int64) []byte {
	zz := uint64((v << 1) ^ (v >> 63))
	for zz >= 0x80 {
		buf = append(buf, byte(zz)|0x80)
		zz >>= 7
	}
	return append(buf, byte(zz))
}

func appendVarintBytes(buf []byte, b []byte) []byte {
	if b == nil {
		return appendVarint(buf, -1)
	}
	buf = appendVarint(buf, int64(len(b)))
	return append(buf, b...)
}

func buildRecord(offsetDelta, timestampDelta int64, key, value []byte) []byte {
	var rec []byte
	rec = append(rec, 0) // attributes
	rec = appendVarint(rec, timestampDelta)
	rec = appendVarint(rec, offsetDelta)
	rec = appendVarintBytes(rec, key)
	rec = appendVarintBytes(rec, value)
	rec = appendVarint(rec, 0) // header count

	var out []byte
	out = appendVarint(out, int64(len(rec)))
	out = append(out, rec...)
	return out
}

func buildUncompressedBatch(baseOffset, firstTimestamp int64, records [][]byte) []byte {
	var recordsBlob []byte
	for _, r := range records {
		recordsBlob = append(recordsBlob, r...)
	}

	batch := make([]byte, 61)
	binary.BigEndian.PutUint64(batch[0:8], uint64(baseOffset))
	// batch length field (bytes 8:12) is everything after itself: from
	// byte 12 through the end of the record payload.
	batch[16] = 2 // magic
	binary.BigEndian.PutUint16(batch[21:23], 0)
	binary.BigEndian.PutUint64(batch[27:35], uint64(firstTimestamp))
	binary.BigEndian.PutUint32(batch[57:61], uint32(len(records)))
	batch = append(batch, recordsBlob...)
	binary.BigEndian.PutUint32(batch[8:12], uint32(len(batch)-12))
	return batch
}

func TestDecodeRecordBatches_Uncompressed(t *testing.T) {
	rec0 := buildRecord(0, 0, []byte("k0"), []byte("v0"))
	rec1 := buildRecord(1, 5, nil, []byte("v1"))
	batch := buildUncompressedBatch(100, 1700000000000, [][]byte{rec0, rec1})

	records, err := decodeRecordBatches(batch)
	if err != nil {
		t.Fatalf("decodeRecordBatches: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].Offset != 100 || string(records[0].Key) != "k0" || string(records[0].Value) != "v0" {
		t.Fatalf("records[0] = %+v", records[0])
	}
	if records[1].Offset != 101 || records[1].Key != nil || string(records[1].Value) != "v1" {
		t.Fatalf("records[1] = %+v", records[1])
	}
	wantTS := time.UnixMilli(1700000000005)
	if !records[1].Timestamp.Equal(wantTS) {
		t.Fatalf("records[1].Timestamp = %v, want %v", records[1].Timestamp, wantTS)
	}
}

func TestDecompress_Gzip(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	out, err := decompress(codecGzip, buf.Bytes())
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(out) != "hello" {
		t.Fatalf("decompress = %q, want %q", out, "hello")
	}
}

func TestDecompress_None(t *testing.T) {
	out, err := decompress(codecNone, []byte("raw"))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(out) != "raw" {
		t.Fatalf("decompress = %q, want %q", out, "raw")
	}
}

func TestDecompress_UnknownCodec(t *testing.T) {
	if _, err := decompress(7, nil); err == nil {
		t.Fatal("decompress with unknown codec should error")
	}
}
