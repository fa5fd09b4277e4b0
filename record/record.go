// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package record implements the on-disk framing for a single write-ahead log
// entry: a self-describing length prefix, the fixed fields, the payload, a
// tail checksum covering everything before it, and a redundant length
// suffix so that a reader positioned at EOF can walk backwards.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// ErrCorrupt is not returned by this package's decoders, which report every
// decode failure as ErrTornTail. Segment and WAL recovery wrap it when a
// file's contents cannot be accepted (bad header, torn record in a sealed
// segment, non-increasing log IDs, a gap between segments).
var ErrCorrupt = errors.New("corrupt log record")

// MaxPayloadSize guards against a corrupt length prefix causing a huge
// allocation during decode.
const MaxPayloadSize = 512 * 1024 * 1024

// fixedFieldsLen is the encoded size of logId, term, clusterId and
// payloadLen: three uint64s and one uint32.
const fixedFieldsLen = 8 + 8 + 8 + 4

// lenPrefixSize and tailChecksumSize are the sizes of the two brackets around
// the record body.
const (
	lenPrefixSize    = 4
	tailChecksumSize = 4
)

// Overhead is the number of bytes a Record adds around its Payload on disk.
const Overhead = lenPrefixSize + fixedFieldsLen + tailChecksumSize + lenPrefixSize

// Record is a single decoded log entry, in the order described by spec.md
// §3 "Log record": logId, term, clusterId, payload.
type Record struct {
	LogID     uint64
	Term      uint64
	ClusterID uint64
	Payload   []byte
}

// EncodedLen returns the number of bytes Encode will produce for a record
// carrying payload of the given length.
func EncodedLen(payloadLen int) int {
	return Overhead + payloadLen
}

// Encode serializes r into a freshly-allocated byte slice:
//
//	lenPrefix(4) || logId(8) || term(8) || clusterId(8) || payloadLen(4) ||
//	payload(N) || tailChecksum(4) || lenSuffix(4)
//
// lenPrefix/lenSuffix both hold the length of the "body" (fixed fields +
// payload + checksum) so that iteration can move in either direction.
// tailChecksum is a CRC32C over the fixed fields and payload and is written
// last, so a partial write always leaves a mismatched tail.
func Encode(r Record) []byte {
	bodyLen := fixedFieldsLen + len(r.Payload) + tailChecksumSize
	buf := make([]byte, lenPrefixSize+bodyLen+lenPrefixSize)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen))

	body := buf[4 : 4+bodyLen]
	binary.LittleEndian.PutUint64(body[0:8], r.LogID)
	binary.LittleEndian.PutUint64(body[8:16], r.Term)
	binary.LittleEndian.PutUint64(body[16:24], r.ClusterID)
	binary.LittleEndian.PutUint32(body[24:28], uint32(len(r.Payload)))
	copy(body[28:28+len(r.Payload)], r.Payload)

	sum := checksum(body[:fixedFieldsLen+len(r.Payload)])
	binary.LittleEndian.PutUint32(body[28+len(r.Payload):28+len(r.Payload)+4], sum)

	binary.LittleEndian.PutUint32(buf[len(buf)-4:], uint32(bodyLen))
	return buf
}

func checksum(b []byte) uint32 {
	return crc32.Checksum(b, crc32.MakeTable(crc32.Castagnoli))
}

// DecodeForward reads one record starting at the reader's current position,
// advancing past it. It returns (nil, 0, io.EOF) cleanly at end of stream
// when zero bytes could be read at all. Any other failure to produce a
// complete, checksum-valid record is reported as ErrTornTail along with the
// number of bytes that were consumed attempting the read, so the caller can
// truncate the underlying file precisely to the offset where the good data
// ended.
func DecodeForward(rd io.Reader) (*Record, int, error) {
	var lenBuf [lenPrefixSize]byte
	n, err := io.ReadFull(rd, lenBuf[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, 0, io.EOF
		}
		return nil, n, fmt.Errorf("%w: %v", ErrTornTail, err)
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	if bodyLen < fixedFieldsLen+tailChecksumSize || int64(bodyLen) > int64(MaxPayloadSize) {
		return nil, n, fmt.Errorf("%w: implausible body length %d", ErrTornTail, bodyLen)
	}

	body := make([]byte, bodyLen)
	bn, err := io.ReadFull(rd, body)
	consumed := n + bn
	if err != nil {
		return nil, consumed, fmt.Errorf("%w: %v", ErrTornTail, err)
	}

	var sufBuf [lenPrefixSize]byte
	sn, err := io.ReadFull(rd, sufBuf[:])
	consumed += sn
	if err != nil {
		return nil, consumed, fmt.Errorf("%w: %v", ErrTornTail, err)
	}
	if binary.LittleEndian.Uint32(sufBuf[:]) != bodyLen {
		return nil, consumed, fmt.Errorf("%w: mismatched length brackets", ErrTornTail)
	}

	r, err := decodeBody(body)
	if err != nil {
		return nil, consumed, err
	}
	return r, consumed, nil
}

// DecodeBackward reads the record whose lenSuffix ends exactly at endOffset
// within rd (a io.ReaderAt), returning the record and the offset of its
// first byte (the start of its lenPrefix). Segment recovery does not use
// it; segments are indexed forward from their header.
func DecodeBackward(rd io.ReaderAt, endOffset int64) (*Record, int64, error) {
	if endOffset < lenPrefixSize {
		return nil, 0, fmt.Errorf("%w: not enough bytes for a length suffix", ErrTornTail)
	}
	var sufBuf [lenPrefixSize]byte
	if _, err := rd.ReadAt(sufBuf[:], endOffset-lenPrefixSize); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTornTail, err)
	}
	bodyLen := binary.LittleEndian.Uint32(sufBuf[:])
	if bodyLen < fixedFieldsLen+tailChecksumSize || int64(bodyLen) > int64(MaxPayloadSize) {
		return nil, 0, fmt.Errorf("%w: implausible body length %d", ErrTornTail, bodyLen)
	}

	recordStart := endOffset - lenPrefixSize - int64(bodyLen) - lenPrefixSize
	if recordStart < 0 {
		return nil, 0, fmt.Errorf("%w: record would start before file begins", ErrTornTail)
	}

	var preBuf [lenPrefixSize]byte
	if _, err := rd.ReadAt(preBuf[:], recordStart); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTornTail, err)
	}
	if binary.LittleEndian.Uint32(preBuf[:]) != bodyLen {
		return nil, 0, fmt.Errorf("%w: mismatched length brackets", ErrTornTail)
	}

	body := make([]byte, bodyLen)
	if _, err := rd.ReadAt(body, recordStart+lenPrefixSize); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTornTail, err)
	}

	r, err := decodeBody(body)
	if err != nil {
		return nil, 0, err
	}
	return r, recordStart, nil
}

func decodeBody(body []byte) (*Record, error) {
	if len(body) < fixedFieldsLen+tailChecksumSize {
		return nil, fmt.Errorf("%w: body too short", ErrTornTail)
	}
	payloadLen := binary.LittleEndian.Uint32(body[24:28])
	wantLen := fixedFieldsLen + int(payloadLen) + tailChecksumSize
	if wantLen != len(body) {
		return nil, fmt.Errorf("%w: payloadLen disagrees with body size", ErrTornTail)
	}

	r := &Record{
		LogID:     binary.LittleEndian.Uint64(body[0:8]),
		Term:      binary.LittleEndian.Uint64(body[8:16]),
		ClusterID: binary.LittleEndian.Uint64(body[16:24]),
		Payload:   append(make([]byte, 0, payloadLen), body[28:28+payloadLen]...),
	}

	wantSum := binary.LittleEndian.Uint32(body[28+payloadLen : 28+payloadLen+4])
	gotSum := checksum(body[:fixedFieldsLen+int(payloadLen)])
	if wantSum != gotSum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrTornTail)
	}

	return r, nil
}

// ErrTornTail is returned (always wrapped with more context) when a record
// could not be fully decoded: this is normal at the very end of the most
// recent segment after an unclean shutdown, and is handled by segment
// recovery rather than surfaced to callers.
var ErrTornTail = errors.New("torn log record")
