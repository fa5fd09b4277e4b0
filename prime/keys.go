// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package prime implements component C5, the prime marker store: pure key
// derivations over an edge key plus a partition-scoped scan used by the
// resume scanner (component C7). It holds no state of its own — every
// marker lives in the kvstore.Store the coordinator already writes to.
package prime

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/graphwal/corewal/kvstore"
)

// EdgeKey identifies a logical edge the way spec.md §6's persisted-state
// layout does: srcVid, edge type, rank, dstVid.
type EdgeKey struct {
	SrcVID   []byte
	EdgeType int64
	Rank     int64
	DstVID   []byte
}

// Encode serializes k deterministically: length-prefixed srcVid, then
// type/rank as fixed-width big-endian (so byte order matches numeric order
// for any future range scans), then length-prefixed dstVid.
func (k EdgeKey) Encode() []byte {
	buf := make([]byte, 0, 4+len(k.SrcVID)+8+8+4+len(k.DstVID))
	buf = appendLenPrefixed(buf, k.SrcVID)
	buf = appendUint64(buf, uint64(k.EdgeType))
	buf = appendUint64(buf, uint64(k.Rank))
	buf = appendLenPrefixed(buf, k.DstVID)
	return buf
}

func appendLenPrefixed(buf, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// partitionPrefix encodes (spaceID, partitionID) so lexicographic key order
// matches numeric order, matching spec.md §6's "<partition>" path segment.
func partitionPrefix(spaceID, partitionID uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], spaceID)
	binary.BigEndian.PutUint64(buf[8:16], partitionID)
	return buf
}

const (
	edgePrefix        = "edge/"
	primePrefix       = "prime/"
	doublePrimePrefix = "doublePrime/"
)

// EdgeStoreKey returns the KV key under which the edge's effect is stored.
func EdgeStoreKey(spaceID, partitionID uint64, k EdgeKey) []byte {
	return keyFor(edgePrefix, spaceID, partitionID, k)
}

// Key returns the prime(K) marker key: "mutation started, peer outcome
// unknown."
func Key(spaceID, partitionID uint64, k EdgeKey) []byte {
	return keyFor(primePrefix, spaceID, partitionID, k)
}

// DoubleKey returns the doublePrime(K) marker key: "mutation applied
// locally, peer outcome undecided."
func DoubleKey(spaceID, partitionID uint64, k EdgeKey) []byte {
	return keyFor(doublePrimePrefix, spaceID, partitionID, k)
}

func keyFor(prefix string, spaceID, partitionID uint64, k EdgeKey) []byte {
	return keyForEncoded(prefix, spaceID, partitionID, k.Encode())
}

// EdgeStoreKeyFromEncoded builds the same key as EdgeStoreKey, but from an
// already-encoded edge key (as carried over the wire in a
// transport.ChainRequest) rather than an EdgeKey struct.
func EdgeStoreKeyFromEncoded(spaceID, partitionID uint64, encoded []byte) []byte {
	return keyForEncoded(edgePrefix, spaceID, partitionID, encoded)
}

// KeyFromEncoded builds the same key as Key, but from an already-encoded
// edge key, the shape a resume sweep has on hand from ScanPrimes.
func KeyFromEncoded(spaceID, partitionID uint64, encoded []byte) []byte {
	return keyForEncoded(primePrefix, spaceID, partitionID, encoded)
}

// DoubleKeyFromEncoded builds the same key as DoubleKey, but from an
// already-encoded edge key.
func DoubleKeyFromEncoded(spaceID, partitionID uint64, encoded []byte) []byte {
	return keyForEncoded(doublePrimePrefix, spaceID, partitionID, encoded)
}

func keyForEncoded(prefix string, spaceID, partitionID uint64, encoded []byte) []byte {
	buf := append([]byte(prefix), partitionPrefix(spaceID, partitionID)...)
	return append(buf, encoded...)
}

// MarkerKind distinguishes which of the two primes ScanPrimes found.
type MarkerKind int

const (
	KindPrime MarkerKind = iota
	KindDoublePrime
)

// Marker is one in-flight or abandoned mutation marker found by ScanPrimes.
type Marker struct {
	Kind    MarkerKind
	EdgeKey []byte // the raw edgeKey suffix, as encoded by EdgeKey.Encode
	Value   []byte // this marker's stored value, see EncodeMarkerValue
}

// EncodeMarkerValue serializes the routing metadata a resume sweep needs to
// replay processRemote without the original caller around: which peer
// partition the mutation targets and which term it was prepared under.
// The mutation's payload itself isn't duplicated here — it's already at
// edge(K), which resume reads separately.
func EncodeMarkerValue(peerSpaceID, peerPartitionID, termID uint64) []byte {
	buf := make([]byte, 0, 24)
	buf = appendUint64(buf, peerSpaceID)
	buf = appendUint64(buf, peerPartitionID)
	buf = appendUint64(buf, termID)
	return buf
}

// DecodeMarkerValue is the inverse of EncodeMarkerValue.
func DecodeMarkerValue(b []byte) (peerSpaceID, peerPartitionID, termID uint64, err error) {
	if len(b) != 24 {
		return 0, 0, 0, fmt.Errorf("prime: marker value has %d bytes, want 24", len(b))
	}
	peerSpaceID = binary.BigEndian.Uint64(b[0:8])
	peerPartitionID = binary.BigEndian.Uint64(b[8:16])
	termID = binary.BigEndian.Uint64(b[16:24])
	return peerSpaceID, peerPartitionID, termID, nil
}

// ScanPrimes enumerates every prime and double-prime marker for the given
// partition, calling fn for each (primes first, then double-primes, both in
// key order). The scan itself is not term-scoped: a marker's presence alone
// is what resume acts on, and each marker's own Value already carries the
// term it was prepared under (see EncodeMarkerValue).
func ScanPrimes(store kvstore.Store, spaceID, partitionID uint64, fn func(Marker) bool) error {
	prefix := partitionPrefix(spaceID, partitionID)

	primeScanPrefix := append([]byte(primePrefix), prefix...)
	stop := false
	if err := store.ScanPrefix(primeScanPrefix, func(key, value []byte) bool {
		ok := fn(Marker{Kind: KindPrime, EdgeKey: bytes.TrimPrefix(key, primeScanPrefix), Value: value})
		if !ok {
			stop = true
		}
		return ok
	}); err != nil {
		return err
	}
	if stop {
		return nil
	}

	doubleScanPrefix := append([]byte(doublePrimePrefix), prefix...)
	return store.ScanPrefix(doubleScanPrefix, func(key, value []byte) bool {
		return fn(Marker{Kind: KindDoublePrime, EdgeKey: bytes.TrimPrefix(key, doubleScanPrefix), Value: value})
	})
}
