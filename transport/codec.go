// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package transport

// This file documents, without implementing, how a real RPC transport
// would put ChainRequest/ChainResponse on the wire. Transport is out of
// scope (spec.md §1 Non-goals): the loopback client in transport/loopback
// passes these structs directly in-process, and that's the only wire this
// tree actually drives.
//
// A production transport would:
//
//   - Frame each ChainRequest the same way record.Record frames a WAL
//     entry: a length prefix, the encoded fields, and a trailing checksum,
//     so a partial read over a flaky connection is detectable the same way
//     a torn segment write is.
//   - Encode SpaceID/PartitionID/TermID as fixed-width big-endian uint64s
//     (matching prime.partitionPrefix's encoding) rather than a
//     self-describing format, since both ends already agree on the schema
//     and fixed width keeps framing arithmetic simple.
//   - Carry EdgeKey and Payload as length-prefixed byte strings, identical
//     to how prime.EdgeKey.Encode() already serializes them, so the same
//     bytes that key the local KV store key the wire request.
//   - Map ResponseCode to a single byte and Hint to a length-prefixed
//     string, then reuse whatever connection-level retry/backoff the RPC
//     library provides for the LeaderChanged hint-chain walk that
//     chain.Coordinator already performs at the application level.
