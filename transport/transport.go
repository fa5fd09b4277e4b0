// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package transport implements component A6, the transport contract: the
// RPC boundary the chain coordinator (package chain) crosses when it drives
// a mutation's remote half. Transport itself is out of scope (spec.md §1
// Non-goals) — this package stands in for it with an interface plus an
// in-process reference implementation (transport/loopback), so the rest of
// the tree has something concrete to call and test against.
package transport

import "context"

// ResponseCode mirrors the outcomes spec.md §4.C6 lists for processRemote.
type ResponseCode int

const (
	// Succeeded means the peer applied the mutation.
	Succeeded ResponseCode = iota
	// OutdatedTerm means the peer's term registry is ahead of the term
	// this request carried; treated as a terminal rejection.
	OutdatedTerm
	// LeaderChanged means the peer is no longer the leader for its
	// partition; Hint names who the caller should retry against.
	LeaderChanged
	// Conflict means the peer's per-key lock is already held by another
	// in-flight mutation on the same edge key.
	Conflict
	// InvalidPayload means the peer rejected the request's shape before
	// attempting to apply it.
	InvalidPayload
)

func (c ResponseCode) String() string {
	switch c {
	case Succeeded:
		return "Succeeded"
	case OutdatedTerm:
		return "OutdatedTerm"
	case LeaderChanged:
		return "LeaderChanged"
	case Conflict:
		return "Conflict"
	case InvalidPayload:
		return "InvalidPayload"
	default:
		return "Unknown"
	}
}

// ChainRequest is what prepareLocal hands to processRemote: the peer
// partition's target plus the mutation payload, stamped with the term it
// was prepared under.
type ChainRequest struct {
	SpaceID     uint64
	PartitionID uint64
	TermID      uint64
	EdgeKey     []byte // prime.EdgeKey.Encode() output
	Payload     []byte
}

// ChainResponse is the peer's verdict.
type ChainResponse struct {
	Code ResponseCode
	Hint string // leader address/ID, set only when Code == LeaderChanged
}

// ChainClient is the boundary chain.Coordinator calls to drive the remote
// half of a mutation. A real implementation would serialize ChainRequest
// over gRPC, Thrift, or any other RPC layer (see codec.go for the shape
// that would take); this tree only ships the in-process loopback
// implementation used by tests and cmd/walbench.
type ChainClient interface {
	// Send delivers req to the leader of (req.SpaceID, req.PartitionID)
	// and returns its verdict, or an error if the RPC itself could not be
	// completed (the chain coordinator treats that as transport-level
	// RpcFailure, distinct from any ChainResponse.Code).
	Send(ctx context.Context, req ChainRequest) (ChainResponse, error)
}

// Handler is what sits behind a ChainClient on the receiving side: a
// partition leader's entry point for a peer's processRemote call. A
// chain.Coordinator implements this directly; transport/loopback dispatches
// Send calls to whichever Handler is registered for the request's
// (SpaceID, PartitionID).
type Handler interface {
	HandleRemote(ctx context.Context, req ChainRequest) (ChainResponse, error)
}
