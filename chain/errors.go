// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package chain

import "errors"

var (
	// ErrOutdatedTerm is returned by prepareLocal when the mutation's
	// term is behind the term registry's current term for the
	// partition, and by processLocal when the peer reports the same.
	ErrOutdatedTerm = errors.New("chain: term is outdated")
	// ErrStorageFull is returned when the underlying KV batch write
	// fails for lack of space.
	ErrStorageFull = errors.New("chain: storage full")
	// ErrInvalidPayload is returned when a mutation's payload fails
	// basic shape validation.
	ErrInvalidPayload = errors.New("chain: invalid payload")
	// ErrConflict is returned by prepareLocal when another mutation
	// already holds the lock for the same edge key, and by processLocal
	// when the peer reports Conflict.
	ErrConflict = errors.New("chain: edge key is locked by another mutation")
	// ErrLeaderUnreachable is returned when processRemote has walked the
	// LeaderChanged hint chain MaxRetryTimesAdminOp times without
	// reaching a decisive outcome.
	ErrLeaderUnreachable = errors.New("chain: leader unreachable after max retries")
	// ErrRPCFailure marks processRemote as undecided: the transport
	// call itself errored rather than returning a ChainResponse.
	ErrRPCFailure = errors.New("chain: rpc failure")
)
