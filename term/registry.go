// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package term implements component C8, the term registry: a monotonically
// increasing per-(space, partition) election epoch that the chain
// coordinator (package chain) snapshots at the start of every mutation and
// carries through to its peer, and against which a peer refuses any
// request carrying a stale term.
package term

import (
	"context"
	"errors"
)

// ErrStaleTerm is returned by BumpTerm when newTerm does not strictly
// advance the registry's current term for that partition.
var ErrStaleTerm = errors.New("term: bump is not strictly greater than current term")

// Entry is a single partition's bookkeeping row.
type Entry struct {
	SpaceID     uint64
	PartitionID uint64
	TermID      uint64
}

// Registry is the term/election collaborator contract. Bumping a term is
// driven externally (by whatever elects leaders for a partition); the
// coordinator only ever reads CurrentTerm and compares it against the term
// it was handed.
type Registry interface {
	// CurrentTerm returns the term currently in force for (spaceID,
	// partitionID), or 0 if the partition has never had a term recorded.
	CurrentTerm(ctx context.Context, spaceID, partitionID uint64) (uint64, error)
	// BumpTerm advances the term for (spaceID, partitionID) to newTerm,
	// failing with ErrStaleTerm if newTerm is not strictly greater than the
	// current one.
	BumpTerm(ctx context.Context, spaceID, partitionID, newTerm uint64) error
}

