// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package term

import (
	"context"
	"sync"
)

// MemRegistry is an in-process Registry, used in tests and in the loopback
// transport where there's no separate election service to talk to.
type MemRegistry struct {
	mu    sync.Mutex
	terms map[[2]uint64]uint64
}

// NewMemRegistry returns an empty in-memory Registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{terms: make(map[[2]uint64]uint64)}
}

func (r *MemRegistry) CurrentTerm(_ context.Context, spaceID, partitionID uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terms[[2]uint64{spaceID, partitionID}], nil
}

func (r *MemRegistry) BumpTerm(_ context.Context, spaceID, partitionID, newTerm uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]uint64{spaceID, partitionID}
	if newTerm <= r.terms[key] {
		return ErrStaleTerm
	}
	r.terms[key] = newTerm
	return nil
}
