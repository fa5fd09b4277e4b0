// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package loopback is the in-process reference implementation of
// transport.ChainClient: a routing table from (spaceID, partitionID) to a
// registered transport.Handler, used by tests and cmd/walbench in place of
// a real RPC layer.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/graphwal/corewal/transport"
)

type partitionKey struct {
	spaceID     uint64
	partitionID uint64
}

// Router is a transport.ChainClient that dispatches directly to whichever
// transport.Handler is registered for a request's partition, skipping the
// network entirely. Two coordinators wired to the same Router (one
// registered per partition) can drive a full two-hop chain mutation
// in-process.
type Router struct {
	mu       sync.RWMutex
	handlers map[partitionKey]transport.Handler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[partitionKey]transport.Handler)}
}

// Register installs h as the leader handler for (spaceID, partitionID),
// replacing any handler already registered there (as happens on a
// leadership change in the real system).
func (r *Router) Register(spaceID, partitionID uint64, h transport.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[partitionKey{spaceID, partitionID}] = h
}

// Deregister removes whatever handler is registered for (spaceID,
// partitionID), if any.
func (r *Router) Deregister(spaceID, partitionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, partitionKey{spaceID, partitionID})
}

// Send implements transport.ChainClient by looking up the registered
// handler for req's partition and invoking it synchronously. An unknown
// partition surfaces as an error, which the caller's coordinator treats the
// same way it would treat any other RPC-layer failure.
func (r *Router) Send(ctx context.Context, req transport.ChainRequest) (transport.ChainResponse, error) {
	r.mu.RLock()
	h, ok := r.handlers[partitionKey{req.SpaceID, req.PartitionID}]
	r.mu.RUnlock()
	if !ok {
		return transport.ChainResponse{}, fmt.Errorf("loopback: no handler registered for space %d partition %d", req.SpaceID, req.PartitionID)
	}
	return h.HandleRemote(ctx, req)
}
