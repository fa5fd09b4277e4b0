// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package chain implements component C6, the chain mutation coordinator:
// the leader-side state machine that drives every cross-partition edge
// mutation through prepareLocal, processRemote, and processLocal, using
// the WAL (package wal) for durability and the prime marker store
// (package prime) for fencing.
package chain

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphwal/corewal/kvstore"
	"github.com/graphwal/corewal/prime"
	"github.com/graphwal/corewal/term"
	"github.com/graphwal/corewal/transport"
	"github.com/graphwal/corewal/wal"
)

// Mutation is a single cross-partition edge insert/update/delete request,
// the unit of work prepareLocal/processRemote/processLocal operate on.
type Mutation struct {
	SpaceID     uint64
	PartitionID uint64
	// PeerSpaceID/PeerPartitionID identify the other half of the edge,
	// whose leader processRemote must reach.
	PeerSpaceID     uint64
	PeerPartitionID uint64
	TermID          uint64
	EdgeKey         prime.EdgeKey
	Payload         []byte
}

// Coordinator is the leader-side state machine for one partition. A
// deployment runs one Coordinator per partition it leads, wired to a
// shared term.Registry and transport.ChainClient.
type Coordinator struct {
	kv      kvstore.Store
	wal     *wal.WAL
	terms   term.Registry
	client  transport.ChainClient
	policy  Policy
	logger  log.Logger
	metrics *coordinatorMetrics
	locks   *lockTable
}

// New builds a Coordinator. reg may be nil, in which case metrics are
// constructed but never registered (see promauto.With's documented nil
// behavior).
func New(kv kvstore.Store, w *wal.WAL, terms term.Registry, client transport.ChainClient, policy Policy, logger log.Logger, reg prometheus.Registerer) *Coordinator {
	policy.applyDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Coordinator{
		kv:      kv,
		wal:     w,
		terms:   terms,
		client:  client,
		policy:  policy,
		logger:  logger,
		metrics: newCoordinatorMetrics(reg),
		locks:   newLockTable(),
	}
}

// Apply drives m through the full prepareLocal -> processRemote ->
// processLocal pipeline and returns once the mutation has reached a
// terminal state (committed, rolled back, or left for the resume scanner).
func (c *Coordinator) Apply(ctx context.Context, m Mutation) error {
	edgeKey := m.EdgeKey.Encode()
	if err := c.prepareLocal(ctx, m, edgeKey); err != nil {
		return err
	}

	code, err := c.processRemote(ctx, m, edgeKey)
	if err != nil {
		// Undecided outcome, whether a transport-level failure or an
		// exhausted LeaderChanged hint chain: double-prime and defer to
		// the resume scanner rather than guessing at the peer's state.
		level.Info(c.logger).Log("msg", "processRemote undecided, deferring to resume", "err", err)
		c.metrics.mutations.WithLabelValues("rpc_failure").Inc()
		return c.processLocal(ctx, m, edgeKey, transport.ResponseCode(-1))
	}
	return c.processLocal(ctx, m, edgeKey, code)
}

// prepareLocal atomically writes the mutation's effect and its prime
// marker into the local KV store, plus the corresponding WAL record.
func (c *Coordinator) prepareLocal(ctx context.Context, m Mutation, edgeKey []byte) error {
	current, err := c.terms.CurrentTerm(ctx, m.SpaceID, m.PartitionID)
	if err != nil {
		return fmt.Errorf("chain: read current term: %w", err)
	}
	if m.TermID < current {
		c.metrics.prepareRejects.WithLabelValues("outdated_term").Inc()
		return ErrOutdatedTerm
	}
	if len(m.Payload) == 0 {
		c.metrics.prepareRejects.WithLabelValues("invalid_payload").Inc()
		return ErrInvalidPayload
	}

	if !c.locks.tryLock(edgeKey) {
		c.metrics.lockWaitConflicts.Inc()
		c.metrics.prepareRejects.WithLabelValues("conflict").Inc()
		return ErrConflict
	}

	effectKey := prime.EdgeStoreKey(m.SpaceID, m.PartitionID, m.EdgeKey)
	primeKey := prime.Key(m.SpaceID, m.PartitionID, m.EdgeKey)
	markerValue := prime.EncodeMarkerValue(m.PeerSpaceID, m.PeerPartitionID, m.TermID)
	if err := c.kv.Batch([]kvstore.Op{
		kvstore.PutOp(effectKey, m.Payload),
		kvstore.PutOp(primeKey, markerValue),
	}); err != nil {
		c.locks.unlock(edgeKey)
		c.metrics.prepareRejects.WithLabelValues("storage_full").Inc()
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}

	logID := c.wal.LastLogID() + 1
	if ok := c.wal.AppendLog(logID, m.TermID, m.SpaceID, m.Payload); !ok {
		c.locks.unlock(edgeKey)
		c.metrics.prepareRejects.WithLabelValues("storage_full").Inc()
		return ErrStorageFull
	}

	return nil
}

// processRemote sends m to the peer partition's leader, retrying up to
// policy.MaxRetryTimesAdminOp times while the peer reports LeaderChanged.
func (c *Coordinator) processRemote(ctx context.Context, m Mutation, edgeKey []byte) (transport.ResponseCode, error) {
	req := transport.ChainRequest{
		SpaceID:     m.PeerSpaceID,
		PartitionID: m.PeerPartitionID,
		TermID:      m.TermID,
		EdgeKey:     edgeKey,
		Payload:     m.Payload,
	}

	for attempt := 0; attempt <= c.policy.MaxRetryTimesAdminOp; attempt++ {
		resp, err := c.client.Send(ctx, req)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRPCFailure, err)
		}
		c.metrics.remoteOutcomes.WithLabelValues(resp.Code.String()).Inc()
		if resp.Code != transport.LeaderChanged {
			return resp.Code, nil
		}
		if attempt == c.policy.MaxRetryTimesAdminOp {
			break
		}
		c.metrics.retries.Inc()
		level.Info(c.logger).Log("msg", "following leader hint", "hint", resp.Hint, "attempt", attempt)
	}
	return 0, ErrLeaderUnreachable
}

// processLocal reacts to the remote outcome by either committing the
// mutation (erasing the prime), rolling it back and returning the matching
// error (terminal rejection: OutdatedTerm, Conflict or InvalidPayload), or
// downgrading to a double-prime for the resume scanner to retry. A code of -1 (not a real transport.ResponseCode) stands for the
// RpcFailure/undecided branch.
func (c *Coordinator) processLocal(ctx context.Context, m Mutation, edgeKey []byte, code transport.ResponseCode) error {
	defer c.locks.unlock(edgeKey)

	primeKey := prime.Key(m.SpaceID, m.PartitionID, m.EdgeKey)
	effectKey := prime.EdgeStoreKey(m.SpaceID, m.PartitionID, m.EdgeKey)

	switch code {
	case transport.Succeeded:
		c.metrics.mutations.WithLabelValues("committed").Inc()
		return c.kv.Delete(primeKey)

	case transport.OutdatedTerm, transport.Conflict, transport.InvalidPayload:
		// Terminal remote rejections: the peer will refuse this exact
		// request again no matter how many times resume retries it, so
		// roll back the local effect rather than double-priming it.
		c.metrics.mutations.WithLabelValues("rolled_back").Inc()
		if err := c.kv.Batch([]kvstore.Op{
			kvstore.DeleteOp(primeKey),
			kvstore.DeleteOp(effectKey),
		}); err != nil {
			return err
		}
		switch code {
		case transport.OutdatedTerm:
			return ErrOutdatedTerm
		case transport.Conflict:
			return ErrConflict
		default:
			return ErrInvalidPayload
		}

	default:
		// RpcFailure, LeaderUnreachable, or our internal -1 undecided
		// marker: the peer's verdict is still unknown, so leave the
		// local effect in place and let the resume scanner drive it to
		// a terminal state.
		c.metrics.mutations.WithLabelValues("double_primed").Inc()
		doubleKey := prime.DoubleKey(m.SpaceID, m.PartitionID, m.EdgeKey)
		markerValue := prime.EncodeMarkerValue(m.PeerSpaceID, m.PeerPartitionID, m.TermID)
		return c.kv.Batch([]kvstore.Op{
			kvstore.DeleteOp(primeKey),
			kvstore.PutOp(doubleKey, markerValue),
		})
	}
}

// ProcessRemote exposes processRemote for the resume scanner (package
// resume), which already knows the routing and term metadata a marker
// carries and only needs to replay the RPC, not re-run prepareLocal.
func (c *Coordinator) ProcessRemote(ctx context.Context, edgeKey []byte, peerSpaceID, peerPartitionID, termID uint64, payload []byte) (transport.ResponseCode, error) {
	m := Mutation{PeerSpaceID: peerSpaceID, PeerPartitionID: peerPartitionID, TermID: termID, Payload: payload}
	return c.processRemote(ctx, m, edgeKey)
}

// TryLock and Unlock expose the coordinator's per-edge-key lock table so
// the resume scanner can serialize with Apply on the same key, per
// spec.md §4.C7's "sweep is reentrant-safe: it holds the same per-key lock
// as C6."
func (c *Coordinator) TryLock(edgeKey []byte) bool { return c.locks.tryLock(edgeKey) }
func (c *Coordinator) Unlock(edgeKey []byte)       { c.locks.unlock(edgeKey) }

// HandleRemote implements transport.Handler: it is the peer-side entry
// point processRemote calls into. Since this is the chain's terminal hop
// (spec.md §4.C6 calls this "its own C6 recursively," but a two-partition
// chain resolves here), HandleRemote applies the mutation's effect locally
// under the same term/lock/payload rules prepareLocal enforces and acks
// the outcome directly rather than fanning out again.
func (c *Coordinator) HandleRemote(ctx context.Context, req transport.ChainRequest) (transport.ChainResponse, error) {
	current, err := c.terms.CurrentTerm(ctx, req.SpaceID, req.PartitionID)
	if err != nil {
		return transport.ChainResponse{}, err
	}
	if req.TermID < current {
		return transport.ChainResponse{Code: transport.OutdatedTerm}, nil
	}
	if len(req.Payload) == 0 {
		return transport.ChainResponse{Code: transport.InvalidPayload}, nil
	}
	if !c.locks.tryLock(req.EdgeKey) {
		return transport.ChainResponse{Code: transport.Conflict}, nil
	}
	defer c.locks.unlock(req.EdgeKey)

	effectKey := prime.EdgeStoreKeyFromEncoded(req.SpaceID, req.PartitionID, req.EdgeKey)
	if err := c.kv.Put(effectKey, req.Payload); err != nil {
		return transport.ChainResponse{}, fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return transport.ChainResponse{Code: transport.Succeeded}, nil
}
