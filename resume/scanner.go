// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package resume implements component C7, the resume scanner: it finds
// prime and double-prime markers abandoned by a crash or leader change and
// drives each to a terminal state by replaying processRemote, reusing the
// chain coordinator's per-edge-key lock so it never races a live mutation.
package resume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphwal/corewal/chain"
	"github.com/graphwal/corewal/kvstore"
	"github.com/graphwal/corewal/prime"
	"github.com/graphwal/corewal/transport"
)

// Scanner sweeps one partition's prime/double-prime markers, either on a
// periodic timer or on demand (e.g. at leader-acquisition time, via
// RunOnce).
type Scanner struct {
	store       kvstore.Store
	coord       *chain.Coordinator
	spaceID     uint64
	partitionID uint64
	interval    time.Duration
	logger      log.Logger
	metrics     *scannerMetrics

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Scanner for (spaceID, partitionID). store must be the same
// kvstore.Store coord writes to. interval is the sweep period for Start;
// it's unused by RunOnce.
func New(store kvstore.Store, coord *chain.Coordinator, spaceID, partitionID uint64, interval time.Duration, logger log.Logger, reg prometheus.Registerer) (*Scanner, error) {
	if coord == nil {
		return nil, ErrNoCoordinator
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Scanner{
		store:       store,
		coord:       coord,
		spaceID:     spaceID,
		partitionID: partitionID,
		interval:    interval,
		logger:      logger,
		metrics:     newScannerMetrics(reg),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start runs sweeps on Scanner's configured interval until Stop is called.
func (s *Scanner) Start() {
	go s.run()
}

// Stop halts the periodic sweep and waits for any in-flight sweep to
// finish. Stop must be called at most once.
func (s *Scanner) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scanner) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.RunOnce(context.Background()); err != nil {
				level.Error(s.logger).Log("msg", "resume sweep failed", "err", err)
			}
		}
	}
}

// RunOnce performs a single sweep: every prime(K) and doublePrime(K)
// marker for the scanner's partition is visited exactly once and driven
// forward if possible. A crash mid-sweep is equivalent to one fewer
// iteration — RunOnce never invents data, it only advances markers that
// exist (spec.md §4.C7).
func (s *Scanner) RunOnce(ctx context.Context) error {
	s.metrics.sweeps.Inc()
	var firstErr error
	err := prime.ScanPrimes(s.store, s.spaceID, s.partitionID, func(m prime.Marker) bool {
		var err error
		switch m.Kind {
		case prime.KindPrime:
			s.metrics.markersVisited.WithLabelValues("prime").Inc()
			err = s.resumePrime(ctx, m)
		case prime.KindDoublePrime:
			s.metrics.markersVisited.WithLabelValues("double_prime").Inc()
			err = s.resumeDoublePrime(ctx, m)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	if err != nil {
		return err
	}
	return firstErr
}

// resumePrime re-derives the mutation from edge(K) and replays
// processRemote. On Succeeded the prime is erased; on a terminal
// rejection (OutdatedTerm, Conflict, InvalidPayload) the local effect is
// rolled back, since the peer will refuse the same request again no
// matter how many times resume replays it; when ProcessRemote returns an
// error (RpcFailure or LeaderUnreachable) it's left for the next sweep;
// any other response code downgrades it to a double-prime.
func (s *Scanner) resumePrime(ctx context.Context, m prime.Marker) error {
	if !s.coord.TryLock(m.EdgeKey) {
		s.metrics.skippedLocked.Inc()
		return nil
	}
	defer s.coord.Unlock(m.EdgeKey)

	primeKey := prime.KeyFromEncoded(s.spaceID, s.partitionID, m.EdgeKey)

	peerSpaceID, peerPartitionID, termID, err := prime.DecodeMarkerValue(m.Value)
	if err != nil {
		return fmt.Errorf("resume: prime marker: %w", err)
	}

	effectKey := prime.EdgeStoreKeyFromEncoded(s.spaceID, s.partitionID, m.EdgeKey)
	payload, err := s.store.Get(effectKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			// Nothing to replay against: the prime outlived its edge
			// effect, so there's no request left to resume.
			s.metrics.resolved.WithLabelValues("prime_orphaned").Inc()
			return s.store.Delete(primeKey)
		}
		return err
	}

	code, err := s.coord.ProcessRemote(ctx, m.EdgeKey, peerSpaceID, peerPartitionID, termID, payload)
	if err != nil {
		s.metrics.leftForNextSweep.WithLabelValues("prime").Inc()
		return nil
	}

	switch code {
	case transport.Succeeded:
		s.metrics.resolved.WithLabelValues("prime_committed").Inc()
		return s.store.Delete(primeKey)

	case transport.OutdatedTerm, transport.Conflict, transport.InvalidPayload:
		// Terminal rejection: the peer will refuse this same request on
		// every future sweep too, so roll back rather than double-prime.
		s.metrics.resolved.WithLabelValues("prime_rolled_back").Inc()
		return s.store.Batch([]kvstore.Op{
			kvstore.DeleteOp(primeKey),
			kvstore.DeleteOp(effectKey),
		})

	default:
		s.metrics.resolved.WithLabelValues("prime_double_primed").Inc()
		doubleKey := prime.DoubleKeyFromEncoded(s.spaceID, s.partitionID, m.EdgeKey)
		return s.store.Batch([]kvstore.Op{
			kvstore.DeleteOp(primeKey),
			kvstore.PutOp(doubleKey, m.Value),
		})
	}
}

// resumeDoublePrime retries processRemote for a mutation already applied
// locally but left undecided by the peer. On Succeeded the
// double-prime is erased; on a terminal rejection the local effect is
// rolled back; on an undecided outcome (RpcFailure, LeaderUnreachable)
// it's left in place for the next sweep.
func (s *Scanner) resumeDoublePrime(ctx context.Context, m prime.Marker) error {
	if !s.coord.TryLock(m.EdgeKey) {
		s.metrics.skippedLocked.Inc()
		return nil
	}
	defer s.coord.Unlock(m.EdgeKey)

	doubleKey := prime.DoubleKeyFromEncoded(s.spaceID, s.partitionID, m.EdgeKey)

	peerSpaceID, peerPartitionID, termID, err := prime.DecodeMarkerValue(m.Value)
	if err != nil {
		return fmt.Errorf("resume: double-prime marker: %w", err)
	}

	effectKey := prime.EdgeStoreKeyFromEncoded(s.spaceID, s.partitionID, m.EdgeKey)
	payload, err := s.store.Get(effectKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			s.metrics.resolved.WithLabelValues("double_prime_orphaned").Inc()
			return s.store.Delete(doubleKey)
		}
		return err
	}

	code, err := s.coord.ProcessRemote(ctx, m.EdgeKey, peerSpaceID, peerPartitionID, termID, payload)
	if err != nil {
		s.metrics.leftForNextSweep.WithLabelValues("double_prime").Inc()
		return nil
	}

	switch code {
	case transport.Succeeded:
		s.metrics.resolved.WithLabelValues("double_prime_committed").Inc()
		return s.store.Delete(doubleKey)

	case transport.OutdatedTerm, transport.Conflict, transport.InvalidPayload:
		// Terminal rejection: stop retrying a request the peer will
		// never accept and roll back the local effect instead.
		s.metrics.resolved.WithLabelValues("double_prime_rolled_back").Inc()
		return s.store.Batch([]kvstore.Op{
			kvstore.DeleteOp(doubleKey),
			kvstore.DeleteOp(effectKey),
		})

	default:
		s.metrics.leftForNextSweep.WithLabelValues("double_prime").Inc()
		return nil
	}
}
