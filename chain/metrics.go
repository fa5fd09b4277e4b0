// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type coordinatorMetrics struct {
	mutations         *prometheus.CounterVec
	prepareRejects    *prometheus.CounterVec
	remoteOutcomes    *prometheus.CounterVec
	retries           prometheus.Counter
	lockWaitConflicts prometheus.Counter
}

func newCoordinatorMetrics(reg prometheus.Registerer) *coordinatorMetrics {
	return &coordinatorMetrics{
		mutations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_mutations_total",
				Help: "chain_mutations_total counts mutations by terminal outcome.",
			},
			[]string{"outcome"},
		),
		prepareRejects: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_prepare_rejects_total",
				Help: "chain_prepare_rejects_total counts prepareLocal rejections, labeled by reason.",
			},
			[]string{"reason"},
		),
		remoteOutcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_remote_outcomes_total",
				Help: "chain_remote_outcomes_total counts processRemote results, labeled by code.",
			},
			[]string{"code"},
		),
		retries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chain_leader_changed_retries_total",
			Help: "chain_leader_changed_retries_total counts hint-chain hops followed after LeaderChanged.",
		}),
		lockWaitConflicts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chain_lock_conflicts_total",
			Help: "chain_lock_conflicts_total counts prepareLocal calls that found the edge key already locked.",
		}),
	}
}
