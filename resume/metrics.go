// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package resume

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type scannerMetrics struct {
	sweeps           prometheus.Counter
	markersVisited   *prometheus.CounterVec
	resolved         *prometheus.CounterVec
	leftForNextSweep *prometheus.CounterVec
	skippedLocked    prometheus.Counter
}

func newScannerMetrics(reg prometheus.Registerer) *scannerMetrics {
	return &scannerMetrics{
		sweeps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "resume_sweeps_total",
			Help: "resume_sweeps_total counts completed resume sweeps, successful or not.",
		}),
		markersVisited: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resume_markers_visited_total",
				Help: "resume_markers_visited_total counts markers a sweep looked at, labeled by kind.",
			},
			[]string{"kind"},
		),
		resolved: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resume_markers_resolved_total",
				Help: "resume_markers_resolved_total counts markers driven to a terminal state, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		leftForNextSweep: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resume_markers_left_total",
				Help: "resume_markers_left_total counts markers left in place for the next sweep, labeled by kind.",
			},
			[]string{"kind"},
		),
		skippedLocked: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "resume_markers_skipped_locked_total",
			Help: "resume_markers_skipped_locked_total counts markers skipped because a live mutation already held the key.",
		}),
	}
}
