// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type walMetrics struct {
	bytesWritten          prometheus.Counter
	entriesWritten        prometheus.Counter
	appends               prometheus.Counter
	entryBytesRead        prometheus.Counter
	entriesRead           prometheus.Counter
	segmentRotations      prometheus.Counter
	entriesTruncated      *prometheus.CounterVec
	rejectedAppends       *prometheus.CounterVec
	lastSegmentAgeSeconds prometheus.Gauge
	bufferedRecords       prometheus.Gauge
}

func newWALMetrics(reg prometheus.Registerer) *walMetrics {
	return &walMetrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_entry_bytes_written",
			Help: "wal_entry_bytes_written counts the payload bytes of appended log entries." +
				" Actual bytes written to disk are higher since this excludes" +
				" the fixed fields, length brackets and checksum.",
		}),
		entriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_entries_written",
			Help: "wal_entries_written counts the number of log records appended.",
		}),
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_appends",
			Help: "wal_appends counts the number of calls to appendLog, successful or not.",
		}),
		entryBytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_entry_bytes_read",
			Help: "wal_entry_bytes_read counts the payload bytes of records returned by" +
				" getLog. Iterator reads are not counted.",
		}),
		entriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_entries_read",
			Help: "wal_entries_read counts getLog calls that reach a segment or the ring." +
				" Iterator reads are not counted.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_segment_rotations",
			Help: "wal_segment_rotations counts how many times we moved to a new segment file.",
		}),
		entriesTruncated: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wal_entries_truncated",
				Help: "wal_entries_truncated counts log entries removed from the front or" +
					" back of the WAL, labeled by direction.",
			},
			[]string{"direction"},
		),
		rejectedAppends: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wal_rejected_appends",
				Help: "wal_rejected_appends counts appendLog calls rejected, labeled by reason.",
			},
			[]string{"reason"},
		),
		lastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "wal_last_segment_age_seconds",
			Help: "wal_last_segment_age_seconds is set each time we rotate a segment and" +
				" reports how many seconds that segment was open for writes.",
		}),
		bufferedRecords: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "wal_buffered_records",
			Help: "wal_buffered_records is the number of buffers currently held by the" +
				" in-memory ring, not yet evicted.",
		}),
	}
}
