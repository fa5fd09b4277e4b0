// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package wal

import "time"

// DefaultFileSize is used when Policy.FileSize is left zero.
const DefaultFileSize = 64 * 1024 * 1024

// DefaultBufferSize is used when Policy.BufferSize is left zero.
const DefaultBufferSize = 8 * 1024 * 1024

// DefaultMaxBuffers is used when Policy.MaxBuffers is left zero.
const DefaultMaxBuffers = 2

// DefaultTTL matches the --wal_ttl CLI default from spec.md §6 (14400s).
const DefaultTTL = 14400 * time.Second

// ClusterFilter decides whether a record whose clusterId is clusterID may
// be appended. It is consulted by appendLog before anything is written.
type ClusterFilter func(clusterID uint64) bool

// AcceptAllClusters is the default ClusterFilter: single-cluster
// deployments accept every clusterId.
func AcceptAllClusters(uint64) bool { return true }

// Policy is the explicit configuration passed to Open; per spec.md §9
// Design Notes, the core takes no module-level state, so every knob lives
// here instead of behind package-level flags.
type Policy struct {
	// FileSize bounds a single segment file. Exceeding it on append rolls to
	// a new segment.
	FileSize int64
	// BufferSize bounds a single in-memory ring buffer.
	BufferSize int
	// MaxBuffers bounds how many ring buffers (sealed-but-not-evicted plus
	// the open one) may exist before appenders block.
	MaxBuffers int
	// TTL is the retention horizon consulted by CleanWAL's no-argument,
	// time-based variant (component C9).
	TTL time.Duration
	// ClusterFilter rejects records from clusters this WAL should not
	// accept, per spec.md §3's multi-cluster replication filter.
	ClusterFilter ClusterFilter
}

func (p *Policy) applyDefaults() {
	if p.FileSize <= 0 {
		p.FileSize = DefaultFileSize
	}
	if p.BufferSize <= 0 {
		p.BufferSize = DefaultBufferSize
	}
	if p.MaxBuffers <= 0 {
		p.MaxBuffers = DefaultMaxBuffers
	}
	if p.TTL <= 0 {
		p.TTL = DefaultTTL
	}
	if p.ClusterFilter == nil {
		p.ClusterFilter = AcceptAllClusters
	}
}
