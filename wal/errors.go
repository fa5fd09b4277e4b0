// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package wal

import "errors"

var (
	// ErrClosed is returned by Iterator, GetLog, RollbackToLog,
	// CleanWALBefore, CleanWAL and LinkCurrentWAL on a WAL that has already
	// been closed. AppendLog reports a closed WAL by returning false.
	ErrClosed = errors.New("wal is closed")

	// ErrOutOfRange is returned by RollbackToLog when the given logId is past
	// lastLogId, and by Iterator and GetLog when the requested IDs fall
	// outside what the WAL can serve. The clean functions do not return it.
	ErrOutOfRange = errors.New("log id out of range")

	// ErrRejected names a rejected append (stale term or a clusterId refused
	// by the configured ClusterFilter). AppendLog does not return it: it
	// reports a rejection by returning false.
	ErrRejected = errors.New("append rejected")

	// ErrSnapshotDirNotEmpty is returned by linkCurrentWAL when the target
	// directory already contains files, since hard-linking into it could
	// silently mix segments from two different snapshots.
	ErrSnapshotDirNotEmpty = errors.New("snapshot directory is not empty")
)
