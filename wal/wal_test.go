// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphwal/corewal/segment"
)

func openTestWAL(t *testing.T, dir string, policy Policy) *WAL {
	t.Helper()
	w, err := Open(dir, policy, nil, nil)
	require.NoError(t, err)
	return w
}

func drainIterator(t *testing.T, it *Iterator) []uint64 {
	t.Helper()
	defer it.Close()
	var ids []uint64
	for it.Next() {
		ids = append(ids, it.Record().LogID)
	}
	require.NoError(t, it.Err())
	return ids
}

func TestAppendLogsAndGetLog(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Policy{})
	defer w.Close()

	for i := uint64(1); i <= 50; i++ {
		require.True(t, w.AppendLog(i, 1, 0, []byte("payload")))
	}
	require.Equal(t, uint64(1), w.FirstLogID())
	require.Equal(t, uint64(50), w.LastLogID())

	rec, err := w.GetLog(25)
	require.NoError(t, err)
	require.Equal(t, uint64(25), rec.LogID)
	require.Equal(t, "payload", string(rec.Payload))
}

func TestAppendRejectsOutOfSequenceStaleTermAndBadCluster(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Policy{ClusterFilter: func(c uint64) bool { return c == 7 }})
	defer w.Close()

	require.False(t, w.AppendLog(2, 1, 7, []byte("x")), "first logId must be 1")
	require.True(t, w.AppendLog(1, 5, 7, []byte("x")))
	require.False(t, w.AppendLog(2, 4, 7, []byte("x")), "term older than currentTerm must be rejected")
	require.False(t, w.AppendLog(2, 5, 99, []byte("x")), "clusterId rejected by filter")
	require.Equal(t, uint64(1), w.LastLogID())
}

func TestIteratorAcrossSegmentsAndRing(t *testing.T) {
	dir := t.TempDir()
	// Small file and buffer sizes force several segment rotations and ring
	// rolls over the course of 500 records.
	w := openTestWAL(t, dir, Policy{FileSize: 2048, BufferSize: 256, MaxBuffers: 2})
	defer w.Close()

	const n = 500
	for i := uint64(1); i <= n; i++ {
		require.True(t, w.AppendLog(i, 1, 0, []byte("0123456789")))
	}

	it, err := w.Iterator(1, n)
	require.NoError(t, err)
	ids := drainIterator(t, it)
	require.Len(t, ids, n)
	for i, id := range ids {
		require.Equal(t, uint64(i+1), id)
	}

	it2, err := w.Iterator(200, 210)
	require.NoError(t, err)
	ids2 := drainIterator(t, it2)
	require.Equal(t, []uint64{200, 201, 202, 203, 204, 205, 206, 207, 208, 209, 210}, ids2)
}

func TestRollbackToLogThenResume(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Policy{FileSize: 1024})
	defer w.Close()

	for i := uint64(1); i <= 20; i++ {
		require.True(t, w.AppendLog(i, 1, 0, []byte("x")))
	}
	require.NoError(t, w.RollbackToLog(12))
	require.Equal(t, uint64(12), w.LastLogID())

	_, err := w.GetLog(13)
	require.Error(t, err)

	require.True(t, w.AppendLog(13, 1, 0, []byte("resumed")))
	rec, err := w.GetLog(13)
	require.NoError(t, err)
	require.Equal(t, "resumed", string(rec.Payload))
}

func TestRollbackToZero(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Policy{})
	defer w.Close()

	for i := uint64(1); i <= 5; i++ {
		require.True(t, w.AppendLog(i, 1, 0, []byte("x")))
	}
	require.NoError(t, w.RollbackToLog(0))
	require.True(t, w.IsEmpty())
	require.True(t, w.AppendLog(1, 1, 0, []byte("fresh start")))
	require.Equal(t, uint64(1), w.LastLogID())
}

func TestReopenRecoversAndRepairsTornTail(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Policy{})
	for i := uint64(1); i <= 10; i++ {
		require.True(t, w.AppendLog(i, 1, 0, []byte("hello")))
	}
	require.NoError(t, w.Close())

	path := filepath.Join(dir, segment.FileName(1))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	reopened := openTestWAL(t, dir, Policy{})
	defer reopened.Close()
	require.Equal(t, uint64(9), reopened.LastLogID())

	require.True(t, reopened.AppendLog(10, 1, 0, []byte("replayed")))
	rec, err := reopened.GetLog(10)
	require.NoError(t, err)
	require.Equal(t, "replayed", string(rec.Payload))
}

func TestCleanWALPrefixTrim(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Policy{FileSize: 256})
	defer w.Close()

	for i := uint64(1); i <= 100; i++ {
		require.True(t, w.AppendLog(i, 1, 0, []byte("0123456789")))
	}
	before, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(before), 1, "test needs multiple segments to be meaningful")

	require.NoError(t, w.CleanWALBefore(80))
	require.LessOrEqual(t, w.FirstLogID(), uint64(80))

	after, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Less(t, len(after), len(before))

	rec, err := w.GetLog(100)
	require.NoError(t, err)
	require.Equal(t, uint64(100), rec.LogID)
}

func TestCleanWALKeepsNewestExpiredAsGuard(t *testing.T) {
	dir := t.TempDir()
	ttl := 30 * time.Millisecond
	w := openTestWAL(t, dir, Policy{FileSize: 256, TTL: ttl})
	defer w.Close()

	for i := uint64(1); i <= 50; i++ {
		require.True(t, w.AppendLog(i, 1, 0, []byte("0123456789")))
	}
	before, err := os.ReadDir(dir)
	require.NoError(t, err)

	time.Sleep(ttl + 20*time.Millisecond)
	for i := uint64(51); i <= 60; i++ {
		require.True(t, w.AppendLog(i, 1, 0, []byte("0123456789")))
	}

	require.NoError(t, w.CleanWAL())
	after, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Less(t, len(after), len(before), "some expired segments should have been removed")
	require.GreaterOrEqual(t, len(after), 2, "the newest expired segment and the fresh tail must survive")

	rec, err := w.GetLog(60)
	require.NoError(t, err)
	require.Equal(t, uint64(60), rec.LogID)
}

func TestLinkCurrentWAL(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir, Policy{})
	defer w.Close()

	for i := uint64(1); i <= 5; i++ {
		require.True(t, w.AppendLog(i, 1, 0, []byte("x")))
	}

	snapDir := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, w.LinkCurrentWAL(snapDir))

	linked := openTestWAL(t, snapDir, Policy{})
	defer linked.Close()
	require.Equal(t, uint64(5), linked.LastLogID())

	require.ErrorIs(t, w.LinkCurrentWAL(snapDir), ErrSnapshotDirNotEmpty)
}
