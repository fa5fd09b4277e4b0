// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package wal implements component C4, the WAL instance facade: it opens a
// directory of segment files (package segment) backed by an in-memory
// buffer ring (package ringbuf), recovers a consistent tail on startup,
// accepts new records in strict logId order, and serves both point lookups
// and range scans without blocking appenders for long. Rollback and prefix
// trim operate at whole-segment granularity. Rollback also physically
// truncates the segment that straddles the cut point; prefix trim keeps
// that segment whole.
package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphwal/corewal/record"
	"github.com/graphwal/corewal/ringbuf"
	"github.com/graphwal/corewal/segment"
)

// segmentMap is the copy-on-write index of every retained segment, keyed by
// FirstLogID. Readers take a single atomic load of the current map and walk
// it lock-free; writers under writeMu build the next map from the current
// one and publish it with one atomic store.
type segmentMap = immutable.SortedMap[uint64, *segment.Segment]

// WAL is a single write-ahead log instance, rooted at one directory.
type WAL struct {
	dir     string
	policy  Policy
	logger  log.Logger
	metrics *walMetrics

	ring   *ringbuf.Ring
	stopCh chan struct{}

	writeMu     sync.Mutex   // serializes appendLog, rollbackToLog, cleanWAL*, linkCurrentWAL
	segsVal     atomic.Value // holds *segmentMap, replaced wholesale under writeMu
	tailVal     atomic.Value // holds *segment.Segment, the append target; nil while no segment exists
	currentTerm atomic.Uint64
	firstLogID  atomic.Uint64
	lastLogID   atomic.Uint64
	closed      atomic.Bool
}

// Open recovers (or creates) a WAL rooted at dir. logger and reg may be nil,
// in which case logging is discarded and metrics are left unregistered.
func Open(dir string, policy Policy, logger log.Logger, reg prometheus.Registerer) (*WAL, error) {
	policy.applyDefaults()
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read wal dir: %w", err)
	}

	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := segment.ParseFileName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	segs := make([]*segment.Segment, 0, len(ids))
	closeAll := func() {
		for _, s := range segs {
			s.Close()
		}
	}
	for i, id := range ids {
		mode := segment.ReadOnly
		if i == len(ids)-1 {
			mode = segment.AppendTail
		}
		path := filepath.Join(dir, segment.FileName(id))
		s, err := segment.Open(path, mode)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open segment %s: %w", path, err)
		}
		segs = append(segs, s)
	}

	for i := 0; i < len(segs)-1; i++ {
		if segs[i].LastLogID()+1 != segs[i+1].FirstLogID() {
			closeAll()
			return nil, fmt.Errorf("%w: gap between segments %d and %d", record.ErrCorrupt,
				segs[i].FirstLogID(), segs[i+1].FirstLogID())
		}
	}

	// A torn tail that left the newest segment with zero records is dropped,
	// but only when an older segment remains to carry on from; a lone empty
	// segment is kept so a fresh WAL still knows where its next append must
	// land.
	if n := len(segs); n > 1 && segs[n-1].IsEmpty() {
		segs[n-1].Remove()
		segs = segs[:n-1]
	}

	w := &WAL{
		dir:     dir,
		policy:  policy,
		logger:  logger,
		metrics: newWALMetrics(reg),
		ring:    ringbuf.New(policy.BufferSize, policy.MaxBuffers),
		stopCh:  make(chan struct{}),
	}

	segMap := &segmentMap{}
	for _, s := range segs {
		segMap = segMap.Set(s.FirstLogID(), s)
	}
	w.storeSegments(segMap)
	if len(segs) > 0 {
		w.storeTail(segs[len(segs)-1])
		w.firstLogID.Store(segs[0].FirstLogID())
		w.lastLogID.Store(segs[len(segs)-1].LastLogID())
		var maxTerm uint64
		for _, s := range segs {
			if t := s.Info().Term; t > maxTerm {
				maxTerm = t
			}
		}
		w.currentTerm.Store(maxTerm)
	}

	go w.runEvictor()
	level.Info(logger).Log("msg", "wal opened", "dir", dir, "segments", len(segs), "lastLogId", w.lastLogID.Load())
	return w, nil
}

// runEvictor drains buffers the ring has sealed. Segment writes in this
// package happen synchronously inside AppendLog before a record ever
// reaches the ring, so the record is already durable by the time it's
// sealed here; eviction just reclaims the ring's memory.
func (w *WAL) runEvictor() {
	for {
		select {
		case b, ok := <-w.ring.Sealed():
			if !ok {
				return
			}
			w.ring.Evict(b)
		case <-w.stopCh:
			return
		}
	}
}

func (w *WAL) loadSegments() *segmentMap {
	v := w.segsVal.Load()
	if v == nil {
		return &segmentMap{}
	}
	return v.(*segmentMap)
}

func (w *WAL) storeSegments(segs *segmentMap) { w.segsVal.Store(segs) }

func (w *WAL) currentSegment() *segment.Segment {
	v := w.tailVal.Load()
	if v == nil {
		return nil
	}
	return v.(*segment.Segment)
}

func (w *WAL) storeTail(s *segment.Segment) { w.tailVal.Store(s) }

// FirstLogID returns the lowest logId still retained, or 0 if the WAL is
// empty.
func (w *WAL) FirstLogID() uint64 { return w.firstLogID.Load() }

// LastLogID returns the highest logId accepted so far, or 0 if the WAL is
// empty.
func (w *WAL) LastLogID() uint64 { return w.lastLogID.Load() }

// Term returns the highest term seen by any accepted append.
func (w *WAL) Term() uint64 { return w.currentTerm.Load() }

// IsEmpty reports whether the WAL holds no records at all.
func (w *WAL) IsEmpty() bool { return w.lastLogID.Load() == 0 }

// Dir returns the directory this WAL is rooted at.
func (w *WAL) Dir() string { return w.dir }

// AppendLog appends a single record under the given term and clusterId.
// It reports false without modifying anything if logId is not exactly
// LastLogID()+1, if term is older than the highest term already accepted,
// if the configured ClusterFilter rejects clusterID, or if the underlying
// segment write fails (including running out of disk space).
func (w *WAL) AppendLog(logID, term, clusterID uint64, payload []byte) bool {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.metrics.appends.Inc()

	if w.closed.Load() {
		return false
	}
	if !w.policy.ClusterFilter(clusterID) {
		w.metrics.rejectedAppends.WithLabelValues("cluster").Inc()
		return false
	}
	if term < w.currentTerm.Load() {
		w.metrics.rejectedAppends.WithLabelValues("term").Inc()
		return false
	}
	if want := w.lastLogID.Load() + 1; logID != want {
		w.metrics.rejectedAppends.WithLabelValues("sequence").Inc()
		return false
	}

	rec := record.Record{LogID: logID, Term: term, ClusterID: clusterID, Payload: payload}
	segs := w.loadSegments()
	cur := w.currentSegment()

	if cur == nil {
		seg, err := w.createSegment(logID, term)
		if err != nil {
			level.Error(w.logger).Log("msg", "failed to create segment", "err", err)
			w.metrics.rejectedAppends.WithLabelValues("io").Inc()
			return false
		}
		segs = segs.Set(seg.FirstLogID(), seg)
		cur = seg
	}

	if err := cur.Append(rec, w.policy.FileSize); err != nil {
		if !errors.Is(err, segment.ErrFull) {
			level.Error(w.logger).Log("msg", "segment append failed", "err", err)
			w.metrics.rejectedAppends.WithLabelValues("io").Inc()
			return false
		}
		w.metrics.lastSegmentAgeSeconds.Set(time.Since(cur.Info().CreatedAt).Seconds())
		seg, err := w.createSegment(logID, term)
		if err != nil {
			level.Error(w.logger).Log("msg", "failed to roll segment", "err", err)
			w.metrics.rejectedAppends.WithLabelValues("io").Inc()
			return false
		}
		if err := seg.Append(rec, w.policy.FileSize); err != nil {
			level.Error(w.logger).Log("msg", "append to fresh segment failed", "err", err)
			w.metrics.rejectedAppends.WithLabelValues("io").Inc()
			return false
		}
		segs = segs.Set(seg.FirstLogID(), seg)
		cur = seg
	}

	w.storeSegments(segs)
	w.storeTail(cur)
	if term > w.currentTerm.Load() {
		w.currentTerm.Store(term)
	}
	if w.firstLogID.Load() == 0 {
		w.firstLogID.Store(cur.FirstLogID())
	}
	w.lastLogID.Store(logID)

	w.metrics.entriesWritten.Inc()
	w.metrics.bytesWritten.Add(float64(len(payload)))

	w.ring.AppendRecord(rec)
	w.metrics.bufferedRecords.Set(float64(w.ring.Len()))
	return true
}

func (w *WAL) createSegment(firstID, term uint64) (*segment.Segment, error) {
	path := filepath.Join(w.dir, segment.FileName(firstID))
	seg, err := segment.Create(path, segment.Info{FirstLogID: firstID, Term: term, CreatedAt: time.Now()})
	if err != nil {
		return nil, err
	}
	w.metrics.segmentRotations.Inc()
	return seg, nil
}

// Iterator returns a lazy view of every record with logId in [fromID, toID].
// It reads sealed segments from disk first, then splices into whatever the
// ring still holds in memory; a long scan never blocks AppendLog beyond the
// brief moments it touches shared segment/ring state. The caller must Close
// the returned Iterator.
func (w *WAL) Iterator(fromID, toID uint64) (*Iterator, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	if fromID == 0 || fromID > toID {
		return nil, ErrOutOfRange
	}

	var sources []*segSource
	it := w.loadSegments().Iterator()
	for !it.Done() {
		_, s, _ := it.Next()
		if s.IsEmpty() || s.LastLogID() < fromID {
			continue
		}
		if s.FirstLogID() > toID {
			break
		}
		sources = append(sources, &segSource{iterate: s.Iterate})
	}
	return newIterator(fromID, toID, sources, w.ring), nil
}

// GetLog returns the single record with the given logId.
func (w *WAL) GetLog(logID uint64) (*record.Record, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	if logID == 0 || logID < w.firstLogID.Load() || logID > w.lastLogID.Load() {
		return nil, ErrOutOfRange
	}
	it := w.loadSegments().Iterator()
	for !it.Done() {
		_, s, _ := it.Next()
		if logID < s.FirstLogID() || (!s.IsEmpty() && logID > s.LastLogID()) {
			continue
		}
		w.metrics.entriesRead.Inc()
		rec, err := s.GetLog(logID)
		if err == nil {
			w.metrics.entryBytesRead.Add(float64(len(rec.Payload)))
		}
		return rec, err
	}
	return nil, segment.ErrNotFound
}

// RollbackToLog discards every record with logId > logID, both on disk and
// in the ring. logID of 0 empties the WAL entirely. It excludes AppendLog
// for its duration but never blocks readers already mid-iteration, since
// segment deletion only happens to segments an in-flight Iterator has
// already finished with or will simply find gone.
func (w *WAL) RollbackToLog(logID uint64) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed.Load() {
		return ErrClosed
	}
	if logID > w.lastLogID.Load() {
		return ErrOutOfRange
	}

	w.ring.DiscardFrom(logID + 1)

	segs := w.loadSegments()
	kept := &segmentMap{}
	var firstKept, lastKept *segment.Segment
	var truncatedCount float64

	it := segs.Iterator()
	for !it.Done() {
		_, s, _ := it.Next()
		switch {
		case s.FirstLogID() > logID:
			if !s.IsEmpty() {
				truncatedCount += float64(s.LastLogID() - s.FirstLogID() + 1)
			}
			if err := s.Remove(); err != nil {
				return fmt.Errorf("remove rolled-back segment: %w", err)
			}
		case logID < s.LastLogID():
			truncatedCount += float64(s.LastLogID() - logID)
			if err := s.TruncateAfter(logID); err != nil {
				return fmt.Errorf("truncate segment at logId %d: %w", logID, err)
			}
			kept = kept.Set(s.FirstLogID(), s)
			if firstKept == nil {
				firstKept = s
			}
			lastKept = s
		default:
			kept = kept.Set(s.FirstLogID(), s)
			if firstKept == nil {
				firstKept = s
			}
			lastKept = s
		}
	}

	w.storeSegments(kept)
	w.storeTail(lastKept)
	if firstKept != nil {
		w.firstLogID.Store(firstKept.FirstLogID())
	} else {
		w.firstLogID.Store(0)
	}
	w.lastLogID.Store(logID)
	w.metrics.entriesTruncated.WithLabelValues("back").Add(truncatedCount)
	return nil
}

// CleanWALBefore removes whole segments entirely older than keepFromID, the
// explicit-floor variant of component C9. It never removes the current
// (last) segment, and retains whichever segment actually contains
// keepFromID even though records before keepFromID within it are not
// physically trimmed.
func (w *WAL) CleanWALBefore(keepFromID uint64) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed.Load() {
		return ErrClosed
	}
	segs := w.loadSegments()
	n := segs.Len()
	if n == 0 {
		return nil
	}

	kept := &segmentMap{}
	var firstKept *segment.Segment
	var removedCount float64
	trimming := true
	i := 0
	it := segs.Iterator()
	for !it.Done() {
		_, s, _ := it.Next()
		if trimming && i < n-1 && s.LastLogID() < keepFromID {
			if !s.IsEmpty() {
				removedCount += float64(s.LastLogID() - s.FirstLogID() + 1)
			}
			if err := s.Remove(); err != nil {
				return fmt.Errorf("remove trimmed segment: %w", err)
			}
			i++
			continue
		}
		trimming = false
		kept = kept.Set(s.FirstLogID(), s)
		if firstKept == nil {
			firstKept = s
		}
		i++
	}

	w.storeSegments(kept)
	if firstKept != nil {
		w.firstLogID.Store(firstKept.FirstLogID())
	}
	w.metrics.entriesTruncated.WithLabelValues("front").Add(removedCount)
	return nil
}

// CleanWAL removes whole segments older than Policy.TTL, the time-based
// variant of component C9. Among the segments that qualify, the newest is
// kept as a guard so the WAL's firstLogId never jumps past a segment that
// might still be needed, matching the no-argument cleanWAL sweep's observed
// behavior.
func (w *WAL) CleanWAL() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed.Load() {
		return ErrClosed
	}
	segs := w.loadSegments()
	if segs.Len() == 0 {
		return nil
	}

	now := time.Now()
	expired := make(map[*segment.Segment]bool)
	var guard *segment.Segment
	it := segs.Iterator()
	for !it.Done() {
		_, s, _ := it.Next()
		if now.Sub(s.Info().CreatedAt) <= w.policy.TTL {
			continue
		}
		expired[s] = true
		if guard == nil || s.FirstLogID() > guard.FirstLogID() {
			guard = s
		}
	}
	if len(expired) == 0 {
		return nil
	}

	kept := &segmentMap{}
	var firstKept *segment.Segment
	var removedCount float64
	it = segs.Iterator()
	for !it.Done() {
		_, s, _ := it.Next()
		if expired[s] && s != guard {
			if !s.IsEmpty() {
				removedCount += float64(s.LastLogID() - s.FirstLogID() + 1)
			}
			if err := s.Remove(); err != nil {
				return fmt.Errorf("remove expired segment: %w", err)
			}
			continue
		}
		kept = kept.Set(s.FirstLogID(), s)
		if firstKept == nil {
			firstKept = s
		}
	}

	w.storeSegments(kept)
	if firstKept != nil {
		w.firstLogID.Store(firstKept.FirstLogID())
	}
	w.metrics.entriesTruncated.WithLabelValues("ttl").Add(removedCount)
	return nil
}

// LinkCurrentWAL hard-links every currently retained segment into
// snapshotDir, which must not already exist or must be empty. Because
// hard-linking only ever references whole, already-sealed (or the
// currently-growing-but-append-only) files, the resulting set is a
// consistent prefix of the WAL as of the moment writeMu was acquired.
func (w *WAL) LinkCurrentWAL(snapshotDir string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed.Load() {
		return ErrClosed
	}

	entries, err := os.ReadDir(snapshotDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("stat snapshot dir: %w", err)
		}
		if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	} else if len(entries) > 0 {
		return ErrSnapshotDirNotEmpty
	}

	it := w.loadSegments().Iterator()
	for !it.Done() {
		_, s, _ := it.Next()
		if err := s.HardLinkTo(snapshotDir); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the WAL's resources. It does not delete anything on disk.
func (w *WAL) Close() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed.Swap(true) {
		return nil
	}
	close(w.stopCh)

	var firstErr error
	it := w.loadSegments().Iterator()
	for !it.Done() {
		_, s, _ := it.Next()
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
