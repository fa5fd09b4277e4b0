// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package ringbuf implements the bounded in-memory staging area between
// appenders and the segment flusher (component C3): a bounded sequence of
// fixed-capacity buffers that absorb writes ahead of the flusher and serve
// recent reads without disk I/O.
//
// Writers and readers share a single mutex: readers copy the records they
// return while holding it, so a reader and an appender wait on each other.
package ringbuf

import (
	"sync"

	"github.com/graphwal/corewal/record"
)

// Buffer is a bounded, append-only run of records awaiting flush to disk.
type Buffer struct {
	FirstLogID uint64
	LastLogID  uint64 // valid only if len(Records) > 0; equals FirstLogID-1 when empty
	Records    []record.Record
	bytes      int
	sealed     bool
}

func newBuffer(firstLogID uint64) *Buffer {
	return &Buffer{FirstLogID: firstLogID, LastLogID: firstLogID - 1}
}

func (b *Buffer) append(r record.Record) {
	b.Records = append(b.Records, r)
	b.LastLogID = r.LogID
	b.bytes += record.EncodedLen(len(r.Payload))
}

// Ring is the bounded buffer ring. Zero value is not usable; use New.
type Ring struct {
	bufferSize int
	maxBuffers int

	mu      sync.Mutex
	notFull *sync.Cond
	// buffers holds every buffer not yet evicted, oldest first. The last
	// entry is always the current append target, unless it has been sealed
	// and a fresh one has not yet been created (which only happens
	// momentarily while Append is deciding whether it must block).
	buffers []*Buffer

	// sealedCh delivers buffers to the flusher in seal order. It is
	// 1-buffered, so sealing blocks the appender whenever the flusher has
	// not yet received the previous sealed buffer, even if the ring has
	// free slots.
	sealedCh chan *Buffer
}

// New creates a Ring with the given per-buffer byte capacity and maximum
// number of buffers held at once (sealed-but-not-yet-evicted plus the one
// open buffer). An empty Ring holds zero buffers, per spec.md §3.
func New(bufferSize, maxBuffers int) *Ring {
	r := &Ring{
		bufferSize: bufferSize,
		maxBuffers: maxBuffers,
		sealedCh:   make(chan *Buffer, 1),
	}
	r.notFull = sync.NewCond(&r.mu)
	return r
}

// Sealed returns a channel that receives a buffer each time one is sealed
// by AppendRecord. The WAL facade's evictor goroutine drains it and calls
// Evict to make room for more writers; the facade has already written each
// record to a segment when it appended it, so nothing is persisted here.
func (r *Ring) Sealed() <-chan *Buffer { return r.sealedCh }

// AppendRecord appends rec to the newest buffer, sealing and handing it to
// the flusher first if it would overflow bufferSize. If the ring is
// already at maxBuffers when a fresh buffer is needed, AppendRecord blocks
// until Evict frees a slot.
func (r *Ring) AppendRecord(rec record.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.currentLocked()
	if cur == nil || cur.sealed || (cur.bytes > 0 && cur.bytes+record.EncodedLen(len(rec.Payload)) > r.bufferSize) {
		cur = r.rollLocked(rec.LogID)
	}
	cur.append(rec)
}

// currentLocked returns the append target, or nil if the ring is empty.
func (r *Ring) currentLocked() *Buffer {
	if len(r.buffers) == 0 {
		return nil
	}
	return r.buffers[len(r.buffers)-1]
}

// rollLocked seals the current buffer (if any and not already sealed) and
// creates a fresh one starting at nextID, blocking first if the ring is
// full. Caller must hold r.mu.
func (r *Ring) rollLocked(nextID uint64) *Buffer {
	if cur := r.currentLocked(); cur != nil && !cur.sealed {
		r.sealLocked(cur)
	}
	for len(r.buffers) >= r.maxBuffers {
		r.notFull.Wait()
	}
	fresh := newBuffer(nextID)
	r.buffers = append(r.buffers, fresh)
	return fresh
}

// sealLocked marks b sealed and hands it to the flusher. The channel is
// 1-buffered like the teacher's triggerRotate/awaitRotate handoff; if the
// flusher hasn't drained the previous seal yet this blocks, so the lock is
// released first to avoid stalling unrelated readers and the flusher's own
// Evict call while we wait. Caller must hold r.mu on entry; it is held
// again on return.
func (r *Ring) sealLocked(b *Buffer) {
	b.sealed = true
	r.mu.Unlock()
	r.sealedCh <- b
	r.mu.Lock()
}

// Evict removes the oldest buffer once the flusher has durably persisted
// it, freeing a slot for rollLocked's blocked waiters.
func (r *Ring) Evict(b *Buffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buffers) > 0 && r.buffers[0] == b {
		r.buffers = r.buffers[1:]
	}
	r.notFull.Broadcast()
}

// OldestBufferedID returns the first log ID held anywhere in the ring, and
// false if the ring is empty.
func (r *Ring) OldestBufferedID() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buffers) == 0 {
		return 0, false
	}
	return r.buffers[0].FirstLogID, true
}

// LastLogID returns the highest log ID held in the ring, and false if the
// ring is empty or holds no records yet.
func (r *Ring) LastLogID() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.buffers) - 1; i >= 0; i-- {
		b := r.buffers[i]
		if len(b.Records) > 0 {
			return b.LastLogID, true
		}
	}
	return 0, false
}

// SeekForward returns every record with logId >= fromID held in the ring,
// in order, and true. It returns (nil, false) if fromID predates the
// oldest buffered record, signaling the caller to fall back to segment
// files on disk.
func (r *Ring) SeekForward(fromID uint64) ([]record.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buffers) == 0 {
		return nil, false
	}
	if fromID < r.buffers[0].FirstLogID {
		return nil, false
	}

	var out []record.Record
	for _, b := range r.buffers {
		for _, rec := range b.Records {
			if rec.LogID >= fromID {
				out = append(out, rec)
			}
		}
	}
	return out, true
}

// DiscardFrom drops every in-memory record with logId >= logID, used by
// rollback. Buffers left fully empty are removed from the ring, and any
// waiters blocked on a full ring are woken since this always frees space.
func (r *Ring) DiscardFrom(logID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.buffers[:0]
	for _, b := range r.buffers {
		if b.FirstLogID >= logID {
			continue // entire buffer discarded
		}
		if b.LastLogID >= logID {
			cut := 0
			for cut < len(b.Records) && b.Records[cut].LogID < logID {
				cut++
			}
			b.Records = b.Records[:cut]
			if cut == 0 {
				b.LastLogID = b.FirstLogID - 1
			} else {
				b.LastLogID = b.Records[cut-1].LogID
			}
			b.sealed = false
		}
		kept = append(kept, b)
	}
	r.buffers = kept
	r.notFull.Broadcast()
}

// Reset clears the ring entirely, as if freshly constructed.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers = nil
	r.notFull.Broadcast()
}

// Len reports how many buffers (sealed and open) the ring currently holds.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
