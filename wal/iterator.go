// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"errors"

	"github.com/graphwal/corewal/record"
)

var errIteratorStopped = errors.New("iterator stopped")

// Iterator is a pull-based, lazy view over [fromID, toID]. It walks sealed
// segments from disk first, then splices into whatever the ring still holds
// in memory, so a long scan never forces the whole range to be materialized
// up front. Must be closed once the caller is done with it, even after
// draining it fully, to let the producer goroutine exit.
type Iterator struct {
	recs  chan record.Record
	errCh chan error
	done  chan struct{}

	current record.Record
	err     error
	closed  bool
}

func newIterator(fromID, toID uint64, segs []*segSource, ring ringSource) *Iterator {
	it := &Iterator{
		recs:  make(chan record.Record, 16),
		errCh: make(chan error, 1),
		done:  make(chan struct{}),
	}
	go it.run(fromID, toID, segs, ring)
	return it
}

// segSource is the slice of a segment's range the iterator may read from.
type segSource struct {
	iterate func(fromID, toID uint64, fn func(record.Record) error) error
}

// ringSource lets the iterator fall through to in-memory records once past
// the segments on disk.
type ringSource interface {
	SeekForward(fromID uint64) ([]record.Record, bool)
}

func (it *Iterator) run(fromID, toID uint64, segs []*segSource, ring ringSource) {
	defer close(it.recs)

	emit := func(r record.Record) error {
		select {
		case it.recs <- r:
			return nil
		case <-it.done:
			return errIteratorStopped
		}
	}

	next := fromID
	for _, s := range segs {
		if next > toID {
			return
		}
		if err := s.iterate(next, toID, func(r record.Record) error {
			if err := emit(r); err != nil {
				return err
			}
			next = r.LogID + 1
			return nil
		}); err != nil {
			if errors.Is(err, errIteratorStopped) {
				return
			}
			it.errCh <- err
			return
		}
	}

	if next > toID || ring == nil {
		return
	}
	buffered, ok := ring.SeekForward(next)
	if !ok {
		return
	}
	for _, r := range buffered {
		if r.LogID > toID {
			break
		}
		if err := emit(r); err != nil {
			return
		}
	}
}

// Next advances the iterator and reports whether a record is available.
func (it *Iterator) Next() bool {
	r, ok := <-it.recs
	if !ok {
		select {
		case err := <-it.errCh:
			it.err = err
		default:
		}
		return false
	}
	it.current = r
	return true
}

// Record returns the record produced by the most recent successful Next.
func (it *Iterator) Record() record.Record { return it.current }

// Err returns the first error encountered while iterating, if any.
func (it *Iterator) Err() error { return it.err }

// Close signals the producer goroutine to stop and releases its resources.
// Safe to call multiple times.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	close(it.done)
	for range it.recs {
		// drain until the producer observes done and exits.
	}
}
