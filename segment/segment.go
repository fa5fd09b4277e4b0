// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the bounded-size append-only WAL segment file
// (component C2): the on-disk header, forward record iteration, physical
// truncation, and hard-link snapshotting. It builds on the framing from
// package record and keeps an in-memory offset index so random access never
// re-scans the file from the start. Records are not iterated backward.
package segment

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/graphwal/corewal/record"
)

// Magic identifies a well-formed segment header, per spec.md §6.
const Magic uint32 = 0x57414C31

// headerLen is firstLogId(8) || term(8) || magic(4) || createdAtMillis(8).
const headerLen = 8 + 8 + 4 + 8

// ErrNotFound is returned by TruncateAfter and GetLog when the requested
// logId is outside the segment's current range.
var ErrNotFound = errors.New("log id not found in segment")

// ErrFull is returned by Append when the record would grow the file past
// its configured size limit.
var ErrFull = errors.New("segment file is full")

// Mode selects how Open behaves.
type Mode int

const (
	// ReadOnly opens a sealed segment purely for iteration.
	ReadOnly Mode = iota
	// AppendTail opens the segment that may still receive writes; Open
	// scans forward from the header to the first record that fails to
	// decode and truncates the file after the last good record before
	// returning. No backward scan from EOF is made.
	AppendTail
)

// Info describes a segment's identity, independent of its current extent.
type Info struct {
	FirstLogID uint64
	Term       uint64
	CreatedAt  time.Time
}

// Segment is an open WAL segment file. Append may run concurrently with
// Iterate/GetLog/LastLogID/Size on the same *Segment when it is the WAL's
// current tail (the facade only excludes other writers, not readers, while
// appending); mu guards the offsets/size bookkeeping so that overlap never
// races, even though a reader may or may not observe an in-flight append.
type Segment struct {
	path string
	f    *os.File
	mode Mode

	info Info

	mu sync.RWMutex
	// offsets[i] is the byte offset of the lenPrefix of the record whose
	// LogID is info.FirstLogID+i. It is built once at Open/Create and kept
	// up to date by Append/TruncateAfter.
	offsets []int64
	size    int64

	scratch []byte
}

// Create makes a brand new, empty segment file at path with the given
// identity and writes its header.
func Create(path string, info Info) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	s := &Segment{path: path, f: f, mode: AppendTail, info: info}
	if err := s.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	s.size = headerLen
	return s, nil
}

func (s *Segment) writeHeader() error {
	var buf [headerLen]byte
	binary.LittleEndian.PutUint64(buf[0:8], s.info.FirstLogID)
	binary.LittleEndian.PutUint64(buf[8:16], s.info.Term)
	binary.LittleEndian.PutUint32(buf[16:20], Magic)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(s.info.CreatedAt.UnixMilli()))
	if _, err := s.f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write segment header: %w", err)
	}
	return nil
}

// Open opens an existing segment file. In AppendTail mode it indexes
// records forward from the header, stops at the first record that fails to
// decode, and truncates the file after the last good record before
// returning; it does not scan backward from EOF.
func Open(path string, mode Mode) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	s := &Segment{path: path, f: f, mode: mode}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < headerLen {
		f.Close()
		return nil, fmt.Errorf("%w: segment %s is shorter than its header", record.ErrCorrupt, path)
	}

	if err := s.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	s.size = st.Size()

	if err := s.indexForward(); err != nil {
		f.Close()
		return nil, err
	}

	if mode == AppendTail {
		if err := s.repairTornTail(); err != nil {
			f.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Segment) readHeader() error {
	var buf [headerLen]byte
	if _, err := s.f.ReadAt(buf[:], 0); err != nil {
		return fmt.Errorf("read segment header: %w", err)
	}
	magic := binary.LittleEndian.Uint32(buf[16:20])
	if magic != Magic {
		return fmt.Errorf("%w: bad magic in %s", record.ErrCorrupt, s.path)
	}
	s.info = Info{
		FirstLogID: binary.LittleEndian.Uint64(buf[0:8]),
		Term:       binary.LittleEndian.Uint64(buf[8:16]),
		CreatedAt:  time.UnixMilli(int64(binary.LittleEndian.Uint64(buf[20:28]))),
	}
	return nil
}

// indexForward walks every record from just after the header to EOF,
// recording its offset. In AppendTail mode the first record that fails to
// decode ends indexing, wherever in the file it lies, and repairTornTail
// then truncates from there; a failure mid-file is not told apart from one
// at EOF. ReadOnly segments reject any record that fails to decode as
// corruption.
func (s *Segment) indexForward() error {
	rd := io.NewSectionReader(s.f, headerLen, s.size-headerLen)
	br := bufio.NewReader(rd)

	offset := int64(headerLen)
	for {
		rec, n, err := record.DecodeForward(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, record.ErrTornTail) {
			if s.mode == AppendTail {
				// Leave indexing for repairTornTail to sort out.
				break
			}
			return fmt.Errorf("%w: torn record in sealed segment %s", record.ErrCorrupt, s.path)
		}
		if err != nil {
			return err
		}
		if len(s.offsets) > 0 && rec.LogID != s.info.FirstLogID+uint64(len(s.offsets)) {
			return fmt.Errorf("%w: non-monotone log id in %s", record.ErrCorrupt, s.path)
		}
		s.offsets = append(s.offsets, offset)
		offset += int64(n)
	}
	return nil
}

// repairTornTail truncates the file to end exactly after the last
// successfully indexed record. If that leaves the segment with zero
// records it is the caller's job (WAL recovery) to decide whether to delete
// an empty segment; Segment itself just reflects the truncated state.
func (s *Segment) repairTornTail() error {
	goodEnd := int64(headerLen)
	if len(s.offsets) > 0 {
		lastOffset := s.offsets[len(s.offsets)-1]
		// Re-decode the last good record to know exactly how many bytes it
		// occupies, so we truncate to precisely its end.
		rd := io.NewSectionReader(s.f, lastOffset, s.size-lastOffset)
		_, n, err := record.DecodeForward(rd)
		if err != nil {
			return fmt.Errorf("re-reading last indexed record: %w", err)
		}
		goodEnd = lastOffset + int64(n)
	}
	if goodEnd == s.size {
		return nil
	}
	if err := s.f.Truncate(goodEnd); err != nil {
		return fmt.Errorf("truncating torn tail: %w", err)
	}
	s.size = goodEnd
	return nil
}

// IsEmpty reports whether the segment holds no records at all (only the
// header).
func (s *Segment) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.offsets) == 0
}

// Info returns the segment's identity.
func (s *Segment) Info() Info { return s.info }

// Path returns the segment's file path.
func (s *Segment) Path() string { return s.path }

// FirstLogID returns the ID of the first record, which is always
// s.info.FirstLogID even if that record has since been logically trimmed
// by a caller tracking a higher watermark externally.
func (s *Segment) FirstLogID() uint64 { return s.info.FirstLogID }

// LastLogID returns the ID of the last record in the segment, or
// FirstLogID-1 if the segment is empty.
func (s *Segment) LastLogID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLogIDLocked()
}

func (s *Segment) lastLogIDLocked() uint64 {
	if len(s.offsets) == 0 {
		if s.info.FirstLogID == 0 {
			return 0
		}
		return s.info.FirstLogID - 1
	}
	return s.info.FirstLogID + uint64(len(s.offsets)) - 1
}

// Size returns the current file size in bytes.
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Append adds rec to the end of the segment. rec.LogID must be exactly
// LastLogID()+1 (or FirstLogID if the segment is still empty); violating
// monotonicity is a programmer error in the caller (the WAL facade is
// responsible for enforcing the public sequencing contract) and is reported
// as an error here defensively. Append fails with ErrFull if appending
// would grow the file past fileSizeLimit and the segment already holds a
// record; the caller must roll to a new segment and retry there. The first
// record of an empty segment is always accepted, and a limit of 0 or less
// means no limit.
func (s *Segment) Append(rec record.Record, fileSizeLimit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantID := s.info.FirstLogID
	if len(s.offsets) > 0 {
		wantID = s.lastLogIDLocked() + 1
	}
	if rec.LogID != wantID {
		return fmt.Errorf("non-monotonic append: segment expects logId %d, got %d", wantID, rec.LogID)
	}

	buf := record.Encode(rec)
	if fileSizeLimit > 0 && s.size+int64(len(buf)) > fileSizeLimit && len(s.offsets) > 0 {
		return ErrFull
	}

	if _, err := s.f.WriteAt(buf, s.size); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	s.offsets = append(s.offsets, s.size)
	s.size += int64(len(buf))
	return nil
}

// Sync flushes the segment file to stable storage.
func (s *Segment) Sync() error { return s.f.Sync() }

// GetLog returns the record with the given logId, or ErrNotFound if it
// falls outside the segment's current range.
func (s *Segment) GetLog(logID uint64) (*record.Record, error) {
	s.mu.RLock()
	if logID < s.info.FirstLogID || logID > s.lastLogIDLocked() {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}
	idx := logID - s.info.FirstLogID
	offset := s.offsets[idx]
	var end int64
	if int(idx)+1 < len(s.offsets) {
		end = s.offsets[idx+1]
	} else {
		end = s.size
	}
	s.mu.RUnlock()

	rd := io.NewSectionReader(s.f, offset, end-offset)
	rec, _, err := record.DecodeForward(rd)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Iterate calls fn for every record with logId in [fromID, toID], clamped
// to the intersection with the segment's actual range. Iteration stops
// early, returning fn's error, if fn returns a non-nil error.
func (s *Segment) Iterate(fromID, toID uint64, fn func(record.Record) error) error {
	s.mu.RLock()
	if len(s.offsets) == 0 {
		s.mu.RUnlock()
		return nil
	}
	if fromID < s.info.FirstLogID {
		fromID = s.info.FirstLogID
	}
	last := s.lastLogIDLocked()
	if toID > last {
		toID = last
	}
	if fromID > toID {
		s.mu.RUnlock()
		return nil
	}

	startIdx := fromID - s.info.FirstLogID
	offset := s.offsets[startIdx]
	size := s.size
	s.mu.RUnlock()

	rd := bufio.NewReader(io.NewSectionReader(s.f, offset, size-offset))

	for id := fromID; id <= toID; id++ {
		rec, _, err := record.DecodeForward(rd)
		if err != nil {
			return fmt.Errorf("iterating segment %s at logId %d: %w", s.path, id, err)
		}
		if err := fn(*rec); err != nil {
			return err
		}
	}
	return nil
}

// TruncateAfter physically shrinks the file so the record with the given
// logId is the last one present. It fails with ErrNotFound if logId is
// outside [FirstLogID, LastLogID].
func (s *Segment) TruncateAfter(logID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.offsets) == 0 || logID < s.info.FirstLogID || logID > s.lastLogIDLocked() {
		return ErrNotFound
	}
	idx := logID - s.info.FirstLogID
	keep := int(idx) + 1

	var newEnd int64
	if keep < len(s.offsets) {
		newEnd = s.offsets[keep]
	} else {
		newEnd = s.size
	}
	if err := s.f.Truncate(newEnd); err != nil {
		return fmt.Errorf("truncate after %d: %w", logID, err)
	}
	s.offsets = s.offsets[:keep]
	s.size = newEnd
	return nil
}

// HardLinkTo creates a hard link to this segment's file inside targetDir,
// using the same base file name, so a snapshot can be taken without
// blocking concurrent appends to the live segment.
func (s *Segment) HardLinkTo(targetDir string) error {
	dst := filepath.Join(targetDir, filepath.Base(s.path))
	if err := os.Link(s.path, dst); err != nil {
		return fmt.Errorf("hard link segment %s: %w", s.path, err)
	}
	return nil
}

// Close closes the underlying file handle.
func (s *Segment) Close() error { return s.f.Close() }

// Remove closes (best-effort) and deletes the segment's file.
func (s *Segment) Remove() error {
	s.f.Close()
	return os.Remove(s.path)
}
