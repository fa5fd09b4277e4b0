// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package term

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var termBucket = []byte("terms")

// BoltRegistry is a Registry backed by a bbolt file, for single-process
// deployments that don't run a separate election service.
type BoltRegistry struct {
	db *bolt.DB
}

// OpenBoltRegistry opens (creating if necessary) a bbolt-backed Registry.
func OpenBoltRegistry(path string) (*BoltRegistry, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open term registry: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(termBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create term bucket: %w", err)
	}
	return &BoltRegistry{db: db}, nil
}

func partitionKey(spaceID, partitionID uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], spaceID)
	binary.BigEndian.PutUint64(buf[8:16], partitionID)
	return buf
}

func (r *BoltRegistry) CurrentTerm(_ context.Context, spaceID, partitionID uint64) (uint64, error) {
	var term uint64
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(termBucket).Get(partitionKey(spaceID, partitionID))
		if v != nil {
			term = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return term, err
}

func (r *BoltRegistry) BumpTerm(_ context.Context, spaceID, partitionID, newTerm uint64) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(termBucket)
		key := partitionKey(spaceID, partitionID)
		var current uint64
		if v := b.Get(key); v != nil {
			current = binary.BigEndian.Uint64(v)
		}
		if newTerm <= current {
			return ErrStaleTerm
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], newTerm)
		return b.Put(key, buf[:])
	})
}

// Close releases the underlying database file.
func (r *BoltRegistry) Close() error { return r.db.Close() }
