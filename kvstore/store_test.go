// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func storeImpls(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{
		"mem":   NewMemStore(),
		"bbolt": bolt,
	}
}

func TestStoreGetPutDelete(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get([]byte("missing"))
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put([]byte("k"), []byte("v1")))
			v, err := s.Get([]byte("k"))
			require.NoError(t, err)
			require.Equal(t, "v1", string(v))

			require.NoError(t, s.Delete([]byte("k")))
			_, err = s.Get([]byte("k"))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreScanPrefix(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put([]byte("edge:1"), []byte("a")))
			require.NoError(t, s.Put([]byte("edge:2"), []byte("b")))
			require.NoError(t, s.Put([]byte("vertex:1"), []byte("c")))

			var got []string
			require.NoError(t, s.ScanPrefix([]byte("edge:"), func(k, v []byte) bool {
				got = append(got, string(k))
				return true
			}))
			require.Equal(t, []string{"edge:1", "edge:2"}, got)
		})
	}
}

func TestStoreBatchIsAtomicView(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Batch([]Op{
				PutOp([]byte("a"), []byte("1")),
				PutOp([]byte("b"), []byte("2")),
			}))
			va, _ := s.Get([]byte("a"))
			vb, _ := s.Get([]byte("b"))
			require.Equal(t, "1", string(va))
			require.Equal(t, "2", string(vb))

			require.NoError(t, s.Batch([]Op{
				DeleteOp([]byte("a")),
				PutOp([]byte("c"), []byte("3")),
			}))
			_, err := s.Get([]byte("a"))
			require.ErrorIs(t, err, ErrNotFound)
			vc, err := s.Get([]byte("c"))
			require.NoError(t, err)
			require.Equal(t, "3", string(vc))
		})
	}
}
