// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package term

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func registryImpls(t *testing.T) map[string]Registry {
	t.Helper()
	bolt, err := OpenBoltRegistry(filepath.Join(t.TempDir(), "terms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	return map[string]Registry{
		"mem":   NewMemRegistry(),
		"bbolt": bolt,
	}
}

func TestCurrentTermDefaultsToZero(t *testing.T) {
	ctx := context.Background()
	for name, r := range registryImpls(t) {
		t.Run(name, func(t *testing.T) {
			got, err := r.CurrentTerm(ctx, 1, 1)
			require.NoError(t, err)
			require.Equal(t, uint64(0), got)
		})
	}
}

func TestBumpTermAdvancesAndRejectsStale(t *testing.T) {
	ctx := context.Background()
	for name, r := range registryImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, r.BumpTerm(ctx, 1, 1, 5))
			got, err := r.CurrentTerm(ctx, 1, 1)
			require.NoError(t, err)
			require.Equal(t, uint64(5), got)

			require.ErrorIs(t, r.BumpTerm(ctx, 1, 1, 5), ErrStaleTerm)
			require.ErrorIs(t, r.BumpTerm(ctx, 1, 1, 4), ErrStaleTerm)

			require.NoError(t, r.BumpTerm(ctx, 1, 1, 6))
			got, err = r.CurrentTerm(ctx, 1, 1)
			require.NoError(t, err)
			require.Equal(t, uint64(6), got)
		})
	}
}

func TestBumpTermIsPerPartition(t *testing.T) {
	ctx := context.Background()
	for name, r := range registryImpls(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, r.BumpTerm(ctx, 1, 1, 10))

			got, err := r.CurrentTerm(ctx, 1, 2)
			require.NoError(t, err)
			require.Equal(t, uint64(0), got, "different partition must not see partition 1's term")

			got, err = r.CurrentTerm(ctx, 2, 1)
			require.NoError(t, err)
			require.Equal(t, uint64(0), got, "different space must not see space 1's term")
		})
	}
}
