// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package chain

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphwal/corewal/kvstore"
	"github.com/graphwal/corewal/prime"
	"github.com/graphwal/corewal/term"
	"github.com/graphwal/corewal/transport"
	"github.com/graphwal/corewal/transport/loopback"
	"github.com/graphwal/corewal/wal"
)

func newTestCoordinator(t *testing.T, spaceID, partitionID uint64, terms term.Registry, router *loopback.Router) (*Coordinator, kvstore.Store) {
	t.Helper()
	kv := kvstore.NewMemStore()
	w, err := wal.Open(filepath.Join(t.TempDir(), "wal"), wal.Policy{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	coord := New(kv, w, terms, router, Policy{}, nil, nil)
	router.Register(spaceID, partitionID, coord)
	return coord, kv
}

func TestApplyCommitsOnPeerSuccess(t *testing.T) {
	ctx := context.Background()
	terms := term.NewMemRegistry()
	require.NoError(t, terms.BumpTerm(ctx, 1, 1, 1))
	require.NoError(t, terms.BumpTerm(ctx, 1, 2, 1))
	router := loopback.NewRouter()

	local, localKV := newTestCoordinator(t, 1, 1, terms, router)
	_, peerKV := newTestCoordinator(t, 1, 2, terms, router)

	ek := prime.EdgeKey{SrcVID: []byte("a"), DstVID: []byte("b")}
	m := Mutation{
		SpaceID: 1, PartitionID: 1,
		PeerSpaceID: 1, PeerPartitionID: 2,
		TermID:  1,
		EdgeKey: ek,
		Payload: []byte("edge-payload"),
	}

	require.NoError(t, local.Apply(ctx, m))

	_, err := localKV.Get(prime.Key(1, 1, ek))
	require.ErrorIs(t, err, kvstore.ErrNotFound, "prime must be erased on commit")

	v, err := localKV.Get(prime.EdgeStoreKey(1, 1, ek))
	require.NoError(t, err)
	require.Equal(t, "edge-payload", string(v))

	v, err = peerKV.Get(prime.EdgeStoreKeyFromEncoded(1, 2, ek.Encode()))
	require.NoError(t, err)
	require.Equal(t, "edge-payload", string(v))
}

func TestApplyRejectsOutdatedTerm(t *testing.T) {
	ctx := context.Background()
	terms := term.NewMemRegistry()
	require.NoError(t, terms.BumpTerm(ctx, 1, 1, 5))
	router := loopback.NewRouter()
	local, _ := newTestCoordinator(t, 1, 1, terms, router)

	m := Mutation{
		SpaceID: 1, PartitionID: 1,
		PeerSpaceID: 1, PeerPartitionID: 2,
		TermID:  1,
		EdgeKey: prime.EdgeKey{SrcVID: []byte("a"), DstVID: []byte("b")},
		Payload: []byte("x"),
	}

	err := local.Apply(ctx, m)
	require.ErrorIs(t, err, ErrOutdatedTerm)
}

func TestApplyRejectsEmptyPayload(t *testing.T) {
	ctx := context.Background()
	terms := term.NewMemRegistry()
	router := loopback.NewRouter()
	local, _ := newTestCoordinator(t, 1, 1, terms, router)

	m := Mutation{
		SpaceID: 1, PartitionID: 1,
		EdgeKey: prime.EdgeKey{SrcVID: []byte("a")},
	}
	require.ErrorIs(t, local.Apply(ctx, m), ErrInvalidPayload)
}

func TestApplyDoublePrimesOnRPCFailure(t *testing.T) {
	ctx := context.Background()
	terms := term.NewMemRegistry()
	router := loopback.NewRouter() // no peer registered: Send errors
	local, localKV := newTestCoordinator(t, 1, 1, terms, router)

	ek := prime.EdgeKey{SrcVID: []byte("a"), DstVID: []byte("b")}
	m := Mutation{
		SpaceID: 1, PartitionID: 1,
		PeerSpaceID: 9, PeerPartitionID: 9,
		EdgeKey: ek,
		Payload: []byte("x"),
	}

	require.NoError(t, local.Apply(ctx, m))

	_, err := localKV.Get(prime.DoubleKey(1, 1, ek))
	require.NoError(t, err, "double-prime must be set for the resume scanner to pick up")
	_, err = localKV.Get(prime.Key(1, 1, ek))
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestApplyRollsBackLocalEffectOnTerminalRemoteRejection(t *testing.T) {
	ctx := context.Background()
	terms := term.NewMemRegistry()
	router := loopback.NewRouter()

	local, localKV := newTestCoordinator(t, 1, 1, terms, router)
	peer, _ := newTestCoordinator(t, 1, 2, terms, router)

	ek := prime.EdgeKey{SrcVID: []byte("a"), DstVID: []byte("b")}
	m := Mutation{
		SpaceID: 1, PartitionID: 1,
		PeerSpaceID: 1, PeerPartitionID: 2,
		EdgeKey: ek,
		Payload: []byte("x"),
	}

	// Pin the peer's lock on this edge key so HandleRemote returns
	// Conflict, a terminal rejection per transport.Conflict's contract.
	require.True(t, peer.locks.tryLock(ek.Encode()))

	require.ErrorIs(t, local.Apply(ctx, m), ErrConflict)

	_, err := localKV.Get(prime.Key(1, 1, ek))
	require.ErrorIs(t, err, kvstore.ErrNotFound, "prime must be erased on rollback")
	_, err = localKV.Get(prime.DoubleKey(1, 1, ek))
	require.ErrorIs(t, err, kvstore.ErrNotFound, "a terminal Conflict rejection must roll back, not double-prime")
	_, err = localKV.Get(prime.EdgeStoreKey(1, 1, ek))
	require.ErrorIs(t, err, kvstore.ErrNotFound, "rollback must also erase the local edge effect")
}

func TestPrepareLocalRejectsConcurrentSameKeyMutation(t *testing.T) {
	ctx := context.Background()
	terms := term.NewMemRegistry()
	router := loopback.NewRouter()
	local, _ := newTestCoordinator(t, 1, 1, terms, router)

	ek := prime.EdgeKey{SrcVID: []byte("a"), DstVID: []byte("b")}
	edgeKey := ek.Encode()
	require.True(t, local.locks.tryLock(edgeKey))

	err := local.prepareLocal(ctx, Mutation{SpaceID: 1, PartitionID: 1, EdgeKey: ek, Payload: []byte("x")}, edgeKey)
	require.ErrorIs(t, err, ErrConflict)
}

func TestHandleRemoteAppliesEffectAndRejectsConflict(t *testing.T) {
	ctx := context.Background()
	terms := term.NewMemRegistry()
	router := loopback.NewRouter()
	peer, peerKV := newTestCoordinator(t, 2, 2, terms, router)

	ek := prime.EdgeKey{SrcVID: []byte("x")}
	req := transport.ChainRequest{SpaceID: 2, PartitionID: 2, EdgeKey: ek.Encode(), Payload: []byte("p")}

	resp, err := peer.HandleRemote(ctx, req)
	require.NoError(t, err)
	require.Equal(t, transport.Succeeded, resp.Code)

	v, err := peerKV.Get(prime.EdgeStoreKeyFromEncoded(2, 2, ek.Encode()))
	require.NoError(t, err)
	require.Equal(t, "p", string(v))

	require.True(t, peer.locks.tryLock(ek.Encode()))
	resp, err = peer.HandleRemote(ctx, req)
	require.NoError(t, err)
	require.Equal(t, transport.Conflict, resp.Code)
}
