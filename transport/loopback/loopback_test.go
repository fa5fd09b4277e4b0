// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package loopback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphwal/corewal/transport"
)

type fakeHandler struct {
	resp transport.ChainResponse
	err  error
	got  []transport.ChainRequest
}

func (f *fakeHandler) HandleRemote(_ context.Context, req transport.ChainRequest) (transport.ChainResponse, error) {
	f.got = append(f.got, req)
	return f.resp, f.err
}

func TestSendDispatchesToRegisteredHandler(t *testing.T) {
	router := NewRouter()
	h := &fakeHandler{resp: transport.ChainResponse{Code: transport.Succeeded}}
	router.Register(1, 2, h)

	resp, err := router.Send(context.Background(), transport.ChainRequest{SpaceID: 1, PartitionID: 2, TermID: 7})
	require.NoError(t, err)
	require.Equal(t, transport.Succeeded, resp.Code)
	require.Len(t, h.got, 1)
	require.Equal(t, uint64(7), h.got[0].TermID)
}

func TestSendFailsForUnregisteredPartition(t *testing.T) {
	router := NewRouter()
	_, err := router.Send(context.Background(), transport.ChainRequest{SpaceID: 9, PartitionID: 9})
	require.Error(t, err)
}

func TestDeregisterRemovesHandler(t *testing.T) {
	router := NewRouter()
	h := &fakeHandler{resp: transport.ChainResponse{Code: transport.Succeeded}}
	router.Register(1, 1, h)
	router.Deregister(1, 1)

	_, err := router.Send(context.Background(), transport.ChainRequest{SpaceID: 1, PartitionID: 1})
	require.Error(t, err)
}

func TestRegisterReplacesExistingHandler(t *testing.T) {
	router := NewRouter()
	first := &fakeHandler{resp: transport.ChainResponse{Code: transport.LeaderChanged, Hint: "old"}}
	second := &fakeHandler{resp: transport.ChainResponse{Code: transport.Succeeded}}
	router.Register(1, 1, first)
	router.Register(1, 1, second)

	resp, err := router.Send(context.Background(), transport.ChainRequest{SpaceID: 1, PartitionID: 1})
	require.NoError(t, err)
	require.Equal(t, transport.Succeeded, resp.Code)
	require.Empty(t, first.got)
}
