// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package term

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	clientv3 "github.com/coreos/etcd/clientv3"
)

// EtcdRegistry delegates term bookkeeping to an etcd cluster, for
// deployments that already run etcd as their election/lease collaborator
// rather than trusting a single process's local bbolt file.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdRegistry wraps an already-connected etcd client. prefix namespaces
// the keys this registry reads and writes, e.g. "/graphwal/terms/".
func NewEtcdRegistry(client *clientv3.Client, prefix string) *EtcdRegistry {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdRegistry{client: client, prefix: prefix}
}

func (r *EtcdRegistry) key(spaceID, partitionID uint64) string {
	return fmt.Sprintf("%s%d/%d", r.prefix, spaceID, partitionID)
}

func (r *EtcdRegistry) CurrentTerm(ctx context.Context, spaceID, partitionID uint64) (uint64, error) {
	resp, err := r.client.Get(ctx, r.key(spaceID, partitionID))
	if err != nil {
		return 0, fmt.Errorf("etcd get term: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	term, err := strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stored term: %w", err)
	}
	return term, nil
}

// BumpTerm uses an etcd transaction guarded by the key's mod-revision so two
// racing bumpers can't both believe they won; the loser simply retries with
// the now-current term, same as any other BumpTerm caller observing
// ErrStaleTerm.
func (r *EtcdRegistry) BumpTerm(ctx context.Context, spaceID, partitionID, newTerm uint64) error {
	key := r.key(spaceID, partitionID)
	current, err := r.CurrentTerm(ctx, spaceID, partitionID)
	if err != nil {
		return err
	}
	if newTerm <= current {
		return ErrStaleTerm
	}

	resp, err := r.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("etcd get term: %w", err)
	}
	var modRev int64
	if len(resp.Kvs) > 0 {
		modRev = resp.Kvs[0].ModRevision
	}

	txn := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", modRev)).
		Then(clientv3.OpPut(key, strconv.FormatUint(newTerm, 10)))
	txnResp, err := txn.Commit()
	if err != nil {
		return fmt.Errorf("etcd bump term: %w", err)
	}
	if !txnResp.Succeeded {
		return ErrStaleTerm
	}
	return nil
}
