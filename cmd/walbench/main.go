// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Command walbench drives concurrent chain mutations against an in-process
// wal.WAL + chain.Coordinator pair and reports latency percentiles,
// extending the teacher's bench/bench_test.go WAL-vs-Bolt comparison into a
// standalone load generator that exercises the full mutation path rather
// than just raw appends.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/benmathews/bench"
	hdrhistogramwriter "github.com/benmathews/hdrhistogram-writer"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/graphwal/corewal/chain"
	"github.com/graphwal/corewal/kvstore"
	"github.com/graphwal/corewal/prime"
	"github.com/graphwal/corewal/term"
	"github.com/graphwal/corewal/transport/loopback"
	"github.com/graphwal/corewal/wal"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type flags struct {
	dir                  string
	walTTL               time.Duration
	maxRetryTimesAdminOp int
	payloadSize          int
	rate                 uint64
	duration             time.Duration
	interval             time.Duration
	latencyFile          string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "walbench",
		Short: "Load-generate chain mutations against a local WAL and report latency percentiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}

	fs := pflag.NewFlagSet("walbench", pflag.ContinueOnError)
	fs.StringVar(&f.dir, "dir", "", "directory to hold the WAL (defaults to a temp dir)")
	fs.DurationVar(&f.walTTL, "wal_ttl", wal.DefaultTTL, "segment retention TTL passed to wal.Policy")
	fs.IntVar(&f.maxRetryTimesAdminOp, "max_retry_times_admin_op", chain.DefaultMaxRetryTimesAdminOp, "LeaderChanged hint-chain retry budget passed to chain.Policy")
	fs.IntVar(&f.payloadSize, "payload_size", 128, "bytes per mutation payload")
	fs.Uint64Var(&f.rate, "rate", 1000, "target mutations per second (0 means unthrottled)")
	fs.DurationVar(&f.duration, "duration", 10*time.Second, "how long to run the benchmark")
	fs.DurationVar(&f.interval, "interval", time.Second, "reporting interval for intermediate percentiles")
	fs.StringVar(&f.latencyFile, "latency_file", "", "optional path to write the full HDR latency distribution")
	cmd.Flags().AddFlagSet(fs)

	return cmd
}

func run(f *flags) error {
	dir := f.dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "walbench-*")
		if err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	policy := wal.Policy{TTL: f.walTTL}
	w, err := wal.Open(filepath.Join(dir, "wal"), policy, log.NewNopLogger(), prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer w.Close()

	kv := kvstore.NewMemStore()
	terms := term.NewMemRegistry()
	router := loopback.NewRouter()

	local := chain.New(kv, w, terms, router, chain.Policy{MaxRetryTimesAdminOp: f.maxRetryTimesAdminOp}, log.NewNopLogger(), nil)
	router.Register(1, 1, local)

	peerKV := kvstore.NewMemStore()
	peerWAL, err := wal.Open(filepath.Join(dir, "peer-wal"), policy, log.NewNopLogger(), prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("open peer wal: %w", err)
	}
	defer peerWAL.Close()
	peer := chain.New(peerKV, peerWAL, terms, router, chain.Policy{MaxRetryTimesAdminOp: f.maxRetryTimesAdminOp}, log.NewNopLogger(), nil)
	router.Register(1, 2, peer)

	factory := &mutationRequesterFactory{coord: local, payloadSize: f.payloadSize}
	b := bench.NewBenchmark(factory, f.rate, 0, f.duration, f.interval)
	summary := b.Run()

	summary.Print(os.Stdout)
	if f.latencyFile != "" {
		percentiles := []float64{50, 90, 95, 99, 99.9, 99.99}
		if err := hdrhistogramwriter.WriteDistributionFile(summary.Histogram, &percentiles, 1.0, f.latencyFile); err != nil {
			return fmt.Errorf("write latency distribution: %w", err)
		}
	}
	return nil
}

// mutationRequesterFactory builds one requester per worker goroutine
// bench.Benchmark spins up, each driving independent edge keys so workers
// never contend on chain's per-edge-key lock table.
type mutationRequesterFactory struct {
	coord       *chain.Coordinator
	payloadSize int
}

func (f *mutationRequesterFactory) GetRequester(number int) bench.Requester {
	return &mutationRequester{coord: f.coord, worker: number, payload: make([]byte, f.payloadSize)}
}

type mutationRequester struct {
	coord   *chain.Coordinator
	worker  int
	payload []byte
	seq     uint64
}

func (r *mutationRequester) Setup() error {
	rand.Read(r.payload)
	return nil
}

func (r *mutationRequester) Request() error {
	r.seq++
	ek := prime.EdgeKey{
		SrcVID: []byte(fmt.Sprintf("worker-%d", r.worker)),
		Rank:   int64(r.seq),
		DstVID: []byte("peer-vertex"),
	}
	m := chain.Mutation{
		SpaceID: 1, PartitionID: 1,
		PeerSpaceID: 1, PeerPartitionID: 2,
		TermID:  1,
		EdgeKey: ek,
		Payload: r.payload,
	}
	return r.coord.Apply(context.Background(), m)
}

func (r *mutationRequester) Teardown() error { return nil }
