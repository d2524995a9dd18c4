// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/swarmcas/lib/clock"
	"github.com/bureau-foundation/swarmcas/lib/config"
	"github.com/bureau-foundation/swarmcas/lib/exchange"
	"github.com/bureau-foundation/swarmcas/lib/hashing"
	"github.com/bureau-foundation/swarmcas/lib/shard"
	"github.com/bureau-foundation/swarmcas/lib/testutil"
)

func testConfig(t *testing.T, id string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Root = t.TempDir()
	cfg.Exchange.PeerID = id
	cfg.Exchange.Listen = "127.0.0.1:0"
	cfg.Exchange.RequestTimeout = config.Duration(5 * time.Second)
	return cfg
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return listener
}

func open(t *testing.T, cfg *config.Config, addr string, clk clock.Clock) *node {
	t.Helper()
	n, err := openNode(context.Background(), cfg, exchange.Peer{ID: cfg.Exchange.PeerID, Addr: addr}, clk, nil)
	if err != nil {
		t.Fatalf("openNode(%s): %v", cfg.Exchange.PeerID, err)
	}
	t.Cleanup(func() { n.close() })
	return n
}

// startNode opens a node and serves it until the test ends.
func startNode(t *testing.T, cfg *config.Config, listener net.Listener) *node {
	t.Helper()
	n := open(t, cfg, listener.Addr().String(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := n.serve(ctx, listener); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "node did not stop")
	})
	return n
}

func TestTwoNodeShardTransfer(t *testing.T) {
	ctx := context.Background()
	secret := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secret, []byte("swarm secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	listenerA := listen(t)
	cfgA := testConfig(t, "a")
	cfgB := testConfig(t, "b")
	for _, cfg := range []*config.Config{cfgA, cfgB} {
		cfg.Shard.SecretFile = secret
		cfg.Shard.SwarmID = "swarm-1"
	}
	cfgB.Exchange.Peers = []config.PeerConfig{{ID: "a", Addr: listenerA.Addr().String()}}

	nodeA := startNode(t, cfgA, listenerA)
	content := testutil.Bytes(7, 512<<10)
	record, err := nodeA.engine.Ingest(ctx, "data/blob.bin", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	var shardData bytes.Buffer
	if err := exportShardCommand(ctx, nodeA, []string{record.Hash.String()}, &shardData); err != nil {
		t.Fatalf("export-shard: %v", err)
	}

	nodeB := open(t, cfgB, "127.0.0.1:1", clock.Fake(time.Unix(1_700_000_000, 0)))
	if !bytes.Equal(nodeA.shardKey, nodeB.shardKey) || len(nodeA.shardKey) != shard.KeySize {
		t.Fatal("nodes sharing a secret and swarm derived different shard keys")
	}
	shardPath := filepath.Join(t.TempDir(), "files.shard")
	if err := os.WriteFile(shardPath, shardData.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	var imported bytes.Buffer
	if err := importShardCommand(ctx, nodeB, []string{shardPath}, &imported); err != nil {
		t.Fatalf("import-shard: %v", err)
	}
	if !strings.Contains(imported.String(), "data/blob.bin") {
		t.Errorf("import-shard output %q does not name the file", imported.String())
	}

	var output bytes.Buffer
	if err := catCommand(ctx, nodeB, []string{record.Hash.String()}, &output); err != nil {
		t.Fatalf("cat: %v", err)
	}
	if !bytes.Equal(output.Bytes(), content) {
		t.Fatalf("reconstructed %d bytes, want %d matching bytes", output.Len(), len(content))
	}
	for _, hash := range record.Chunks {
		if !nodeB.availability.MayHaveLocal(hash) {
			t.Errorf("fetched chunk %s missing from the availability filter", hash)
		}
	}

	var listing bytes.Buffer
	if err := listCommand(ctx, nodeB, nil, &listing); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(listing.String(), record.Hash.String()) || !strings.Contains(listing.String(), "true") {
		t.Errorf("listing does not show the claimed file:\n%s", listing.String())
	}
}

// hintedBy reports whether n lists holder as a candidate for hash.
func hintedBy(t *testing.T, n *node, holder string, hash hashing.Hash) bool {
	t.Helper()
	candidates, err := n.discovery.Candidates(context.Background(), hash)
	if err != nil {
		t.Fatal(err)
	}
	for _, peer := range candidates {
		if peer.ID == holder {
			return true
		}
	}
	return false
}

func TestCleanupWithdrawsEvictedChunks(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	listenerB := listen(t)
	neighbor := startNode(t, testConfig(t, "neighbor"), listenerB)
	cfg := testConfig(t, "solo")
	cfg.Exchange.Peers = []config.PeerConfig{{ID: "neighbor", Addr: listenerB.Addr().String()}}
	n := open(t, cfg, "127.0.0.1:1", fake)

	var ingested bytes.Buffer
	input := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(input, testutil.Bytes(3, 200<<10), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ingestCommand(ctx, n, []string{input}, &ingested); err != nil {
		t.Fatal(err)
	}
	hashes, err := n.engine.Files()
	if err != nil || len(hashes) != 1 {
		t.Fatalf("Files = %v, %v", hashes, err)
	}
	record, err := n.engine.Resolve(hashes[0])
	if err != nil {
		t.Fatal(err)
	}
	if !hintedBy(t, neighbor, "solo", record.Chunks[0]) {
		t.Fatal("neighbor did not learn of the ingested chunks")
	}
	if err := forgetCommand(ctx, n, []string{record.Hash.String()}, &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}

	n.cleanup(ctx)
	stats, err := n.engine.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.UniqueChunks == 0 {
		t.Fatal("fresh unreferenced chunks were evicted before max_age")
	}

	fake.Advance(cfg.Store.MaxAge.Std() + time.Hour)
	n.cleanup(ctx)
	stats, err = n.engine.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.UniqueChunks != 0 {
		t.Errorf("expected every chunk evicted, %d remain", stats.UniqueChunks)
	}
	for _, hash := range record.Chunks {
		if n.availability.MayHaveLocal(hash) {
			t.Errorf("evicted chunk %s still in the rebuilt filter", hash)
		}
	}
	for _, hash := range record.Chunks {
		if hintedBy(t, neighbor, "solo", hash) {
			t.Errorf("neighbor still lists solo for evicted chunk %s", hash)
		}
	}
	if n.gossip.Pending() != 0 {
		t.Error("evictions left in the gossip queue after flooding")
	}
}

func TestOpenQueuesLostChunksAsDropped(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "solo")
	first, err := openNode(ctx, cfg, exchange.Peer{ID: "solo", Addr: "127.0.0.1:1"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	record, err := first.engine.Ingest(ctx, "f", bytes.NewReader(testutil.Bytes(9, 100<<10)))
	if err != nil {
		t.Fatal(err)
	}
	lost, err := first.store.GetChunkPath(ctx, record.Chunks[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := first.close(); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(lost); err != nil {
		t.Fatal(err)
	}

	n := open(t, cfg, "127.0.0.1:1", nil)
	if pending := n.gossip.Pending(); pending != 1 {
		t.Errorf("pending gossip after reopen = %d, want the 1 lost chunk", pending)
	}
}

func TestRunCommands(t *testing.T) {
	cfg := testConfig(t, "cli")
	configPath := filepath.Join(t.TempDir(), "swarmcas.yaml")
	configText := "store:\n  root: " + cfg.Store.Root + "\nexchange:\n  peer_id: cli\n"
	if err := os.WriteFile(configPath, []byte(configText), 0o644); err != nil {
		t.Fatal(err)
	}
	input := filepath.Join(t.TempDir(), "input.bin")
	content := testutil.Bytes(11, 100<<10)
	if err := os.WriteFile(input, content, 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run([]string{"--config", configPath, "ingest", input}, &out); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	fields := strings.Fields(out.String())
	if len(fields) != 2 || fields[1] != input {
		t.Fatalf("unexpected ingest output %q", out.String())
	}

	outputPath := filepath.Join(t.TempDir(), "output.bin")
	if err := run([]string{"--config", configPath, "-o", outputPath, "cat", fields[0]}, &bytes.Buffer{}); err != nil {
		t.Fatalf("cat: %v", err)
	}
	got, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Error("cat output differs from the ingested file")
	}

	out.Reset()
	if err := run([]string{"--config", configPath, "stats"}, &out); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out.String(), "files") || !strings.Contains(out.String(), "dedup ratio") {
		t.Errorf("unexpected stats output:\n%s", out.String())
	}

	if err := run([]string{"--config", configPath, "frobnicate"}, &bytes.Buffer{}); err == nil {
		t.Error("unknown command accepted")
	}
	if err := run([]string{"--config", configPath, "cat", "not-a-hash"}, &bytes.Buffer{}); err == nil {
		t.Error("malformed hash accepted")
	}
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"--version"}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "swarmcas-node ") {
		t.Errorf("unexpected version output %q", out.String())
	}
}
