// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/swarmcas/lib/hashing"
	"github.com/bureau-foundation/swarmcas/lib/shard"
)

// commandFunc runs one subcommand against an open node.
type commandFunc func(ctx context.Context, n *node, args []string, out io.Writer) error

var commands = map[string]commandFunc{
	"serve":        nil,
	"ingest":       ingestCommand,
	"cat":          catCommand,
	"ls":           listCommand,
	"forget":       forgetCommand,
	"export-shard": exportShardCommand,
	"import-shard": importShardCommand,
	"import-xorb":  importXorbCommand,
	"cleanup":      cleanupCommand,
	"stats":        statsCommand,
}

func ingestCommand(ctx context.Context, n *node, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("ingest needs at least one path")
	}
	for _, path := range args {
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		record, err := n.engine.Ingest(ctx, filepath.ToSlash(path), file)
		file.Close()
		if err != nil {
			return fmt.Errorf("ingesting %s: %w", path, err)
		}
		fmt.Fprintf(out, "%s  %s\n", record.Hash, path)
	}
	return n.announce(ctx)
}

func catCommand(ctx context.Context, n *node, args []string, out io.Writer) error {
	hash, err := singleHash("cat", args)
	if err != nil {
		return err
	}
	if _, err := n.engine.ReadFile(ctx, hash, out); err != nil {
		return err
	}
	return n.announce(ctx)
}

func listCommand(ctx context.Context, n *node, args []string, out io.Writer) error {
	hashes, err := n.engine.Files()
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "HASH\tSIZE\tCHUNKS\tCLAIMED\tPATH")
	for _, hash := range hashes {
		record, err := n.engine.Resolve(hash)
		if err != nil {
			return err
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%t\t%s\n",
			record.Hash, humanize.IBytes(record.Size), len(record.Chunks), record.Claimed, record.Path)
	}
	return writer.Flush()
}

func forgetCommand(ctx context.Context, n *node, args []string, out io.Writer) error {
	hashes, err := parseHashes("forget", args)
	if err != nil {
		return err
	}
	for _, hash := range hashes {
		if err := n.engine.Forget(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}

func exportShardCommand(ctx context.Context, n *node, args []string, out io.Writer) error {
	hashes, err := parseHashes("export-shard", args)
	if err != nil {
		return err
	}
	data, err := n.engine.ExportShard(hashes, shard.Options{
		Key:      n.shardKey,
		Compress: n.config.Shard.Compress,
	})
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func importShardCommand(ctx context.Context, n *node, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("import-shard needs exactly one path")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	records, err := n.engine.ImportShard(data, n.shardKey)
	if err != nil {
		return err
	}
	for _, record := range records {
		fmt.Fprintf(out, "%s  %s\n", record.Hash, record.Path)
	}
	return nil
}

func importXorbCommand(ctx context.Context, n *node, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("import-xorb needs at least one path")
	}
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hash, err := n.engine.ImportXorb(ctx, data)
		if err != nil {
			return fmt.Errorf("importing %s: %w", path, err)
		}
		fmt.Fprintf(out, "%s  %s\n", hash, path)
	}
	return n.announce(ctx)
}

func cleanupCommand(ctx context.Context, n *node, args []string, out io.Writer) error {
	n.cleanup(ctx)
	return n.announce(ctx)
}

func statsCommand(ctx context.Context, n *node, args []string, out io.Writer) error {
	stats, err := n.engine.Stats(ctx)
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "files\t%d\n", stats.Files)
	fmt.Fprintf(writer, "xorbs\t%d\n", stats.Xorbs)
	fmt.Fprintf(writer, "unique chunks\t%d\n", stats.UniqueChunks)
	fmt.Fprintf(writer, "unreferenced chunks\t%d\n", stats.Unreferenced)
	fmt.Fprintf(writer, "physical size\t%s\n", humanize.IBytes(uint64(stats.PhysicalBytes)))
	fmt.Fprintf(writer, "logical size\t%s\n", humanize.IBytes(uint64(stats.LogicalBytes)))
	fmt.Fprintf(writer, "dedup ratio\t%.2f\n", stats.DedupRatio)
	return writer.Flush()
}

// announce pushes pending availability changes to the neighbors.
// Neighbors that are down miss the update and catch up on the next
// filter exchange.
func (n *node) announce(ctx context.Context) error {
	if n.gossip.Pending() == 0 {
		return nil
	}
	return n.gossip.Flush(ctx)
}

func singleHash(command string, args []string) (hashing.Hash, error) {
	if len(args) != 1 {
		return hashing.Hash{}, fmt.Errorf("%s needs exactly one file hash", command)
	}
	return hashing.ParseHash(args[0])
}

func parseHashes(command string, args []string) ([]hashing.Hash, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s needs at least one file hash", command)
	}
	hashes := make([]hashing.Hash, 0, len(args))
	for _, arg := range args {
		hash, err := hashing.ParseHash(arg)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}
