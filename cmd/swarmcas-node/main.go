// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/swarmcas/lib/config"
	"github.com/bureau-foundation/swarmcas/lib/exchange"
	"github.com/bureau-foundation/swarmcas/lib/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var (
		configPath  string
		listen      string
		output      string
		verbose     bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("swarmcas-node", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default: $SWARMCAS_CONFIG)")
	flagSet.StringVar(&listen, "listen", "", "override exchange.listen")
	flagSet.StringVarP(&output, "output", "o", "", "write cat or export-shard output to this file instead of stdout")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() { printUsage(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "swarmcas-node %s\n", version.Full())
		return nil
	}

	command := "serve"
	operands := flagSet.Args()
	if len(operands) > 0 {
		command, operands = operands[0], operands[1:]
	}
	handler, ok := commands[command]
	if !ok {
		printUsage(flagSet)
		return fmt.Errorf("unknown command %q", command)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Exchange.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else if command != "serve" {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := stdout
	if output != "" {
		file, err := os.Create(output)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}

	self := exchange.Peer{ID: cfg.Exchange.PeerID, Addr: cfg.AdvertiseAddr()}
	if command == "serve" {
		listener, err := net.Listen("tcp", cfg.Exchange.Listen)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Exchange.Listen, err)
		}
		defer listener.Close()
		n, err := openNode(ctx, cfg, self, nil, logger)
		if err != nil {
			return err
		}
		defer n.close()
		return n.serve(ctx, listener)
	}

	n, err := openNode(ctx, cfg, self, nil, logger)
	if err != nil {
		return err
	}
	defer n.close()
	return handler(ctx, n, operands, out)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("SWARMCAS_CONFIG") == "" {
		return config.Default(), nil
	}
	return config.Load()
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `swarmcas-node stores files as deduplicated chunks and trades them with peers.

Usage:
  swarmcas-node [flags] [command] [arguments]

Commands:
  serve                      serve the exchange protocol (default)
  ingest PATH...             chunk and store files
  cat FILE_HASH              reconstruct a file, fetching missing chunks
  ls                         list recorded files
  forget FILE_HASH...        drop files and release their chunks
  export-shard FILE_HASH...  write a shard describing the files
  import-shard PATH          record the files described by a shard
  import-xorb PATH...        store the chunks of xorbs
  cleanup                    evict stale unreferenced chunks now
  stats                      print storage statistics

Commands other than serve open the store directly and cannot run
while a server holds it.

Flags:
%s`, flagSet.FlagUsages())
}
