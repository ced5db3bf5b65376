// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command logtool inspects and repairs marketlog directories.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/novatechflow/marketlog/pkg/config"
	"github.com/novatechflow/marketlog/pkg/consumer"
	"github.com/novatechflow/marketlog/pkg/storage"
	"github.com/novatechflow/marketlog/pkg/venue"
)

const usage = `usage: logtool <command> [flags]

commands:
  reindex  rebuild missing or damaged index files
  stat     list the data files of a partition
  last     print the newest record of a partition
  tail     print records of a partition, optionally following new ones
  restore  download archived files of a partition from S3
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "logtool: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return flag.ErrHelp
	}
	switch args[0] {
	case "reindex":
		return runReindex(ctx, args[1:], out)
	case "stat":
		return runStat(ctx, args[1:], out)
	case "last":
		return runLast(ctx, args[1:], out)
	case "tail":
		return runTail(ctx, args[1:], out)
	case "restore":
		return runRestore(ctx, args[1:], out)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

type logFlags struct {
	dir       string
	partition string
}

func newFlagSet(name string, lf *logFlags, partitionRequired bool) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&lf.dir, "dir", "", "Log directory, e.g. data/binance.trade")
	help := "Partition (normalized symbol)"
	if !partitionRequired {
		help += "; all partitions when empty"
	}
	fs.StringVar(&lf.partition, "partition", "", help)
	return fs
}

func (lf logFlags) open(writable bool, partitionRequired bool) (*storage.Log, error) {
	if lf.dir == "" {
		return nil, errors.New("-dir is required")
	}
	if partitionRequired && lf.partition == "" {
		return nil, errors.New("-partition is required")
	}
	cfg := storage.LogConfig{Dir: lf.dir, Writable: writable}
	// stream directories index the exchange message time
	if stream, ok := venue.Default().Lookup(venue.StreamID(filepath.Base(lf.dir))); ok {
		cfg.TimeExtractor = stream.TimeExtractor()
	}
	return storage.Open(cfg)
}

func runReindex(ctx context.Context, args []string, out io.Writer) error {
	var lf logFlags
	fs := newFlagSet("reindex", &lf, false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	l, err := lf.open(true, false)
	if err != nil {
		return err
	}
	if lf.partition != "" {
		if err := l.Reindex(ctx, lf.partition); err != nil {
			return err
		}
		fmt.Fprintf(out, "reindexed %s\n", lf.partition)
		return nil
	}
	if err := l.ReindexAll(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "reindexed %s\n", lf.dir)
	return nil
}

func runStat(ctx context.Context, args []string, out io.Writer) error {
	var lf logFlags
	fs := newFlagSet("stat", &lf, true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	l, err := lf.open(false, true)
	if err != nil {
		return err
	}
	stats, err := l.Stat(ctx, lf.partition)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tNUMBER\tFIRST ID\tRECORDS\tDATA BYTES\tINDEX BYTES")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Name, s.FileNumber, s.FirstID, s.Records, s.DataBytes, s.IndexBytes)
	}
	return tw.Flush()
}

func runLast(ctx context.Context, args []string, out io.Writer) error {
	var lf logFlags
	fs := newFlagSet("last", &lf, true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	l, err := lf.open(false, true)
	if err != nil {
		return err
	}
	rec, ok, err := l.ReadLast(ctx, lf.partition)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("partition %s is empty", lf.partition)
	}
	return json.NewEncoder(out).Encode(rec)
}

func runTail(ctx context.Context, args []string, out io.Writer) error {
	var (
		lf     logFlags
		from   uint64
		limit  int
		follow bool
		poll   time.Duration
	)
	fs := newFlagSet("tail", &lf, true)
	fs.Uint64Var(&from, "from", 0, "First record id")
	fs.IntVar(&limit, "limit", 0, "Stop after this many records; 0 means no limit")
	fs.BoolVar(&follow, "follow", false, "Keep waiting for new records")
	fs.DurationVar(&poll, "poll", time.Second, "Poll interval with -follow")
	if err := fs.Parse(args); err != nil {
		return err
	}
	l, err := lf.open(false, true)
	if err != nil {
		return err
	}
	reader := consumer.NewReader(l.Partition(lf.partition), from, consumer.ReaderOptions{Follow: follow, PollInterval: poll})
	enc := json.NewEncoder(out)
	printed := 0
	for {
		batch, err := reader.Next(ctx)
		for _, rec := range batch {
			if limit > 0 && printed >= limit {
				return nil
			}
			if err := enc.Encode(rec); err != nil {
				return err
			}
			printed++
		}
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		}
		if limit > 0 && printed >= limit {
			return nil
		}
	}
}

func runRestore(ctx context.Context, args []string, out io.Writer) error {
	var (
		configPath string
		entity     string
		partition  string
	)
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "config/bridge.yaml", "Path to bridge config")
	fs.StringVar(&entity, "entity", "", "Log entity, e.g. binance.trade or unified_trade")
	fs.StringVar(&partition, "partition", "", "Partition (normalized symbol)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if entity == "" || partition == "" {
		return errors.New("-entity and -partition are required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.Archive.Enabled || cfg.Archive.Backend != "s3" {
		return errors.New("restore needs archive.enabled with the s3 backend")
	}
	s3cfg := cfg.Archive.S3
	client, err := storage.NewS3Client(ctx, storage.S3Config{
		Bucket:          s3cfg.Bucket,
		Region:          s3cfg.Region,
		Endpoint:        s3cfg.Endpoint,
		ForcePathStyle:  s3cfg.PathStyle,
		AccessKeyID:     s3cfg.AccessKeyID,
		SecretAccessKey: s3cfg.SecretAccessKey,
		KMSKeyARN:       s3cfg.KMSKeyARN,
	})
	if err != nil {
		return err
	}
	return restore(ctx, client, cfg.Archive.Prefix, filepath.Join(cfg.Storage.Dir, entity), entity, partition, out)
}

func restore(ctx context.Context, client storage.S3Client, prefix, dir, entity, partition string, out io.Writer) error {
	archiver := storage.NewArchiver(client, storage.ArchiverConfig{Prefix: path.Join(prefix, entity)})
	n, err := archiver.Restore(ctx, partition, dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "restored %d files into %s\n", n, filepath.Join(dir, partition))
	if n == 0 {
		return nil
	}
	// restored files may end in a partial line
	cfg := storage.LogConfig{Dir: dir, Writable: true}
	if stream, ok := venue.Default().Lookup(venue.StreamID(entity)); ok {
		cfg.TimeExtractor = stream.TimeExtractor()
	}
	l, err := storage.Open(cfg)
	if err != nil {
		return err
	}
	return l.Reindex(ctx, partition)
}
