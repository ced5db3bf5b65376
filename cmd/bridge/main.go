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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/novatechflow/marketlog/pkg/bridge"
	"github.com/novatechflow/marketlog/pkg/checkpoint"
	"github.com/novatechflow/marketlog/pkg/config"
	"github.com/novatechflow/marketlog/pkg/metrics"
	"github.com/novatechflow/marketlog/pkg/storage"
	"github.com/novatechflow/marketlog/pkg/symbols"
	"github.com/novatechflow/marketlog/pkg/transport"
	"github.com/novatechflow/marketlog/pkg/venue"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/bridge.yaml", "Path to bridge config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bridge stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	table, err := buildSymbols(cfg)
	if err != nil {
		return err
	}
	registry := venue.Default()

	archive, err := buildArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logs := bridge.NewLogs(bridge.LogsConfig{
		Root:            cfg.Storage.Dir,
		MaxFileBytes:    cfg.Storage.MaxFileBytes,
		SyncWrites:      cfg.Storage.SyncWrites,
		IndexCacheBytes: cfg.Storage.IndexCacheBytes,
		Archive:         archive,
		ArchivePrefix:   cfg.Archive.Prefix,
		Logger:          logger,
	}, registry)
	defer logs.Close()

	bus, err := buildBus(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	store, leaser, err := buildCheckpoints(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	deps := bridge.Deps{Logs: logs, Registry: registry, Bus: bus, Checkpoints: store, Logger: logger}
	pipelines, err := bridge.BuildPipelines(cfg, table, deps)
	if err != nil {
		return err
	}
	runner := bridge.NewRunner(bridge.RunnerConfig{Leaser: leaser, Logger: logger}, pipelines...)
	recorder := bridge.NewRecorder(logs, registry, table, bus, logger)

	startHTTPServer(ctx, cfg.Server.MetricsAddr, recorder, runner, logger)
	startHealthServer(ctx, cfg.Server.HealthAddr, runner, logger)

	logger.Info("bridge started", "pipelines", len(pipelines), "storage_dir", cfg.Storage.Dir, "transport", cfg.Transport.Backend, "offsets", cfg.Offsets.Backend)
	runner.Run(ctx)
	logger.Info("bridge stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: true,
	})
	return slog.New(handler).With("component", "bridge")
}

func buildSymbols(cfg config.Config) (*symbols.Table, error) {
	entries := make([]symbols.Symbol, len(cfg.Symbols))
	for i, s := range cfg.Symbols {
		entries[i] = symbols.Symbol{Venue: s.Venue, Raw: s.Raw, Normalized: s.Normalized}
	}
	return symbols.New(entries)
}

func buildArchive(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.S3Client, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	if cfg.Archive.Backend == "memory" {
		logger.Info("archiving sealed files to in-memory S3")
		return storage.NewMemoryS3Client(), nil
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
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.EnsureBucket(checkCtx); err != nil {
		return nil, fmt.Errorf("ensure archive bucket: %w", err)
	}
	logger.Info("archiving sealed files to s3", "bucket", s3cfg.Bucket, "region", s3cfg.Region, "endpoint", s3cfg.Endpoint)
	return client, nil
}

func buildBus(cfg config.Config, logger *slog.Logger) (transport.Bus, error) {
	if cfg.Transport.Backend == "kafka" {
		kcfg := cfg.Transport.Kafka
		bus, err := transport.NewKafkaBus(transport.KafkaConfig{
			Brokers:     kcfg.Brokers,
			TopicPrefix: kcfg.TopicPrefix,
			ClientID:    kcfg.ClientID,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using kafka live transport", "brokers", kcfg.Brokers)
		return bus, nil
	}
	bus := transport.NewMemoryBus(0, logger)
	bus.OnDrop = func(topic, partition string, records int) {
		metrics.ErrorsTotal.WithLabelValues("live_drop").Inc()
	}
	return bus, nil
}

// buildCheckpoints returns the checkpoint store and, for etcd, the leaser
// that keeps every pipeline on a single instance.
func buildCheckpoints(cfg config.Config, logger *slog.Logger) (checkpoint.Store, checkpoint.Leaser, error) {
	if cfg.Offsets.Backend == "etcd" {
		store, err := checkpoint.NewEtcdStore(cfg)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using etcd-backed checkpoints", "endpoints", cfg.Etcd.Endpoints)
		return store, store, nil
	}
	store, err := checkpoint.NewLogStore(filepath.Join(cfg.Storage.Dir, bridge.CheckpointEntity))
	if err != nil {
		return nil, nil, err
	}
	return store, nil, nil
}
