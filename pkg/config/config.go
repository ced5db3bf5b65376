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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the bridge configuration schema.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Transport  TransportConfig  `yaml:"transport"`
	Offsets    OffsetConfig     `yaml:"offsets"`
	Etcd       EtcdConfig       `yaml:"etcd"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Merger     MergerConfig     `yaml:"merger"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Pipelines  []PipelineConfig `yaml:"pipelines"`
	Symbols    []SymbolConfig   `yaml:"symbols"`
}

type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
}

type StorageConfig struct {
	Dir             string `yaml:"dir"`
	MaxFileBytes    int64  `yaml:"max_file_bytes"`
	SyncWrites      bool   `yaml:"sync_writes"`
	IndexCacheBytes int    `yaml:"index_cache_bytes"`
}

type ArchiveConfig struct {
	Enabled bool     `yaml:"enabled"`
	Backend string   `yaml:"backend"`
	Prefix  string   `yaml:"prefix"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	KMSKeyARN       string `yaml:"kms_key_arn"`
}

type TransportConfig struct {
	Backend string      `yaml:"backend"`
	Kafka   KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
	ClientID    string   `yaml:"client_id"`
}

type OffsetConfig struct {
	Backend         string `yaml:"backend"`
	LeaseTTLSeconds int    `yaml:"lease_ttl_seconds"`
	KeyPrefix       string `yaml:"key_prefix"`
}

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

type ConsumerConfig struct {
	BatchSize          int `yaml:"batch_size"`
	BackfillBatchSize  int `yaml:"backfill_batch_size"`
	BackfillAttempts   int `yaml:"backfill_attempts"`
	BackfillBackoffMs  int `yaml:"backfill_backoff_ms"`
	IdleCatchUpSeconds int `yaml:"idle_catch_up_seconds"`
}

type MergerConfig struct {
	HeartbeatMs int `yaml:"heartbeat_ms"`
}

type CheckpointConfig struct {
	MaxPending int `yaml:"max_pending"`
	MaxWaitMs  int `yaml:"max_wait_ms"`
	ChunkSize  int `yaml:"chunk_size"`
}

// PipelineConfig selects a reconciliation pipeline for a set of symbols.
type PipelineConfig struct {
	Kind     string   `yaml:"kind"`
	Venue    string   `yaml:"venue"`
	Symbols  []string `yaml:"symbols"`
	MaxWaits int      `yaml:"max_waits"`
}

type SymbolConfig struct {
	Venue      string `yaml:"venue"`
	Raw        string `yaml:"raw"`
	Normalized string `yaml:"normalized"`
}

const (
	PipelineTrades    = "trades"
	PipelineOrderBook = "order_book"
)

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, applies environment overrides and defaults, and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("MARKETLOG_STORAGE_DIR")); v != "" {
		cfg.Storage.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKETLOG_METRICS_ADDR")); v != "" {
		cfg.Server.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKETLOG_HEALTH_ADDR")); v != "" {
		cfg.Server.HealthAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKETLOG_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKETLOG_KAFKA_BROKERS")); v != "" {
		cfg.Transport.Kafka.Brokers = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("MARKETLOG_ETCD_ENDPOINTS")); v != "" {
		cfg.Etcd.Endpoints = splitList(v)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9095"
	}
	if cfg.Server.HealthAddr == "" {
		cfg.Server.HealthAddr = ":9096"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.Storage.MaxFileBytes == 0 {
		cfg.Storage.MaxFileBytes = 4096 * 25600
	}
	if cfg.Storage.IndexCacheBytes == 0 {
		cfg.Storage.IndexCacheBytes = 64 << 20
	}
	if cfg.Archive.Backend == "" {
		cfg.Archive.Backend = "s3"
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "marketlog"
	}
	if cfg.Transport.Backend == "" {
		cfg.Transport.Backend = "memory"
	}
	if cfg.Transport.Kafka.TopicPrefix == "" {
		cfg.Transport.Kafka.TopicPrefix = "marketlog"
	}
	if cfg.Transport.Kafka.ClientID == "" {
		cfg.Transport.Kafka.ClientID = "marketlog-bridge"
	}
	if cfg.Offsets.Backend == "" {
		cfg.Offsets.Backend = "log"
	}
	if cfg.Offsets.LeaseTTLSeconds == 0 {
		cfg.Offsets.LeaseTTLSeconds = 30
	}
	if cfg.Offsets.KeyPrefix == "" {
		cfg.Offsets.KeyPrefix = "marketlog"
	}
	if cfg.Consumer.BatchSize == 0 {
		cfg.Consumer.BatchSize = 1000
	}
	if cfg.Consumer.BackfillBatchSize == 0 {
		cfg.Consumer.BackfillBatchSize = 1000
	}
	if cfg.Consumer.BackfillAttempts == 0 {
		cfg.Consumer.BackfillAttempts = 5
	}
	if cfg.Consumer.BackfillBackoffMs == 0 {
		cfg.Consumer.BackfillBackoffMs = 200
	}
	if cfg.Consumer.IdleCatchUpSeconds == 0 {
		cfg.Consumer.IdleCatchUpSeconds = 10
	}
	if cfg.Merger.HeartbeatMs == 0 {
		cfg.Merger.HeartbeatMs = 1000
	}
	if cfg.Checkpoint.MaxPending == 0 {
		cfg.Checkpoint.MaxPending = 1000
	}
	if cfg.Checkpoint.MaxWaitMs == 0 {
		cfg.Checkpoint.MaxWaitMs = 5000
	}
	if cfg.Checkpoint.ChunkSize == 0 {
		cfg.Checkpoint.ChunkSize = 100
	}
	for i := range cfg.Pipelines {
		if cfg.Pipelines[i].MaxWaits == 0 {
			cfg.Pipelines[i].MaxWaits = 100
		}
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q is not supported", cfg.LogLevel)
	}
	if cfg.Archive.Enabled {
		switch cfg.Archive.Backend {
		case "s3":
			if cfg.Archive.S3.Bucket == "" {
				return fmt.Errorf("archive.s3.bucket is required for archive.backend=s3")
			}
			if cfg.Archive.S3.Region == "" {
				return fmt.Errorf("archive.s3.region is required for archive.backend=s3")
			}
		case "memory":
		default:
			return fmt.Errorf("archive.backend %q is not supported", cfg.Archive.Backend)
		}
	}
	switch cfg.Transport.Backend {
	case "memory":
	case "kafka":
		if len(cfg.Transport.Kafka.Brokers) == 0 {
			return fmt.Errorf("transport.kafka.brokers is required for transport.backend=kafka")
		}
	default:
		return fmt.Errorf("transport.backend %q is not supported", cfg.Transport.Backend)
	}
	switch cfg.Offsets.Backend {
	case "log":
	case "etcd":
		if len(cfg.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd.endpoints is required for offsets.backend=etcd")
		}
	default:
		return fmt.Errorf("offsets.backend %q is not supported", cfg.Offsets.Backend)
	}
	if cfg.Consumer.BatchSize < 0 || cfg.Consumer.BackfillBatchSize < 0 || cfg.Consumer.BackfillAttempts < 0 {
		return fmt.Errorf("consumer sizes must be positive")
	}
	for i, p := range cfg.Pipelines {
		switch p.Kind {
		case PipelineTrades, PipelineOrderBook:
		case "":
			return fmt.Errorf("pipelines[%d].kind is required", i)
		default:
			return fmt.Errorf("pipelines[%d].kind %q is not supported", i, p.Kind)
		}
		if p.Venue == "" {
			return fmt.Errorf("pipelines[%d].venue is required", i)
		}
		if len(p.Symbols) == 0 {
			return fmt.Errorf("pipelines[%d].symbols is required", i)
		}
	}
	for i, s := range cfg.Symbols {
		if s.Venue == "" || s.Raw == "" || s.Normalized == "" {
			return fmt.Errorf("symbols[%d] needs venue, raw and normalized", i)
		}
	}
	return nil
}

// Heartbeat returns the merger heartbeat as a duration.
func (c MergerConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

func (c ConsumerConfig) BackfillBackoff() time.Duration {
	return time.Duration(c.BackfillBackoffMs) * time.Millisecond
}

func (c ConsumerConfig) IdleCatchUp() time.Duration {
	return time.Duration(c.IdleCatchUpSeconds) * time.Second
}

func (c CheckpointConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
