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

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sync"

	"github.com/novatechflow/marketlog/pkg/metrics"
	"github.com/novatechflow/marketlog/pkg/storage"
	"github.com/novatechflow/marketlog/pkg/venue"
)

// Entity directories for unified outputs and checkpoints.
const (
	UnifiedTradeEntity     = "unified_trade"
	UnifiedOrderBookEntity = "unified_order_book"
	CheckpointEntity       = "checkpoints"
)

// LogsConfig is the template every entity log is opened with.
type LogsConfig struct {
	Root            string
	MaxFileBytes    int64
	SyncWrites      bool
	IndexCacheBytes int
	// Archive, when set, receives every sealed file under
	// <ArchivePrefix>/<entity>/<partition>.
	Archive       storage.S3Client
	ArchivePrefix string
	Logger        *slog.Logger
}

// Logs opens one writable storage.Log per entity directory below Root and
// shares it between every user in the process.
type Logs struct {
	cfg       LogsConfig
	registry  *venue.Registry
	logger    *slog.Logger
	mu        sync.Mutex
	logs      map[string]*storage.Log
	archivers map[string]*storage.Archiver
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewLogs(cfg LogsConfig, registry *venue.Registry) *Logs {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Logs{
		cfg:       cfg,
		registry:  registry,
		logger:    logger,
		logs:      make(map[string]*storage.Log),
		archivers: make(map[string]*storage.Archiver),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Open returns the log of entity. Stream entities index the exchange-side
// message time of each envelope.
func (s *Logs) Open(entity string) (*storage.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[entity]; ok {
		return l, nil
	}
	cfg := storage.LogConfig{
		Dir:             filepath.Join(s.cfg.Root, entity),
		Writable:        true,
		MaxFileBytes:    s.cfg.MaxFileBytes,
		SyncWrites:      s.cfg.SyncWrites,
		IndexCacheBytes: s.cfg.IndexCacheBytes,
		Logger:          s.logger.With("log", entity),
	}
	if stream, ok := s.registry.Lookup(venue.StreamID(entity)); ok {
		cfg.TimeExtractor = stream.TimeExtractor()
	}
	if s.cfg.Archive != nil {
		a := storage.NewArchiver(s.cfg.Archive, storage.ArchiverConfig{
			Prefix: path.Join(s.cfg.ArchivePrefix, entity),
			Logger: s.logger.With("component", "archiver", "log", entity),
			OnOp:   metrics.ObserveArchiveOp,
		})
		cfg.OnRotate = a.OnRotate
		s.archivers[entity] = a
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = a.Run(s.ctx)
		}()
	}
	metrics.InstrumentLog(entity, &cfg)
	l, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s log: %w", entity, err)
	}
	s.logs[entity] = l
	return l, nil
}

// Archiver returns the archiver of an opened entity log.
func (s *Logs) Archiver(entity string) (*storage.Archiver, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.archivers[entity]
	return a, ok
}

// Close stops the archivers after they uploaded what is queued.
func (s *Logs) Close() {
	s.cancel()
	s.wg.Wait()
}
