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

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ArchiverConfig configures an Archiver.
type ArchiverConfig struct {
	// Prefix is prepended to every object key, usually the log name.
	Prefix    string
	QueueSize int
	Logger    *slog.Logger
	// OnOp observes every object store call.
	OnOp func(op string, latency time.Duration, err error)
}

// Archiver copies sealed data files and their indexes to an object store.
// Keys are <prefix>/<partition>/<file name>.
type Archiver struct {
	client S3Client
	prefix string
	logger *slog.Logger
	onOp   func(string, time.Duration, error)
	queue  chan SealedFile
}

// NewArchiver builds an archiver around client.
func NewArchiver(client S3Client, cfg ArchiverConfig) *Archiver {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		client: client,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
		onOp:   cfg.OnOp,
		queue:  make(chan SealedFile, cfg.QueueSize),
	}
}

// Key returns the object key of a file in a partition.
func (a *Archiver) Key(partition, name string) string {
	return path.Join(a.prefix, partition, name)
}

// OnRotate matches LogConfig.OnRotate. It only queues the upload so the
// writer is never held up by the object store.
func (a *Archiver) OnRotate(partition string, sealed SealedFile) {
	select {
	case a.queue <- sealed:
	default:
		a.logger.Error("archive queue full, sealed file not uploaded",
			"partition", partition,
			"file", filepath.Base(sealed.DataPath))
	}
}

// Run uploads queued files until ctx is done, then drains what is left.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case sealed := <-a.queue:
			a.uploadLogged(ctx, sealed)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for {
				select {
				case sealed := <-a.queue:
					a.uploadLogged(drainCtx, sealed)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Archiver) uploadLogged(ctx context.Context, sealed SealedFile) {
	if err := a.Upload(ctx, sealed); err != nil {
		a.logger.Error("archive upload failed",
			"partition", sealed.Partition,
			"file", filepath.Base(sealed.DataPath),
			"error", err)
		return
	}
	a.logger.Info("archived sealed file",
		"partition", sealed.Partition,
		"file", filepath.Base(sealed.DataPath),
		"records", sealed.Count)
}

// Upload stores the data file first and the index second, so an index in the
// store always describes data that is already there.
func (a *Archiver) Upload(ctx context.Context, sealed SealedFile) error {
	for _, p := range []string{sealed.DataPath, sealed.IndexPath} {
		body, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		key := a.Key(sealed.Partition, filepath.Base(p))
		start := time.Now()
		err = a.client.Upload(ctx, key, body)
		if a.onOp != nil {
			a.onOp("upload", time.Since(start), err)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Restore downloads every archived file of partition into <dir>/<partition>.
// Files that already exist locally with the archived size are skipped. It
// returns the number of files written.
func (a *Archiver) Restore(ctx context.Context, partition, dir string) (int, error) {
	if err := validPartitionName(partition); err != nil {
		return 0, err
	}
	prefix := a.Key(partition, "") + "/"
	start := time.Now()
	objects, err := a.client.List(ctx, prefix)
	if a.onOp != nil {
		a.onOp("list", time.Since(start), err)
	}
	if err != nil {
		return 0, err
	}
	target := filepath.Join(dir, partition)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return 0, fmt.Errorf("create restore dir: %w", err)
	}
	written := 0
	for _, obj := range objects {
		name := path.Base(obj.Key)
		if _, ok := parseDataFileName(strings.TrimSuffix(name, indexFileSuffix)); !ok {
			continue
		}
		local := filepath.Join(target, name)
		if info, err := os.Stat(local); err == nil && info.Size() == obj.Size {
			continue
		}
		start := time.Now()
		body, err := a.client.Download(ctx, obj.Key, nil)
		if a.onOp != nil {
			a.onOp("download", time.Since(start), err)
		}
		if err != nil {
			return written, err
		}
		if err := os.WriteFile(local, body, 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", local, err)
		}
		written++
	}
	return written, nil
}
