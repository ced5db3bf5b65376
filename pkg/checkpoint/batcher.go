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

package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/novatechflow/marketlog/pkg/metrics"
)

// BatcherConfig bounds how much output a Batcher holds back.
type BatcherConfig struct {
	MaxPending int
	MaxWait    time.Duration
	ChunkSize  int
}

// Batcher collects outputs and consumer states and commits them together:
// outputs are written first, states are saved only after every output
// before them is durable.
type Batcher[T any] struct {
	name      string
	cfg       BatcherConfig
	store     Store
	write     func(ctx context.Context, chunk []T) error
	pending   []T
	states    map[string]State
	lastFlush time.Time
	now       func() time.Time
}

func NewBatcher[T any](name string, store Store, write func(ctx context.Context, chunk []T) error, cfg BatcherConfig) *Batcher[T] {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1000
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	return &Batcher[T]{
		name:      name,
		cfg:       cfg,
		store:     store,
		write:     write,
		states:    make(map[string]State),
		lastFlush: time.Now(),
		now:       time.Now,
	}
}

// Add queues outputs and flushes once MaxPending is reached.
func (b *Batcher[T]) Add(ctx context.Context, values ...T) error {
	b.pending = append(b.pending, values...)
	if len(b.pending) >= b.cfg.MaxPending {
		return b.Flush(ctx)
	}
	return nil
}

// Mark records the latest state for key; only the newest one is saved.
func (b *Batcher[T]) Mark(key string, state State) {
	b.states[key] = state
}

// Pending reports the number of unwritten outputs.
func (b *Batcher[T]) Pending() int { return len(b.pending) }

// Tick flushes when MaxWait elapsed since the last flush.
func (b *Batcher[T]) Tick(ctx context.Context) error {
	if len(b.pending) == 0 && len(b.states) == 0 {
		b.lastFlush = b.now()
		return nil
	}
	if b.now().Sub(b.lastFlush) < b.cfg.MaxWait {
		return nil
	}
	return b.Flush(ctx)
}

func (b *Batcher[T]) Flush(ctx context.Context) error {
	err := b.flush(ctx)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.CheckpointCommits.WithLabelValues(b.name, result).Inc()
	return err
}

func (b *Batcher[T]) flush(ctx context.Context) error {
	for len(b.pending) > 0 {
		n := min(b.cfg.ChunkSize, len(b.pending))
		if err := b.write(ctx, b.pending[:n]); err != nil {
			return fmt.Errorf("write outputs: %w", err)
		}
		b.pending = b.pending[n:]
	}
	b.pending = nil

	keys := make([]string, 0, len(b.states))
	for key := range b.states {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := b.store.Save(ctx, key, b.states[key]); err != nil {
			return fmt.Errorf("save checkpoint %s: %w", key, err)
		}
		delete(b.states, key)
	}
	b.lastFlush = b.now()
	return nil
}
