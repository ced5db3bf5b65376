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

// Package transport carries freshly written records to live consumers. It
// is best effort: subscribers may miss records and must reconcile against
// the durable log.
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/novatechflow/marketlog/pkg/storage"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("transport closed")

type Publisher interface {
	Publish(ctx context.Context, topic, partition string, recs []storage.Record) error
}

// Subscription yields batches in publish order. Next returns io.EOF once the
// subscription or its bus is closed.
type Subscription interface {
	Next(ctx context.Context) ([]storage.Record, error)
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, topic, partition string) (Subscription, error)
}

// Bus is a Publisher and Subscriber pair.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

const defaultSubscriberBuffer = 256

type channelKey struct {
	topic     string
	partition string
}

// MemoryBus fans batches out to in-process subscribers. A subscriber whose
// buffer is full loses the batch.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[channelKey]map[*memorySubscription]struct{}
	buffer int
	closed bool
	logger *slog.Logger
	// OnDrop is called for every batch a slow subscriber lost.
	OnDrop func(topic, partition string, records int)
}

func NewMemoryBus(buffer int, logger *slog.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subs:   make(map[channelKey]map[*memorySubscription]struct{}),
		buffer: buffer,
		logger: logger.With("component", "memory-bus"),
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic, partition string, recs []storage.Record) error {
	if len(recs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	batch := append([]storage.Record(nil), recs...)
	for sub := range b.subs[channelKey{topic, partition}] {
		select {
		case sub.ch <- batch:
		default:
			b.logger.Debug("subscriber full, dropping batch", "topic", topic, "partition", partition, "records", len(batch))
			if b.OnDrop != nil {
				b.OnDrop(topic, partition, len(batch))
			}
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic, partition string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	key := channelKey{topic, partition}
	sub := &memorySubscription{bus: b, key: key, ch: make(chan []storage.Record, b.buffer)}
	if b.subs[key] == nil {
		b.subs[key] = make(map[*memorySubscription]struct{})
	}
	b.subs[key][sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			close(sub.ch)
		}
	}
	b.subs = nil
	return nil
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[sub.key]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.subs, sub.key)
	}
}

type memorySubscription struct {
	bus *MemoryBus
	key channelKey
	ch  chan []storage.Record
}

func (s *memorySubscription) Next(ctx context.Context) ([]storage.Record, error) {
	select {
	case batch, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.bus.remove(s)
	return nil
}
