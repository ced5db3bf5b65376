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

package consumer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/novatechflow/marketlog/pkg/storage"
)

// RangeReader reads a log partition by id.
type RangeReader interface {
	ReadRange(ctx context.Context, fromID uint64, count int) ([]storage.Record, error)
}

type ReaderOptions struct {
	BatchSize int
	// Follow keeps polling at PollInterval once the end is reached instead
	// of returning io.EOF.
	Follow       bool
	PollInterval time.Duration
}

// Reader pages through a partition from a starting id. It implements
// merge.Source.
type Reader struct {
	store RangeReader
	next  uint64
	opts  ReaderOptions
}

func NewReader(store RangeReader, fromID uint64, opts ReaderOptions) *Reader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Reader{store: store, next: fromID, opts: opts}
}

// Position is the id the next call starts at.
func (r *Reader) Position() uint64 { return r.next }

func (r *Reader) Next(ctx context.Context) ([]storage.Record, error) {
	for {
		recs, err := r.store.ReadRange(ctx, r.next, r.opts.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("read from %d: %w", r.next, err)
		}
		if len(recs) > 0 {
			r.next = recs[len(recs)-1].ID + 1
			return recs, nil
		}
		if !r.opts.Follow {
			return nil, io.EOF
		}
		timer := time.NewTimer(r.opts.PollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}
