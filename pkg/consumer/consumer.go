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

// Package consumer joins a durable log partition with a lossy live feed of
// the same partition into one gap-free sequence.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/novatechflow/marketlog/pkg/checkpoint"
	"github.com/novatechflow/marketlog/pkg/metrics"
	"github.com/novatechflow/marketlog/pkg/storage"
)

// ErrBackfillFailed is returned when a gap could not be read from the log
// because of persistent read errors.
var ErrBackfillFailed = errors.New("backfill failed")

var errEmptyBackfill = errors.New("backfill returned no records")

const (
	defaultBatchSize         = 1000
	defaultBackfillBatchSize = 1000
	defaultBackfillAttempts  = 5
	defaultBackfillBackoff   = 200 * time.Millisecond
	defaultIdleCatchUp       = 10 * time.Second
)

// PartitionReader is the durable side. *storage.Partition implements it.
type PartitionReader interface {
	ReadRange(ctx context.Context, fromID uint64, count int) ([]storage.Record, error)
	ReadLast(ctx context.Context) (storage.Record, bool, error)
}

// Feed is the live side. transport.Subscription implements it.
type Feed interface {
	Next(ctx context.Context) ([]storage.Record, error)
}

type Options struct {
	// Name labels logs and metrics, usually the stream id.
	Name              string
	Start             *checkpoint.State
	BatchSize         int
	BackfillBatchSize int
	BackfillAttempts  int
	BackfillBackoff   time.Duration
	// IdleCatchUp is how long the feed may stay silent before the log is
	// checked for records the feed never delivered.
	IdleCatchUp time.Duration
	Stopped     func() bool
	Logger      *slog.Logger
}

// Consumer yields records in id order without gaps the log could fill. It
// implements merge.Source and is driven by a single goroutine.
type Consumer struct {
	store  PartitionReader
	feed   Feed
	opts   Options
	logger *slog.Logger
	next   atomic.Uint64
	live   bool
}

func New(store PartitionReader, feed Feed, opts Options) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BackfillBatchSize <= 0 {
		opts.BackfillBatchSize = defaultBackfillBatchSize
	}
	if opts.BackfillAttempts <= 0 {
		opts.BackfillAttempts = defaultBackfillAttempts
	}
	if opts.BackfillBackoff <= 0 {
		opts.BackfillBackoff = defaultBackfillBackoff
	}
	if opts.IdleCatchUp <= 0 {
		opts.IdleCatchUp = defaultIdleCatchUp
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		store:  store,
		feed:   feed,
		opts:   opts,
		logger: logger.With("component", "consumer", "stream", opts.Name),
	}
	if opts.Start != nil {
		c.next.Store(opts.Start.LastProcessedID + 1)
	}
	return c
}

// LastProcessedID returns the highest id yielded so far.
func (c *Consumer) LastProcessedID() (uint64, bool) {
	next := c.next.Load()
	if next == 0 {
		return 0, false
	}
	return next - 1, true
}

// Live reports whether catch-up finished.
func (c *Consumer) Live() bool { return c.live }

// Next returns the following batch. It returns io.EOF once stopped or once
// the feed ended.
func (c *Consumer) Next(ctx context.Context) ([]storage.Record, error) {
	if c.stopped() {
		return nil, io.EOF
	}
	if !c.live {
		recs, err := c.store.ReadRange(ctx, c.next.Load(), c.opts.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("catch-up read: %w", err)
		}
		if len(recs) < c.opts.BatchSize {
			c.live = true
			c.logger.Info("caught up with log, switching to live feed", "next_id", c.next.Load()+uint64(len(recs)))
		}
		out := c.acceptContiguous(recs)
		if len(out) > 0 || !c.live {
			return out, nil
		}
	}
	return c.nextLive(ctx)
}

func (c *Consumer) stopped() bool {
	return c.opts.Stopped != nil && c.opts.Stopped()
}

func (c *Consumer) nextLive(ctx context.Context) ([]storage.Record, error) {
	feedCtx, cancel := context.WithTimeout(ctx, c.opts.IdleCatchUp)
	batch, err := c.feed.Next(feedCtx)
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return c.idleCatchUp(ctx)
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		default:
			return nil, fmt.Errorf("live feed: %w", err)
		}
	}
	return c.reconcile(ctx, batch)
}

// reconcile drops duplicates and fills gaps from the log, in arrival order.
func (c *Consumer) reconcile(ctx context.Context, batch []storage.Record) ([]storage.Record, error) {
	out := make([]storage.Record, 0, len(batch))
	for _, rec := range batch {
		next := c.next.Load()
		switch {
		case rec.ID < next:
			metrics.DuplicatesDropped.WithLabelValues(c.opts.Name).Inc()
			c.logger.Warn("dropping duplicate live record", "id", rec.ID, "next_id", next)
			continue
		case rec.ID > next:
			metrics.GapsDetected.WithLabelValues(c.opts.Name).Inc()
			c.logger.Warn("gap detected on live feed", "from_id", next, "to_id", rec.ID-1)
			filled, err := c.backfill(ctx, next, rec.ID)
			out = append(out, filled...)
			if err != nil {
				return out, err
			}
		}
		out = append(out, rec)
		c.advance(rec.ID)
	}
	return out, nil
}

// backfill reads ids in [from, to) from the log. A range the log does not
// have is skipped; persistent read errors fail with ErrBackfillFailed.
func (c *Consumer) backfill(ctx context.Context, from, to uint64) ([]storage.Record, error) {
	var out []storage.Record
	for from < to {
		count := int(min(uint64(c.opts.BackfillBatchSize), to-from))
		var recs []storage.Record
		op := func() error {
			r, err := c.store.ReadRange(ctx, from, count)
			if err != nil {
				return err
			}
			if len(r) == 0 {
				return errEmptyBackfill
			}
			recs = r
			return nil
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.BackfillBackoff), uint64(c.opts.BackfillAttempts-1)),
			ctx,
		)
		err := backoff.Retry(op, policy)
		switch {
		case errors.Is(err, errEmptyBackfill):
			metrics.BackfillRecords.WithLabelValues(c.opts.Name, "skipped").Add(float64(to - from))
			c.logger.Warn("log has no records for gap, skipping", "from_id", from, "to_id", to-1)
			return out, nil
		case err != nil:
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			metrics.BackfillRecords.WithLabelValues(c.opts.Name, "failed").Add(float64(to - from))
			c.logger.Error("backfill failed", "from_id", from, "to_id", to-1, "attempts", c.opts.BackfillAttempts, "error", err)
			return out, fmt.Errorf("%w: ids %d..%d: %v", ErrBackfillFailed, from, to-1, err)
		}

		progressed := false
		for _, rec := range recs {
			if rec.ID < from || rec.ID >= to {
				continue
			}
			out = append(out, rec)
			c.advance(rec.ID)
			from = rec.ID + 1
			progressed = true
		}
		metrics.BackfillRecords.WithLabelValues(c.opts.Name, "ok").Add(float64(len(recs)))
		if !progressed {
			return out, nil
		}
	}
	c.logger.Info("gap backfilled", "records", len(out))
	return out, nil
}

// idleCatchUp reads from the log when it is ahead of a silent feed.
func (c *Consumer) idleCatchUp(ctx context.Context) ([]storage.Record, error) {
	last, ok, err := c.store.ReadLast(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last: %w", err)
	}
	next := c.next.Load()
	if !ok || last.ID < next {
		return nil, nil
	}
	count := int(min(uint64(c.opts.BatchSize), last.ID-next+1))
	c.logger.Info("log is ahead of a silent live feed, reading from log", "from_id", next, "last_id", last.ID)
	recs, err := c.store.ReadRange(ctx, next, count)
	if err != nil {
		return nil, fmt.Errorf("catch-up read: %w", err)
	}
	return c.acceptContiguous(recs), nil
}

// acceptContiguous keeps the records continuing the sequence.
func (c *Consumer) acceptContiguous(recs []storage.Record) []storage.Record {
	out := make([]storage.Record, 0, len(recs))
	for _, rec := range recs {
		if rec.ID != c.next.Load() {
			continue
		}
		out = append(out, rec)
		c.advance(rec.ID)
	}
	return out
}

func (c *Consumer) advance(id uint64) {
	c.next.Store(id + 1)
	metrics.LastProcessedID.WithLabelValues(c.opts.Name).Set(float64(id))
}
