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

// Package bridge records exchange envelopes and runs the reconciliation
// pipelines that turn them into unified per-symbol streams.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/novatechflow/marketlog/pkg/checkpoint"
	"github.com/novatechflow/marketlog/pkg/consumer"
	"github.com/novatechflow/marketlog/pkg/merge"
	"github.com/novatechflow/marketlog/pkg/metrics"
	"github.com/novatechflow/marketlog/pkg/storage"
	"github.com/novatechflow/marketlog/pkg/transport"
	"github.com/novatechflow/marketlog/pkg/venue"
)

// ErrStalled is returned when a pipeline held a candidate for too many
// rounds. The runner restarts it from its checkpoints.
var ErrStalled = errors.New("pipeline stalled")

const finalFlushTimeout = 10 * time.Second

// Deps are the shared services every pipeline uses.
type Deps struct {
	Logs        *Logs
	Registry    *venue.Registry
	Bus         transport.Bus
	Checkpoints checkpoint.Store
	Logger      *slog.Logger
}

// PipelineOptions configure one pipeline instance.
type PipelineOptions struct {
	Venue  string
	Symbol string
	// MaxWaits bounds consecutive rounds without progress while a
	// candidate is held; zero disables the bound.
	MaxWaits  int
	Heartbeat time.Duration
	Consumer  consumer.Options
	Batcher   checkpoint.BatcherConfig
}

type Pipeline interface {
	Name() string
	Run(ctx context.Context) error
}

// openSources opens a consistent consumer per stream, resuming from its
// checkpoint. The returned func releases the live subscriptions.
func openSources(ctx context.Context, deps Deps, pipeline string, opts PipelineOptions, streams []venue.Stream) (map[string]merge.Source[storage.Record], func(), error) {
	var subs []transport.Subscription
	release := func() {
		for _, sub := range subs {
			_ = sub.Close()
		}
	}
	sources := make(map[string]merge.Source[storage.Record], len(streams))
	for _, stream := range streams {
		l, err := deps.Logs.Open(string(stream.ID))
		if err != nil {
			release()
			return nil, nil, err
		}
		start, err := deps.Checkpoints.Load(ctx, checkpointKey(pipeline, stream.ID))
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("load checkpoint for %s: %w", stream.ID, err)
		}
		// subscribe before catching up so nothing published meanwhile is lost
		sub, err := deps.Bus.Subscribe(ctx, string(stream.ID), opts.Symbol)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("subscribe %s: %w", stream.ID, err)
		}
		subs = append(subs, sub)
		copts := opts.Consumer
		copts.Name = string(stream.ID)
		copts.Start = start
		copts.Logger = deps.Logger
		if copts.Stopped == nil {
			copts.Stopped = func() bool { return ctx.Err() != nil }
		}
		sources[string(stream.ID)] = consumer.New(l.Partition(opts.Symbol), sub, copts)
	}
	return sources, release, nil
}

func checkpointKey(pipeline string, stream venue.StreamID) string {
	return checkpoint.Key(pipeline, string(stream))
}

// unifiedWriter appends emitted values to the output log and republishes
// them on the bus under entity.
func unifiedWriter[T any](deps Deps, pipeline, entity, symbol string, timeOf func(T) int64) func(context.Context, []T) error {
	logger := deps.Logger.With("pipeline", pipeline)
	return func(ctx context.Context, chunk []T) error {
		out, err := deps.Logs.Open(entity)
		if err != nil {
			return err
		}
		recs := make([]storage.Record, len(chunk))
		for i, v := range chunk {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode %s: %w", entity, err)
			}
			recs[i] = storage.Record{Timestamp: timeOf(v), Data: data}
		}
		ids, err := out.AppendBatch(ctx, symbol, recs)
		if err != nil {
			return err
		}
		for i := range recs {
			recs[i].ID = ids[i]
		}
		metrics.Emitted.WithLabelValues(pipeline, symbol).Add(float64(len(recs)))
		if err := deps.Bus.Publish(ctx, entity, symbol, recs); err != nil {
			metrics.ErrorsTotal.WithLabelValues("publish").Inc()
			logger.Warn("publish unified records failed", "entity", entity, "error", err)
		}
		return nil
	}
}

type marker interface {
	Mark(key string, state checkpoint.State)
}

// markProcessed checkpoints, per source, the last record of the leading run
// of finished items. Items of a source arrive in id order.
func markProcessed(m marker, pipeline string, items []merge.Item[storage.Record], done []bool) {
	blocked := make(map[string]bool)
	states := make(map[string]checkpoint.State)
	for i, item := range items {
		if blocked[item.Source] {
			continue
		}
		if !done[i] {
			blocked[item.Source] = true
			continue
		}
		states[item.Source] = checkpoint.State{
			LastProcessedID:        item.Value.ID,
			LastProcessedTimestamp: item.Value.Timestamp,
		}
	}
	for source, st := range states {
		m.Mark(checkpointKey(pipeline, venue.StreamID(source)), st)
	}
}

// control acknowledges finished items and asks for more from every source
// with nothing left in hand, plus the ones named in extra.
func control(names []string, items []merge.Item[storage.Record], done []bool, extra []string) merge.Control[storage.Record] {
	var ctl merge.Control[storage.Record]
	remaining := make(map[string]int)
	for i, item := range items {
		if done[i] {
			ctl.Done = append(ctl.Done, item)
		} else {
			remaining[item.Source]++
		}
	}
	want := make(map[string]bool)
	for _, name := range names {
		if remaining[name] == 0 {
			want[name] = true
		}
	}
	for _, name := range extra {
		want[name] = true
	}
	for name := range want {
		ctl.TakeMore = append(ctl.TakeMore, name)
	}
	sort.Strings(ctl.TakeMore)
	return ctl
}

// finish forces a last flush even when ctx is already cancelled.
func finish[T any](ctx context.Context, b *checkpoint.Batcher[T], runErr error) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()
	if err := b.Flush(flushCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("final flush: %w", err))
	}
	return runErr
}

// stallCounter counts rounds without progress while something is held.
type stallCounter struct {
	max   int
	waits int
}

func (s *stallCounter) observe(progressed, holding bool) error {
	switch {
	case progressed:
		s.waits = 0
	case holding:
		s.waits++
		if s.max > 0 && s.waits > s.max {
			return fmt.Errorf("%w: %d rounds without progress", ErrStalled, s.waits)
		}
	}
	return nil
}
