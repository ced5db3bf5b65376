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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/novatechflow/marketlog/pkg/checkpoint"
	"github.com/novatechflow/marketlog/pkg/merge"
	"github.com/novatechflow/marketlog/pkg/metrics"
	"github.com/novatechflow/marketlog/pkg/reconcile"
	"github.com/novatechflow/marketlog/pkg/storage"
	"github.com/novatechflow/marketlog/pkg/venue"
)

// BookPipeline orders a venue's book snapshots and diff updates into one
// UnifiedOrderBook stream per symbol.
type BookPipeline struct {
	deps     Deps
	opts     PipelineOptions
	name     string
	snapshot venue.Stream
	update   venue.Stream
	logger   *slog.Logger
}

func NewBookPipeline(deps Deps, opts PipelineOptions) (*BookPipeline, error) {
	snapshot, ok := deps.Registry.ByKind(opts.Venue, venue.KindBookSnapshot)
	if !ok {
		return nil, fmt.Errorf("venue %s has no book snapshot stream", opts.Venue)
	}
	update, ok := deps.Registry.ByKind(opts.Venue, venue.KindBookUpdate)
	if !ok {
		return nil, fmt.Errorf("venue %s has no book update stream", opts.Venue)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	name := checkpoint.Key("order_book", opts.Venue, opts.Symbol)
	return &BookPipeline{
		deps:     deps,
		opts:     opts,
		name:     name,
		snapshot: snapshot,
		update:   update,
		logger:   deps.Logger.With("component", "book-pipeline", "pipeline", name),
	}, nil
}

func (p *BookPipeline) Name() string { return p.name }

func (p *BookPipeline) Run(ctx context.Context) error {
	out, err := p.deps.Logs.Open(UnifiedOrderBookEntity)
	if err != nil {
		return err
	}
	var seq reconcile.BookSequencer
	if last, ok, err := lastBookUpdateID(ctx, out.Partition(p.opts.Symbol)); err != nil {
		return err
	} else if ok {
		seq.Reset(last)
	}

	streams := map[string]venue.Stream{
		string(p.snapshot.ID): p.snapshot,
		string(p.update.ID):   p.update,
	}
	names := []string{string(p.snapshot.ID), string(p.update.ID)}
	sources, release, err := openSources(ctx, p.deps, p.name, p.opts, []venue.Stream{p.snapshot, p.update})
	if err != nil {
		return err
	}
	defer release()

	m := merge.New(sources, merge.Options{
		Heartbeat: p.opts.Heartbeat,
		Stopped:   func() bool { return ctx.Err() != nil },
	})
	defer m.Close()

	write := unifiedWriter(p.deps, p.name, UnifiedOrderBookEntity, p.opts.Symbol, func(b venue.UnifiedOrderBook) int64 { return b.Timestamp })
	batcher := checkpoint.NewBatcher(p.name, p.deps.Checkpoints, write, p.opts.Batcher)
	stall := stallCounter{max: p.opts.MaxWaits}

	last, resumed := seq.Last()
	p.logger.Info("book pipeline started", "last_update_id", last, "resumed", resumed)
	var ctl merge.Control[storage.Record]
	for {
		items, err := m.Next(ctx, ctl)
		if errors.Is(err, merge.ErrStopped) || errors.Is(err, merge.ErrExhausted) || ctx.Err() != nil {
			return finish(ctx, batcher, nil)
		}
		if err != nil {
			return finish(ctx, batcher, err)
		}

		books := make([]venue.BookMessage, len(items))
		done := make([]bool, len(items))
		var events []reconcile.BookEvent
		for i, item := range items {
			msg, err := streams[item.Source].Book(item.Value.Data, p.opts.Symbol)
			if err != nil {
				metrics.ErrorsTotal.WithLabelValues("decode").Inc()
				p.logger.Warn("skipping undecodable record", "stream", item.Source, "id", item.Value.ID, "error", err)
				done[i] = true
				continue
			}
			books[i] = msg
			kind := reconcile.Update
			if msg.Book.Type == venue.BookSnapshot {
				kind = reconcile.Snapshot
			}
			events = append(events, reconcile.BookEvent{
				Kind:          kind,
				FirstUpdateID: msg.FirstUpdateID,
				FinalUpdateID: msg.FinalUpdateID,
				Ref:           i,
			})
		}

		decision := seq.Apply(events)
		for _, ev := range decision.Emit {
			if err := batcher.Add(ctx, books[ev.Ref].Book); err != nil {
				return finish(ctx, batcher, err)
			}
		}
		for _, ev := range decision.Done {
			done[ev.Ref] = true
		}
		if decision.Discarded > 0 {
			p.logger.Debug("discarded stale book events", "count", decision.Discarded)
		}
		markProcessed(batcher, p.name, items, done)
		ctl = control(names, items, done, nil)

		if err := stall.observe(len(decision.Emit) > 0, decision.WaitingForSnapshot); err != nil {
			p.logger.Warn("book pipeline stalled waiting for a snapshot", "error", err)
			return finish(ctx, batcher, err)
		}
		if err := batcher.Tick(ctx); err != nil {
			return finish(ctx, batcher, err)
		}
	}
}

func lastBookUpdateID(ctx context.Context, out *storage.Partition) (uint64, bool, error) {
	rec, ok, err := out.ReadLast(ctx)
	if err != nil || !ok {
		return 0, false, err
	}
	var b venue.UnifiedOrderBook
	if err := json.Unmarshal(rec.Data, &b); err != nil {
		return 0, false, fmt.Errorf("decode last unified order book: %w", err)
	}
	return b.LastUpdateID, b.LastUpdateID > 0, nil
}
