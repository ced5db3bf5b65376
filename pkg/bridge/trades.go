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

// TradePipeline joins a venue's trade history with its live trades into one
// contiguous UnifiedTrade stream per symbol.
type TradePipeline struct {
	deps    Deps
	opts    PipelineOptions
	name    string
	history venue.Stream
	live    venue.Stream
	logger  *slog.Logger
}

func NewTradePipeline(deps Deps, opts PipelineOptions) (*TradePipeline, error) {
	history, ok := deps.Registry.ByKind(opts.Venue, venue.KindTradeHistory)
	if !ok {
		return nil, fmt.Errorf("venue %s has no trade history stream", opts.Venue)
	}
	live, ok := deps.Registry.ByKind(opts.Venue, venue.KindLiveTrades)
	if !ok {
		return nil, fmt.Errorf("venue %s has no live trade stream", opts.Venue)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	name := checkpoint.Key("trades", opts.Venue, opts.Symbol)
	return &TradePipeline{
		deps:    deps,
		opts:    opts,
		name:    name,
		history: history,
		live:    live,
		logger:  deps.Logger.With("component", "trade-pipeline", "pipeline", name),
	}, nil
}

func (p *TradePipeline) Name() string { return p.name }

type tradeRef struct {
	item  int
	trade int
}

func (p *TradePipeline) Run(ctx context.Context) error {
	out, err := p.deps.Logs.Open(UnifiedTradeEntity)
	if err != nil {
		return err
	}
	last, err := lastTradeID(ctx, out.Partition(p.opts.Symbol))
	if err != nil {
		return err
	}

	streams := map[string]venue.Stream{
		string(p.history.ID): p.history,
		string(p.live.ID):    p.live,
	}
	names := []string{string(p.history.ID), string(p.live.ID)}
	sources, release, err := openSources(ctx, p.deps, p.name, p.opts, []venue.Stream{p.history, p.live})
	if err != nil {
		return err
	}
	defer release()

	m := merge.New(sources, merge.Options{
		Heartbeat: p.opts.Heartbeat,
		Stopped:   func() bool { return ctx.Err() != nil },
	})
	defer m.Close()

	write := unifiedWriter(p.deps, p.name, UnifiedTradeEntity, p.opts.Symbol, func(t venue.UnifiedTrade) int64 { return t.Time })
	batcher := checkpoint.NewBatcher(p.name, p.deps.Checkpoints, write, p.opts.Batcher)
	confirmer := reconcile.NewHoleConfirmer(string(p.history.ID), string(p.live.ID))
	stall := stallCounter{max: p.opts.MaxWaits}

	p.logger.Info("trade pipeline started", "last_emitted", last.ID, "resumed", last.Valid)
	var ctl merge.Control[storage.Record]
	for {
		items, err := m.Next(ctx, ctl)
		if errors.Is(err, merge.ErrStopped) || errors.Is(err, merge.ErrExhausted) || ctx.Err() != nil {
			return finish(ctx, batcher, nil)
		}
		if err != nil {
			return finish(ctx, batcher, err)
		}

		trades := make([][]venue.UnifiedTrade, len(items))
		done := make([]bool, len(items))
		var (
			cands []reconcile.Candidate
			refs  []tradeRef
		)
		for i, item := range items {
			decoded, err := streams[item.Source].Trades(item.Value.Data, p.opts.Symbol)
			if err != nil {
				metrics.ErrorsTotal.WithLabelValues("decode").Inc()
				p.logger.Warn("skipping undecodable record", "stream", item.Source, "id", item.Value.ID, "error", err)
				done[i] = true
				continue
			}
			trades[i] = decoded
			for j, t := range decoded {
				cands = append(cands, reconcile.Candidate{ID: t.PlatformTradeID, Source: item.Source, Ref: len(refs)})
				refs = append(refs, tradeRef{item: i, trade: j})
			}
		}
		decision := confirmer.Decide(last, cands)
		prev := last
		for _, c := range decision.Emit {
			if !prev.Follows(c.ID) {
				metrics.HolesConfirmed.WithLabelValues(p.name, p.opts.Symbol).Inc()
				p.logger.Warn("accepting trade id hole", "from_id", prev.ID+1, "to_id", c.ID-1)
			}
			prev = reconcile.At(c.ID)
			ref := refs[c.Ref]
			if err := batcher.Add(ctx, trades[ref.item][ref.trade]); err != nil {
				return finish(ctx, batcher, err)
			}
		}
		last = decision.LastEmitted

		// a record is finished once none of its trades can still be emitted
		for i := range items {
			if done[i] {
				continue
			}
			finished := true
			for _, t := range trades[i] {
				if !last.Covers(t.PlatformTradeID) {
					finished = false
					break
				}
			}
			done[i] = finished
		}
		markProcessed(batcher, p.name, items, done)
		ctl = control(names, items, done, decision.TakeMore)

		if err := stall.observe(len(decision.Emit) > 0, decision.Waiting); err != nil {
			p.logger.Warn("trade pipeline stalled", "last_emitted", last.ID, "error", err)
			return finish(ctx, batcher, err)
		}
		if err := batcher.Tick(ctx); err != nil {
			return finish(ctx, batcher, err)
		}
	}
}

// lastTradeID reads the venue id of the newest emitted trade. An empty
// output yields the unset position.
func lastTradeID(ctx context.Context, out *storage.Partition) (reconcile.Position, error) {
	rec, ok, err := out.ReadLast(ctx)
	if err != nil || !ok {
		return reconcile.Position{}, err
	}
	var t venue.UnifiedTrade
	if err := json.Unmarshal(rec.Data, &t); err != nil {
		return reconcile.Position{}, fmt.Errorf("decode last unified trade: %w", err)
	}
	return reconcile.At(t.PlatformTradeID), nil
}
