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
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/novatechflow/marketlog/pkg/checkpoint"
	"github.com/novatechflow/marketlog/pkg/config"
	"github.com/novatechflow/marketlog/pkg/merge"
	"github.com/novatechflow/marketlog/pkg/storage"
)

type markRecorder map[string]checkpoint.State

func (m markRecorder) Mark(key string, state checkpoint.State) { m[key] = state }

func item(source string, id uint64) merge.Item[storage.Record] {
	return merge.Item[storage.Record]{Source: source, Value: storage.Record{ID: id, Timestamp: int64(id) * 10}}
}

func TestMarkProcessedStopsAtFirstUnfinished(t *testing.T) {
	items := []merge.Item[storage.Record]{
		item("a", 4), item("a", 5), item("a", 6),
		item("b", 9), item("b", 10),
		item("c", 1),
	}
	done := []bool{true, false, true, true, true, false}
	marks := markRecorder{}
	markProcessed(marks, "trades.binance.X", items, done)

	want := markRecorder{
		"trades.binance.X.a": {LastProcessedID: 4, LastProcessedTimestamp: 40},
		"trades.binance.X.b": {LastProcessedID: 10, LastProcessedTimestamp: 100},
	}
	if !reflect.DeepEqual(marks, want) {
		t.Fatalf("marks %+v want %+v", marks, want)
	}
}

func TestControlAsksForMoreFromDrainedSources(t *testing.T) {
	items := []merge.Item[storage.Record]{item("a", 1), item("b", 1), item("b", 2)}
	ctl := control([]string{"a", "b", "c"}, items, []bool{true, true, false}, []string{"b"})
	if len(ctl.Done) != 2 {
		t.Fatalf("done %+v", ctl.Done)
	}
	if !reflect.DeepEqual(ctl.TakeMore, []string{"a", "b", "c"}) {
		t.Fatalf("take more %v", ctl.TakeMore)
	}
	ctl = control([]string{"a", "b"}, items, []bool{false, true, false}, nil)
	if len(ctl.TakeMore) != 0 {
		t.Fatalf("sources with held items must not be asked: %v", ctl.TakeMore)
	}
}

func TestStallCounter(t *testing.T) {
	s := stallCounter{max: 2}
	for i := 0; i < 2; i++ {
		if err := s.observe(false, true); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
	// progress and idle rounds reset or keep the count
	if err := s.observe(true, true); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := s.observe(false, false); err != nil {
		t.Fatalf("idle: %v", err)
	}
	for i := 0; i < 2; i++ {
		_ = s.observe(false, true)
	}
	if err := s.observe(false, true); !errors.Is(err, ErrStalled) {
		t.Fatalf("expected ErrStalled got %v", err)
	}
	unbounded := stallCounter{}
	for i := 0; i < 1000; i++ {
		if err := unbounded.observe(false, true); err != nil {
			t.Fatalf("unbounded counter stalled: %v", err)
		}
	}
}

func TestBuildPipelines(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := config.Parse([]byte(`
merger:
  heartbeat_ms: 250
pipelines:
  - kind: trades
    venue: binance
    symbols: [BTC-USDT]
  - kind: order_book
    venue: binance
    symbols: [BTC-USDT]
    max_waits: 7
symbols:
  - venue: binance
    raw: BTCUSDT
    normalized: BTC-USDT
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	pipelines, err := BuildPipelines(cfg, env.table, env.deps)
	if err != nil {
		t.Fatalf("BuildPipelines: %v", err)
	}
	if len(pipelines) != 2 || pipelines[0].Name() != "trades.binance.BTC-USDT" || pipelines[1].Name() != "order_book.binance.BTC-USDT" {
		t.Fatalf("unexpected pipelines")
	}
	book := pipelines[1].(*BookPipeline)
	if book.opts.MaxWaits != 7 || book.opts.Heartbeat != 250*time.Millisecond || book.opts.Consumer.BatchSize != cfg.Consumer.BatchSize {
		t.Fatalf("unexpected options %+v", book.opts)
	}

	cfg.Pipelines[0].Symbols = []string{"ETH-USDT"}
	if _, err := BuildPipelines(cfg, env.table, env.deps); err == nil {
		t.Fatalf("expected error for unmapped symbol")
	}
	cfg.Pipelines[0].Symbols = []string{"BTC-USDT"}
	cfg.Pipelines[1].Kind = config.PipelineTrades
	if _, err := BuildPipelines(cfg, env.table, env.deps); err == nil {
		t.Fatalf("expected error for duplicate pipeline")
	}
}
