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
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/novatechflow/marketlog/pkg/checkpoint"
	"github.com/novatechflow/marketlog/pkg/consumer"
	"github.com/novatechflow/marketlog/pkg/symbols"
	"github.com/novatechflow/marketlog/pkg/transport"
	"github.com/novatechflow/marketlog/pkg/venue"
)

const testSymbol = "BTC-USDT"

type testEnv struct {
	root     string
	logs     *Logs
	bus      *transport.MemoryBus
	store    *checkpoint.LogStore
	table    *symbols.Table
	recorder *Recorder
	deps     Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	registry := venue.Default()
	table, err := symbols.New([]symbols.Symbol{{Venue: "binance", Raw: "BTCUSDT", Normalized: testSymbol}})
	if err != nil {
		t.Fatalf("symbols: %v", err)
	}
	logs := NewLogs(LogsConfig{Root: root}, registry)
	t.Cleanup(logs.Close)
	bus := transport.NewMemoryBus(64, nil)
	t.Cleanup(func() { _ = bus.Close() })
	store, err := checkpoint.NewLogStore(filepath.Join(root, CheckpointEntity))
	if err != nil {
		t.Fatalf("checkpoint store: %v", err)
	}
	return &testEnv{
		root:     root,
		logs:     logs,
		bus:      bus,
		store:    store,
		table:    table,
		recorder: NewRecorder(logs, registry, table, bus, nil),
		deps:     Deps{Logs: logs, Registry: registry, Bus: bus, Checkpoints: store},
	}
}

func (e *testEnv) record(t *testing.T, id venue.StreamID, envelope string) {
	t.Helper()
	if _, _, err := e.recorder.Record(context.Background(), id, []byte(envelope)); err != nil {
		t.Fatalf("record %s: %v", id, err)
	}
}

func testOptions() PipelineOptions {
	return PipelineOptions{
		Venue:     "binance",
		Symbol:    testSymbol,
		Heartbeat: 20 * time.Millisecond,
		Consumer:  consumer.Options{IdleCatchUp: 50 * time.Millisecond, BackfillBackoff: time.Millisecond},
		Batcher:   checkpoint.BatcherConfig{MaxWait: 10 * time.Millisecond},
	}
}

func binanceTrade(id uint64) string {
	return fmt.Sprintf(`{"timestamp":%d,"message":{"stream":"btcusdt@trade","data":{"e":"trade","E":%d,"s":"BTCUSDT","t":%d,"p":"37000.10","q":"0.010","T":%d,"m":true}}}`,
		1700000000000+id, 1700000000000+id, id, 1700000000000+id)
}

func binanceHistory(ids ...uint64) string {
	trades := make([]string, len(ids))
	for i, id := range ids {
		trades[i] = fmt.Sprintf(`{"id":%d,"price":"36999.0","qty":"0.5","time":%d,"isBuyerMaker":false,"isBestMatch":true}`, id, 1700000000000+id)
	}
	return fmt.Sprintf(`{"timestamp":1700000009999,"request":{"query":{"symbol":"BTCUSDT","fromId":%d}},"response":[%s]}`, ids[0], strings.Join(trades, ","))
}

func binanceSnapshot(last uint64) string {
	return fmt.Sprintf(`{"timestamp":1700000000400,"request":{"query":{"symbol":"BTCUSDT","limit":1000}},"response":{"lastUpdateId":%d,"bids":[["4.00000000","431.00000000"]],"asks":[["4.00000200","12.00000000"]]}}`, last)
}

func binanceDepth(first, final uint64) string {
	return fmt.Sprintf(`{"timestamp":1700000000300,"message":{"stream":"btcusdt@depth","data":{"e":"depthUpdate","E":%d,"s":"BTCUSDT","U":%d,"u":%d,"b":[["0.0024","10"]],"a":[["0.0026","100"]]}}}`,
		1700000000000+final, first, final)
}

// startPipeline runs p until the returned stop func is called.
func startPipeline(t *testing.T, p Pipeline) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Second):
			t.Fatalf("pipeline %s did not stop", p.Name())
			return nil
		}
	}
}

func readOutput[T any](t *testing.T, env *testEnv, entity string) []T {
	t.Helper()
	l, err := env.logs.Open(entity)
	if err != nil {
		t.Fatalf("open %s: %v", entity, err)
	}
	recs, err := l.ReadRange(context.Background(), testSymbol, 0, 1000)
	if err != nil {
		t.Fatalf("read %s: %v", entity, err)
	}
	out := make([]T, len(recs))
	for i, rec := range recs {
		if err := json.Unmarshal(rec.Data, &out[i]); err != nil {
			t.Fatalf("decode %s record %d: %v", entity, rec.ID, err)
		}
	}
	return out
}

func waitForOutput[T any](t *testing.T, env *testEnv, entity string, n int) []T {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		out := readOutput[T](t, env, entity)
		if len(out) >= n || time.Now().After(deadline) {
			return out
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func tradeIDs(trades []venue.UnifiedTrade) []uint64 {
	ids := make([]uint64, len(trades))
	for i, tr := range trades {
		ids[i] = tr.PlatformTradeID
	}
	return ids
}

func equalIDs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTradePipelineMergesHistoryAndLive(t *testing.T) {
	env := newTestEnv(t)
	env.record(t, venue.BinanceHistoricalTrades, binanceHistory(100, 101, 102))
	env.record(t, venue.BinanceTrade, binanceTrade(103))
	// 104 never arrives on either side
	env.record(t, venue.BinanceTrade, binanceTrade(105))
	env.record(t, venue.BinanceTrade, binanceTrade(106))
	env.record(t, venue.BinanceHistoricalTrades, binanceHistory(106, 107))

	p, err := NewTradePipeline(env.deps, testOptions())
	if err != nil {
		t.Fatalf("NewTradePipeline: %v", err)
	}
	if p.Name() != "trades.binance.BTC-USDT" {
		t.Fatalf("unexpected name %s", p.Name())
	}
	stop := startPipeline(t, p)
	got := waitForOutput[venue.UnifiedTrade](t, env, UnifiedTradeEntity, 7)
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []uint64{100, 101, 102, 103, 105, 106, 107}
	if ids := tradeIDs(got); !equalIDs(ids, want) {
		t.Fatalf("emitted %v want %v", ids, want)
	}
	if got[0].Symbol != testSymbol || got[0].Platform != "binance" {
		t.Fatalf("unexpected unified trade %+v", got[0])
	}

	ctx := context.Background()
	hist, err := env.store.Load(ctx, checkpointKey(p.Name(), venue.BinanceHistoricalTrades))
	if err != nil || hist == nil || hist.LastProcessedID != 1 {
		t.Fatalf("history checkpoint %+v %v", hist, err)
	}
	live, err := env.store.Load(ctx, checkpointKey(p.Name(), venue.BinanceTrade))
	if err != nil || live == nil || live.LastProcessedID != 2 {
		t.Fatalf("live checkpoint %+v %v", live, err)
	}
}

func TestTradePipelineEmitsFirstTradeZero(t *testing.T) {
	env := newTestEnv(t)
	env.record(t, venue.BinanceHistoricalTrades, binanceHistory(0, 1))
	env.record(t, venue.BinanceTrade, binanceTrade(2))

	p, err := NewTradePipeline(env.deps, testOptions())
	if err != nil {
		t.Fatalf("NewTradePipeline: %v", err)
	}
	stop := startPipeline(t, p)
	got := waitForOutput[venue.UnifiedTrade](t, env, UnifiedTradeEntity, 3)
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ids := tradeIDs(got); !equalIDs(ids, []uint64{0, 1, 2}) {
		t.Fatalf("emitted %v", ids)
	}
}

func TestTradePipelineResumesWithoutDuplicates(t *testing.T) {
	env := newTestEnv(t)
	env.record(t, venue.BinanceHistoricalTrades, binanceHistory(1, 2))
	env.record(t, venue.BinanceTrade, binanceTrade(3))

	p, err := NewTradePipeline(env.deps, testOptions())
	if err != nil {
		t.Fatalf("NewTradePipeline: %v", err)
	}
	stop := startPipeline(t, p)
	waitForOutput[venue.UnifiedTrade](t, env, UnifiedTradeEntity, 3)
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stop = startPipeline(t, p)
	// arrives on the live feed of the restarted pipeline
	env.record(t, venue.BinanceTrade, binanceTrade(4))
	got := waitForOutput[venue.UnifiedTrade](t, env, UnifiedTradeEntity, 4)
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ids := tradeIDs(got); !equalIDs(ids, []uint64{1, 2, 3, 4}) {
		t.Fatalf("emitted %v", ids)
	}
}

func TestTradePipelineRepublishesUnifiedTrades(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.bus.Subscribe(context.Background(), UnifiedTradeEntity, testSymbol)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	env.record(t, venue.BinanceHistoricalTrades, binanceHistory(10))
	env.record(t, venue.BinanceTrade, binanceTrade(11))

	p, err := NewTradePipeline(env.deps, testOptions())
	if err != nil {
		t.Fatalf("NewTradePipeline: %v", err)
	}
	stop := startPipeline(t, p)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ids []uint64
	for len(ids) < 2 {
		batch, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		for _, rec := range batch {
			ids = append(ids, rec.ID)
		}
	}
	if !equalIDs(ids, []uint64{0, 1}) {
		t.Fatalf("republished ids %v", ids)
	}
}

func TestBookPipelineSequencesSnapshotsAndUpdates(t *testing.T) {
	env := newTestEnv(t)
	env.record(t, venue.BinanceDiffDepth, binanceDepth(95, 99))
	env.record(t, venue.BinanceDiffDepth, binanceDepth(101, 103))
	env.record(t, venue.BinanceDiffDepth, binanceDepth(104, 106))
	env.record(t, venue.BinanceOrderBook, binanceSnapshot(100))

	p, err := NewBookPipeline(env.deps, testOptions())
	if err != nil {
		t.Fatalf("NewBookPipeline: %v", err)
	}
	if p.Name() != "order_book.binance.BTC-USDT" {
		t.Fatalf("unexpected name %s", p.Name())
	}
	stop := startPipeline(t, p)
	got := waitForOutput[venue.UnifiedOrderBook](t, env, UnifiedOrderBookEntity, 3)
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 books got %+v", got)
	}
	if got[0].Type != venue.BookSnapshot || got[0].LastUpdateID != 100 {
		t.Fatalf("first book %+v", got[0])
	}
	if got[1].Type != venue.BookUpdate || got[1].LastUpdateID != 103 || got[2].LastUpdateID != 106 {
		t.Fatalf("updates %+v %+v", got[1], got[2])
	}

	// every update was either applied or discarded
	state, err := env.store.Load(context.Background(), checkpointKey(p.Name(), venue.BinanceDiffDepth))
	if err != nil || state == nil || state.LastProcessedID != 2 {
		t.Fatalf("update checkpoint %+v %v", state, err)
	}
}

func TestBookPipelineStallsWithoutSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.record(t, venue.BinanceDiffDepth, binanceDepth(1, 2))

	opts := testOptions()
	opts.MaxWaits = 3
	p, err := NewBookPipeline(env.deps, opts)
	if err != nil {
		t.Fatalf("NewBookPipeline: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx); !errors.Is(err, ErrStalled) {
		t.Fatalf("expected ErrStalled got %v", err)
	}
}

func TestPipelinesRequireVenueStreams(t *testing.T) {
	env := newTestEnv(t)
	opts := testOptions()
	opts.Venue = "kraken"
	if _, err := NewBookPipeline(env.deps, opts); err == nil {
		t.Fatalf("kraken has no book streams")
	}
	opts.Venue = "nowhere"
	if _, err := NewTradePipeline(env.deps, opts); err == nil {
		t.Fatalf("expected error for unknown venue")
	}
}
