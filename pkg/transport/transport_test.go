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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/novatechflow/marketlog/pkg/storage"
)

func rec(id uint64) storage.Record {
	return storage.Record{ID: id, Timestamp: int64(id) * 10, Data: json.RawMessage(`{"v":1}`)}
}

func TestMemoryBusDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewMemoryBus(4, nil)
	defer bus.Close()
	ctx := context.Background()

	btc, err := bus.Subscribe(ctx, "binance.trade", "BTC-USDT")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	eth, err := bus.Subscribe(ctx, "binance.trade", "ETH-USDT")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "binance.trade", "BTC-USDT", []storage.Record{rec(1), rec(2)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	batch, err := btc.Next(ctx)
	if err != nil || len(batch) != 2 || batch[1].ID != 2 {
		t.Fatalf("unexpected batch %+v %v", batch, err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := eth.Next(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("other partition must stay silent, got %v", err)
	}
}

func TestMemoryBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewMemoryBus(1, nil)
	defer bus.Close()
	dropped := 0
	bus.OnDrop = func(string, string, int) { dropped++ }
	ctx := context.Background()
	sub, _ := bus.Subscribe(ctx, "t", "p")

	for i := uint64(1); i <= 3; i++ {
		if err := bus.Publish(ctx, "t", "p", []storage.Record{rec(i)}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if dropped != 2 {
		t.Fatalf("expected 2 dropped batches, got %d", dropped)
	}
	batch, _ := sub.Next(ctx)
	if batch[0].ID != 1 {
		t.Fatalf("expected the first batch, got %+v", batch)
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(1, nil)
	ctx := context.Background()
	sub, _ := bus.Subscribe(ctx, "t", "p")
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := sub.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
	other, _ := bus.Subscribe(ctx, "t", "p")
	_ = bus.Close()
	if _, err := other.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after bus close, got %v", err)
	}
	if err := bus.Publish(ctx, "t", "p", []storage.Record{rec(1)}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestKafkaRecordCodec(t *testing.T) {
	kr, err := encodeKafkaRecord("marketlog.binance.trade", "BTC-USDT", rec(7))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if kr.Topic != "marketlog.binance.trade" || string(kr.Key) != "BTC-USDT" {
		t.Fatalf("unexpected record %+v", kr)
	}
	other, _ := encodeKafkaRecord("marketlog.binance.trade", "ETH-USDT", rec(8))
	broken := &kgo.Record{Key: []byte("BTC-USDT"), Value: []byte("{")}

	recs, skipped := decodeKafkaRecords("BTC-USDT", []*kgo.Record{kr, other, broken})
	if skipped != 1 || len(recs) != 1 {
		t.Fatalf("expected one record and one skip, got %d %d", len(recs), skipped)
	}
	if recs[0].ID != 7 || recs[0].Timestamp != 70 || string(recs[0].Data) != `{"v":1}` {
		t.Fatalf("unexpected record %+v", recs[0])
	}
}

func TestKafkaBusRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaBus(KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestTransientFetchErrors(t *testing.T) {
	if !allTransientFetchErrors([]kgo.FetchError{{Err: context.Canceled}}) {
		t.Fatalf("canceled fetch should be transient")
	}
	if allTransientFetchErrors([]kgo.FetchError{{Err: errors.New("auth failed")}}) {
		t.Fatalf("auth errors are not transient")
	}
}
