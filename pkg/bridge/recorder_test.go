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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/novatechflow/marketlog/pkg/venue"
)

func TestRecorderStoresUnderNormalizedSymbol(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub, err := env.bus.Subscribe(ctx, string(venue.BinanceTrade), testSymbol)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	rec, symbol, err := env.recorder.Record(ctx, venue.BinanceTrade, []byte(binanceTrade(7)))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if symbol != testSymbol || rec.ID != 0 || rec.Timestamp != 1700000000007 {
		t.Fatalf("unexpected record %+v %s", rec, symbol)
	}
	rec, _, err = env.recorder.Record(ctx, venue.BinanceTrade, []byte(binanceTrade(8)))
	if err != nil || rec.ID != 1 {
		t.Fatalf("second Record: %+v %v", rec, err)
	}

	l, err := env.logs.Open(string(venue.BinanceTrade))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	stored, ok, err := l.ReadLast(ctx, testSymbol)
	if err != nil || !ok || stored.ID != 1 {
		t.Fatalf("ReadLast: %+v %v %v", stored, ok, err)
	}

	nextCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	batch, err := sub.Next(nextCtx)
	if err != nil || len(batch) != 1 || batch[0].ID != 0 {
		t.Fatalf("live batch %+v %v", batch, err)
	}
}

func TestRecorderRejects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tests := []struct {
		name     string
		stream   venue.StreamID
		envelope string
		want     error
	}{
		{name: "unknown stream", stream: "binance.nope", envelope: binanceTrade(1), want: ErrUnknownStream},
		{name: "unknown symbol", stream: venue.BinanceTrade, envelope: strings.Replace(binanceTrade(1), "BTCUSDT", "ETHUSDT", 1), want: ErrUnknownSymbol},
		{name: "invalid json", stream: venue.BinanceTrade, envelope: `{"message":`, want: venue.ErrMalformed},
		{name: "no symbol", stream: venue.BinanceTrade, envelope: `{"message":{"data":{}}}`, want: venue.ErrMalformed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := env.recorder.Record(ctx, tc.stream, []byte(tc.envelope))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v got %v", tc.want, err)
			}
		})
	}
}

func TestIngestHandler(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.recorder.Handler())
	defer srv.Close()

	body := binanceTrade(1) + "\n\n" + binanceTrade(2) + "\n"
	resp, err := http.Post(srv.URL+"/ingest/binance.trade", "application/x-ndjson", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || out.Records != 2 || out.LastID != 1 {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, out)
	}

	cases := []struct {
		path   string
		body   string
		status int
	}{
		{path: "/ingest/binance.nope", body: binanceTrade(3), status: http.StatusNotFound},
		{path: "/ingest/binance.trade", body: "not json", status: http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		resp, err := http.Post(srv.URL+tc.path, "application/x-ndjson", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: status %d want %d", tc.path, resp.StatusCode, tc.status)
		}
	}

	resp, err = http.Get(srv.URL + "/ingest/binance.trade")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status %d", resp.StatusCode)
	}
}
