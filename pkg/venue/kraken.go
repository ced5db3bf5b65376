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

package venue

import (
	"math"

	"github.com/tidwall/gjson"
)

const kraken = "kraken"

func krakenStreams() []Stream {
	return []Stream{
		{
			ID:         KrakenTrade,
			Venue:      kraken,
			Kind:       KindLiveTrades,
			SymbolPath: "message.data.0.symbol",
			timeOf:     krakenTradeTime,
			trades:     decodeKrakenTrade,
		},
		{
			ID:         KrakenRecentTrades,
			Venue:      kraken,
			Kind:       KindTradeHistory,
			SymbolPath: "request.query.pair",
			timeOf:     krakenRecentTime,
			trades:     decodeKrakenRecentTrades,
		},
	}
}

func krakenTradeTime(env gjson.Result) int64 {
	var newest int64
	for _, ts := range env.Get("message.data.#.timestamp").Array() {
		if ms, ok := isoMillis(ts.String()); ok {
			newest = max(newest, ms)
		}
	}
	return newest
}

func krakenRecentTime(env gjson.Result) int64 {
	var newest int64
	env.Get("response.result").ForEach(func(key, trades gjson.Result) bool {
		if key.String() == "last" {
			return true
		}
		for _, trade := range trades.Array() {
			newest = max(newest, krakenMillis(trade.Get("2").Float()))
		}
		return true
	})
	return newest
}

// krakenMillis converts fractional seconds, rounding down.
func krakenMillis(seconds float64) int64 {
	return int64(math.Floor(seconds * 1000))
}

func decodeKrakenTrade(env gjson.Result, symbol string) ([]UnifiedTrade, error) {
	data := env.Get("message.data")
	if !data.IsArray() {
		return nil, malformed(KrakenTrade, "message.data is not an array")
	}
	var (
		out []UnifiedTrade
		err error
	)
	data.ForEach(func(_, trade gjson.Result) bool {
		f, missing := lookup(trade, "price", "qty", "timestamp", "trade_id")
		if missing != "" {
			err = malformed(KrakenTrade, "missing %s", missing)
			return false
		}
		ms, ok := isoMillis(f[2].String())
		if !ok {
			err = malformed(KrakenTrade, "bad timestamp %q", f[2].String())
			return false
		}
		tradeID, ok := id(f[3])
		if !ok {
			err = malformed(KrakenTrade, "trade id %s is not a number", f[3].Raw)
			return false
		}
		t := UnifiedTrade{
			Symbol:          symbol,
			Price:           text(f[0]),
			Quantity:        text(f[1]),
			Time:            ms,
			PlatformTradeID: tradeID,
			Platform:        kraken,
			Side:            SideBuy,
			OrderType:       OrderMarket,
		}
		if trade.Get("side").String() == "sell" {
			t.Side = SideSell
		}
		if trade.Get("ord_type").String() == "limit" {
			t.OrderType = OrderLimit
		}
		out = append(out, t)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decodeKrakenRecentTrades reads result.<pair> tuples of
// [price, volume, time, side, ordType, misc, tradeId]. result carries at most
// the pair and "last".
func decodeKrakenRecentTrades(env gjson.Result, symbol string) ([]UnifiedTrade, error) {
	result := env.Get("response.result")
	if !result.IsObject() {
		return nil, malformed(KrakenRecentTrades, "response.result is not an object")
	}
	if n := len(result.Map()); n > 2 {
		return nil, malformed(KrakenRecentTrades, "unexpected %d keys in result", n)
	}
	var (
		out []UnifiedTrade
		err error
	)
	result.ForEach(func(key, trades gjson.Result) bool {
		if key.String() == "last" || !trades.IsArray() {
			return true
		}
		for _, tuple := range trades.Array() {
			fields := tuple.Array()
			if len(fields) < 7 {
				err = malformed(KrakenRecentTrades, "trade tuple has %d fields", len(fields))
				return false
			}
			tradeID, ok := id(fields[6])
			if !ok {
				err = malformed(KrakenRecentTrades, "trade id %s is not a number", fields[6].Raw)
				return false
			}
			t := UnifiedTrade{
				Symbol:          symbol,
				Price:           text(fields[0]),
				Quantity:        text(fields[1]),
				Time:            krakenMillis(fields[2].Float()),
				PlatformTradeID: tradeID,
				Platform:        kraken,
				Side:            SideBuy,
				OrderType:       OrderMarket,
				Misc:            fields[5].String(),
			}
			if fields[3].String() == "s" {
				t.Side = SideSell
			}
			if fields[4].String() == "l" {
				t.OrderType = OrderLimit
			}
			out = append(out, t)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
