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

import "github.com/tidwall/gjson"

const binance = "binance"

func binanceStreams() []Stream {
	return []Stream{
		{
			ID:         BinanceTrade,
			Venue:      binance,
			Kind:       KindLiveTrades,
			SymbolPath: "message.data.s",
			timeOf:     pathTime("message.data.T"),
			trades:     decodeBinanceTrade,
		},
		{
			ID:         BinanceHistoricalTrades,
			Venue:      binance,
			Kind:       KindTradeHistory,
			SymbolPath: "request.query.symbol",
			timeOf:     maxTime("response.#.time"),
			trades:     decodeBinanceHistoricalTrades,
		},
		{
			ID:         BinanceDiffDepth,
			Venue:      binance,
			Kind:       KindBookUpdate,
			SymbolPath: "message.data.s",
			timeOf:     pathTime("message.data.E"),
			book:       decodeBinanceDiffDepth,
		},
		{
			// the REST snapshot has no time of its own
			ID:         BinanceOrderBook,
			Venue:      binance,
			Kind:       KindBookSnapshot,
			SymbolPath: "request.query.symbol",
			book:       decodeBinanceOrderBook,
		},
	}
}

func binanceSide(buyerMaker bool) Side {
	if buyerMaker {
		return SideSell
	}
	return SideBuy
}

func decodeBinanceTrade(env gjson.Result, symbol string) ([]UnifiedTrade, error) {
	data := env.Get("message.data")
	if !data.IsObject() {
		return nil, malformed(BinanceTrade, "message.data is not an object")
	}
	f, missing := lookup(data, "t", "p", "q", "T")
	if missing != "" {
		return nil, malformed(BinanceTrade, "missing %s", missing)
	}
	tradeID, ok := id(f[0])
	if !ok {
		return nil, malformed(BinanceTrade, "trade id %s is not a number", f[0].Raw)
	}
	return []UnifiedTrade{{
		Symbol:          symbol,
		Price:           text(f[1]),
		Quantity:        text(f[2]),
		Time:            f[3].Int(),
		PlatformTradeID: tradeID,
		Platform:        binance,
		Side:            binanceSide(data.Get("m").Bool()),
		OrderType:       OrderMarket,
	}}, nil
}

func decodeBinanceHistoricalTrades(env gjson.Result, symbol string) ([]UnifiedTrade, error) {
	resp := env.Get("response")
	if !resp.IsArray() {
		return nil, malformed(BinanceHistoricalTrades, "response is not an array")
	}
	var (
		out []UnifiedTrade
		err error
	)
	resp.ForEach(func(_, trade gjson.Result) bool {
		f, missing := lookup(trade, "id", "price", "qty", "time")
		if missing != "" {
			err = malformed(BinanceHistoricalTrades, "missing %s", missing)
			return false
		}
		tradeID, ok := id(f[0])
		if !ok {
			err = malformed(BinanceHistoricalTrades, "trade id %s is not a number", f[0].Raw)
			return false
		}
		out = append(out, UnifiedTrade{
			Symbol:          symbol,
			Price:           text(f[1]),
			Quantity:        text(f[2]),
			Time:            f[3].Int(),
			PlatformTradeID: tradeID,
			Platform:        binance,
			Side:            binanceSide(trade.Get("isBuyerMaker").Bool()),
			OrderType:       OrderMarket,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeBinanceDiffDepth(env gjson.Result, symbol string) (BookMessage, error) {
	data := env.Get("message.data")
	f, missing := lookup(data, "U", "u", "b", "a", "E")
	if missing != "" {
		return BookMessage{}, malformed(BinanceDiffDepth, "missing %s", missing)
	}
	first, ok1 := id(f[0])
	final, ok2 := id(f[1])
	if !ok1 || !ok2 || first > final {
		return BookMessage{}, malformed(BinanceDiffDepth, "bad update range %s..%s", f[0].Raw, f[1].Raw)
	}
	bids, okB := pairLevels(f[2])
	asks, okA := pairLevels(f[3])
	if !okB || !okA {
		return BookMessage{}, malformed(BinanceDiffDepth, "bad price levels")
	}
	return BookMessage{
		Book: UnifiedOrderBook{
			Type:         BookUpdate,
			Symbol:       symbol,
			Bids:         bids,
			Asks:         asks,
			Timestamp:    f[4].Int(),
			LastUpdateID: final,
		},
		FirstUpdateID: first,
		FinalUpdateID: final,
	}, nil
}

func decodeBinanceOrderBook(env gjson.Result, symbol string) (BookMessage, error) {
	resp := env.Get("response")
	f, missing := lookup(resp, "lastUpdateId", "bids", "asks")
	if missing != "" {
		return BookMessage{}, malformed(BinanceOrderBook, "missing %s", missing)
	}
	last, ok := id(f[0])
	if !ok {
		return BookMessage{}, malformed(BinanceOrderBook, "lastUpdateId %s is not a number", f[0].Raw)
	}
	bids, okB := pairLevels(f[1])
	asks, okA := pairLevels(f[2])
	if !okB || !okA {
		return BookMessage{}, malformed(BinanceOrderBook, "bad price levels")
	}
	return BookMessage{
		Book: UnifiedOrderBook{
			Type:         BookSnapshot,
			Symbol:       symbol,
			Bids:         bids,
			Asks:         asks,
			Timestamp:    env.Get("timestamp").Int(),
			LastUpdateID: last,
		},
		FirstUpdateID: last,
		FinalUpdateID: last,
	}, nil
}
