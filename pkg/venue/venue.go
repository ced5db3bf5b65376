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

// Package venue decodes raw exchange envelopes into unified trades and order
// books. Every supported stream is an entry in a Registry; a stream declares
// its Kind and carries exactly the decoder that kind needs.
package venue

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/novatechflow/marketlog/pkg/storage"
)

// StreamID names a recorded exchange stream, e.g. "binance.trade".
type StreamID string

const (
	BinanceTrade            StreamID = "binance.trade"
	BinanceHistoricalTrades StreamID = "binance.historicalTrades"
	BinanceDiffDepth        StreamID = "binance.diffDepth"
	BinanceOrderBook        StreamID = "binance.orderBook"
	KrakenTrade             StreamID = "kraken.trade"
	KrakenRecentTrades      StreamID = "kraken.recentTrades"
)

// Kind tells which decoder a stream provides.
type Kind int

const (
	// KindLiveTrades is a websocket trade feed.
	KindLiveTrades Kind = iota
	// KindTradeHistory is a polled REST trade history.
	KindTradeHistory
	KindBookSnapshot
	KindBookUpdate
)

func (k Kind) String() string {
	switch k {
	case KindLiveTrades:
		return "live_trades"
	case KindTradeHistory:
		return "trade_history"
	case KindBookSnapshot:
		return "book_snapshot"
	case KindBookUpdate:
		return "book_update"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsTrade reports whether the stream carries trades.
func (k Kind) IsTrade() bool { return k == KindLiveTrades || k == KindTradeHistory }

// ErrMalformed wraps every decoding failure of a stored envelope.
var ErrMalformed = errors.New("malformed envelope")

// Stream describes one recorded exchange stream.
type Stream struct {
	ID    StreamID
	Venue string
	Kind  Kind
	// SymbolPath locates the raw venue symbol inside the envelope.
	SymbolPath string

	// timeOf returns 0 when the payload has no usable time.
	timeOf func(gjson.Result) int64
	trades func(env gjson.Result, symbol string) ([]UnifiedTrade, error)
	book   func(env gjson.Result, symbol string) (BookMessage, error)
}

// Symbol returns the raw venue symbol of an envelope.
func (s Stream) Symbol(data []byte) (string, error) {
	sym := gjson.GetBytes(data, s.SymbolPath).String()
	if sym == "" {
		return "", fmt.Errorf("%s: %w: no symbol at %s", s.ID, ErrMalformed, s.SymbolPath)
	}
	return sym, nil
}

// MessageTime returns the exchange-side time of a stored record, falling back
// to the record timestamp when the payload carries none.
func (s Stream) MessageTime(rec storage.Record) int64 {
	if s.timeOf == nil {
		return rec.Timestamp
	}
	if t := s.timeOf(gjson.ParseBytes(rec.Data)); t > 0 {
		return t
	}
	return rec.Timestamp
}

// TimeExtractor adapts MessageTime for storage.LogConfig.
func (s Stream) TimeExtractor() storage.TimeExtractor {
	return s.MessageTime
}

// Trades decodes a trade envelope. symbol is the normalized name.
func (s Stream) Trades(data []byte, symbol string) ([]UnifiedTrade, error) {
	if s.trades == nil {
		return nil, fmt.Errorf("%s is a %s stream, not a trade stream", s.ID, s.Kind)
	}
	env, err := parse(s.ID, data)
	if err != nil {
		return nil, err
	}
	return s.trades(env, symbol)
}

// Book decodes an order book envelope. symbol is the normalized name.
func (s Stream) Book(data []byte, symbol string) (BookMessage, error) {
	if s.book == nil {
		return BookMessage{}, fmt.Errorf("%s is a %s stream, not a book stream", s.ID, s.Kind)
	}
	env, err := parse(s.ID, data)
	if err != nil {
		return BookMessage{}, err
	}
	return s.book(env, symbol)
}

func (s Stream) validate() error {
	if s.ID == "" || s.Venue == "" || s.SymbolPath == "" {
		return fmt.Errorf("stream %q: id, venue and symbol path are required", s.ID)
	}
	switch {
	case s.Kind.IsTrade():
		if s.trades == nil || s.book != nil {
			return fmt.Errorf("stream %s: trade streams need exactly a trade decoder", s.ID)
		}
	case s.Kind == KindBookSnapshot || s.Kind == KindBookUpdate:
		if s.book == nil || s.trades != nil {
			return fmt.Errorf("stream %s: book streams need exactly a book decoder", s.ID)
		}
	default:
		return fmt.Errorf("stream %s: unknown kind %s", s.ID, s.Kind)
	}
	return nil
}

func parse(id StreamID, data []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%s: %w: invalid json", id, ErrMalformed)
	}
	return gjson.ParseBytes(data), nil
}

// Registry is the immutable set of supported streams.
type Registry struct {
	streams map[StreamID]Stream
}

func NewRegistry(streams ...Stream) (*Registry, error) {
	r := &Registry{streams: make(map[StreamID]Stream, len(streams))}
	for _, s := range streams {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.streams[s.ID]; dup {
			return nil, fmt.Errorf("stream %s registered twice", s.ID)
		}
		r.streams[s.ID] = s
	}
	return r, nil
}

// Default returns the registry of every built-in stream.
func Default() *Registry {
	r, err := NewRegistry(append(binanceStreams(), krakenStreams()...)...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(id StreamID) (Stream, bool) {
	s, ok := r.streams[id]
	return s, ok
}

// IDs lists the registered streams in name order.
func (r *Registry) IDs() []StreamID {
	out := make([]StreamID, 0, len(r.streams))
	for id := range r.streams {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ByKind returns the stream of kind for venue.
func (r *Registry) ByKind(venue string, kind Kind) (Stream, bool) {
	for _, id := range r.IDs() {
		s := r.streams[id]
		if s.Venue == venue && s.Kind == kind {
			return s, true
		}
	}
	return Stream{}, false
}
