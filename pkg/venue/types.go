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

// Side of the taker.
type Side int

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

type OrderType int

const (
	OrderMarket OrderType = 0
	OrderLimit  OrderType = 1
)

// UnifiedTrade is the venue-independent trade record.
type UnifiedTrade struct {
	Symbol          string    `json:"symbol"`
	Price           string    `json:"price"`
	Quantity        string    `json:"quantity"`
	Time            int64     `json:"time"`
	PlatformTradeID uint64    `json:"platformTradeId"`
	Platform        string    `json:"platform"`
	Side            Side      `json:"side"`
	OrderType       OrderType `json:"orderType"`
	Misc            string    `json:"misc,omitempty"`
}

type BookType string

const (
	BookSnapshot BookType = "snapshot"
	BookUpdate   BookType = "update"
)

// PriceLevel is a [price, quantity] pair kept in the venue's decimal text.
type PriceLevel [2]string

// UnifiedOrderBook is the venue-independent order book record. LastUpdateID
// is the venue sequence the book is current at, when the venue has one.
type UnifiedOrderBook struct {
	Type         BookType     `json:"type"`
	Symbol       string       `json:"symbol"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Timestamp    int64        `json:"timestamp"`
	LastUpdateID uint64       `json:"lastUpdateId,omitempty"`
}

// BookMessage is a decoded book envelope with the sequence range it covers.
// Snapshots cover a single id.
type BookMessage struct {
	Book          UnifiedOrderBook
	FirstUpdateID uint64
	FinalUpdateID uint64
}
