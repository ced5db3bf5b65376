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

package checkpoint

import (
	"context"
	"fmt"
	"strings"
)

// State is the resume position of one consumer.
type State struct {
	LastProcessedID        uint64 `json:"lastProcessedId"`
	LastProcessedTimestamp int64  `json:"lastProcessedTimestamp"`
	Timestamp              int64  `json:"timestamp"`
}

// Store persists States by key.
type Store interface {
	// Load returns nil when no state was saved for key.
	Load(ctx context.Context, key string) (*State, error)
	Save(ctx context.Context, key string, state State) error
	Close() error
}

// Key builds a checkpoint key from its parts, e.g. Key("trades", "binance.trade", "BTCUSDT").
func Key(parts ...string) string {
	return strings.Join(parts, ".")
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("invalid checkpoint key %q", key)
	}
	return nil
}
