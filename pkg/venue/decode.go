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
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

func malformed(id StreamID, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", id, ErrMalformed, fmt.Sprintf(format, args...))
}

// lookup returns the named members of obj, or the first missing key.
func lookup(obj gjson.Result, keys ...string) ([]gjson.Result, string) {
	out := make([]gjson.Result, len(keys))
	for i, key := range keys {
		out[i] = obj.Get(key)
		if !out[i].Exists() {
			return nil, key
		}
	}
	return out, ""
}

// text keeps numbers in their original decimal spelling.
func text(r gjson.Result) string {
	if r.Type == gjson.Number {
		return r.Raw
	}
	return r.String()
}

func id(r gjson.Result) (uint64, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	return r.Uint(), true
}

// pairLevels reads [[price, qty], ...] arrays.
func pairLevels(r gjson.Result) ([]PriceLevel, bool) {
	if !r.IsArray() {
		return nil, false
	}
	levels := make([]PriceLevel, 0, len(r.Array()))
	ok := true
	r.ForEach(func(_, lvl gjson.Result) bool {
		pair := lvl.Array()
		if len(pair) < 2 {
			ok = false
			return false
		}
		levels = append(levels, PriceLevel{text(pair[0]), text(pair[1])})
		return true
	})
	return levels, ok
}

func pathTime(path string) func(gjson.Result) int64 {
	return func(env gjson.Result) int64 {
		return env.Get(path).Int()
	}
}

// maxTime takes the newest of a list of millisecond times.
func maxTime(path string) func(gjson.Result) int64 {
	return func(env gjson.Result) int64 {
		var newest int64
		for _, t := range env.Get(path).Array() {
			newest = max(newest, t.Int())
		}
		return newest
	}
}

func isoMillis(s string) (int64, bool) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}
