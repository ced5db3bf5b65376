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

package cache

import "testing"

func TestIndexCacheEviction(t *testing.T) {
	cache := NewIndexCache(10)
	cache.Set("BTCUSDT", 0, []byte("12345"))
	if _, ok := cache.Get("BTCUSDT", 0); !ok {
		t.Fatalf("expected cache hit")
	}
	cache.Set("BTCUSDT", 100, []byte("67890"))
	if cache.ll.Len() != 2 {
		t.Fatalf("expected two entries")
	}
	// touch 0 so 100 becomes the eviction victim
	cache.Get("BTCUSDT", 0)
	cache.Set("BTCUSDT", 200, []byte("abcde"))

	if _, ok := cache.Get("BTCUSDT", 100); ok {
		t.Fatalf("least recently used entry should be evicted")
	}
	if _, ok := cache.Get("BTCUSDT", 0); !ok {
		t.Fatalf("recently used entry evicted")
	}
	if cache.Size() != 10 {
		t.Fatalf("expected size 10, got %d", cache.Size())
	}
}

func TestIndexCacheReplaceAndInvalidate(t *testing.T) {
	cache := NewIndexCache(100)
	cache.Set("a", 0, []byte("xx"))
	cache.Set("a", 0, []byte("yyyy"))
	cache.Set("b", 0, []byte("zz"))
	got, ok := cache.Get("a", 0)
	if !ok || string(got) != "yyyy" {
		t.Fatalf("unexpected entry %q %v", got, ok)
	}
	if cache.Size() != 6 {
		t.Fatalf("expected size 6, got %d", cache.Size())
	}
	cache.Invalidate("a")
	if _, ok := cache.Get("a", 0); ok {
		t.Fatalf("partition a should be invalidated")
	}
	if _, ok := cache.Get("b", 0); !ok {
		t.Fatalf("partition b should survive")
	}
	if cache.Size() != 2 {
		t.Fatalf("expected size 2, got %d", cache.Size())
	}
}
