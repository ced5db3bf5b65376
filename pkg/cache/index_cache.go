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

import (
	"container/list"
	"fmt"
	"sync"
)

// IndexCache is an LRU of raw index file bytes keyed by partition and the
// first id of the file. Only sealed files belong here; the active file
// changes on every append.
type IndexCache struct {
	mu       sync.Mutex
	capacity int
	size     int
	ll       *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key       string
	partition string
	firstID   uint64
	data      []byte
}

// NewIndexCache creates a cache bounded to capacityBytes.
func NewIndexCache(capacityBytes int) *IndexCache {
	if capacityBytes <= 0 {
		capacityBytes = 1
	}
	return &IndexCache{
		capacity: capacityBytes,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func makeKey(partition string, firstID uint64) string {
	return fmt.Sprintf("%s/%d", partition, firstID)
}

// Get returns the cached bytes. Callers must not modify the returned slice.
func (c *IndexCache) Get(partition string, firstID uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[makeKey(partition, firstID)]; ok {
		c.ll.MoveToFront(elem)
		return elem.Value.(*cacheEntry).data, true
	}
	return nil, false
}

// Set adds or replaces an entry, evicting least recently used entries as needed.
func (c *IndexCache) Set(partition string, firstID uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := makeKey(partition, firstID)
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		c.size -= len(entry.data)
		entry.data = append([]byte(nil), data...)
		c.size += len(entry.data)
		c.ll.MoveToFront(elem)
		c.evictIfNeeded()
		return
	}
	entry := &cacheEntry{
		key:       key,
		partition: partition,
		firstID:   firstID,
		data:      append([]byte(nil), data...),
	}
	c.items[key] = c.ll.PushFront(entry)
	c.size += len(entry.data)
	c.evictIfNeeded()
}

// Invalidate drops every entry of a partition. Used after a reindex.
func (c *IndexCache) Invalidate(partition string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for elem := c.ll.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*cacheEntry)
		if entry.partition == partition {
			c.remove(elem)
		}
		elem = next
	}
}

// Size reports the cached byte count.
func (c *IndexCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *IndexCache) evictIfNeeded() {
	for c.size > c.capacity && c.ll.Len() > 0 {
		c.remove(c.ll.Back())
	}
}

func (c *IndexCache) remove(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.ll.Remove(elem)
	c.size -= len(entry.data)
}
