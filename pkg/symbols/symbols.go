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

// Package symbols maps venue-specific instrument names to the normalized
// names used for partitions and unified records.
package symbols

import (
	"fmt"
	"sort"
	"strings"
)

// Symbol ties one raw venue symbol to its normalized name. A venue may list
// several raw spellings for the same instrument, e.g. REST and WebSocket.
type Symbol struct {
	Venue      string
	Raw        string
	Normalized string
}

type venueKey struct {
	venue string
	name  string
}

// Table is immutable once built and safe for concurrent use.
type Table struct {
	toNormalized map[venueKey]string
	toRaw        map[venueKey]string
	entries      []Symbol
}

func New(entries []Symbol) (*Table, error) {
	t := &Table{
		toNormalized: make(map[venueKey]string, len(entries)),
		toRaw:        make(map[venueKey]string, len(entries)),
	}
	for _, e := range entries {
		if e.Venue == "" || e.Raw == "" || e.Normalized == "" {
			return nil, fmt.Errorf("symbol %+v is incomplete", e)
		}
		if strings.ContainsAny(e.Normalized, `/\`) || e.Normalized == "." || e.Normalized == ".." {
			return nil, fmt.Errorf("normalized symbol %q is not usable as a partition name", e.Normalized)
		}
		key := venueKey{e.Venue, e.Raw}
		if prev, ok := t.toNormalized[key]; ok && prev != e.Normalized {
			return nil, fmt.Errorf("%s symbol %s maps to both %s and %s", e.Venue, e.Raw, prev, e.Normalized)
		}
		t.toNormalized[key] = e.Normalized
		// the first raw spelling wins for the reverse direction
		if _, ok := t.toRaw[venueKey{e.Venue, e.Normalized}]; !ok {
			t.toRaw[venueKey{e.Venue, e.Normalized}] = e.Raw
		}
		t.entries = append(t.entries, e)
	}
	return t, nil
}

// Normalize returns the normalized name of a raw venue symbol.
func (t *Table) Normalize(venue, raw string) (string, bool) {
	n, ok := t.toNormalized[venueKey{venue, raw}]
	return n, ok
}

// Denormalize returns the preferred raw spelling for venue.
func (t *Table) Denormalize(venue, normalized string) (string, bool) {
	r, ok := t.toRaw[venueKey{venue, normalized}]
	return r, ok
}

// Normalized lists the distinct normalized symbols known for venue.
func (t *Table) Normalized(venue string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range t.entries {
		if e.Venue != venue {
			continue
		}
		if _, ok := seen[e.Normalized]; ok {
			continue
		}
		seen[e.Normalized] = struct{}{}
		out = append(out, e.Normalized)
	}
	sort.Strings(out)
	return out
}
