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

// Package reconcile decides what a merged view of two feeds may emit.
//
// HoleConfirmer handles sequences with occasional permanent holes: an id
// that skips ahead is emitted only once both sides have delivered something
// strictly later. BookSequencer brackets order book updates between
// snapshots by their update id ranges.
package reconcile

import "sort"

// Candidate is one sequenced value offered by a side. Ref is opaque to the
// confirmer and lets the caller map decisions back to its own values.
type Candidate struct {
	ID     uint64
	Source string
	Ref    int
}

// Position is the id of the last emission. The zero Position means nothing
// was emitted yet, in which case the lowest candidate is taken as the next id.
type Position struct {
	ID    uint64
	Valid bool
}

// At returns the Position of an emitted id.
func At(id uint64) Position { return Position{ID: id, Valid: true} }

// Covers reports whether id is at or below the position.
func (p Position) Covers(id uint64) bool { return p.Valid && id <= p.ID }

// Follows reports whether id is the next contiguous id after the position.
func (p Position) Follows(id uint64) bool { return !p.Valid || id == p.ID+1 }

// Decision is the outcome of one Decide call. Emit is in emission order;
// Holes lists the emitted candidates that skipped ahead of the last id.
type Decision struct {
	Emit     []Candidate
	Holes    []Candidate
	Stale    []Candidate
	TakeMore []string
	// Waiting is set when a candidate is held for confirmation.
	Waiting bool
	// LastEmitted is the position after the newest emission, or the input value.
	LastEmitted Position
}

// HoleConfirmer confirms gaps between exactly two sides.
type HoleConfirmer struct {
	sides [2]string
}

func NewHoleConfirmer(a, b string) *HoleConfirmer {
	return &HoleConfirmer{sides: [2]string{a, b}}
}

// Decide walks the candidates in id order. Candidates covered by last are
// stale. The next contiguous id is emitted right away; any
// other id is emitted only when each side has a candidate with a strictly
// greater id. The walk stops at the first candidate that cannot be
// confirmed and names the sides that still owe a later record.
func (h *HoleConfirmer) Decide(last Position, cands []Candidate) Decision {
	sorted := append([]Candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	// maxBySide[s] is the largest id seen from side s
	var maxBySide [2]uint64
	var seen [2]bool
	for _, c := range sorted {
		if i, ok := h.side(c.Source); ok {
			maxBySide[i] = max(maxBySide[i], c.ID)
			seen[i] = true
		}
	}

	d := Decision{LastEmitted: last}
	for _, c := range sorted {
		switch {
		case d.LastEmitted.Covers(c.ID):
			d.Stale = append(d.Stale, c)
			continue
		case d.LastEmitted.Follows(c.ID):
			d.Emit = append(d.Emit, c)
			d.LastEmitted = At(c.ID)
			continue
		}
		confirmed := true
		for i := range h.sides {
			if !seen[i] || maxBySide[i] <= c.ID {
				confirmed = false
				d.TakeMore = append(d.TakeMore, h.sides[i])
			}
		}
		if !confirmed {
			d.Waiting = true
			return d
		}
		d.Emit = append(d.Emit, c)
		d.Holes = append(d.Holes, c)
		d.LastEmitted = At(c.ID)
	}
	return d
}

func (h *HoleConfirmer) side(source string) (int, bool) {
	for i, s := range h.sides {
		if s == source {
			return i, true
		}
	}
	return 0, false
}
