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

package reconcile

import "testing"

func ids(cands []Candidate) []uint64 {
	out := make([]uint64, len(cands))
	for i, c := range cands {
		out[i] = c.ID
	}
	return out
}

func sameIDs(a []uint64, b ...uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestHoleConfirmedByBothSides(t *testing.T) {
	h := NewHoleConfirmer("A", "B")
	d := h.Decide(At(2), []Candidate{
		{ID: 4, Source: "A"},
		{ID: 7, Source: "B"},
		{ID: 8, Source: "A"},
	})
	if !sameIDs(ids(d.Emit), 4) || !sameIDs(ids(d.Holes), 4) {
		t.Fatalf("expected 4 emitted as hole, got emit=%v holes=%v", ids(d.Emit), ids(d.Holes))
	}
	// 7 is next: a later A exists (8) but no later B
	if !d.Waiting || len(d.TakeMore) != 1 || d.TakeMore[0] != "B" {
		t.Fatalf("expected to wait on B, got %+v", d)
	}
	if d.LastEmitted != At(4) {
		t.Fatalf("LastEmitted %+v", d.LastEmitted)
	}
}

func TestHoleHeldWithoutOtherSide(t *testing.T) {
	h := NewHoleConfirmer("A", "B")
	d := h.Decide(At(2), []Candidate{{ID: 4, Source: "A"}, {ID: 8, Source: "A"}})
	if len(d.Emit) != 0 || !d.Waiting {
		t.Fatalf("4 must be held without a later B: %+v", d)
	}
	if len(d.TakeMore) != 1 || d.TakeMore[0] != "B" {
		t.Fatalf("expected takeMore B, got %v", d.TakeMore)
	}
}

func TestLoneTrailingCandidateNeverEmitted(t *testing.T) {
	h := NewHoleConfirmer("A", "B")
	d := h.Decide(At(10), []Candidate{{ID: 12, Source: "B"}})
	if len(d.Emit) != 0 || !d.Waiting {
		t.Fatalf("lone candidate emitted: %+v", d)
	}
	if len(d.TakeMore) != 2 {
		t.Fatalf("both sides owe a later record, got %v", d.TakeMore)
	}
}

func TestFirstDecisionStartsAtLowestID(t *testing.T) {
	h := NewHoleConfirmer("rest", "ws")
	d := h.Decide(Position{}, []Candidate{
		{ID: 1, Source: "ws"},
		{ID: 0, Source: "rest"},
		{ID: 0, Source: "ws"},
	})
	if !sameIDs(ids(d.Emit), 0, 1) || len(d.Holes) != 0 {
		t.Fatalf("unexpected emit %v holes %v", ids(d.Emit), ids(d.Holes))
	}
	if !sameIDs(ids(d.Stale), 0) || d.LastEmitted != At(1) {
		t.Fatalf("unexpected stale %v last %+v", ids(d.Stale), d.LastEmitted)
	}
	if d := h.Decide(Position{}, nil); d.LastEmitted.Valid || d.Waiting {
		t.Fatalf("empty round must keep the unset position: %+v", d)
	}
}

func TestContiguousAndStale(t *testing.T) {
	h := NewHoleConfirmer("rest", "ws")
	d := h.Decide(At(5), []Candidate{
		{ID: 7, Source: "ws", Ref: 3},
		{ID: 4, Source: "rest", Ref: 0},
		{ID: 6, Source: "rest", Ref: 1},
		{ID: 6, Source: "ws", Ref: 2},
	})
	if !sameIDs(ids(d.Emit), 6, 7) || len(d.Holes) != 0 {
		t.Fatalf("unexpected emit %v holes %v", ids(d.Emit), ids(d.Holes))
	}
	if d.Emit[0].Ref != 1 {
		t.Fatalf("first of equal ids should win, got ref %d", d.Emit[0].Ref)
	}
	if !sameIDs(ids(d.Stale), 4, 6) || d.Waiting {
		t.Fatalf("unexpected stale %v waiting %v", ids(d.Stale), d.Waiting)
	}
}

func updateEv(first, final uint64, ref int) BookEvent {
	return BookEvent{Kind: Update, FirstUpdateID: first, FinalUpdateID: final, Ref: ref}
}

func snapshotEv(last uint64, ref int) BookEvent {
	return BookEvent{Kind: Snapshot, FirstUpdateID: last, FinalUpdateID: last, Ref: ref}
}

func refs(evs []BookEvent) []int {
	out := make([]int, len(evs))
	for i, ev := range evs {
		out[i] = ev.Ref
	}
	return out
}

func sameRefs(a []int, b ...int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBookWaitsForFirstSnapshot(t *testing.T) {
	var s BookSequencer
	d := s.Apply([]BookEvent{updateEv(90, 95, 1)})
	if len(d.Emit) != 0 || len(d.Done) != 0 || !d.WaitingForSnapshot {
		t.Fatalf("updates must wait for a snapshot: %+v", d)
	}
	d = s.Apply([]BookEvent{updateEv(90, 95, 1), updateEv(96, 110, 2), snapshotEv(100, 3)})
	// 90..95 is below the snapshot, 96..110 brackets it
	if !sameRefs(refs(d.Emit), 3, 2) {
		t.Fatalf("unexpected emit %v", refs(d.Emit))
	}
	if len(d.Done) != 3 || d.Discarded != 1 || d.WaitingForSnapshot {
		t.Fatalf("unexpected decision %+v", d)
	}
	if last, ok := s.Last(); !ok || last != 110 {
		t.Fatalf("baseline %d %v", last, ok)
	}
}

func TestBookGapWaitsForNextSnapshot(t *testing.T) {
	var s BookSequencer
	s.Reset(100)
	d := s.Apply([]BookEvent{updateEv(101, 105, 1), updateEv(120, 130, 2)})
	if !sameRefs(refs(d.Emit), 1) || !d.WaitingForSnapshot {
		t.Fatalf("expected 101..105 emitted and a wait, got %+v", d)
	}
	d = s.Apply([]BookEvent{updateEv(120, 130, 2), snapshotEv(103, 3)})
	if len(d.Emit) != 0 || d.Discarded != 1 || !d.WaitingForSnapshot {
		t.Fatalf("stale snapshot must be discarded: %+v", d)
	}
	d = s.Apply([]BookEvent{updateEv(120, 130, 2), snapshotEv(125, 4)})
	if !sameRefs(refs(d.Emit), 4, 2) || d.WaitingForSnapshot {
		t.Fatalf("expected snapshot then bracketing update, got %+v", d)
	}
}

func TestBookUpdateEndingAtBaselineApplies(t *testing.T) {
	var s BookSequencer
	s.Reset(50)
	d := s.Apply([]BookEvent{updateEv(45, 50, 1), updateEv(30, 49, 2)})
	if !sameRefs(refs(d.Emit), 1) || d.Discarded != 1 {
		t.Fatalf("unexpected decision %+v", d)
	}
}
