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

import "sort"

type BookEventKind int

const (
	Snapshot BookEventKind = iota
	Update
)

// BookEvent is a snapshot at LastUpdateID or an update covering
// FirstUpdateID..FinalUpdateID. For snapshots both ids equal LastUpdateID.
type BookEvent struct {
	Kind          BookEventKind
	FirstUpdateID uint64
	FinalUpdateID uint64
	Ref           int
}

// BookDecision lists the events to emit in order, every event that is
// finished with (emitted or discarded), and whether updates are held until
// the next snapshot.
type BookDecision struct {
	Emit               []BookEvent
	Done               []BookEvent
	Discarded          int
	WaitingForSnapshot bool
}

// BookSequencer keeps the id the book is current at. The zero value waits
// for its first snapshot.
type BookSequencer struct {
	last     uint64
	baseline bool
}

// Reset sets the baseline, e.g. from the last emitted record after a restart.
func (s *BookSequencer) Reset(lastUpdateID uint64) {
	s.last = lastUpdateID
	s.baseline = true
}

// Last returns the applied id and whether a baseline exists.
func (s *BookSequencer) Last() (uint64, bool) { return s.last, s.baseline }

// Apply consumes events that can be placed relative to the baseline. Events
// not listed in Done stay with the caller and must be offered again.
func (s *BookSequencer) Apply(events []BookEvent) BookDecision {
	var d BookDecision
	var snapshots, updates []BookEvent
	for _, ev := range events {
		if ev.Kind == Snapshot {
			snapshots = append(snapshots, ev)
		} else {
			updates = append(updates, ev)
		}
	}
	sort.SliceStable(snapshots, func(i, j int) bool { return snapshots[i].FinalUpdateID < snapshots[j].FinalUpdateID })
	sort.SliceStable(updates, func(i, j int) bool { return updates[i].FirstUpdateID < updates[j].FirstUpdateID })

	for {
		updates = s.applyUpdates(updates, &d)
		if len(snapshots) == 0 {
			break
		}
		// the oldest snapshot ahead of the baseline becomes the new baseline;
		// everything older is discarded
		snap := snapshots[0]
		snapshots = snapshots[1:]
		if s.baseline && snap.FinalUpdateID <= s.last {
			d.Done = append(d.Done, snap)
			d.Discarded++
			continue
		}
		s.last = snap.FinalUpdateID
		s.baseline = true
		d.Emit = append(d.Emit, snap)
		d.Done = append(d.Done, snap)
	}
	d.WaitingForSnapshot = len(updates) > 0
	return d
}

// applyUpdates emits every update that follows the baseline and drops the
// stale ones. It returns the updates that are still ahead of it.
func (s *BookSequencer) applyUpdates(updates []BookEvent, d *BookDecision) []BookEvent {
	if !s.baseline {
		return updates
	}
	var held []BookEvent
	for _, u := range updates {
		switch {
		case u.FinalUpdateID < s.last:
			d.Done = append(d.Done, u)
			d.Discarded++
		case u.FirstUpdateID <= s.last+1:
			d.Emit = append(d.Emit, u)
			d.Done = append(d.Done, u)
			s.last = max(s.last, u.FinalUpdateID)
		default:
			held = append(held, u)
		}
	}
	return held
}
