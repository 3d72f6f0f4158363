package engine

import (
	"sort"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

// Bounds computes the window for a new event given the timestamps of its
// neighbors in the ordered event set. With no predecessor the window reaches
// back by the minimum lookahead; with no successor it is capped at the
// no-successor lookahead. With a successor the end is the later of
// eventTS+minLookahead and the successor itself, so densely packed events
// still keep their guaranteed trailing coverage and sparse ones stretch to
// the next event.
func Bounds(prev, next *time.Time, eventTS time.Time, minLookahead, maxLookahead time.Duration) (start, end time.Time) {
	if prev != nil {
		start = *prev
	} else {
		start = eventTS.Add(-minLookahead)
	}
	if next != nil {
		end = eventTS.Add(minLookahead)
		if next.After(end) {
			end = *next
		}
	} else {
		end = eventTS.Add(maxLookahead)
	}
	return start, end
}

// WidenedEnd returns a predecessor's period end after a successor appears at
// successorTS. The stored end participates in the max, so the operation can
// only widen a window or leave it unchanged, never shrink it.
func WidenedEnd(currentEnd, predTS, successorTS time.Time, minLookahead time.Duration) time.Time {
	end := predTS.Add(minLookahead)
	if successorTS.After(end) {
		end = successorTS
	}
	if currentEnd.After(end) {
		end = currentEnd
	}
	return end
}

// Insertion is one new event to create, with its computed window.
type Insertion struct {
	Note  model.Note
	Start time.Time
	End   time.Time
}

// Widening mutates an existing event's period end.
type Widening struct {
	NoteUUID string
	NewEnd   time.Time
}

// Conflict records a note whose timestamp is already claimed by a different
// note's event. These are surfaced, never tie-broken: picking a side could
// hide a source-of-truth duplication upstream.
type Conflict struct {
	Note          model.Note
	ClaimedByUUID string
}

// Plan is the outcome of placing a batch of incoming notes into the ordered
// event set. Nothing is applied here; the caller persists insertions and
// widenings and flags conflicts.
type Plan struct {
	Insertions []Insertion
	Widenings  []Widening
	Conflicts  []Conflict
	Duplicates []string
}

// BuildPlan places incoming notes into the existing event set. Incoming notes
// are processed in timestamp order against the merged order of existing
// events and already-accepted notes, so a note created in the same batch as
// its successor gets successor-aware bounds from the start. Notes whose uuid
// already has an event are idempotent duplicates; notes whose timestamp is
// claimed by another uuid are conflicts.
func BuildPlan(existing []model.Event, incoming []model.Note, minLookahead, maxLookahead time.Duration) Plan {
	var plan Plan

	type point struct {
		ts       time.Time
		uuid     string
		existing bool
	}
	points := make([]point, 0, len(existing)+len(incoming))
	byUUID := make(map[string]struct{}, len(existing))
	byTS := make(map[int64]string, len(existing))
	endByUUID := make(map[string]time.Time, len(existing))
	for _, ev := range existing {
		points = append(points, point{ts: ev.Timestamp, uuid: ev.NoteUUID, existing: true})
		byUUID[ev.NoteUUID] = struct{}{}
		byTS[ev.Timestamp.UnixNano()] = ev.NoteUUID
		endByUUID[ev.NoteUUID] = ev.PeriodEnd
	}

	// Stable sort so equal-timestamp notes keep their batch order; the first
	// one claims the timestamp and the rest surface as conflicts.
	notes := append([]model.Note(nil), incoming...)
	sort.SliceStable(notes, func(i, j int) bool { return notes[i].Timestamp.Before(notes[j].Timestamp) })

	accepted := make([]model.Note, 0, len(notes))
	for _, n := range notes {
		if _, seen := byUUID[n.UUID]; seen {
			plan.Duplicates = append(plan.Duplicates, n.UUID)
			continue
		}
		if claimant, taken := byTS[n.Timestamp.UnixNano()]; taken {
			plan.Conflicts = append(plan.Conflicts, Conflict{Note: n, ClaimedByUUID: claimant})
			continue
		}
		byUUID[n.UUID] = struct{}{}
		byTS[n.Timestamp.UnixNano()] = n.UUID
		points = append(points, point{ts: n.Timestamp, uuid: n.UUID})
		accepted = append(accepted, n)
	}
	if len(accepted) == 0 {
		return plan
	}

	sort.Slice(points, func(i, j int) bool { return points[i].ts.Before(points[j].ts) })
	index := make(map[string]int, len(points))
	for i, p := range points {
		index[p.uuid] = i
	}

	widened := make(map[string]time.Time)
	for _, n := range accepted {
		i := index[n.UUID]
		var prev, next *time.Time
		if i > 0 {
			prev = &points[i-1].ts
		}
		if i+1 < len(points) {
			next = &points[i+1].ts
		}
		start, end := Bounds(prev, next, n.Timestamp, minLookahead, maxLookahead)
		plan.Insertions = append(plan.Insertions, Insertion{Note: n, Start: start, End: end})

		if i > 0 && points[i-1].existing {
			pred := points[i-1]
			current := endByUUID[pred.uuid]
			if w, ok := widened[pred.uuid]; ok {
				current = w
			}
			newEnd := WidenedEnd(current, pred.ts, n.Timestamp, minLookahead)
			if newEnd.After(current) {
				widened[pred.uuid] = newEnd
			}
		}
	}

	for uuid, end := range widened {
		plan.Widenings = append(plan.Widenings, Widening{NoteUUID: uuid, NewEnd: end})
	}
	sort.Slice(plan.Widenings, func(i, j int) bool { return plan.Widenings[i].NoteUUID < plan.Widenings[j].NoteUUID })
	return plan
}
