package engine

import (
	"sort"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

// Overlapping returns the other events whose own timestamp falls inside
// ev's window, ordered by absolute distance from ev's timestamp, nearest
// first. Ties break toward the earlier event. Membership is judged on the
// other event's timestamp only, so the relation is deliberately one-way: a
// later event can sit inside an earlier one's window without the earlier
// timestamp falling inside the later window.
func Overlapping(ev model.Event, all []model.Event) []model.Event {
	out := make([]model.Event, 0, 4)
	for _, other := range all {
		if other.NoteUUID == ev.NoteUUID {
			continue
		}
		if !ev.Contains(other.Timestamp) {
			continue
		}
		out = append(out, other)
	}
	sort.SliceStable(out, func(i, j int) bool {
		di := absDistance(out[i].Timestamp, ev.Timestamp)
		dj := absDistance(out[j].Timestamp, ev.Timestamp)
		if di != dj {
			return di < dj
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func absDistance(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
