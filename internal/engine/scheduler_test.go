package engine

import (
	"testing"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

func TestShouldAnalyzeFirstRunNeverGated(t *testing.T) {
	now := ts(t, "12:00")
	s := NewScheduler(30*time.Minute, func() time.Time { return now })
	ev := model.Event{NoteUUID: "a", State: model.StateNeedsReanalysis}
	if !s.ShouldAnalyze(ev) {
		t.Fatal("first analysis must not be cooldown gated")
	}
}

func TestShouldAnalyzeCooldown(t *testing.T) {
	now := ts(t, "12:00")
	s := NewScheduler(30*time.Minute, func() time.Time { return now })
	tests := []struct {
		name     string
		analyzed string
		want     bool
	}{
		{"just analyzed", "11:59", false},
		{"inside cooldown", "11:45", false},
		{"exactly at cooldown", "11:30", true},
		{"past cooldown", "10:00", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			at := ts(t, tc.analyzed)
			ev := model.Event{NoteUUID: "a", State: model.StateNeedsReanalysis, LastAnalyzedAt: &at}
			if got := s.ShouldAnalyze(ev); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestShouldAnalyzeWrongState(t *testing.T) {
	s := NewScheduler(30*time.Minute, func() time.Time { return ts(t, "12:00") })
	for _, state := range []model.EventState{model.StateFresh, model.StateNeedsRecompute, model.StateAnalyzing, model.StateCurrent} {
		if s.ShouldAnalyze(model.Event{NoteUUID: "a", State: state}) {
			t.Fatalf("state %s must not schedule", state)
		}
	}
}

func TestAcquireRelease(t *testing.T) {
	s := NewScheduler(time.Minute, func() time.Time { return ts(t, "12:00") })
	if !s.Acquire("a") {
		t.Fatal("first acquire should succeed")
	}
	if s.Acquire("a") {
		t.Fatal("second acquire for same event should fail")
	}
	if !s.Acquire("b") {
		t.Fatal("other events are independent")
	}
	if s.InFlight() != 2 {
		t.Fatalf("expected 2 in flight, got %d", s.InFlight())
	}
	s.Release("a")
	if !s.Acquire("a") {
		t.Fatal("acquire after release should succeed")
	}
}
