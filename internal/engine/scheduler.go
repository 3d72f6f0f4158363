package engine

import (
	"sync"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

// Scheduler gates analysis work: a cooldown between successive runs for the
// same event, and at most one in-flight analysis per event. The first
// analysis of an event is never cooldown-gated.
type Scheduler struct {
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewScheduler(cooldown time.Duration, now func() time.Time) *Scheduler {
	return &Scheduler{
		cooldown: cooldown,
		now:      now,
		inflight: make(map[string]struct{}),
	}
}

// ShouldAnalyze reports whether ev is due for analysis: it must be waiting
// for one, and outside the cooldown measured from its last completed run.
func (s *Scheduler) ShouldAnalyze(ev model.Event) bool {
	if ev.State != model.StateNeedsReanalysis {
		return false
	}
	if ev.LastAnalyzedAt == nil {
		return true
	}
	return s.now().Sub(*ev.LastAnalyzedAt) >= s.cooldown
}

// Acquire claims the analysis slot for an event. It returns false when a run
// for the same event is already in flight; the caller must not start another.
func (s *Scheduler) Acquire(uuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[uuid]; busy {
		return false
	}
	s.inflight[uuid] = struct{}{}
	return true
}

// Release frees the slot claimed by Acquire. Safe to call for an unclaimed
// uuid.
func (s *Scheduler) Release(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, uuid)
}

// InFlight returns the number of analyses currently running.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
