// Package metrics keeps process-wide counters for the ops surface.
package metrics

import "sync/atomic"

var (
	cyclesRun           int64
	cycleErrors         int64
	readingsIngested    int64
	readingsSkipped     int64
	notesIngested       int64
	notesSkipped        int64
	eventsCreated       int64
	eventsRecomputed    int64
	analysesSucceeded   int64
	analysesFailed      int64
	analysesDeferred    int64
	invariantViolations int64
	pushesSent          int64
	backfillRuns        int64
)

func IncCycles() {
	atomic.AddInt64(&cyclesRun, 1)
}

func IncCycleErrors() {
	atomic.AddInt64(&cycleErrors, 1)
}

func AddReadings(n int) {
	atomic.AddInt64(&readingsIngested, int64(n))
}

func AddReadingsSkipped(n int) {
	atomic.AddInt64(&readingsSkipped, int64(n))
}

func AddNotes(n int) {
	atomic.AddInt64(&notesIngested, int64(n))
}

func AddNotesSkipped(n int) {
	atomic.AddInt64(&notesSkipped, int64(n))
}

func AddEventsCreated(n int) {
	atomic.AddInt64(&eventsCreated, int64(n))
}

func AddEventsRecomputed(n int) {
	atomic.AddInt64(&eventsRecomputed, int64(n))
}

func IncAnalysesSucceeded() {
	atomic.AddInt64(&analysesSucceeded, 1)
}

func IncAnalysesFailed() {
	atomic.AddInt64(&analysesFailed, 1)
}

func AddAnalysesDeferred(n int) {
	atomic.AddInt64(&analysesDeferred, int64(n))
}

func AddInvariantViolations(n int) {
	atomic.AddInt64(&invariantViolations, int64(n))
}

func IncPushesSent() {
	atomic.AddInt64(&pushesSent, 1)
}

func IncBackfillRuns() {
	atomic.AddInt64(&backfillRuns, 1)
}

func Snapshot() map[string]int64 {
	return map[string]int64{
		"cycles_run":           atomic.LoadInt64(&cyclesRun),
		"cycle_errors":         atomic.LoadInt64(&cycleErrors),
		"readings_ingested":    atomic.LoadInt64(&readingsIngested),
		"readings_skipped":     atomic.LoadInt64(&readingsSkipped),
		"notes_ingested":       atomic.LoadInt64(&notesIngested),
		"notes_skipped":        atomic.LoadInt64(&notesSkipped),
		"events_created":       atomic.LoadInt64(&eventsCreated),
		"events_recomputed":    atomic.LoadInt64(&eventsRecomputed),
		"analyses_succeeded":   atomic.LoadInt64(&analysesSucceeded),
		"analyses_failed":      atomic.LoadInt64(&analysesFailed),
		"analyses_deferred":    atomic.LoadInt64(&analysesDeferred),
		"invariant_violations": atomic.LoadInt64(&invariantViolations),
		"pushes_sent":          atomic.LoadInt64(&pushesSent),
		"backfill_runs":        atomic.LoadInt64(&backfillRuns),
	}
}
