// Package engine correlates glucose readings with logged events. It owns the
// ingestion cycle: pull new readings and notes, place events with their
// observation windows, recompute stats for anything whose window or data
// changed, refresh day rollups, and schedule AI analyses on the worker
// queue. Cycles are serialized; analyses run concurrently across events.
package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/analysis"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/config"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/events"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/glucose"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/metrics"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/queue"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/store"
)

// ReadingSource delivers glucose readings newer than since.
type ReadingSource interface {
	FetchNewReadings(ctx context.Context, since time.Time) ([]model.Reading, error)
}

// NoteSource delivers notes from one folder newer than since.
type NoteSource interface {
	FetchNewNotes(ctx context.Context, since time.Time, folder string) ([]model.Note, error)
}

// Analyzer turns a prompt pair into analysis text.
type Analyzer interface {
	RequestAnalysis(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Deps bundles what the engine is wired to. Clock defaults to config.Now.
type Deps struct {
	Store    *store.Store
	Readings ReadingSource
	Notes    NoteSource
	Analyzer Analyzer
	Queue    *queue.Queue
	Bus      *events.Bus
	Clock    func() time.Time
}

type Engine struct {
	cfg      config.Config
	store    *store.Store
	readings ReadingSource
	notes    NoteSource
	analyzer Analyzer
	queue    *queue.Queue
	bus      *events.Bus
	sched    *Scheduler
	bands    glucose.Bands
	now      func() time.Time

	mu sync.Mutex
}

func New(cfg config.Config, deps Deps) *Engine {
	clock := deps.Clock
	if clock == nil {
		clock = config.Now
	}
	return &Engine{
		cfg:      cfg,
		store:    deps.Store,
		readings: deps.Readings,
		notes:    deps.Notes,
		analyzer: deps.Analyzer,
		queue:    deps.Queue,
		bus:      deps.Bus,
		sched:    NewScheduler(cfg.Engine.ReanalysisCooldown(), clock),
		bands:    glucose.Bands{Low: cfg.Engine.TargetLow, High: cfg.Engine.TargetHigh},
		now:      clock,
	}
}

// CycleSummary reports what one ingestion cycle did.
type CycleSummary struct {
	StartedAt        time.Time `json:"started_at"`
	NewReadings      int       `json:"new_readings"`
	SkippedReadings  int       `json:"skipped_readings"`
	NewNotes         int       `json:"new_notes"`
	SkippedNotes     int       `json:"skipped_notes"`
	DuplicateNotes   int       `json:"duplicate_notes"`
	EventsCreated    int       `json:"events_created"`
	EventsWidened    int       `json:"events_widened"`
	EventsRecomputed int       `json:"events_recomputed"`
	DaysRecomputed   int       `json:"days_recomputed"`
	AnalysesQueued   int       `json:"analyses_queued"`
	AnalysesDeferred int       `json:"analyses_deferred"`
	Violations       []string  `json:"violations,omitempty"`
	ChangedUUIDs     []string  `json:"changed_uuids,omitempty"`
	DurationMs       int64     `json:"duration_ms"`
}

// RunCycle executes one full ingestion cycle. Cycles never run concurrently;
// callers from the poll ticker, the watcher and the ops endpoint all funnel
// through the same lock.
func (e *Engine) RunCycle(ctx context.Context) (CycleSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wall := time.Now()
	sum := CycleSummary{StartedAt: e.now()}

	fresh, err := e.ingestReadings(ctx, &sum)
	if err != nil {
		metrics.IncCycleErrors()
		return sum, err
	}
	if err := e.refreshDayStats(ctx, fresh, &sum); err != nil {
		metrics.IncCycleErrors()
		return sum, err
	}
	accepted, err := e.ingestNotes(ctx, &sum)
	if err != nil {
		metrics.IncCycleErrors()
		return sum, err
	}
	if err := e.placeEvents(ctx, accepted, &sum); err != nil {
		metrics.IncCycleErrors()
		return sum, err
	}
	if err := e.recomputeEvents(ctx, &sum); err != nil {
		metrics.IncCycleErrors()
		return sum, err
	}
	if err := e.scheduleAnalyses(ctx, &sum); err != nil {
		metrics.IncCycleErrors()
		return sum, err
	}

	if len(sum.ChangedUUIDs) > 0 {
		e.bus.Publish(events.EventsChanged{UUIDs: sum.ChangedUUIDs})
	}
	sum.DurationMs = time.Since(wall).Milliseconds()
	metrics.IncCycles()
	log.Printf("cycle readings=%d notes=%d created=%d widened=%d recomputed=%d days=%d queued=%d deferred=%d violations=%d duration_ms=%d",
		sum.NewReadings, sum.NewNotes, sum.EventsCreated, sum.EventsWidened, sum.EventsRecomputed,
		sum.DaysRecomputed, sum.AnalysesQueued, sum.AnalysesDeferred, len(sum.Violations), sum.DurationMs)
	return sum, nil
}

var minValidTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func validateReading(r model.Reading) error {
	if !(r.Value > 0) || math.IsInf(r.Value, 0) {
		return &ValidationError{Item: "reading", Reason: fmt.Sprintf("value %v out of range", r.Value)}
	}
	if !r.Timestamp.After(minValidTime) {
		return &ValidationError{Item: "reading", Reason: "timestamp before 2000-01-01"}
	}
	return nil
}

func (e *Engine) validateNote(n model.Note) error {
	if strings.TrimSpace(n.UUID) == "" {
		return &ValidationError{Item: "note", Reason: "missing uuid"}
	}
	if !n.Timestamp.After(minValidTime) {
		return &ValidationError{Item: "note", Reason: "timestamp before 2000-01-01"}
	}
	if n.Folder != "" && n.Folder != e.cfg.NotesFolder {
		return &ValidationError{Item: "note", Reason: fmt.Sprintf("unknown folder %q", n.Folder)}
	}
	return nil
}

func (e *Engine) ingestReadings(ctx context.Context, sum *CycleSummary) ([]model.Reading, error) {
	since, err := e.store.LastReadingTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading cursor: %w", err)
	}
	batch, err := e.readings.FetchNewReadings(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("fetch readings: %w", err)
	}
	var fresh []model.Reading
	for _, r := range batch {
		if err := validateReading(r); err != nil {
			sum.SkippedReadings++
			log.Printf("skip reading at %s: %v", r.Timestamp.Format(time.RFC3339), err)
			continue
		}
		inserted, err := e.store.InsertReading(ctx, r)
		if err != nil {
			return fresh, fmt.Errorf("insert reading: %w", err)
		}
		if inserted {
			fresh = append(fresh, r)
		}
	}
	sum.NewReadings = len(fresh)
	metrics.AddReadings(len(fresh))
	metrics.AddReadingsSkipped(sum.SkippedReadings)

	if len(fresh) == 0 {
		return fresh, nil
	}
	// Persist the dirty marker right away so an aborted cycle cannot strand
	// stats that no longer match their window's readings.
	evs, err := e.store.ListEvents(ctx)
	if err != nil {
		return fresh, fmt.Errorf("list events: %w", err)
	}
	for _, ev := range evs {
		if ev.State == model.StateNeedsRecompute {
			continue
		}
		for _, r := range fresh {
			if ev.Contains(r.Timestamp) {
				if err := e.store.MarkEventNeedsRecompute(ctx, ev.NoteUUID, e.now()); err != nil {
					return fresh, fmt.Errorf("mark event %s: %w", ev.NoteUUID, err)
				}
				break
			}
		}
	}
	return fresh, nil
}

func (e *Engine) refreshDayStats(ctx context.Context, fresh []model.Reading, sum *CycleSummary) error {
	stale := make(map[string]struct{})
	for _, r := range fresh {
		stale[r.Timestamp.UTC().Format("2006-01-02")] = struct{}{}
	}
	days := make([]string, 0, len(stale))
	for day := range stale {
		days = append(days, day)
	}
	sort.Strings(days)
	for _, day := range days {
		start, err := time.Parse("2006-01-02", day)
		if err != nil {
			return err
		}
		rs, err := e.store.ReadingsBetween(ctx, start, start.Add(24*time.Hour))
		if err != nil {
			return fmt.Errorf("day readings %s: %w", day, err)
		}
		ds := glucose.ComputeDayStats(rs, e.bands)
		ds.Day = day
		if err := e.store.UpsertDayStats(ctx, ds, e.now()); err != nil {
			return fmt.Errorf("upsert day %s: %w", day, err)
		}
		sum.DaysRecomputed++
	}
	return nil
}

func (e *Engine) ingestNotes(ctx context.Context, sum *CycleSummary) ([]model.Note, error) {
	since, err := e.store.LastNoteIngestTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("note cursor: %w", err)
	}
	batch, err := e.notes.FetchNewNotes(ctx, since, e.cfg.NotesFolder)
	if err != nil {
		return nil, fmt.Errorf("fetch notes: %w", err)
	}
	var accepted []model.Note
	for _, n := range batch {
		if err := e.validateNote(n); err != nil {
			sum.SkippedNotes++
			log.Printf("skip note %q: %v", n.UUID, err)
			continue
		}
		if _, err := e.store.InsertNote(ctx, n, e.now()); err != nil {
			return accepted, fmt.Errorf("insert note: %w", err)
		}
		accepted = append(accepted, n)
	}
	sum.NewNotes = len(accepted)
	metrics.AddNotes(len(accepted))
	metrics.AddNotesSkipped(sum.SkippedNotes)
	return accepted, nil
}

func (e *Engine) placeEvents(ctx context.Context, accepted []model.Note, sum *CycleSummary) error {
	if len(accepted) == 0 {
		return nil
	}
	evs, err := e.store.ListEvents(ctx)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	plan := BuildPlan(evs, accepted, e.cfg.Engine.MinLookahead(), e.cfg.Engine.MaxLookahead())
	sum.DuplicateNotes = len(plan.Duplicates)
	for _, c := range plan.Conflicts {
		v := (&InvariantError{Reason: fmt.Sprintf("note %s claims timestamp %s already held by event %s",
			c.Note.UUID, c.Note.Timestamp.Format(time.RFC3339), c.ClaimedByUUID)}).Error()
		sum.Violations = append(sum.Violations, v)
		log.Printf("%s", v)
	}
	metrics.AddInvariantViolations(len(plan.Conflicts))

	for _, ins := range plan.Insertions {
		ev := model.Event{
			NoteUUID:    ins.Note.UUID,
			Timestamp:   ins.Note.Timestamp,
			PeriodStart: ins.Start,
			PeriodEnd:   ins.End,
			State:       model.StateNeedsRecompute,
			UpdatedAt:   e.now(),
		}
		if err := e.store.CreateEvent(ctx, ev); err != nil {
			return err
		}
		sum.EventsCreated++
	}
	metrics.AddEventsCreated(sum.EventsCreated)

	for _, w := range plan.Widenings {
		if err := e.store.WidenEvent(ctx, w.NoteUUID, w.NewEnd, e.now()); err != nil {
			return fmt.Errorf("widen event %s: %w", w.NoteUUID, err)
		}
		sum.EventsWidened++
	}
	return nil
}

func (e *Engine) recomputeEvents(ctx context.Context, sum *CycleSummary) error {
	dirty, err := e.store.ListEventsByState(ctx, model.StateNeedsRecompute)
	if err != nil {
		return fmt.Errorf("list dirty events: %w", err)
	}
	for _, ev := range dirty {
		rs, err := e.store.ReadingsBetween(ctx, ev.PeriodStart, ev.PeriodEnd)
		if err != nil {
			return fmt.Errorf("window readings %s: %w", ev.NoteUUID, err)
		}
		st := glucose.ComputeEventStats(rs, ev.Timestamp)
		next := model.StateCurrent
		switch {
		case !st.Equal(ev.Stats):
			next = model.StateNeedsReanalysis
		case ev.LastAnalyzedAt == nil:
			next = model.StateFresh
		}
		if err := e.store.ReplaceEventStats(ctx, ev.NoteUUID, st, next, e.now()); err != nil {
			return fmt.Errorf("replace stats %s: %w", ev.NoteUUID, err)
		}
		sum.ChangedUUIDs = append(sum.ChangedUUIDs, ev.NoteUUID)
	}
	sum.EventsRecomputed = len(dirty)
	metrics.AddEventsRecomputed(len(dirty))
	return nil
}

func (e *Engine) scheduleAnalyses(ctx context.Context, sum *CycleSummary) error {
	if e.analyzer == nil || !e.cfg.LLM.Enabled {
		return nil
	}
	cands, err := e.store.ListEventsByState(ctx, model.StateNeedsReanalysis)
	if err != nil {
		return fmt.Errorf("list reanalysis candidates: %w", err)
	}
	for _, ev := range cands {
		if !e.sched.ShouldAnalyze(ev) {
			sum.AnalysesDeferred++
			continue
		}
		queued, err := e.launchAnalysis(ctx, ev, false)
		if err != nil {
			log.Printf("launch analysis %s: %v", ev.NoteUUID, err)
			continue
		}
		if queued {
			sum.AnalysesQueued++
		}
	}
	metrics.AddAnalysesDeferred(sum.AnalysesDeferred)
	return nil
}

// ScheduleAnalysis puts one event's analysis on the queue outside the normal
// cycle, used by backfill. Cooldown and the per-event slot still apply.
func (e *Engine) ScheduleAnalysis(ctx context.Context, eventUUID string) (bool, error) {
	if e.analyzer == nil || !e.cfg.LLM.Enabled {
		return false, nil
	}
	ev, err := e.store.GetEvent(ctx, eventUUID)
	if err != nil {
		return false, err
	}
	if ev == nil {
		return false, nil
	}
	if !e.sched.ShouldAnalyze(*ev) {
		return false, nil
	}
	return e.launchAnalysis(ctx, *ev, true)
}

// launchAnalysis claims the per-event slot, freezes the prompt from the
// current snapshot, and hands the call to the worker queue. patient enqueues
// with a retry window instead of dropping on a full queue.
func (e *Engine) launchAnalysis(ctx context.Context, ev model.Event, patient bool) (bool, error) {
	if !e.sched.Acquire(ev.NoteUUID) {
		return false, nil
	}
	claimed, err := e.store.ClaimEventForAnalysis(ctx, ev.NoteUUID, e.now())
	if err != nil || !claimed {
		e.sched.Release(ev.NoteUUID)
		return false, err
	}

	note, err := e.store.GetNote(ctx, ev.NoteUUID)
	if err != nil {
		e.unclaim(ctx, ev.NoteUUID)
		return false, err
	}
	if note == nil {
		note = &model.Note{UUID: ev.NoteUUID, Timestamp: ev.Timestamp}
	}
	all, err := e.store.ListEvents(ctx)
	if err != nil {
		e.unclaim(ctx, ev.NoteUUID)
		return false, err
	}
	overlaps := make([]analysis.Overlap, 0, 4)
	for _, o := range Overlapping(ev, all) {
		line := analysis.Overlap{Timestamp: o.Timestamp, Distance: absDistance(o.Timestamp, ev.Timestamp)}
		if on, err := e.store.GetNote(ctx, o.NoteUUID); err == nil && on != nil {
			line.Text = on.Text
		}
		overlaps = append(overlaps, line)
	}
	rs, err := e.store.ReadingsBetween(ctx, ev.PeriodStart, ev.PeriodEnd)
	if err != nil {
		e.unclaim(ctx, ev.NoteUUID)
		return false, err
	}

	systemPrompt := analysis.EventSystemPrompt(e.cfg.LLM.PromptVersion)
	userPrompt := analysis.EventUserPrompt(*note, ev, overlaps, rs)
	snapshot := ev.Stats
	eventUUID := ev.NoteUUID

	job := queue.Job{
		ID:     uuid.NewString(),
		Source: "analysis",
		Work: func(jobCtx context.Context) error {
			text, err := e.analyzer.RequestAnalysis(jobCtx, systemPrompt, userPrompt)
			if err != nil {
				return err
			}
			return e.completeAnalysis(jobCtx, eventUUID, snapshot, text)
		},
		OnFinish: func(err error) {
			e.sched.Release(eventUUID)
			if err != nil {
				e.failAnalysis(eventUUID, snapshot, err)
			}
		},
	}

	enqueued := false
	if patient {
		enqueued, _ = e.queue.EnqueueWithRetry(ctx, job, 2*time.Second, 100*time.Millisecond)
	} else {
		enqueued = e.queue.Enqueue(job)
	}
	if !enqueued {
		e.unclaim(ctx, eventUUID)
		return false, nil
	}
	return true, nil
}

func (e *Engine) unclaim(ctx context.Context, eventUUID string) {
	if err := e.store.RevertEventAnalysis(ctx, eventUUID, e.now()); err != nil {
		log.Printf("unclaim %s: %v", eventUUID, err)
	}
	e.sched.Release(eventUUID)
}

func (e *Engine) completeAnalysis(ctx context.Context, eventUUID string, snapshot model.EventStats, text string) error {
	classification, cleaned := analysis.ParseClassification(text)
	rec := &model.AnalysisRecord{
		EventUUID:      eventUUID,
		RequestedAt:    e.now(),
		Stats:          snapshot,
		Text:           cleaned,
		Classification: classification,
		Status:         model.AnalysisOK,
	}
	if _, err := e.store.AppendAnalysis(ctx, rec); err != nil {
		return fmt.Errorf("append analysis: %w", err)
	}
	if err := e.store.FinishEventAnalysis(ctx, eventUUID, e.now()); err != nil {
		return fmt.Errorf("finish analysis: %w", err)
	}
	metrics.IncAnalysesSucceeded()
	e.bus.Publish(events.AnalysisLogged{Record: *rec})
	e.bus.Publish(events.EventsChanged{UUIDs: []string{eventUUID}})
	return nil
}

// failAnalysis records a failed run and puts the event back in line. Runs on
// the worker goroutine after the job context is gone, so it brings its own.
func (e *Engine) failAnalysis(eventUUID string, snapshot model.EventStats, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec := &model.AnalysisRecord{
		EventUUID:   eventUUID,
		RequestedAt: e.now(),
		Stats:       snapshot,
		Status:      model.AnalysisFailed,
		Error:       truncate(cause.Error(), 500),
	}
	if _, err := e.store.AppendAnalysis(ctx, rec); err != nil {
		log.Printf("append failed analysis %s: %v", eventUUID, err)
	}
	if err := e.store.RevertEventAnalysis(ctx, eventUUID, e.now()); err != nil {
		log.Printf("revert analysis %s: %v", eventUUID, err)
	}
	metrics.IncAnalysesFailed()
	e.bus.Publish(events.AnalysisLogged{Record: *rec})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// GetEvent returns one event, or nil when the uuid is unknown.
func (e *Engine) GetEvent(ctx context.Context, eventUUID string) (*model.Event, error) {
	return e.store.GetEvent(ctx, eventUUID)
}

// ListEventsInRange returns events whose timestamp falls in [start, end).
func (e *Engine) ListEventsInRange(ctx context.Context, start, end time.Time) ([]model.Event, error) {
	return e.store.ListEventsInRange(ctx, start, end)
}

// GetDayStats returns the rollup for a day. Days with readings but no stored
// row yet are computed on the fly; days without readings return nil.
func (e *Engine) GetDayStats(ctx context.Context, day string) (*model.DayStats, error) {
	if ds, err := e.store.GetDayStats(ctx, day); err != nil || ds != nil {
		return ds, err
	}
	start, err := time.Parse("2006-01-02", day)
	if err != nil {
		return nil, &ValidationError{Item: "day", Reason: "want YYYY-MM-DD"}
	}
	rs, err := e.store.ReadingsBetween(ctx, start, start.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, nil
	}
	ds := glucose.ComputeDayStats(rs, e.bands)
	ds.Day = day
	return &ds, nil
}

// GetPeriodStats computes stats for an arbitrary [start, end) span from
// stored readings. Pure read, nothing persisted.
func (e *Engine) GetPeriodStats(ctx context.Context, start, end time.Time) (model.PeriodStats, error) {
	rs, err := e.store.ReadingsBetween(ctx, start, end)
	if err != nil {
		return model.PeriodStats{}, err
	}
	ps := glucose.ComputePeriodStats(rs, e.bands)
	ps.Start = start
	ps.End = end
	return ps, nil
}

// EventDetail is the full read-side view of one event.
type EventDetail struct {
	Event    model.Event           `json:"event"`
	Note     *model.Note           `json:"note,omitempty"`
	Overlaps []model.Event         `json:"overlaps,omitempty"`
	Latest   *model.AnalysisRecord `json:"latest_analysis,omitempty"`
}

// GetEventDetail resolves an event with its note, overlap context and latest
// analysis. Returns nil when the uuid is unknown.
func (e *Engine) GetEventDetail(ctx context.Context, eventUUID string) (*EventDetail, error) {
	ev, err := e.store.GetEvent(ctx, eventUUID)
	if err != nil || ev == nil {
		return nil, err
	}
	detail := &EventDetail{Event: *ev}
	if detail.Note, err = e.store.GetNote(ctx, eventUUID); err != nil {
		return nil, err
	}
	all, err := e.store.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	detail.Overlaps = Overlapping(*ev, all)
	if detail.Latest, err = e.store.LatestAnalysisFor(ctx, eventUUID); err != nil {
		return nil, err
	}
	return detail, nil
}

// Chat answers a free-form question about recent data. The answer is not
// persisted.
func (e *Engine) Chat(ctx context.Context, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", &ValidationError{Item: "question", Reason: "empty"}
	}
	if e.analyzer == nil || !e.cfg.LLM.Enabled {
		return "", fmt.Errorf("analyzer not configured")
	}
	now := e.now()
	rs, err := e.store.ReadingsBetween(ctx, now.Add(-24*time.Hour), now.Add(time.Minute))
	if err != nil {
		return "", err
	}
	if len(rs) > 48 {
		rs = rs[len(rs)-48:]
	}
	cc := analysis.ChatContext{Readings: rs}
	if ds, err := e.store.GetDayStats(ctx, now.UTC().Format("2006-01-02")); err == nil {
		cc.Today = ds
	}
	evs, err := e.store.ListEventsInRange(ctx, now.Add(-48*time.Hour), now.Add(time.Minute))
	if err != nil {
		return "", err
	}
	for _, ev := range evs {
		line := analysis.ChatEvent{Timestamp: ev.Timestamp}
		if n, err := e.store.GetNote(ctx, ev.NoteUUID); err == nil && n != nil {
			line.Text = n.Text
		}
		if rec, err := e.store.LatestAnalysisFor(ctx, ev.NoteUUID); err == nil && rec != nil {
			line.Classification = rec.Classification
		}
		cc.Events = append(cc.Events, line)
	}
	return e.analyzer.RequestAnalysis(ctx,
		analysis.ChatSystemPrompt(e.cfg.LLM.PromptVersion),
		analysis.ChatUserPrompt(question, cc))
}

// InFlight reports how many analyses are currently running.
func (e *Engine) InFlight() int { return e.sched.InFlight() }
