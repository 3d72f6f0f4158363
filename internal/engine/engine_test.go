package engine

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/config"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/events"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/queue"
	"github.com/tzaczek/GlucoseMonitor-sub000/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeReadings struct {
	mu   sync.Mutex
	next []model.Reading
	err  error
}

func (f *fakeReadings) feed(rs ...model.Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = append(f.next, rs...)
}

func (f *fakeReadings) FetchNewReadings(ctx context.Context, since time.Time) ([]model.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		err := f.err
		f.err = nil
		return nil, err
	}
	batch := f.next
	f.next = nil
	return batch, nil
}

type fakeNotes struct {
	mu   sync.Mutex
	next []model.Note
}

func (f *fakeNotes) feed(ns ...model.Note) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = append(f.next, ns...)
}

func (f *fakeNotes) FetchNewNotes(ctx context.Context, since time.Time, folder string) ([]model.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := f.next
	f.next = nil
	return batch, nil
}

type fakeAnalyzer struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (f *fakeAnalyzer) RequestAnalysis(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, userPrompt)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeAnalyzer) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func (f *fakeAnalyzer) set(reply string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = reply
	f.err = err
}

type harness struct {
	t        *testing.T
	eng      *Engine
	st       *store.Store
	clock    *testClock
	readings *fakeReadings
	notes    *fakeNotes
	analyzer *fakeAnalyzer
	bus      *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "glucose.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q := queue.New(16, 2, 5*time.Second)
	q.Start(ctx)
	t.Cleanup(func() { q.Stop(context.Background()) })

	h := &harness{
		t:        t,
		st:       st,
		clock:    &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		readings: &fakeReadings{},
		notes:    &fakeNotes{},
		analyzer: &fakeAnalyzer{reply: "[good] Flat response."},
		bus:      events.NewBus(),
	}
	cfg := config.Config{
		NotesFolder: "events",
		Engine: config.EngineConfig{
			MinLookaheadMin:       180,
			MaxLookaheadMin:       240,
			ReanalysisCooldownMin: 30,
			TargetLow:             70,
			TargetHigh:            180,
		},
		LLM: config.LLMConfig{Enabled: true, Model: "test-model", PromptVersion: "v1"},
	}
	h.eng = New(cfg, Deps{
		Store:    st,
		Readings: h.readings,
		Notes:    h.notes,
		Analyzer: h.analyzer,
		Queue:    q,
		Bus:      h.bus,
		Clock:    h.clock.Now,
	})
	return h
}

func (h *harness) cycle() CycleSummary {
	h.t.Helper()
	sum, err := h.eng.RunCycle(context.Background())
	if err != nil {
		h.t.Fatalf("cycle: %v", err)
	}
	return sum
}

func (h *harness) waitFor(desc string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", desc)
}

func (h *harness) waitEventState(uuid string, state model.EventState) model.Event {
	h.t.Helper()
	var got model.Event
	h.waitFor("event "+uuid+" in state "+string(state), func() bool {
		ev, err := h.st.GetEvent(context.Background(), uuid)
		if err != nil {
			h.t.Fatal(err)
		}
		if ev == nil || ev.State != state {
			return false
		}
		got = *ev
		return true
	})
	return got
}

func rd(t *testing.T, clock string, value float64) model.Reading {
	t.Helper()
	return model.Reading{Timestamp: ts(t, clock), Value: value, Trend: model.TrendStable}
}

func note(t *testing.T, uuid, clock, text string) model.Note {
	t.Helper()
	return model.Note{UUID: uuid, Timestamp: ts(t, clock), Text: text, Folder: "events"}
}

func assertFloat(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s: expected %v, got nil", name, want)
	}
	if *got != want {
		t.Fatalf("%s: expected %v, got %v", name, want, *got)
	}
}

func TestCycleBuildsEventAndAnalyzes(t *testing.T) {
	h := newHarness(t)
	h.readings.feed(rd(t, "08:00", 95), rd(t, "08:15", 140), rd(t, "08:30", 180), rd(t, "09:00", 150))
	h.notes.feed(note(t, "breakfast-1", "08:05", "oatmeal and coffee"))

	sum := h.cycle()
	if sum.NewReadings != 4 || sum.NewNotes != 1 || sum.EventsCreated != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.AnalysesQueued != 1 {
		t.Fatalf("expected 1 analysis queued, got %+v", sum)
	}

	ev := h.waitEventState("breakfast-1", model.StateCurrent)
	if !ev.PeriodStart.Equal(ts(t, "05:05")) || !ev.PeriodEnd.Equal(ts(t, "12:05")) {
		t.Fatalf("expected window 05:05..12:05, got %s..%s", ev.PeriodStart, ev.PeriodEnd)
	}
	assertFloat(t, "at_event", ev.Stats.AtEvent, 95)
	assertFloat(t, "min", ev.Stats.Min, 95)
	assertFloat(t, "max", ev.Stats.Max, 180)
	assertFloat(t, "avg", ev.Stats.Avg, 141.25)
	assertFloat(t, "spike", ev.Stats.Spike, 85)
	if ev.Stats.Count != 4 {
		t.Fatalf("expected 4 readings, got %d", ev.Stats.Count)
	}
	if ev.Stats.PeakTime == nil || !ev.Stats.PeakTime.Equal(ts(t, "08:30")) {
		t.Fatalf("expected peak at 08:30, got %v", ev.Stats.PeakTime)
	}
	if ev.LastAnalyzedAt == nil {
		t.Fatal("expected last_analyzed_at set")
	}

	rec, err := h.st.LatestAnalysisFor(context.Background(), "breakfast-1")
	if err != nil || rec == nil {
		t.Fatalf("latest analysis: %v %v", rec, err)
	}
	if rec.Status != model.AnalysisOK || rec.Classification != model.ClassGood {
		t.Fatalf("expected ok/good, got %s/%s", rec.Status, rec.Classification)
	}
	if rec.Text != "Flat response." {
		t.Fatalf("expected tag stripped, got %q", rec.Text)
	}
	assertFloat(t, "snapshot spike", rec.Stats.Spike, 85)
	if got := h.analyzer.lastPrompt(); !strings.Contains(got, "oatmeal and coffee") {
		t.Fatalf("prompt missing note text: %q", got)
	}
}

func TestSingleBatchPairGetsSuccessorAwareWindows(t *testing.T) {
	h := newHarness(t)
	h.notes.feed(note(t, "a", "08:00", "breakfast"), note(t, "b", "08:20", "walk"))

	sum := h.cycle()
	if sum.EventsCreated != 2 || sum.AnalysesQueued != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	a, _ := h.st.GetEvent(context.Background(), "a")
	if !a.PeriodEnd.Equal(ts(t, "11:00")) {
		t.Fatalf("expected first event end 11:00, got %s", a.PeriodEnd)
	}
	b, _ := h.st.GetEvent(context.Background(), "b")
	if !b.PeriodStart.Equal(ts(t, "08:00")) || !b.PeriodEnd.Equal(ts(t, "12:20")) {
		t.Fatalf("expected second window 08:00..12:20, got %s..%s", b.PeriodStart, b.PeriodEnd)
	}
	if a.State != model.StateFresh || b.State != model.StateFresh {
		t.Fatalf("no readings, expected fresh events, got %s/%s", a.State, b.State)
	}
	if h.analyzer.callCount() != 0 {
		t.Fatalf("nothing to analyze, got %d calls", h.analyzer.callCount())
	}
}

func TestRetroactiveWideningNeverShrinks(t *testing.T) {
	h := newHarness(t)
	h.notes.feed(note(t, "a", "08:00", "breakfast"))
	h.cycle()

	a, _ := h.st.GetEvent(context.Background(), "a")
	if !a.PeriodEnd.Equal(ts(t, "12:00")) {
		t.Fatalf("expected capped end 12:00, got %s", a.PeriodEnd)
	}

	h.notes.feed(note(t, "c", "13:00", "late lunch"))
	sum := h.cycle()
	if sum.EventsWidened != 1 {
		t.Fatalf("expected 1 widening, got %+v", sum)
	}
	a, _ = h.st.GetEvent(context.Background(), "a")
	if !a.PeriodEnd.Equal(ts(t, "13:00")) {
		t.Fatalf("expected widened end 13:00, got %s", a.PeriodEnd)
	}

	// A successor inside the trailing coverage must not pull the end back.
	h.notes.feed(note(t, "b", "08:20", "walk"))
	sum = h.cycle()
	if sum.EventsWidened != 0 {
		t.Fatalf("expected no widening, got %+v", sum)
	}
	a, _ = h.st.GetEvent(context.Background(), "a")
	if !a.PeriodEnd.Equal(ts(t, "13:00")) {
		t.Fatalf("end shrank to %s", a.PeriodEnd)
	}
	b, _ := h.st.GetEvent(context.Background(), "b")
	if !b.PeriodStart.Equal(ts(t, "08:00")) || !b.PeriodEnd.Equal(ts(t, "13:00")) {
		t.Fatalf("expected 08:00..13:00 for the inserted event, got %s..%s", b.PeriodStart, b.PeriodEnd)
	}
}

func TestNewReadingTriggersRecomputeUnderCooldown(t *testing.T) {
	h := newHarness(t)
	h.readings.feed(rd(t, "08:05", 100))
	h.notes.feed(note(t, "a", "08:00", "breakfast"))
	h.cycle()
	h.waitEventState("a", model.StateCurrent)
	if h.analyzer.callCount() != 1 {
		t.Fatalf("expected 1 analysis, got %d", h.analyzer.callCount())
	}

	h.readings.feed(rd(t, "09:00", 150))
	sum := h.cycle()
	if sum.AnalysesDeferred != 1 || sum.AnalysesQueued != 0 {
		t.Fatalf("expected cooldown deferral, got %+v", sum)
	}
	ev, _ := h.st.GetEvent(context.Background(), "a")
	if ev.State != model.StateNeedsReanalysis {
		t.Fatalf("expected needs_reanalysis, got %s", ev.State)
	}
	assertFloat(t, "spike after recompute", ev.Stats.Spike, 50)
	if ev.Stats.Count != 2 {
		t.Fatalf("expected 2 readings, got %d", ev.Stats.Count)
	}
	if h.analyzer.callCount() != 1 {
		t.Fatalf("cooldown must hold the analyzer at 1 call, got %d", h.analyzer.callCount())
	}

	h.clock.Advance(31 * time.Minute)
	sum = h.cycle()
	if sum.AnalysesQueued != 1 {
		t.Fatalf("expected reanalysis after cooldown, got %+v", sum)
	}
	h.waitEventState("a", model.StateCurrent)
	if h.analyzer.callCount() != 2 {
		t.Fatalf("expected 2 analyses, got %d", h.analyzer.callCount())
	}
}

func TestIdenticalRecomputeSettlesWithoutReanalysis(t *testing.T) {
	h := newHarness(t)
	h.readings.feed(rd(t, "07:00", 100))
	h.notes.feed(note(t, "a", "08:00", "breakfast"))
	h.cycle()
	h.waitEventState("a", model.StateCurrent)

	// Widening forces a recompute, but the only reading sits before the new
	// note's window, so both stats come out unchanged and nothing reanalyzes.
	h.notes.feed(note(t, "b", "13:00", "lunch"))
	sum := h.cycle()
	if sum.EventsWidened != 1 {
		t.Fatalf("expected widening, got %+v", sum)
	}
	ev := h.waitEventState("a", model.StateCurrent)
	if ev.Stats.Count != 1 {
		t.Fatalf("stats should be unchanged, got count %d", ev.Stats.Count)
	}
	b := h.waitEventState("b", model.StateFresh)
	if b.Stats.Count != 0 {
		t.Fatalf("no readings in the new window, got count %d", b.Stats.Count)
	}
	if h.analyzer.callCount() != 1 {
		t.Fatalf("identical stats must not reanalyze, got %d calls", h.analyzer.callCount())
	}
}

func TestDuplicateNoteIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.notes.feed(note(t, "a", "08:00", "breakfast"), note(t, "a", "08:00", "breakfast"))
	sum := h.cycle()
	if sum.EventsCreated != 1 || sum.DuplicateNotes != 1 {
		t.Fatalf("expected 1 created 1 duplicate, got %+v", sum)
	}

	h.notes.feed(note(t, "a", "08:00", "breakfast"))
	sum = h.cycle()
	if sum.EventsCreated != 0 || sum.DuplicateNotes != 1 {
		t.Fatalf("expected idempotent replay, got %+v", sum)
	}
	evs, _ := h.st.ListEvents(context.Background())
	if len(evs) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(evs))
	}
}

func TestTimestampCollisionSurfaced(t *testing.T) {
	h := newHarness(t)
	h.notes.feed(note(t, "a", "08:00", "breakfast"))
	h.cycle()

	h.notes.feed(note(t, "b", "08:00", "second claim"))
	sum := h.cycle()
	if sum.EventsCreated != 0 {
		t.Fatalf("collision must not create an event, got %+v", sum)
	}
	if len(sum.Violations) != 1 || !strings.Contains(sum.Violations[0], "already held by event a") {
		t.Fatalf("expected surfaced violation, got %+v", sum.Violations)
	}
	evs, _ := h.st.ListEvents(context.Background())
	if len(evs) != 1 || evs[0].NoteUUID != "a" {
		t.Fatalf("expected only event a, got %+v", evs)
	}
}

func TestAnalysisFailureRevertsAndRetries(t *testing.T) {
	h := newHarness(t)
	h.analyzer.set("", errors.New("llm down"))
	h.readings.feed(rd(t, "08:05", 100))
	h.notes.feed(note(t, "a", "08:00", "breakfast"))
	sum := h.cycle()
	if sum.AnalysesQueued != 1 {
		t.Fatalf("expected queued analysis, got %+v", sum)
	}

	h.waitFor("failed record and revert", func() bool {
		ev, err := h.st.GetEvent(context.Background(), "a")
		if err != nil {
			h.t.Fatal(err)
		}
		rec, err := h.st.LatestAnalysisFor(context.Background(), "a")
		if err != nil {
			h.t.Fatal(err)
		}
		return ev != nil && ev.State == model.StateNeedsReanalysis && rec != nil
	})
	rec, _ := h.st.LatestAnalysisFor(context.Background(), "a")
	if rec.Status != model.AnalysisFailed || !strings.Contains(rec.Error, "llm down") {
		t.Fatalf("expected failed record, got %+v", rec)
	}
	ev, _ := h.st.GetEvent(context.Background(), "a")
	if ev.LastAnalyzedAt != nil {
		t.Fatal("failure must not advance last_analyzed_at")
	}

	// A failed first analysis retries on the next pass without cooldown.
	h.analyzer.set("[concerning] Big spike.", nil)
	sum = h.cycle()
	if sum.AnalysesQueued != 1 {
		t.Fatalf("expected retry, got %+v", sum)
	}
	h.waitEventState("a", model.StateCurrent)
	recs, _ := h.st.ListAnalysesFor(context.Background(), "a")
	if len(recs) != 2 || recs[0].Status != model.AnalysisFailed || recs[1].Status != model.AnalysisOK {
		t.Fatalf("expected failed then ok, got %+v", recs)
	}
	if recs[1].Classification != model.ClassConcerning {
		t.Fatalf("expected concerning, got %q", recs[1].Classification)
	}
}

func TestReadingValidationSkips(t *testing.T) {
	h := newHarness(t)
	old := model.Reading{Timestamp: time.Date(1999, 6, 1, 8, 0, 0, 0, time.UTC), Value: 120}
	h.readings.feed(rd(t, "08:00", 0), rd(t, "08:05", -5), old, rd(t, "08:10", 110))
	sum := h.cycle()
	if sum.NewReadings != 1 || sum.SkippedReadings != 3 {
		t.Fatalf("expected 1 accepted 3 skipped, got %+v", sum)
	}
}

func TestNoteValidationSkips(t *testing.T) {
	h := newHarness(t)
	h.notes.feed(
		model.Note{UUID: "", Timestamp: ts(t, "08:00"), Text: "no uuid"},
		model.Note{UUID: "x", Text: "zero timestamp"},
		model.Note{UUID: "y", Timestamp: ts(t, "08:10"), Text: "wrong folder", Folder: "archive"},
		note(t, "z", "08:20", "fine"),
	)
	sum := h.cycle()
	if sum.NewNotes != 1 || sum.SkippedNotes != 3 || sum.EventsCreated != 1 {
		t.Fatalf("expected only z through, got %+v", sum)
	}
}

func TestDayStatsRefreshedForAffectedDays(t *testing.T) {
	h := newHarness(t)
	h.readings.feed(rd(t, "08:00", 60), rd(t, "08:05", 200), rd(t, "08:10", 60), rd(t, "08:15", 200))
	sum := h.cycle()
	if sum.DaysRecomputed != 1 {
		t.Fatalf("expected 1 day recomputed, got %+v", sum)
	}

	ds, err := h.eng.GetDayStats(context.Background(), "2024-03-01")
	if err != nil || ds == nil {
		t.Fatalf("day stats: %v %v", ds, err)
	}
	if ds.Count != 4 {
		t.Fatalf("expected 4 readings, got %d", ds.Count)
	}
	assertFloat(t, "below_pct", ds.TimeBelowPct, 50)
	assertFloat(t, "above_pct", ds.TimeAbovePct, 50)
	assertFloat(t, "in_range_pct", ds.TimeInRangePct, 0)
	assertFloat(t, "min", ds.Min, 60)
	assertFloat(t, "max", ds.Max, 200)
	assertFloat(t, "avg", ds.Avg, 130)
	assertFloat(t, "std_dev", ds.StdDev, 70)

	if ds, _ := h.eng.GetDayStats(context.Background(), "2024-03-02"); ds != nil {
		t.Fatalf("expected nil for empty day, got %+v", ds)
	}
}

func TestGetPeriodStats(t *testing.T) {
	h := newHarness(t)
	h.readings.feed(rd(t, "08:00", 100), rd(t, "09:00", 100), rd(t, "10:00", 100))
	h.cycle()

	ps, err := h.eng.GetPeriodStats(context.Background(), ts(t, "07:00"), ts(t, "11:00"))
	if err != nil {
		t.Fatal(err)
	}
	if ps.Count != 3 {
		t.Fatalf("expected 3 readings, got %d", ps.Count)
	}
	assertFloat(t, "avg", ps.Avg, 100)
	assertFloat(t, "in_range_pct", ps.TimeInRangePct, 100)
	if ps.CoV == nil || *ps.CoV != 0 {
		t.Fatalf("constant series should have zero CoV, got %v", ps.CoV)
	}
	if ps.GMI == nil || math.Abs(*ps.GMI-5.702) > 1e-9 {
		t.Fatalf("expected GMI 5.702, got %v", ps.GMI)
	}
}

func TestChatAnswersFromAnalyzer(t *testing.T) {
	h := newHarness(t)
	h.readings.feed(rd(t, "08:00", 110))
	h.cycle()

	h.analyzer.set("Steady morning, nothing to flag.", nil)
	answer, err := h.eng.Chat(context.Background(), "how was my morning?")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "Steady morning, nothing to flag." {
		t.Fatalf("unexpected answer %q", answer)
	}
	if got := h.analyzer.lastPrompt(); !strings.Contains(got, "how was my morning?") {
		t.Fatalf("prompt missing question: %q", got)
	}

	if _, err := h.eng.Chat(context.Background(), "   "); err == nil {
		t.Fatal("expected error for empty question")
	}
}

func TestScheduleAnalysisOutsideCycle(t *testing.T) {
	h := newHarness(t)
	h.analyzer.set("", errors.New("llm down"))
	h.readings.feed(rd(t, "08:05", 100))
	h.notes.feed(note(t, "a", "08:00", "breakfast"))
	h.cycle()
	h.waitFor("revert to needs_reanalysis", func() bool {
		ev, _ := h.st.GetEvent(context.Background(), "a")
		return ev != nil && ev.State == model.StateNeedsReanalysis
	})

	h.analyzer.set("[bad] Sharp rise.", nil)
	queued, err := h.eng.ScheduleAnalysis(context.Background(), "a")
	if err != nil || !queued {
		t.Fatalf("expected backfill enqueue, got %v %v", queued, err)
	}
	h.waitEventState("a", model.StateCurrent)

	queued, err = h.eng.ScheduleAnalysis(context.Background(), "a")
	if err != nil || queued {
		t.Fatalf("settled event must not requeue, got %v %v", queued, err)
	}
	queued, err = h.eng.ScheduleAnalysis(context.Background(), "missing")
	if err != nil || queued {
		t.Fatalf("unknown event must not queue, got %v %v", queued, err)
	}
}

func TestGetEventDetail(t *testing.T) {
	h := newHarness(t)
	h.readings.feed(rd(t, "08:05", 100))
	h.notes.feed(note(t, "a", "08:00", "breakfast"), note(t, "b", "09:30", "walk"))
	h.cycle()
	h.waitFor("analyses settled", func() bool { return h.eng.InFlight() == 0 })

	detail, err := h.eng.GetEventDetail(context.Background(), "a")
	if err != nil || detail == nil {
		t.Fatalf("detail: %v %v", detail, err)
	}
	if detail.Note == nil || detail.Note.Text != "breakfast" {
		t.Fatalf("expected note resolved, got %+v", detail.Note)
	}
	if len(detail.Overlaps) != 1 || detail.Overlaps[0].NoteUUID != "b" {
		t.Fatalf("expected b in overlap context, got %+v", detail.Overlaps)
	}
	if detail.Latest == nil || detail.Latest.Status != model.AnalysisOK {
		t.Fatalf("expected settled analysis, got %+v", detail.Latest)
	}

	missing, err := h.eng.GetEventDetail(context.Background(), "missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown event, got %v %v", missing, err)
	}
}
