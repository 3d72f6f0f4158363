// Package model contains the data structures shared across the service.
package model

import "time"

// Trend captures the sensor-reported direction of a glucose reading.
type Trend string

const (
	TrendFastFall Trend = "fast-fall"
	TrendFall     Trend = "fall"
	TrendStable   Trend = "stable"
	TrendRise     Trend = "rise"
	TrendFastRise Trend = "fast-rise"
	TrendUnknown  Trend = "unknown"
)

// TrendFromDirection maps a provider direction string into a Trend.
func TrendFromDirection(direction string) Trend {
	switch direction {
	case "DoubleDown":
		return TrendFastFall
	case "SingleDown", "FortyFiveDown":
		return TrendFall
	case "Flat":
		return TrendStable
	case "SingleUp", "FortyFiveUp":
		return TrendRise
	case "DoubleUp":
		return TrendFastRise
	default:
		return TrendUnknown
	}
}

// Arrow returns a display glyph for the trend.
func (t Trend) Arrow() string {
	switch t {
	case TrendFastFall:
		return "⇊"
	case TrendFall:
		return "↓"
	case TrendStable:
		return "→"
	case TrendRise:
		return "↑"
	case TrendFastRise:
		return "⇈"
	default:
		return "-"
	}
}

// Reading is a single glucose sample in mg/dL. Immutable once stored,
// keyed by timestamp.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Trend     Trend     `json:"trend"`
}

// ValueMmolL returns the reading converted to mmol/L.
func (r Reading) ValueMmolL() float64 {
	return r.Value / 18.0182
}

// Note is a timestamped free-text entry sourced externally. The uuid is the
// stable external identity; windowing only cares about uuid and timestamp.
type Note struct {
	UUID      string    `json:"uuid"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Folder    string    `json:"folder"`
}

// EventState values for the per-event recompute state machine.
type EventState string

const (
	StateFresh           EventState = "fresh"
	StateNeedsRecompute  EventState = "needs_recompute"
	StateNeedsReanalysis EventState = "needs_reanalysis"
	StateAnalyzing       EventState = "analyzing"
	StateCurrent         EventState = "current"
)

// EventStats is the cached statistics snapshot for an event window.
// Nil fields mean "not computable from the readings at hand" (empty window,
// or no reading after the event for Spike/PeakTime).
type EventStats struct {
	AtEvent  *float64   `json:"at_event"`
	Min      *float64   `json:"min"`
	Max      *float64   `json:"max"`
	Avg      *float64   `json:"avg"`
	Spike    *float64   `json:"spike"`
	PeakTime *time.Time `json:"peak_time"`
	Count    int        `json:"count"`
}

// Equal reports whether two snapshots are identical field for field.
// Recomputation over the same readings is deterministic, so exact float
// comparison is the intended semantics.
func (s EventStats) Equal(o EventStats) bool {
	return s.Count == o.Count &&
		eqFloat(s.AtEvent, o.AtEvent) &&
		eqFloat(s.Min, o.Min) &&
		eqFloat(s.Max, o.Max) &&
		eqFloat(s.Avg, o.Avg) &&
		eqFloat(s.Spike, o.Spike) &&
		eqTime(s.PeakTime, o.PeakTime)
}

func eqFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func eqTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Event correlates one note with a bounded reading window. One event exists
// per note uuid. PeriodEnd is the only field mutated in place (widening);
// everything else is replaced wholesale on recompute.
type Event struct {
	NoteUUID       string     `json:"note_uuid"`
	Timestamp      time.Time  `json:"timestamp"`
	PeriodStart    time.Time  `json:"period_start"`
	PeriodEnd      time.Time  `json:"period_end"`
	State          EventState `json:"state"`
	Stats          EventStats `json:"stats"`
	LastAnalyzedAt *time.Time `json:"last_analyzed_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Contains reports whether ts falls inside the half-open window
// [PeriodStart, PeriodEnd).
func (e Event) Contains(ts time.Time) bool {
	return !ts.Before(e.PeriodStart) && ts.Before(e.PeriodEnd)
}

// Analysis outcome status values.
const (
	AnalysisOK     = "ok"
	AnalysisFailed = "failed"
)

// Classification values extracted from analysis text.
const (
	ClassGood       = "good"
	ClassConcerning = "concerning"
	ClassBad        = "bad"
)

// AnalysisRecord is one append-only analysis run for an event, carrying the
// stats snapshot as computed at that run. The most recent record per event is
// its current analysis; history is never rewritten.
type AnalysisRecord struct {
	ID             int64      `json:"id"`
	EventUUID      string     `json:"event_uuid"`
	RequestedAt    time.Time  `json:"requested_at"`
	Stats          EventStats `json:"stats"`
	Text           string     `json:"text"`
	Classification string     `json:"classification"`
	Status         string     `json:"status"`
	Error          string     `json:"error"`
}

// DayStats aggregates all readings of one UTC calendar day.
type DayStats struct {
	Day            string   `json:"day"`
	Min            *float64 `json:"min"`
	Max            *float64 `json:"max"`
	Avg            *float64 `json:"avg"`
	StdDev         *float64 `json:"std_dev"`
	TimeInRangePct *float64 `json:"time_in_range_pct"`
	TimeBelowPct   *float64 `json:"time_below_pct"`
	TimeAbovePct   *float64 `json:"time_above_pct"`
	Count          int      `json:"count"`
}

// PeriodStats aggregates readings over an arbitrary interval and adds the
// longer-horizon indicators used for period comparisons.
type PeriodStats struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Min            *float64  `json:"min"`
	Max            *float64  `json:"max"`
	Avg            *float64  `json:"avg"`
	StdDev         *float64  `json:"std_dev"`
	TimeInRangePct *float64  `json:"time_in_range_pct"`
	TimeBelowPct   *float64  `json:"time_below_pct"`
	TimeAbovePct   *float64  `json:"time_above_pct"`
	GMI            *float64  `json:"gmi"`
	CoV            *float64  `json:"cov"`
	Count          int       `json:"count"`
}
