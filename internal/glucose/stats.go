// Package glucose implements the pure statistics computed over reading sets.
// Nothing here performs I/O; callers hand in the readings for a window and get
// a snapshot back. Repeated calls over the same input are bit-identical, which
// the recompute machinery relies on when deciding whether a snapshot changed.
package glucose

import (
	"math"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

// Bands is the clinical target band in mg/dL. Readings below Low count as
// time-below, above High as time-above.
type Bands struct {
	Low  float64
	High float64
}

// DefaultBands is the conventional 70-180 mg/dL range.
var DefaultBands = Bands{Low: 70, High: 180}

// ComputeEventStats derives the event-relative snapshot from the readings of
// one event window. AtEvent is the reading nearest the event timestamp (ties
// broken by the earlier reading). Spike is the maximum value strictly after
// the event minus AtEvent, kept signed: a negative spike means the level
// dropped after the event and is a meaningful result, not an error. PeakTime
// is the timestamp of that post-event maximum. With no readings at all, every
// field stays nil and Count is zero.
func ComputeEventStats(readings []model.Reading, eventTS time.Time) model.EventStats {
	out := model.EventStats{Count: len(readings)}
	if len(readings) == 0 {
		return out
	}

	nearest := readings[0]
	nearestDiff := absDuration(readings[0].Timestamp.Sub(eventTS))
	min, max := readings[0].Value, readings[0].Value
	var sum float64
	for _, r := range readings {
		if d := absDuration(r.Timestamp.Sub(eventTS)); d < nearestDiff || (d == nearestDiff && r.Timestamp.Before(nearest.Timestamp)) {
			nearest = r
			nearestDiff = d
		}
		if r.Value < min {
			min = r.Value
		}
		if r.Value > max {
			max = r.Value
		}
		sum += r.Value
	}

	atEvent := nearest.Value
	avg := sum / float64(len(readings))
	out.AtEvent = &atEvent
	out.Min = &min
	out.Max = &max
	out.Avg = &avg

	var peak *model.Reading
	for i := range readings {
		r := readings[i]
		if !r.Timestamp.After(eventTS) {
			continue
		}
		if peak == nil || r.Value > peak.Value || (r.Value == peak.Value && r.Timestamp.Before(peak.Timestamp)) {
			peak = &r
		}
	}
	if peak != nil {
		spike := peak.Value - atEvent
		peakTime := peak.Timestamp
		out.Spike = &spike
		out.PeakTime = &peakTime
	}
	return out
}

// ComputeDayStats aggregates one day of readings. Time-in-range percentages
// are by reading count, not wall-clock coverage. The in-range share is derived
// from the other two so the three always sum to exactly 100.
func ComputeDayStats(readings []model.Reading, bands Bands) model.DayStats {
	out := model.DayStats{Count: len(readings)}
	if len(readings) == 0 {
		return out
	}

	min, max := readings[0].Value, readings[0].Value
	var sum float64
	var below, above int
	for _, r := range readings {
		if r.Value < min {
			min = r.Value
		}
		if r.Value > max {
			max = r.Value
		}
		sum += r.Value
		switch {
		case r.Value < bands.Low:
			below++
		case r.Value > bands.High:
			above++
		}
	}

	n := float64(len(readings))
	avg := sum / n
	var sumSq float64
	for _, r := range readings {
		diff := r.Value - avg
		sumSq += diff * diff
	}
	stdDev := math.Sqrt(sumSq / n)

	belowPct := float64(below) / n * 100
	abovePct := float64(above) / n * 100
	inRangePct := 100 - (belowPct + abovePct)

	out.Min = &min
	out.Max = &max
	out.Avg = &avg
	out.StdDev = &stdDev
	out.TimeBelowPct = &belowPct
	out.TimeAbovePct = &abovePct
	out.TimeInRangePct = &inRangePct
	return out
}

// ComputePeriodStats aggregates an arbitrary interval of readings and adds the
// longer-horizon indicators: GMI (estimated A1C, 3.31 + 0.02392 x mean mg/dL)
// and the coefficient of variation.
func ComputePeriodStats(readings []model.Reading, bands Bands) model.PeriodStats {
	day := ComputeDayStats(readings, bands)
	out := model.PeriodStats{
		Min:            day.Min,
		Max:            day.Max,
		Avg:            day.Avg,
		StdDev:         day.StdDev,
		TimeInRangePct: day.TimeInRangePct,
		TimeBelowPct:   day.TimeBelowPct,
		TimeAbovePct:   day.TimeAbovePct,
		Count:          day.Count,
	}
	if day.Avg == nil {
		return out
	}
	avg := *day.Avg
	gmi := 3.31 + 0.02392*avg
	out.GMI = &gmi
	if avg > 0 {
		cov := *day.StdDev / avg * 100
		out.CoV = &cov
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
